// Package sources imports all built-in sources for auto-registration.
// Import this package to have all sources registered with the default registry.
package sources

import (
	// Import all sources for side-effect registration
	_ "github.com/drblury/dltstream/source/file"
	_ "github.com/drblury/dltstream/source/tcp"
)
