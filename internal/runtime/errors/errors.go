package errors

import sterrors "errors"

var (
	ErrAlreadyStarted       = sterrors.New("dltstream: broker already started")
	ErrNotRunning           = sterrors.New("dltstream: broker is not running")
	ErrSubscriptionClosed   = sterrors.New("dltstream: subscription is closed")
	ErrSourceRequired       = sterrors.New("dltstream: source is required")
	ErrBrokerRequired       = sterrors.New("dltstream: broker is required")
	ErrHandlerRequired      = sterrors.New("dltstream: handler function is required")
	ErrHandlerNameRequired  = sterrors.New("dltstream: handler name is required")
	ErrPublisherRequired    = sterrors.New("dltstream: publisher is required")
	ErrTopicRequired        = sterrors.New("dltstream: topic is required")
	ErrEventPayloadRequired = sterrors.New("dltstream: event payload is required")
	ErrConfigRequired       = sterrors.New("dltstream: configuration is required")
	ErrLoggerRequired       = sterrors.New("dltstream: logger is required")
)

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "dltstream: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err in a ConfigValidationError. A nil err
// returns nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
