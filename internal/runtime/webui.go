package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/dltstream/internal/runtime/jsoncodec"
)

func (b *Broker) StartWebUIServer() {
	if !b.Conf.WebUIEnabled {
		return
	}

	port := b.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	b.RegisterHTTPHandler(port, "/api/status", b.webUIHandler(b.handleGetStatus))
	b.RegisterHTTPHandler(port, "/api/subscriptions", b.webUIHandler(b.handleGetSubscriptions))
	b.RegisterHTTPHandler(port, "/api/handlers", b.webUIHandler(b.handleGetHandlers))
}

// webUIHandler wraps an endpoint with content-type, CORS, and preflight
// handling shared by all WebUI routes.
func (b *Broker) webUIHandler(fn func(w http.ResponseWriter, r *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if b.Conf != nil && len(b.Conf.WebUICORSAllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			allowedOrigin := b.getAllowedCORSOrigin(origin)
			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		fn(w, r)
	})
}

func (b *Broker) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, b.Status())
}

func (b *Broker) handleGetSubscriptions(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, b.Subscriptions())
}

func (b *Broker) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, b.Handlers())
}

func (b *Broker) writeJSON(w http.ResponseWriter, v any) {
	if err := jsoncodec.Encode(w, v); err != nil {
		b.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (b *Broker) getAllowedCORSOrigin(requestOrigin string) string {
	if b.Conf == nil {
		return ""
	}
	for _, allowed := range b.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
