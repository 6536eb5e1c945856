package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// Recover guards the server from panics and logs the stack trace.
func Recover(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error().
					Str("request_id", RequestIDFrom(r.Context())).
					Str("path", r.URL.Path).
					Interface("error", rec).
					Bytes("stack", debug.Stack()).
					Msg("http_panic")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"code":       "internal",
						"message":    http.StatusText(http.StatusInternalServerError),
						"request_id": RequestIDFrom(r.Context()),
					},
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}
