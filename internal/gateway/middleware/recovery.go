package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"salvage/internal/gateway/handlers"
	"salvage/pkg/logger"
)

// Recovery turns a handler panic into a 500 error envelope. http.ErrAbortHandler
// is re-raised so net/http can drop the connection quietly.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			logger.Error().
				Interface("error", rec).
				Str("request_id", w.Header().Get(RequestIDHeader)).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, "internal server error")
		}()

		next.ServeHTTP(w, r)
	})
}
