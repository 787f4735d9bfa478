package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs each request reaching the HTTP surface, tagged with
// the source metadata extracted earlier in the chain.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			}
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				attrs = append(attrs,
					slog.String("ip", reqMeta.IP),
					slog.Bool("trustedLocal", reqMeta.TrustedLocal),
				)
			}
			logger.Info("Incoming request", attrs...)
			next.ServeHTTP(w, r)
		})
	}
}
