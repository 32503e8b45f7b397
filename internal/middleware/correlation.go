package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/portcullis/gateway/internal/exchange"
	"github.com/portcullis/gateway/internal/gwerrors"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// Correlation builds the exchange for the request and assigns its correlation
// id: taken from X-Correlation-ID when the client sent one, generated
// otherwise. The id is echoed on the response and forwarded upstream.
func Correlation() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(gwerrors.CorrelationIDHeader)
			if id == "" {
				id = uuid.New().String()
			}
			r.Header.Set(gwerrors.CorrelationIDHeader, id)
			w.Header().Set(gwerrors.CorrelationIDHeader, id)

			ex := &exchange.Exchange{
				CorrelationID: id,
				Start:         time.Now(),
			}
			next.ServeHTTP(w, r.WithContext(exchange.NewContext(r.Context(), ex)))
		})
	}
}
