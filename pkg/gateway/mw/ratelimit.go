package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/demardefrozen10/SENSE/pkg/gateway/apierror"
	"github.com/demardefrozen10/SENSE/pkg/gateway/ratelimit"
)

// ConnLimit admits websocket upgrades per client address. The permit is held
// for the lifetime of the connection, which ends when next returns.
func ConnLimit(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec := limiter.AcquireConn(ratelimit.ClientKey(r), time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			apierror.Write(w, reqID, &apierror.Error{
				Type:    apierror.TypeOverloaded,
				Message: "too many connections from this client",
				Code:    "rate_limited",
			}, http.StatusTooManyRequests)
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}
