package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"chatmeter/internal/identity"
)

type ctxKey int

const callerKey ctxKey = iota

// CallerFrom returns the identity resolved for this request.
func CallerFrom(ctx context.Context) (identity.Resolution, bool) {
	res, ok := ctx.Value(callerKey).(identity.Resolution)
	return res, ok
}

// withIdentity resolves the caller's identity before any handler work. A
// store failure here fails the whole request; treating an unreachable store
// as "new user" would hand out ledger bypasses.
func (s *Server) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.RequestsTotal.Inc()

		res, err := s.resolver.Resolve(r.Context(), identity.FromRequest(r))
		if err != nil {
			s.logger.Error().Err(err).Msg("identity resolution failed")
			writeError(w, http.StatusInternalServerError, "service unavailable")
			return
		}
		if res.AccountID == "" {
			writeError(w, http.StatusUnauthorized, "no identity")
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, res)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// admit short-circuits send-message for callers with nothing left to spend.
// This is an early exit only; the ledger's atomic debit remains the floor
// enforcement point.
func (s *Server) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "no identity")
			return
		}
		if caller.Balance <= 0 {
			s.metrics.PaymentRequired.Inc()
			writeError(w, http.StatusPaymentRequired, "insufficient credits")
			return
		}

		if s.limiter != nil {
			allowed, used, resetAt, err := s.limiter.Allow(r.Context(), caller.AccountID, time.Now())
			if err != nil {
				// The limiter is an abuse brake, not a correctness gate;
				// a redis outage must not take the gateway down with it.
				s.logger.Warn().Err(err).Msg("rate limiter unavailable, admitting")
			} else if !allowed {
				s.logger.Info().Str("account_id", caller.AccountID).Int64("used", used).Msg("rate limited")
				w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(resetAt).Seconds()), 10))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
