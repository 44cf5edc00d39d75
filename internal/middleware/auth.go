package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/taskpact/internal/auth"
)

// Verifier checks a member's PIN and returns the identity it unlocks.
type Verifier interface {
	Verify(ctx context.Context, memberID int64, pin string) (auth.Actor, error)
}

// RequireMember authenticates requests with HTTP basic auth, where the user
// is the member id and the password is the member's PIN, and populates the
// acting member in the request context. Failed PINs count against the
// client address and member in lockout; a nil lockout disables it.
func RequireMember(v Verifier, lockout *Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pin, ok := r.BasicAuth()
			if !ok {
				unauthorized(w)
				return
			}
			memberID, err := strconv.ParseInt(user, 10, 64)
			if err != nil {
				unauthorized(w)
				return
			}

			key := RealIP(r) + "/" + user
			if lockout != nil {
				if blocked, until := lockout.Blocked(key); blocked {
					w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(until).Seconds())+1))
					http.Error(w, "Too many failed attempts", http.StatusTooManyRequests)
					return
				}
			}

			actor, err := v.Verify(r.Context(), memberID, pin)
			if err != nil {
				logger.Warn("member authentication failed", "member_id", memberID, "remote", RealIP(r), "error", err)
				if lockout != nil {
					lockout.Fail(key)
				}
				unauthorized(w)
				return
			}
			if lockout != nil {
				lockout.Reset(key)
			}
			noteMember(r.Context(), actor.MemberID)

			next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
		})
	}
}

// RequireParent rejects requests whose acting member is not a parent.
func RequireParent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.FromContext(r.Context())
		if !ok || !actor.IsParent() {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="taskpact"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
