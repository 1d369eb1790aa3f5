// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apierrors "github.com/stacklok/peace-protocol/pkg/api/errors"
	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/logger"
	"github.com/stacklok/peace-protocol/pkg/peace/session"
)

// ErrorWriter writes err in the envelope of a transport.
type ErrorWriter func(http.ResponseWriter, *http.Request, error)

// CORS allows cross-origin calls to the REST routes. Preflight requests are
// answered before any authentication or ban check.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SessionMiddleware loads the principal of the session cookie into the
// request context. Requests without a valid session continue anonymously.
func SessionMiddleware(sessions *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(session.CookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}
			sess, err := sessions.Get(r.Context(), cookie.Value)
			if err != nil {
				if !peaceerrors.IsUnauthorized(err) {
					logger.Warnw("failed to load session", "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}
			ctx := session.WithPrincipal(r.Context(), &sess.Principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BanChecker reports banned principals.
type BanChecker interface {
	Check(ctx context.Context, userIDs ...string) error
}

// RequireNotBanned rejects requests whose principal is banned before the
// handler runs.
func RequireNotBanned(bans BanChecker, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if principal, ok := session.PrincipalFromContext(r.Context()); ok {
				if err := bans.Check(r.Context(), principal.ID); err != nil {
					writeErr(w, r, err)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin rejects requests without an administrator session.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := session.PrincipalFromContext(r.Context())
		if !ok || !principal.Admin {
			apierrors.WriteRESTError(w, r, peaceerrors.NewUnauthorizedError("administrator login required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter enforces a per-client request budget.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	window  time.Duration
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with burst per
// client address. It returns nil when requestsPerSecond is not positive.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(requestsPerSecond),
		burst:   burst,
		window:  5 * time.Minute,
		clients: make(map[string]*clientLimiter),
	}
}

// Middleware answers 429 once a client exhausts its budget. A nil limiter
// lets every request through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions && !l.get(clientKey(r)).Allow() {
			apierrors.WriteJSON(w, http.StatusTooManyRequests, apierrors.RESTError{
				Code:    "rate_limited",
				Message: "Too many requests. Please slow down.",
				Data:    apierrors.RESTErrorData{Status: http.StatusTooManyRequests},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.clients[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.clients[key] = &clientLimiter{limiter: limiter, lastSeen: now}
	for k, entry := range l.clients {
		if now.Sub(entry.lastSeen) > l.window {
			delete(l.clients, k)
		}
	}
	return limiter
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SweepMiddleware runs sweep at most once per interval, piggybacking on
// incoming requests.
func SweepMiddleware(interval time.Duration, sweep func(context.Context) error) func(http.Handler) http.Handler {
	sometimes := &rate.Sometimes{Interval: interval}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sometimes.Do(func() {
				if err := sweep(context.WithoutCancel(r.Context())); err != nil {
					logger.Warnw("sweep failed", "error", err)
				}
			})
			next.ServeHTTP(w, r)
		})
	}
}
