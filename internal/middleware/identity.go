package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/cache"
	"github.com/covenant/governor/internal/identity"
)

// IdentifierHeader carries the constitutional identifier on every request.
const IdentifierHeader = "X-Constitutional-Identifier"

// IdentityMiddleware rejects any request whose constitutional identifier
// does not match the platform's. Mismatches are audited; they are a
// compatibility fault, not an auth failure, so the response is 409.
func IdentityMiddleware(stamper *identity.Stamper, auditor cache.Auditor, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(IdentifierHeader)
		if err := stamper.Check(got); err != nil {
			if auditor != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				auditor.Append(ctx, "api.middleware", audit.KindConstitutional, map[string]interface{}{
					"path":   r.URL.Path,
					"remote": r.RemoteAddr,
					"got":    got,
				})
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"constitutional identifier mismatch"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
