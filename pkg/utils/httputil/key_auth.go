package httputil

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var errInvalidKey = errors.New("invalid key")

type KeyAuthMiddleware struct {
	next http.Handler
	keys []string
}

func UseKeyAuth(keys []string, next http.Handler) *KeyAuthMiddleware {
	return &KeyAuthMiddleware{
		next: next,
		keys: keys,
	}
}

// KeyAuth returns a middleware requiring one of keys as bearer token. With
// no keys configured, requests pass through unchecked.
func KeyAuth(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return UseKeyAuth(keys, next)
	}
}

func (m *KeyAuthMiddleware) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	bearer, key, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(bearer, "bearer") || !m.matches(key) {
		rw.Header().Set("WWW-Authenticate", "Bearer")
		RespondError(rw, http.StatusUnauthorized, errInvalidKey)
		return
	}

	m.next.ServeHTTP(rw, r)
}

func (m *KeyAuthMiddleware) matches(key string) bool {
	c := 0
	for _, k := range m.keys {
		c += subtle.ConstantTimeCompare([]byte(k), []byte(key))
	}
	return c > 0
}
