package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/alexedwards/argon2id"
)

// keyParams are the OWASP minimum Argon2id parameters (46 MiB, t=1, p=1).
var keyParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKey returns an Argon2id PHC hash of a raw API key, suitable for
// server.api_key_hashes.
func HashKey(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, keyParams)
}

// Authenticator resolves bearer API keys to caller IDs. Keys come from
// Argon2id hashes in the config file and from plaintext FLOWGATE_API_KEYS.
type Authenticator struct {
	hashes map[string]string // caller ID → argon2id hash
	plain  map[string]string // raw key → caller ID

	// Verified keys, cached by SHA-256 digest.
	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

// NewAuthenticator builds an Authenticator. Plaintext keys get caller IDs
// "env-1", "env-2", ...
func NewAuthenticator(hashes map[string]string, plainKeys []string) *Authenticator {
	a := &Authenticator{
		hashes:   make(map[string]string, len(hashes)),
		plain:    make(map[string]string, len(plainKeys)),
		verified: make(map[[sha256.Size]byte]string),
	}
	for id, h := range hashes {
		a.hashes[id] = h
	}
	for i, k := range plainKeys {
		if k != "" {
			a.plain[k] = "env-" + strconv.Itoa(i+1)
		}
	}
	return a
}

// Enabled reports whether any key is configured. With no keys the API is open.
func (a *Authenticator) Enabled() bool {
	return a != nil && (len(a.hashes) > 0 || len(a.plain) > 0)
}

// Verify returns the caller ID for rawKey.
func (a *Authenticator) Verify(rawKey string) (string, bool) {
	if rawKey == "" || !a.Enabled() {
		return "", false
	}

	digest := sha256.Sum256([]byte(rawKey))
	a.mu.RLock()
	id, ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return id, true
	}

	callerID := ""
	for key, id := range a.plain {
		if subtle.ConstantTimeCompare([]byte(rawKey), []byte(key)) == 1 {
			callerID = id
		}
	}
	if callerID == "" {
		for id, hash := range a.hashes {
			if match, err := compareHash(rawKey, hash); err == nil && match {
				callerID = id
				break
			}
		}
	}
	if callerID == "" {
		return "", false
	}

	a.mu.Lock()
	a.verified[digest] = callerID
	a.mu.Unlock()
	return callerID, true
}

// Middleware guards a plain net/http handler, such as the MCP endpoint,
// with the same bearer keys as the /v1 routes.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Enabled() {
			if _, ok := a.Verify(bearerToken(r.Header.Get("Authorization"))); !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing or invalid API key", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// compareHash recovers from the panic argon2 raises on malformed parameters.
func compareHash(rawKey, hash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, hash)
}
