package auth

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jwksRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kernel",
	Subsystem: "auth",
	Name:      "jwks_refresh_total",
	Help:      "JWKS refresh attempts by outcome.",
}, []string{"outcome"})

// JWKSCache fetches and caches a JWKS document, refreshing when the TTL
// expires or a kid lookup misses.
type JWKSCache struct {
	url string
	ttl time.Duration

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	lastFetch time.Time
	lastErr   error
	client    *http.Client
}

// NewJWKSCache constructs the cache and performs a best-effort initial fetch.
func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	j := &JWKSCache{
		url:    jwksURL,
		ttl:    ttl,
		keys:   make(map[string]crypto.PublicKey),
		client: &http.Client{Timeout: 5 * time.Second},
	}
	if err := j.Refresh(); err != nil {
		log.Printf("[jwks] initial jwks fetch failed: %v", err)
	}
	return j
}

// Refresh reloads the JWKS document. Only RSA keys are retained; malformed
// entries are skipped with a log line.
func (j *JWKSCache) Refresh() error {
	if j.url == "" {
		return errors.New("jwks url empty")
	}
	req, err := http.NewRequest(http.MethodGet, j.url, nil)
	if err != nil {
		return j.fail(err)
	}
	req.Header.Set("User-Agent", "kernel-jwks-cache/1.0")

	resp, err := j.client.Do(req)
	if err != nil {
		return j.fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return j.fail(errors.New("jwks fetch returned status " + resp.Status))
	}

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return j.fail(err)
	}

	newKeys := make(map[string]crypto.PublicKey)
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" || k.N == "" || k.E == "" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			log.Printf("[jwks] decode n for kid=%s failed: %v", k.Kid, err)
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			log.Printf("[jwks] decode e for kid=%s failed: %v", k.Kid, err)
			continue
		}
		e := 0
		for _, b := range eBytes {
			e = e<<8 + int(b)
		}
		if e == 0 {
			log.Printf("[jwks] invalid exponent for kid=%s", k.Kid)
			continue
		}
		pub := &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}
		if _, err := x509.MarshalPKIXPublicKey(pub); err != nil {
			log.Printf("[jwks] public key marshal failed for kid=%s: %v", k.Kid, err)
			continue
		}
		newKeys[k.Kid] = pub
	}

	j.mu.Lock()
	j.keys = newKeys
	j.lastFetch = time.Now().UTC()
	j.lastErr = nil
	j.mu.Unlock()

	jwksRefreshes.WithLabelValues("success").Inc()
	log.Printf("[jwks] refreshed %d keys from %s (ttl=%s)", len(newKeys), j.url, j.ttl)
	return nil
}

// GetKey returns the public key for the kid, refreshing once on a stale cache
// or a miss.
func (j *JWKSCache) GetKey(kid string) (crypto.PublicKey, error) {
	j.mu.RLock()
	if time.Since(j.lastFetch) <= j.ttl {
		if k, ok := j.keys[kid]; ok {
			j.mu.RUnlock()
			return k, nil
		}
	}
	j.mu.RUnlock()

	if err := j.Refresh(); err != nil {
		j.mu.RLock()
		le := j.lastErr
		j.mu.RUnlock()
		if le != nil {
			return nil, le
		}
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if k, ok := j.keys[kid]; ok {
		return k, nil
	}
	return nil, errors.New("key not found")
}

// LastFetch returns the last successful fetch time.
func (j *JWKSCache) LastFetch() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastFetch
}

// LastError returns the last fetch error, if any.
func (j *JWKSCache) LastError() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastErr
}

func (j *JWKSCache) fail(err error) error {
	jwksRefreshes.WithLabelValues("failure").Inc()
	j.mu.Lock()
	j.lastErr = err
	j.mu.Unlock()
	return err
}
