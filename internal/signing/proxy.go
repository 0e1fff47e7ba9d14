package signing

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// ProxyConfig configures the KMS/HSM signing proxy client.
type ProxyConfig struct {
	Endpoint    string
	BearerToken string
	KeyID       string

	// mTLS material: PEM contents, file paths, or base64 PEM.
	ClientCert string
	ClientKey  string
	CACert     string

	Timeout time.Duration

	// FailClosed forbids any fallback: KMS failures surface as
	// ErrSignerUnavailable and abort the caller.
	FailClosed bool

	// Fallback is consulted when the proxy fails and FailClosed is unset.
	Fallback Signer
}

// Proxy signs by delegating to the KMS HTTP endpoint. Wire contract:
//
//	POST {endpoint}/sign   {"payload_b64": ..., "key_id"?: ...} -> {"signature_b64", "signer_id"}
//	POST {endpoint}/verify {"payload_b64","signature_b64","signer_id"} -> {"verified": bool}
type Proxy struct {
	client     *http.Client
	endpoint   string
	bearer     string
	keyID      string
	failClosed bool
	fallback   Signer
}

type kmsSignResponse struct {
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

type kmsVerifyResponse struct {
	Verified bool `json:"verified"`
}

// NewProxy builds a Proxy and its mTLS-capable HTTP client. Construction fails
// if the client cannot be built; callers treat that as a startup error.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("proxy endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultKMSTimeout
	}
	client, err := buildHTTPClient(cfg.ClientCert, cfg.ClientKey, cfg.CACert, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return &Proxy{
		client:     client,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		bearer:     cfg.BearerToken,
		keyID:      cfg.KeyID,
		failClosed: cfg.FailClosed,
		fallback:   cfg.Fallback,
	}, nil
}

// Sign signs payload via the KMS proxy. On proxy failure it either fails
// closed or delegates to the configured fallback signer.
func (p *Proxy) Sign(payload []byte) (string, string, error) {
	if len(payload) == 0 {
		return "", "", errors.New("signing payload is empty")
	}

	sig, signerID, err := p.signWithKMS(payload)
	if err == nil {
		return sig, signerID, nil
	}
	if p.failClosed {
		return "", "", fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	if p.fallback == nil {
		return "", "", fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	log.Printf("[signing] KMS signing failed: %v; using fallback signer", err)
	return p.fallback.Sign(payload)
}

// Verify validates the signature. Signatures produced by the local or HMAC
// fallbacks are verified locally; anything else goes to the KMS /verify route.
func (p *Proxy) Verify(payload []byte, sigB64 string, signerID string) error {
	if p.fallback != nil &&
		(strings.HasPrefix(signerID, localSignerPrefix) || strings.HasPrefix(signerID, hmacSignerPrefix)) {
		return p.fallback.Verify(payload, sigB64, signerID)
	}

	reqBody := map[string]string{
		"payload_b64":   base64.StdEncoding.EncodeToString(payload),
		"signature_b64": sigB64,
		"signer_id":     signerID,
	}
	var resp kmsVerifyResponse
	if err := p.postWithRetry(p.endpoint+"/verify", reqBody, &resp); err != nil {
		return err
	}
	if !resp.Verified {
		return errors.New("kms verification failed")
	}
	return nil
}

func (p *Proxy) signWithKMS(payload []byte) (string, string, error) {
	reqBody := map[string]string{
		"payload_b64": base64.StdEncoding.EncodeToString(payload),
	}
	if p.keyID != "" {
		reqBody["key_id"] = p.keyID
	}

	var resp kmsSignResponse
	if err := p.postWithRetry(p.endpoint+"/sign", reqBody, &resp); err != nil {
		return "", "", err
	}
	if resp.SignatureB64 == "" || resp.SignerID == "" {
		return "", "", errors.New("kms response missing signature_b64 or signer_id")
	}
	return resp.SignatureB64, resp.SignerID, nil
}

// postWithRetry performs a POST with a single retry on transient transport
// errors or 5xx responses.
func (p *Proxy) postWithRetry(url string, body interface{}, out interface{}) error {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err := p.postJSON(url, body, out); err != nil {
			lastErr = err
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			var httpErr *httpStatusError
			if errors.As(err, &httpErr) && httpErr.ShouldRetry() {
				continue
			}
			var opErr *net.OpError
			if errors.As(err, &opErr) {
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func (p *Proxy) postJSON(url string, body interface{}, out interface{}) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+p.bearer)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("kms returned http %d: %s", resp.StatusCode, string(b))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("kms decode error: %w", err)
		}
	}
	return nil
}

// buildHTTPClient constructs an HTTP client with optional mTLS.
func buildHTTPClient(certEnv, keyEnv, caEnv string, timeout time.Duration) (*http.Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if certEnv != "" && keyEnv != "" {
		certPEM, err := readValueOrFile(certEnv)
		if err != nil {
			return nil, fmt.Errorf("failed to read client cert: %w", err)
		}
		keyPEM, err := readValueOrFile(keyEnv)
		if err != nil {
			return nil, fmt.Errorf("failed to read client key: %w", err)
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if caEnv != "" {
		caPEM, err := readValueOrFile(caEnv)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		cp := x509.NewCertPool()
		if !cp.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = cp
	}

	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   timeout,
	}, nil
}

// readValueOrFile returns the raw bytes of the provided string. A string that
// names an existing file is read from disk; otherwise the string itself is
// treated as PEM content (or base64 thereof, for CI-provided secrets).
func readValueOrFile(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("value is empty")
	}
	if _, err := os.Stat(value); err == nil {
		return os.ReadFile(value)
	}
	if strings.Contains(value, "BEGIN") {
		return []byte(value), nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) > 0 {
		return decoded, nil
	}
	return []byte(value), nil
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("kms http %d: %s", e.StatusCode, e.Body)
}

func (e *httpStatusError) ShouldRetry() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}
