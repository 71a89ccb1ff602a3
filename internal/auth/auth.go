// Package auth loads API credentials and signs REST requests and upstream
// websocket handshakes with RSA-PSS.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"
)

// Header names carried by signed requests.
const (
	HeaderKey       = "KALSHI-ACCESS-KEY"
	HeaderTimestamp = "KALSHI-ACCESS-TIMESTAMP"
	HeaderSignature = "KALSHI-ACCESS-SIGNATURE"
)

// WebSocketPath is the path signed for the upstream websocket handshake.
const WebSocketPath = "/trade-api/ws/v2"

var (
	ErrMissingKeyID   = errors.New("api key id is required")
	ErrMissingKeyPath = errors.New("private key path is required")
	ErrNotRSA         = errors.New("key is not an RSA private key")
)

// Credentials holds the API key and private key for signing requests.
type Credentials struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey

	clock clockwork.Clock
}

// NewCredentials wraps an already loaded key. A nil clock uses wall time.
func NewCredentials(keyID string, key *rsa.PrivateKey, clock clockwork.Clock) *Credentials {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Credentials{KeyID: keyID, PrivateKey: key, clock: clock}
}

// LoadCredentials loads credentials from key ID and private key file path.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, ErrMissingKeyID
	}
	if privateKeyPath == "" {
		return nil, ErrMissingKeyPath
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return NewCredentials(keyID, privateKey, nil), nil
}

// LoadPrivateKey loads an RSA private key from a PEM file in PKCS#8 or
// PKCS#1 form.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("decode PEM block: no PEM data found")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrNotRSA
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return rsaKey, nil
}

// SignRequest returns the authentication headers for one request. Any query
// string on path is not part of the signed message.
func (c *Credentials) SignRequest(method, path string) (map[string]string, error) {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	ts := c.now()

	signature, err := c.sign(ts, method, path)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		HeaderKey:       c.KeyID,
		HeaderTimestamp: strconv.FormatInt(ts, 10),
		HeaderSignature: signature,
	}, nil
}

// Header is SignRequest as an http.Header.
func (c *Credentials) Header(method, path string) (http.Header, error) {
	signed, err := c.SignRequest(method, path)
	if err != nil {
		return nil, err
	}
	h := make(http.Header, len(signed))
	for k, v := range signed {
		h.Set(k, v)
	}
	return h, nil
}

// WebSocketHeader returns a function producing fresh handshake headers for
// path on every call. Each reconnect must sign with a new timestamp.
func (c *Credentials) WebSocketHeader(path string) func() (http.Header, error) {
	if path == "" {
		path = WebSocketPath
	}
	return func() (http.Header, error) {
		return c.Header(http.MethodGet, path)
	}
}

func (c *Credentials) now() int64 {
	if c.clock == nil {
		return clockwork.NewRealClock().Now().UnixMilli()
	}
	return c.clock.Now().UnixMilli()
}

// sign signs timestamp_ms + method + path with RSA-PSS over SHA-256.
func (c *Credentials) sign(timestampMs int64, method, path string) (string, error) {
	hashed := sha256.Sum256([]byte(message(timestampMs, method, path)))

	signature, err := rsa.SignPSS(rand.Reader, c.PrivateKey, crypto.SHA256, hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}

func message(timestampMs int64, method, path string) string {
	return strconv.FormatInt(timestampMs, 10) + method + path
}
