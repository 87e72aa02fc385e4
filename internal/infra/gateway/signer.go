package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

const (
	HeaderKey       = "X-IBOT-KEY"
	HeaderSign      = "X-IBOT-SIGN"
	HeaderTimestamp = "X-IBOT-TIMESTAMP"
)

// Signer authenticates requests to the broker bridge.
type Signer struct {
	accessKey string
	secretKey string
}

// NewSigner creates a new Signer instance
func NewSigner(accessKey, secretKey string) *Signer {
	return &Signer{
		accessKey: accessKey,
		secretKey: secretKey,
	}
}

// GenerateHeaders creates the authentication headers for a request.
// path excludes the host, query is the raw query string (empty if none)
// and body is the request payload (empty if none).
func (s *Signer) GenerateHeaders(method, path, query, body string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	fullPath := path
	if query != "" {
		fullPath = path + "?" + query
	}

	return map[string]string{
		HeaderKey:       s.accessKey,
		HeaderSign:      computeHmacSha256(timestamp+method+fullPath+body, s.secretKey),
		HeaderTimestamp: timestamp,
	}
}

// Verify checks a signature produced by GenerateHeaders.
func (s *Signer) Verify(sign, timestamp, method, path, query, body string) bool {
	fullPath := path
	if query != "" {
		fullPath = path + "?" + query
	}
	expected := computeHmacSha256(timestamp+method+fullPath+body, s.secretKey)
	return hmac.Equal([]byte(expected), []byte(sign))
}

func computeHmacSha256(message string, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
