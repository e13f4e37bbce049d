package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultHost = "iat-api.xfyun.cn"
	RequestPath = "/v2/iat"
	Algorithm   = "hmac-sha256"
	headerList  = "host date request-line"
)

// ErrMissingCredentials is returned when the key or secret is empty.
var ErrMissingCredentials = errors.New("auth: api key and api secret are required")

// Signer produces signed websocket URLs for the recognition endpoint.
type Signer struct {
	APIKey    string
	APISecret string
	Host      string
	Scheme    string
	Now       func() time.Time
}

// URL signs a connection URL for the current time.
func (s Signer) URL() (string, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	host := s.Host
	if strings.TrimSpace(host) == "" {
		host = DefaultHost
	}
	return SignedURLWithScheme(s.Scheme, s.APIKey, s.APISecret, host, now())
}

// SignedURL returns wss://host/v2/iat with authorization, date and host query
// parameters. The signature is deterministic for a given secret, host and date.
func SignedURL(apiKey, apiSecret, host string, at time.Time) (string, error) {
	return SignedURLWithScheme("wss", apiKey, apiSecret, host, at)
}

// SignedURLWithScheme is SignedURL for a custom scheme (ws for local stubs).
func SignedURLWithScheme(scheme, apiKey, apiSecret, host string, at time.Time) (string, error) {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(apiSecret) == "" {
		return "", ErrMissingCredentials
	}
	if strings.TrimSpace(host) == "" {
		host = DefaultHost
	}
	if scheme == "" {
		scheme = "wss"
	}
	date := at.UTC().Format(http.TimeFormat)
	authorization := Authorization(apiKey, Signature(apiSecret, host, date))

	q := url.Values{}
	q.Set("authorization", base64.StdEncoding.EncodeToString([]byte(authorization)))
	q.Set("date", date)
	q.Set("host", host)

	u := url.URL{Scheme: scheme, Host: host, Path: RequestPath, RawQuery: q.Encode()}
	return u.String(), nil
}

// CanonicalString is the text covered by the signature.
func CanonicalString(host, date string) string {
	return fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", host, date, RequestPath)
}

// Signature is base64(HMAC-SHA256(secret, canonical string)).
func Signature(apiSecret, host, date string) string {
	mac := hmac.New(sha256.New, []byte(apiSecret))
	_, _ = mac.Write([]byte(CanonicalString(host, date)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Authorization builds the plain authorization header value before encoding.
func Authorization(apiKey, signature string) string {
	return fmt.Sprintf(`api_key="%s", algorithm="%s", headers="%s", signature="%s"`,
		apiKey, Algorithm, headerList, signature)
}
