package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

var fixedDate = time.Date(2024, time.March, 4, 5, 6, 7, 0, time.UTC)

func TestSignedURLParameters(t *testing.T) {
	raw, err := SignedURL("key", "secret", "", fixedDate)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Scheme != "wss" || u.Host != DefaultHost || u.Path != "/v2/iat" {
		t.Fatalf("unexpected url %s", raw)
	}
	q := u.Query()
	if q.Get("date") != "Mon, 04 Mar 2024 05:06:07 GMT" {
		t.Fatalf("unexpected date %q", q.Get("date"))
	}
	if q.Get("host") != DefaultHost {
		t.Fatalf("unexpected host %q", q.Get("host"))
	}

	decoded, err := base64.StdEncoding.DecodeString(q.Get("authorization"))
	if err != nil {
		t.Fatalf("authorization is not base64: %v", err)
	}
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("host: " + DefaultHost + "\ndate: Mon, 04 Mar 2024 05:06:07 GMT\nGET /v2/iat HTTP/1.1"))
	wantSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	want := `api_key="key", algorithm="hmac-sha256", headers="host date request-line", signature="` + wantSig + `"`
	if string(decoded) != want {
		t.Fatalf("unexpected authorization\n got: %s\nwant: %s", decoded, want)
	}
}

func TestSignatureDeterministic(t *testing.T) {
	date := fixedDate.Format("Mon, 02 Jan 2006 15:04:05 GMT")
	a := Signature("secret", "h", date)
	b := Signature("secret", "h", date)
	if a != b {
		t.Fatalf("expected deterministic signature")
	}
	if a == Signature("other", "h", date) {
		t.Fatalf("expected signature to depend on secret")
	}
	if !strings.HasPrefix(CanonicalString("h", date), "host: h\ndate: ") {
		t.Fatalf("unexpected canonical string %q", CanonicalString("h", date))
	}
}

func TestSignedURLRequiresCredentials(t *testing.T) {
	if _, err := SignedURL("", "secret", "", fixedDate); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := (Signer{APIKey: "k"}).URL(); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestSignerCustomScheme(t *testing.T) {
	s := Signer{APIKey: "k", APISecret: "s", Host: "127.0.0.1:9000", Scheme: "ws", Now: func() time.Time { return fixedDate }}
	raw, err := s.URL()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.HasPrefix(raw, "ws://127.0.0.1:9000/v2/iat?") {
		t.Fatalf("unexpected url %s", raw)
	}
}
