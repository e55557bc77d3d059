package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersAtDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "test-key", Secret: "test-secret"}

	h1 := auth.HeadersAt("POST", "/v1/orders", `{"symbol":"AAPL"}`, 1700000000)
	h2 := auth.HeadersAt("POST", "/v1/orders", `{"symbol":"AAPL"}`, 1700000000)

	assert.Equal(t, h1, h2)
	assert.Equal(t, "test-key", h1["X-PB-API-KEY"])
	assert.Equal(t, "1700000000", h1["X-PB-TIMESTAMP"])
	require.NotEmpty(t, h1["X-PB-SIGNATURE"])
}

func TestHeadersAtSignature(t *testing.T) {
	auth := &HMACAuth{Key: "k", Secret: "s3cr3t"}

	headers := auth.HeadersAt("GET", "/v1/account", "", 1700000000)

	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	mac.Write([]byte("1700000000GET/v1/account"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, headers["X-PB-SIGNATURE"])
}

func TestSignatureVariesWithInput(t *testing.T) {
	auth := &HMACAuth{Key: "k", Secret: "s"}

	base := auth.HeadersAt("GET", "/v1/account", "", 100)["X-PB-SIGNATURE"]

	assert.NotEqual(t, base, auth.HeadersAt("POST", "/v1/account", "", 100)["X-PB-SIGNATURE"])
	assert.NotEqual(t, base, auth.HeadersAt("GET", "/v1/orders", "", 100)["X-PB-SIGNATURE"])
	assert.NotEqual(t, base, auth.HeadersAt("GET", "/v1/account", "x", 100)["X-PB-SIGNATURE"])
	assert.NotEqual(t, base, auth.HeadersAt("GET", "/v1/account", "", 101)["X-PB-SIGNATURE"])
}

func TestStringRedactsCredentials(t *testing.T) {
	auth := &HMACAuth{Key: "abcdef123456", Secret: "supersecretvalue"}

	s := auth.String()

	assert.NotContains(t, s, "abcdef123456")
	assert.NotContains(t, s, "supersecretvalue")
	assert.Contains(t, s, "abcd****")
}
