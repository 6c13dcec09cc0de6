package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1716196564, 0)

func TestBuildHeaders_BearerTokenWinsForEveryMethod(t *testing.T) {
	for _, method := range []AuthMethod{"", AuthHeaders, AuthBasic, AuthHMAC, "BASIC", "weird"} {
		h, err := BuildHeaders(AuthContext{
			APIKey:      "key",
			APISecret:   "secret",
			Method:      method,
			BearerToken: "tok",
		}, "https://api.example.com/trades", nil, fixedNow)
		require.NoError(t, err)

		assert.Equal(t, "Bearer tok", h.Get("Authorization"), "method %q", method)
		assert.Empty(t, h.Get("x-api-key"), "method %q", method)
		assert.Empty(t, h.Get("x-api-secret"), "method %q", method)
		assert.Empty(t, h.Get("x-signature"), "method %q", method)
		assert.Equal(t, "application/json", h.Get("Content-Type"))
	}
}

func TestBuildHeaders_Basic(t *testing.T) {
	h, err := BuildHeaders(AuthContext{APIKey: "key", APISecret: "secret", Method: "Basic"}, "https://api.example.com", nil, fixedNow)
	require.NoError(t, err)

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("key:secret"))
	assert.Equal(t, want, h.Get("Authorization"))
	assert.Empty(t, h.Get("x-api-key"))
}

func TestBuildHeaders_DefaultHeadersOmitEmptyValues(t *testing.T) {
	h, err := BuildHeaders(AuthContext{APIKey: "key"}, "https://api.example.com", nil, fixedNow)
	require.NoError(t, err)

	assert.Equal(t, "key", h.Get("x-api-key"))
	_, hasSecret := h["X-Api-Secret"]
	assert.False(t, hasSecret)
	assert.Empty(t, h.Get("Authorization"))

	h, err = BuildHeaders(AuthContext{APIKey: "key", APISecret: "secret", Method: "headers"}, "https://api.example.com", nil, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "secret", h.Get("x-api-secret"))
}

func TestBuildHeaders_HMACSignature(t *testing.T) {
	auth := AuthContext{APIKey: "key", APISecret: "secret", Method: "HMAC"}
	url := "https://api.example.com/v1/trades?from=2024-05-20"
	body := []byte(`{"page":1}`)

	h, err := BuildHeaders(auth, url, body, fixedNow)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1716196564:/v1/trades?from=2024-05-20:" + string(body)))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), h.Get("x-signature"))
	assert.Equal(t, "1716196564", h.Get("x-timestamp"))
	assert.Equal(t, "key", h.Get("x-api-key"))

	again, err := BuildHeaders(auth, url, body, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, h.Get("x-signature"), again.Get("x-signature"))

	sig := func(a AuthContext, u string, b []byte) string {
		t.Helper()
		hh, err := BuildHeaders(a, u, b, fixedNow)
		require.NoError(t, err)
		return hh.Get("x-signature")
	}
	base := h.Get("x-signature")
	assert.NotEqual(t, base, sig(AuthContext{APIKey: "key", APISecret: "other", Method: AuthHMAC}, url, body))
	assert.NotEqual(t, base, sig(auth, "https://api.example.com/v1/trades?from=2024-05-21", body))
	assert.NotEqual(t, base, sig(auth, url, []byte(`{"page":2}`)))
	assert.NotEqual(t, base, sig(auth, url, nil))
}

func TestBuildHeaders_HMACEmptyPathSignsRoot(t *testing.T) {
	h, err := BuildHeaders(AuthContext{APISecret: "s", Method: AuthHMAC}, "https://api.example.com", nil, fixedNow)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("s"))
	mac.Write([]byte("1716196564:/:"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), h.Get("x-signature"))
}

func TestBuildHeaders_HMACInvalidURL(t *testing.T) {
	_, err := BuildHeaders(AuthContext{Method: AuthHMAC}, "://bad", nil, fixedNow)
	require.Error(t, err)
}

func TestBuildHeaders_SessionTokenAlwaysAttached(t *testing.T) {
	h, err := BuildHeaders(AuthContext{BearerToken: "tok", SessionToken: "sid-1"}, "https://api.example.com", nil, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "sid-1", h.Get("x-session-id"))
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))

	h, err = BuildHeaders(AuthContext{APIKey: "k", SessionToken: "sid-2", SessionHeader: "X-Alice-SID"}, "https://api.example.com", nil, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "sid-2", h.Get("x-alice-sid"))
	assert.Empty(t, h.Get("x-session-id"))
	assert.Equal(t, "k", h.Get("x-api-key"))
}

func TestParseAuthMethod(t *testing.T) {
	assert.Equal(t, AuthHeaders, ParseAuthMethod(""))
	assert.Equal(t, AuthBasic, ParseAuthMethod(" BASIC "))
	assert.Equal(t, AuthHMAC, ParseAuthMethod("Hmac"))
	assert.Equal(t, AuthHeaders, ParseAuthMethod("oauth"))
}
