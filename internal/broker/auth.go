package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultSessionHeader 为附加 SID 时使用的默认请求头。
const DefaultSessionHeader = "x-session-id"

// ParseAuthMethod 不区分大小写解析鉴权方式，无法识别时按 headers 处理。
func ParseAuthMethod(s string) AuthMethod {
	switch AuthMethod(strings.ToLower(strings.TrimSpace(s))) {
	case AuthBasic:
		return AuthBasic
	case AuthHMAC:
		return AuthHMAC
	default:
		return AuthHeaders
	}
}

// BuildHeaders 计算出站请求的鉴权头。now 仅在 hmac 方式下用于时间戳。
func BuildHeaders(auth AuthContext, rawURL string, body []byte, now time.Time) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")

	if auth.BearerToken != "" {
		h.Set("Authorization", "Bearer "+auth.BearerToken)
	} else {
		switch ParseAuthMethod(string(auth.Method)) {
		case AuthBasic:
			cred := base64.StdEncoding.EncodeToString([]byte(auth.APIKey + ":" + auth.APISecret))
			h.Set("Authorization", "Basic "+cred)
		case AuthHMAC:
			ts := strconv.FormatInt(now.Unix(), 10)
			signature, err := signRequest(auth.APISecret, ts, rawURL, body)
			if err != nil {
				return nil, err
			}
			h.Set("x-api-key", auth.APIKey)
			h.Set("x-timestamp", ts)
			h.Set("x-signature", signature)
		default:
			if auth.APIKey != "" {
				h.Set("x-api-key", auth.APIKey)
			}
			if auth.APISecret != "" {
				h.Set("x-api-secret", auth.APISecret)
			}
		}
	}

	if auth.SessionToken != "" {
		name := strings.ToLower(strings.TrimSpace(auth.SessionHeader))
		if name == "" {
			name = DefaultSessionHeader
		}
		h.Set(name, auth.SessionToken)
	}

	return h, nil
}

// signRequest 对 "<ts>:<path?query>:<body>" 做 HMAC-SHA256，返回十六进制签名。
func signRequest(secret, ts, rawURL string, body []byte) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("broker: 解析签名地址失败: %w", err)
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts + ":" + path + ":" + string(body)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
