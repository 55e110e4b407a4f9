package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTimestampGrace is the allowed clock skew for signed requests.
const DefaultTimestampGrace = 600 * time.Second

var (
	ErrMissingParams = errors.New("missing auth parameters")
	ErrUnknownKey    = errors.New("unknown auth_key")
	ErrTimestamp     = errors.New("auth_timestamp outside allowed window")
	ErrBodyMD5       = errors.New("body_md5 does not match body")
	ErrSignature     = errors.New("invalid auth_signature")
)

// Signature computes Pusher request signature: HMAC-SHA256 over
// METHOD\nPATH\nsorted query without auth_signature.
func Signature(secret, method, path string, query url.Values) string {
	lowered := make(map[string]string, len(query))
	keys := make([]string, 0, len(query))
	for k := range query {
		lk := strings.ToLower(k)
		if lk == "auth_signature" {
			continue
		}
		lowered[lk] = query.Get(k)
		keys = append(keys, lk)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+lowered[k])
	}
	toSign := strings.ToUpper(method) + "\n" + path + "\n" + strings.Join(parts, "&")
	sign := hmac.New(sha256.New, []byte(secret))
	sign.Write([]byte(toSign))
	return hex.EncodeToString(sign.Sum(nil))
}

// BodyMD5 returns hex md5 digest of body.
func BodyMD5(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

// SignQuery adds auth parameters to query. Used by HTTP clients and tests.
func (v *Validator) SignQuery(method, path string, query url.Values, body []byte, now time.Time) url.Values {
	signed := url.Values{}
	for k, vals := range query {
		signed[k] = vals
	}
	signed.Set("auth_key", v.key)
	signed.Set("auth_timestamp", strconv.FormatInt(now.Unix(), 10))
	signed.Set("auth_version", "1.0")
	if len(body) > 0 {
		signed.Set("body_md5", BodyMD5(body))
	}
	signed.Set("auth_signature", Signature(v.secret, method, path, signed))
	return signed
}

// VerifyRequest checks Pusher request signature. grace <= 0 means DefaultTimestampGrace.
func (v *Validator) VerifyRequest(method, path string, query url.Values, body []byte, now time.Time, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultTimestampGrace
	}
	key := query.Get("auth_key")
	ts := query.Get("auth_timestamp")
	providedSign := query.Get("auth_signature")
	if key == "" || ts == "" || providedSign == "" {
		return ErrMissingParams
	}
	if !hmac.Equal([]byte(key), []byte(v.key)) {
		return ErrUnknownKey
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrTimestamp
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > grace {
		return ErrTimestamp
	}
	if len(body) > 0 {
		if !hmac.Equal([]byte(query.Get("body_md5")), []byte(BodyMD5(body))) {
			return ErrBodyMD5
		}
	}
	if len(providedSign) != HMACLength {
		return ErrSignature
	}
	if !hmac.Equal([]byte(Signature(v.secret, method, path, query)), []byte(providedSign)) {
		return ErrSignature
	}
	return nil
}
