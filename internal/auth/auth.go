// Package auth verifies channel subscription tokens and signed HTTP API requests.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ruslanjabari/soketi/internal/channel"
)

// HMACLength of hex encoded sha256 digest. Any valid signature has this length.
const HMACLength = 64

// Result of token validation.
type Result int

const (
	Rejected Result = iota
	Authorized
)

func (r Result) String() string {
	if r == Authorized {
		return "authorized"
	}
	return "rejected"
}

// Validator checks subscription tokens of one application. Safe for concurrent use
// since it has no mutable state.
type Validator struct {
	key    string
	secret string
}

// NewValidator ...
func NewValidator(key, secret string) *Validator {
	return &Validator{key: key, secret: secret}
}

// Key returns application key.
func (v *Validator) Key() string {
	return v.key
}

// GenerateChannelSign returns hex encoded HMAC-SHA256 over socketID:channel[:channelData].
func GenerateChannelSign(secret, socketID, channelName, channelData string) string {
	sign := hmac.New(sha256.New, []byte(secret))
	sign.Write([]byte(socketID))
	sign.Write([]byte(":"))
	sign.Write([]byte(channelName))
	if channelData != "" {
		sign.Write([]byte(":"))
		sign.Write([]byte(channelData))
	}
	return hex.EncodeToString(sign.Sum(nil))
}

// Token returns value for auth field of pusher:subscribe: key:signature.
func (v *Validator) Token(socketID, channelName, channelData string) string {
	return v.key + ":" + GenerateChannelSign(v.secret, socketID, channelName, channelData)
}

// Validate supplied subscription token. channelData is only taken into account for
// presence channels. Public channels do not need authorization so Rejected is
// returned for them.
func (v *Validator) Validate(socketID, channelName, token, channelData string) Result {
	kind := channel.KindOf(channelName)
	if !kind.RequiresAuth() {
		return Rejected
	}
	key, providedSign, found := strings.Cut(token, ":")
	if !found || len(providedSign) != HMACLength {
		return Rejected
	}
	if !hmac.Equal([]byte(key), []byte(v.key)) {
		return Rejected
	}
	if kind != channel.KindPresence {
		channelData = ""
	}
	sign := GenerateChannelSign(v.secret, socketID, channelName, channelData)
	if !hmac.Equal([]byte(sign), []byte(providedSign)) {
		return Rejected
	}
	return Authorized
}

// GenerateBodySign signs webhook body.
func GenerateBodySign(secret string, body []byte) string {
	sign := hmac.New(sha256.New, []byte(secret))
	sign.Write(body)
	return hex.EncodeToString(sign.Sum(nil))
}

// CheckBodySign validates webhook body signature.
func CheckBodySign(secret string, body []byte, providedSign string) bool {
	if len(providedSign) != HMACLength {
		return false
	}
	return hmac.Equal([]byte(GenerateBodySign(secret, body)), []byte(providedSign))
}
