// Package channel describes channel kinds and naming rules.
package channel

import (
	"errors"
	"regexp"
	"strings"
)

// Kind of channel. Derived from the name prefix only, so a channel never changes kind.
type Kind int

const (
	KindPublic Kind = iota
	KindPrivate
	KindPresence
)

const (
	PrivatePrefix          = "private-"
	PrivateEncryptedPrefix = "private-encrypted-"
	PresencePrefix         = "presence-"
	// ClientEventPrefix is the only namespace allowed for client-originated events.
	ClientEventPrefix = "client-"
)

// DefaultMaxNameLength matches the Pusher protocol limit.
const DefaultMaxNameLength = 200

var (
	ErrEmptyName   = errors.New("channel name is empty")
	ErrNameTooLong = errors.New("channel name is too long")
	ErrBadName     = errors.New("channel name contains forbidden characters")
)

var nameRe = regexp.MustCompile(`^[-a-zA-Z0-9_=@,.;]+$`)

func (k Kind) String() string {
	switch k {
	case KindPrivate:
		return "private"
	case KindPresence:
		return "presence"
	default:
		return "public"
	}
}

// KindOf returns channel kind for a channel name.
func KindOf(name string) Kind {
	switch {
	case strings.HasPrefix(name, PresencePrefix):
		return KindPresence
	case strings.HasPrefix(name, PrivatePrefix):
		return KindPrivate
	default:
		return KindPublic
	}
}

// RequiresAuth reports whether subscription to a channel of this kind must be signed.
func (k Kind) RequiresAuth() bool {
	return k == KindPrivate || k == KindPresence
}

// AllowsClientEvents reports whether clients may publish into a channel of this kind.
// Encrypted channels are opaque to the server and excluded.
func AllowsClientEvents(name string) bool {
	if strings.HasPrefix(name, PrivateEncryptedPrefix) {
		return false
	}
	return KindOf(name).RequiresAuth()
}

// IsClientEvent reports whether event name belongs to client namespace.
func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, ClientEventPrefix)
}

// ValidateName checks channel name. maxLength <= 0 means DefaultMaxNameLength.
func ValidateName(name string, maxLength int) error {
	if maxLength <= 0 {
		maxLength = DefaultMaxNameLength
	}
	if name == "" {
		return ErrEmptyName
	}
	if len(name) > maxLength {
		return ErrNameTooLong
	}
	if !nameRe.MatchString(name) {
		return ErrBadName
	}
	return nil
}
