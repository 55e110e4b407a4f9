// Package registry maps channels to subscribed connections.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/ruslanjabari/soketi/internal/auth"
	"github.com/ruslanjabari/soketi/internal/channel"
	"github.com/ruslanjabari/soketi/internal/presence"
	"github.com/ruslanjabari/soketi/internal/protocol"
	"github.com/ruslanjabari/soketi/internal/tools"

	"github.com/segmentio/encoding/json"
)

const numShards = 64

var (
	ErrInvalidChannelName = errors.New("invalid channel name")
	ErrInvalidChannelData = errors.New("invalid channel_data")
	ErrPresenceLimit      = errors.New("presence channel members limit reached")
	ErrMemberTooLarge     = errors.New("presence member data is too large")
)

// Authorizer validates subscription tokens.
type Authorizer interface {
	Validate(socketID, channelName, token, channelData string) auth.Result
}

// Status of subscription attempt.
type Status int

const (
	Succeeded Status = iota
	AuthFailed
	AlreadySubscribed
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case AuthFailed:
		return "auth_failed"
	default:
		return "already_subscribed"
	}
}

// Result of Subscribe.
type Result struct {
	Status Status
	// Snapshot of local presence members, set for presence channels.
	Snapshot []presence.Member
	// Occupied is true when subscription created the channel.
	Occupied bool
	// MemberAdded is set when the subscribing user was not present in channel before.
	MemberAdded *presence.Member
}

// UnsubscribeResult of Unsubscribe.
type UnsubscribeResult struct {
	Unsubscribed bool
	// Vacated is true when channel was destroyed.
	Vacated bool
	// MemberRemoved is set when the last connection of a user left presence channel.
	MemberRemoved *presence.Member
}

// Config of Registry.
type Config struct {
	MaxChannelNameLength int
	// MaxPresenceMembers per channel, 0 means no limit.
	MaxPresenceMembers int
	// MaxPresenceMemberSize of channel_data in bytes, 0 means no limit.
	MaxPresenceMemberSize int
}

// Registry keeps channel membership. Channel state is split into shards by channel
// name so that unrelated channels do not contend on a single lock. Presence ledger
// is updated under the same shard lock as membership so both stay in sync.
type Registry struct {
	config     Config
	authorizer Authorizer
	ledger     *presence.Ledger
	channels   [numShards]*channelShard
	conns      [numShards]*connShard
}

type channelShard struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{}
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{}
}

// New creates Registry.
func New(authorizer Authorizer, ledger *presence.Ledger, config Config) *Registry {
	r := &Registry{
		config:     config,
		authorizer: authorizer,
		ledger:     ledger,
	}
	for i := 0; i < numShards; i++ {
		r.channels[i] = &channelShard{channels: make(map[string]map[string]struct{})}
		r.conns[i] = &connShard{conns: make(map[string]map[string]struct{})}
	}
	return r
}

// Ledger returns presence ledger used by registry.
func (r *Registry) Ledger() *presence.Ledger {
	return r.ledger
}

func (r *Registry) channelShard(ch string) *channelShard {
	return r.channels[tools.ShardIndex(ch, numShards)]
}

func (r *Registry) connShard(connID string) *connShard {
	return r.conns[tools.ShardIndex(connID, numShards)]
}

// ParseChannelData extracts presence member from channel_data. user_id may be a
// JSON string or number.
func ParseChannelData(channelData string) (presence.Member, error) {
	if channelData == "" {
		return presence.Member{}, ErrInvalidChannelData
	}
	var cd protocol.ChannelData
	if err := json.Unmarshal([]byte(channelData), &cd); err != nil {
		return presence.Member{}, ErrInvalidChannelData
	}
	userID := strings.TrimSpace(string(cd.UserID))
	if userID == "" || userID == "null" {
		return presence.Member{}, ErrInvalidChannelData
	}
	if userID[0] == '"' {
		if err := json.Unmarshal(cd.UserID, &userID); err != nil {
			return presence.Member{}, ErrInvalidChannelData
		}
	}
	if userID == "" {
		return presence.Member{}, ErrInvalidChannelData
	}
	var info json.RawMessage
	if len(cd.UserInfo) > 0 && string(cd.UserInfo) != "null" {
		info = cd.UserInfo
	}
	return presence.Member{UserID: userID, UserInfo: info}, nil
}

// IsSubscribed reports whether connection is a member of channel.
func (r *Registry) IsSubscribed(connID string, ch string) bool {
	s := r.channelShard(ch)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[ch][connID]
	return ok
}

// Subscribe connection to channel. Private and presence channels require a valid
// token. Validation errors are returned as errors, authorization failure is a normal
// result with AuthFailed status.
func (r *Registry) Subscribe(connID string, ch string, token string, channelData string) (Result, error) {
	if err := channel.ValidateName(ch, r.config.MaxChannelNameLength); err != nil {
		return Result{}, ErrInvalidChannelName
	}
	kind := channel.KindOf(ch)

	var member presence.Member
	if kind == channel.KindPresence {
		if r.config.MaxPresenceMemberSize > 0 && len(channelData) > r.config.MaxPresenceMemberSize {
			return Result{}, ErrMemberTooLarge
		}
		var err error
		member, err = ParseChannelData(channelData)
		if err != nil {
			return Result{}, err
		}
		member.ConnID = connID
	}

	if r.IsSubscribed(connID, ch) {
		return Result{Status: AlreadySubscribed, Snapshot: r.snapshot(ch, kind)}, nil
	}

	if kind.RequiresAuth() && r.authorizer.Validate(connID, ch, token, channelData) != auth.Authorized {
		return Result{Status: AuthFailed}, nil
	}

	s := r.channelShard(ch)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.channels[ch]
	if ok {
		if _, subscribed := members[connID]; subscribed {
			return Result{Status: AlreadySubscribed, Snapshot: r.snapshot(ch, kind)}, nil
		}
	}
	if kind == channel.KindPresence && r.config.MaxPresenceMembers > 0 {
		if r.ledger.UserCount(ch) >= r.config.MaxPresenceMembers && len(r.ledger.Connections(ch, member.UserID)) == 0 {
			return Result{}, ErrPresenceLimit
		}
	}

	result := Result{Status: Succeeded}
	if !ok {
		members = make(map[string]struct{})
		s.channels[ch] = members
		result.Occupied = true
	}
	members[connID] = struct{}{}
	r.addConnChannel(connID, ch)

	if kind == channel.KindPresence {
		if r.ledger.Join(ch, connID, member.UserID, member.UserInfo) {
			added := member
			result.MemberAdded = &added
		}
		result.Snapshot = r.ledger.Snapshot(ch)
	}
	return result, nil
}

func (r *Registry) snapshot(ch string, kind channel.Kind) []presence.Member {
	if kind != channel.KindPresence {
		return nil
	}
	return r.ledger.Snapshot(ch)
}

func (r *Registry) addConnChannel(connID string, ch string) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	channels, ok := cs.conns[connID]
	if !ok {
		channels = make(map[string]struct{})
		cs.conns[connID] = channels
	}
	channels[ch] = struct{}{}
}

func (r *Registry) removeConnChannel(connID string, ch string) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	channels, ok := cs.conns[connID]
	if !ok {
		return
	}
	delete(channels, ch)
	if len(channels) == 0 {
		delete(cs.conns, connID)
	}
}

// Unsubscribe connection from channel. Unsubscribing from a channel never joined
// is a no-op.
func (r *Registry) Unsubscribe(connID string, ch string) UnsubscribeResult {
	s := r.channelShard(ch)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.channels[ch]
	if !ok {
		return UnsubscribeResult{}
	}
	if _, ok := members[connID]; !ok {
		return UnsubscribeResult{}
	}
	delete(members, connID)
	r.removeConnChannel(connID, ch)

	result := UnsubscribeResult{Unsubscribed: true}
	if len(members) == 0 {
		delete(s.channels, ch)
		result.Vacated = true
	}
	if channel.KindOf(ch) == channel.KindPresence {
		if m, last := r.ledger.Leave(ch, connID); last {
			result.MemberRemoved = &m
		}
	}
	return result
}

// ChannelUnsubscribe is a result of unsubscription from one channel during UnsubscribeAll.
type ChannelUnsubscribe struct {
	Channel string
	UnsubscribeResult
}

// UnsubscribeAll removes connection from all channels it belongs to. Safe to call
// several times, subsequent calls return nothing.
func (r *Registry) UnsubscribeAll(connID string) []ChannelUnsubscribe {
	channels := r.ChannelsOf(connID)
	results := make([]ChannelUnsubscribe, 0, len(channels))
	for _, ch := range channels {
		res := r.Unsubscribe(connID, ch)
		if res.Unsubscribed {
			results = append(results, ChannelUnsubscribe{Channel: ch, UnsubscribeResult: res})
		}
	}
	return results
}

// ChannelsOf returns sorted channels connection is subscribed to.
func (r *Registry) ChannelsOf(connID string) []string {
	cs := r.connShard(connID)
	cs.mu.RLock()
	channels := make([]string, 0, len(cs.conns[connID]))
	for ch := range cs.conns[connID] {
		channels = append(channels, ch)
	}
	cs.mu.RUnlock()
	sort.Strings(channels)
	return channels
}

// MembersOf returns a point-in-time snapshot of connections subscribed to channel.
func (r *Registry) MembersOf(ch string) []string {
	s := r.channelShard(ch)
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.channels[ch]
	ids := make([]string, 0, len(members))
	for connID := range members {
		ids = append(ids, connID)
	}
	return ids
}

// SubscriptionCount returns number of connections subscribed to channel.
func (r *Registry) SubscriptionCount(ch string) int {
	s := r.channelShard(ch)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels[ch])
}

// Channels returns occupied channels with their subscription counts.
func (r *Registry) Channels() map[string]int {
	result := make(map[string]int)
	for _, s := range r.channels {
		s.mu.RLock()
		for ch, members := range s.channels {
			result[ch] = len(members)
		}
		s.mu.RUnlock()
	}
	return result
}
