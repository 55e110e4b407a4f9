// Package presence keeps track of users present in presence channels.
package presence

import (
	"sort"
	"sync"

	"github.com/ruslanjabari/soketi/internal/tools"

	"github.com/segmentio/encoding/json"
)

const numShards = 64

// Member of a presence channel as seen by one connection.
type Member struct {
	ConnID   string          `json:"conn_id,omitempty"`
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// Ledger is a sharded in-memory presence ledger. Every mutation of one channel
// happens under the lock of the shard owning that channel.
type Ledger struct {
	shards [numShards]*shard
}

type shard struct {
	mu       sync.RWMutex
	channels map[string]*channelPresence
}

type channelPresence struct {
	conns map[string]Member
	users map[string]*userEntry
	seq   uint64
}

type userEntry struct {
	info  json.RawMessage
	conns int
	seq   uint64
}

// NewLedger ...
func NewLedger() *Ledger {
	l := &Ledger{}
	for i := 0; i < numShards; i++ {
		l.shards[i] = &shard{channels: make(map[string]*channelPresence)}
	}
	return l
}

func (l *Ledger) shardFor(ch string) *shard {
	return l.shards[tools.ShardIndex(ch, numShards)]
}

// Join adds connection to presence channel. Returns true when this connection is the
// first one of the user in channel, i.e. member_added must be emitted. Joining with
// the same connection twice is a no-op returning false.
func (l *Ledger) Join(ch string, connID string, userID string, userInfo json.RawMessage) bool {
	s := l.shardFor(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.channels[ch]
	if !ok {
		cp = &channelPresence{
			conns: make(map[string]Member),
			users: make(map[string]*userEntry),
		}
		s.channels[ch] = cp
	}
	if _, ok := cp.conns[connID]; ok {
		return false
	}
	cp.conns[connID] = Member{ConnID: connID, UserID: userID, UserInfo: userInfo}
	entry, ok := cp.users[userID]
	if ok {
		entry.conns++
		return false
	}
	cp.seq++
	cp.users[userID] = &userEntry{info: userInfo, conns: 1, seq: cp.seq}
	return true
}

// Leave removes connection from presence channel. Returns removed member and true
// when it was the last connection of the user, i.e. member_removed must be emitted.
func (l *Ledger) Leave(ch string, connID string) (Member, bool) {
	s := l.shardFor(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.channels[ch]
	if !ok {
		return Member{}, false
	}
	m, ok := cp.conns[connID]
	if !ok {
		return Member{}, false
	}
	delete(cp.conns, connID)
	if len(cp.conns) == 0 {
		delete(s.channels, ch)
	}
	entry := cp.users[m.UserID]
	entry.conns--
	if entry.conns > 0 {
		return m, false
	}
	delete(cp.users, m.UserID)
	return m, true
}

// Snapshot returns members of channel deduplicated by user ID in order of joining.
func (l *Ledger) Snapshot(ch string) []Member {
	s := l.shardFor(ch)
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.channels[ch]
	if !ok {
		return nil
	}
	type ordered struct {
		m   Member
		seq uint64
	}
	items := make([]ordered, 0, len(cp.users))
	for userID, entry := range cp.users {
		items = append(items, ordered{m: Member{UserID: userID, UserInfo: entry.info}, seq: entry.seq})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	members := make([]Member, 0, len(items))
	for _, item := range items {
		members = append(members, item.m)
	}
	return members
}

// Connections returns connection IDs of a user in channel.
func (l *Ledger) Connections(ch string, userID string) []string {
	s := l.shardFor(ch)
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.channels[ch]
	if !ok {
		return nil
	}
	var ids []string
	for connID, m := range cp.conns {
		if m.UserID == userID {
			ids = append(ids, connID)
		}
	}
	return ids
}

// UserCount returns number of distinct users in channel.
func (l *Ledger) UserCount(ch string) int {
	s := l.shardFor(ch)
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.channels[ch]
	if !ok {
		return 0
	}
	return len(cp.users)
}

// Merge combines several snapshots deduplicating by user ID. First seen member wins,
// order of the first snapshot is preserved.
func Merge(snapshots ...[]Member) []Member {
	seen := make(map[string]struct{})
	var result []Member
	for _, snapshot := range snapshots {
		for _, m := range snapshot {
			if _, ok := seen[m.UserID]; ok {
				continue
			}
			seen[m.UserID] = struct{}{}
			result = append(result, Member{UserID: m.UserID, UserInfo: m.UserInfo})
		}
	}
	return result
}
