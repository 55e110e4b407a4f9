// Package apps keeps application nodes configured statically and routes cluster
// traffic to them.
package apps

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ruslanjabari/soketi/internal/cluster"
	"github.com/ruslanjabari/soketi/internal/configtypes"
	"github.com/ruslanjabari/soketi/internal/hub"
	"github.com/ruslanjabari/soketi/internal/node"
	"github.com/ruslanjabari/soketi/internal/presence"

	"github.com/rs/zerolog/log"
)

var (
	ErrAppNotFound = errors.New("app not found")
	ErrAppDisabled = errors.New("app is disabled")
)

// Config of Manager.
type Config struct {
	ActivityTimeout time.Duration
	MaxQueueSize    int
	MaxQueueLen     int
	// Observer returns channel lifecycle observer for app, nil result is allowed.
	Observer func(app configtypes.App) hub.Observer
}

// Manager owns one node per enabled app.
type Manager struct {
	adapter  cluster.Adapter
	byID     map[string]*node.Node
	byKey    map[string]*node.Node
	disabled map[string]struct{}
}

var _ cluster.Handler = (*Manager)(nil)

// New creates nodes for apps. Apps must be validated before.
func New(apps []configtypes.App, adapter cluster.Adapter, config Config) *Manager {
	m := &Manager{
		adapter:  adapter,
		byID:     make(map[string]*node.Node, len(apps)),
		byKey:    make(map[string]*node.Node, len(apps)),
		disabled: map[string]struct{}{},
	}
	for _, app := range apps {
		if !app.IsEnabled() {
			m.disabled[app.ID] = struct{}{}
			m.disabled[app.Key] = struct{}{}
			continue
		}
		var observer hub.Observer
		if config.Observer != nil {
			observer = config.Observer(app)
		}
		n := node.New(adapter, node.Config{
			App:             app,
			ActivityTimeout: config.ActivityTimeout,
			MaxQueueSize:    config.MaxQueueSize,
			MaxQueueLen:     config.MaxQueueLen,
			Observer:        observer,
		})
		m.byID[app.ID] = n
		m.byKey[app.Key] = n
	}
	return m
}

// Run starts receiving messages from cluster.
func (m *Manager) Run() error {
	return m.adapter.Run(m)
}

// ByKey finds app node by app key.
func (m *Manager) ByKey(key string) (*node.Node, error) {
	return m.lookup(m.byKey, key)
}

// ByID finds app node by app id.
func (m *Manager) ByID(id string) (*node.Node, error) {
	return m.lookup(m.byID, id)
}

func (m *Manager) lookup(index map[string]*node.Node, value string) (*node.Node, error) {
	if n, ok := index[value]; ok {
		return n, nil
	}
	if _, ok := m.disabled[value]; ok {
		return nil, ErrAppDisabled
	}
	return nil, ErrAppNotFound
}

// Nodes returns nodes of enabled apps ordered by app id.
func (m *Manager) Nodes() []*node.Node {
	nodes := make([]*node.Node, 0, len(m.byID))
	for _, n := range m.byID {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].App().ID < nodes[j].App().ID })
	return nodes
}

// NumConnections across all apps.
func (m *Manager) NumConnections() int {
	total := 0
	for _, n := range m.byID {
		total += n.Hub().NumConnections()
	}
	return total
}

func (m *Manager) HandleMessage(msg cluster.Message) {
	n, ok := m.byID[msg.AppID]
	if !ok {
		log.Debug().Str("app_id", msg.AppID).Msg("cluster message for unknown app")
		return
	}
	n.HandleMessage(msg)
}

func (m *Manager) LocalPresence(appID string, channel string) []presence.Member {
	n, ok := m.byID[appID]
	if !ok {
		return nil
	}
	return n.LocalPresence(channel)
}

// Shutdown disconnects clients of every app.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, n := range m.Nodes() {
		if err := n.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
