package app

import (
	"net"
	"strconv"
	"strings"

	"github.com/ruslanjabari/soketi/internal/config"
	"github.com/ruslanjabari/soketi/internal/metrics/graphite"

	"github.com/prometheus/client_golang/prometheus"
)

// graphitePrefix makes every node report under its own path so that nodes of
// one cluster do not overwrite each other's series.
func graphitePrefix(prefix string, nodeID string) string {
	node := graphite.PreparePathComponent(nodeID)
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return node
	}
	return prefix + "." + node
}

func graphiteExporter(cfg config.Config, nodeID string) *graphite.Exporter {
	g := cfg.Graphite
	return graphite.New(graphite.Config{
		Address:  net.JoinHostPort(g.Host, strconv.Itoa(g.Port)),
		Gatherer: prometheus.DefaultGatherer,
		Prefix:   graphitePrefix(g.Prefix, nodeID),
		Interval: g.Interval.ToDuration(),
		Tags:     g.Tags,
	})
}
