// Package graphite periodically pushes Prometheus metrics to Graphite over
// plaintext protocol.
package graphite

import (
	"bufio"
	"context"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FZambia/eagle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var nonASCII = regexp.MustCompile("[[:^ascii:]]")

// PreparePathComponent makes s usable as one component of Graphite metric path.
func PreparePathComponent(s string) string {
	return strings.ReplaceAll(nonASCII.ReplaceAllLiteralString(s, "_"), ".", "_")
}

// Config of Exporter.
type Config struct {
	Address  string
	Gatherer prometheus.Gatherer
	Interval time.Duration
	Prefix   string
	// Tags sends labels as Graphite tags instead of path components.
	Tags bool
}

// Exporter pushes gathered metrics to Graphite on every interval.
type Exporter struct {
	config      Config
	dialTimeout time.Duration
	sink        chan eagle.Metrics
	eagle       *eagle.Eagle
	closeOnce   sync.Once
	now         func() time.Time
}

func New(c Config) *Exporter {
	e := &Exporter{
		config:      c,
		dialTimeout: time.Second,
		sink:        make(chan eagle.Metrics),
		now:         time.Now,
	}
	e.eagle = eagle.New(eagle.Config{
		Gatherer: c.Gatherer,
		Interval: c.Interval,
		Sink:     e.sink,
	})
	return e
}

// Run exports metrics until ctx is done.
func (e *Exporter) Run(ctx context.Context) error {
	defer e.closeOnce.Do(func() { _ = e.eagle.Close() })
	for {
		select {
		case <-ctx.Done():
			return nil
		case metrics := <-e.sink:
			if err := e.export(metrics); err != nil {
				log.Warn().Err(err).Str("address", e.config.Address).Msg("error exporting metrics to Graphite")
			}
		}
	}
}

func (e *Exporter) export(metrics eagle.Metrics) error {
	conn, err := net.DialTimeout("tcp", e.config.Address, e.dialTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	w := bufio.NewWriter(conn)
	if err := e.write(w, metrics); err != nil {
		return err
	}
	return w.Flush()
}

// path of metric value, labels are appended as components or as ;k=v tags.
func (e *Exporter) path(parts []string, labels []string) string {
	var b strings.Builder
	b.WriteString(e.config.Prefix)
	for _, part := range parts {
		if part == "" {
			continue
		}
		b.WriteByte('.')
		b.WriteString(part)
	}
	if !e.config.Tags {
		for _, label := range labels {
			b.WriteByte('.')
			b.WriteString(PreparePathComponent(label))
		}
		return b.String()
	}
	for i := 0; i+1 < len(labels); i += 2 {
		b.WriteByte(';')
		b.WriteString(labels[i])
		b.WriteByte('=')
		b.WriteString(labels[i+1])
	}
	return b.String()
}

func (e *Exporter) write(w io.Writer, metrics eagle.Metrics) error {
	ts := strconv.FormatInt(e.now().Unix(), 10)
	for _, item := range metrics.Items {
		for _, value := range item.Values {
			var formatted string
			if item.Type == eagle.MetricTypeCounter {
				formatted = strconv.FormatInt(int64(value.Value), 10)
			} else {
				formatted = strconv.FormatFloat(value.Value, 'f', 6, 64)
			}
			path := e.path([]string{item.Namespace, item.Subsystem, item.Name, value.Name}, value.Labels)
			if _, err := io.WriteString(w, path+" "+formatted+" "+ts+"\n"); err != nil {
				return err
			}
		}
	}
	return nil
}
