package server

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/bridgefall/gamelink/pkg/commons/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const latencySampleSize = 256

// DropReason captures why a packet was rejected.
type DropReason string

const (
	DropCorrupt           DropReason = "corrupt"
	DropForged            DropReason = "forged"
	DropReplay            DropReason = "replay"
	DropUnexpected        DropReason = "unexpected"
	DropUnknownEndpoint   DropReason = "unknown_endpoint"
	DropRateLimit         DropReason = "rate_limit"
	DropTokenInvalid      DropReason = "token_invalid"
	DropTokenExpired      DropReason = "token_expired"
	DropTokenReplayed     DropReason = "token_replayed"
	DropEndpointMismatch  DropReason = "endpoint_mismatch"
	DropDuplicateClient   DropReason = "duplicate_client"
	DropChallengeMismatch DropReason = "challenge_mismatch"
	DropQueueFull         DropReason = "queue_full"
	DropEventQueueFull    DropReason = "event_queue_full"
	DropNonceCacheFull    DropReason = "nonce_cache_full"

	// throttled with the drops, never counted as one
	logSendFailed DropReason = "send_failed"
)

var dropReasons = []DropReason{
	DropCorrupt, DropForged, DropReplay, DropUnexpected, DropUnknownEndpoint,
	DropRateLimit, DropTokenInvalid, DropTokenExpired, DropTokenReplayed,
	DropEndpointMismatch, DropDuplicateClient, DropChallengeMismatch,
	DropQueueFull, DropEventQueueFull, DropNonceCacheFull,
}

// Metrics tracks server counters. Fields are safe to read from any
// goroutine while the owner calls Update.
type Metrics struct {
	ActiveClients     metrics.Gauge
	PacketsIn         metrics.Counter
	PacketsOut        metrics.Counter
	BytesIn           metrics.Counter
	BytesOut          metrics.Counter
	SendErrors        metrics.Counter
	ConnectionsDenied metrics.Counter
	ConnectionsOpened metrics.Counter
	HandshakeTimeouts metrics.Counter
	ClientTimeouts    metrics.Counter
	Disconnects       metrics.Counter
	ChallengesResent  metrics.Counter
	KeepalivesSent    metrics.Counter
	HandshakeLatency  *metrics.LatencySampler
	drops             map[DropReason]*metrics.Counter
}

func newMetrics() *Metrics {
	m := &Metrics{
		HandshakeLatency: metrics.NewLatencySampler(latencySampleSize),
		drops:            make(map[DropReason]*metrics.Counter, len(dropReasons)),
	}
	for _, r := range dropReasons {
		m.drops[r] = new(metrics.Counter)
	}
	return m
}

// Drops returns the counter for reason.
func (m *Metrics) Drops(reason DropReason) int64 {
	c := m.drops[reason]
	if c == nil {
		return 0
	}
	return c.Load()
}

func (m *Metrics) drop(reason DropReason) {
	if c := m.drops[reason]; c != nil {
		c.Add(1)
	}
}

// Collector exposes the counters to Prometheus.
func (m *Metrics) Collector() prometheus.Collector {
	return &collector{m: m}
}

var (
	descActive    = prometheus.NewDesc("gamelink_active_clients", "Occupied client slots.", nil, nil)
	descPackets   = prometheus.NewDesc("gamelink_packets_total", "Datagrams processed.", []string{"direction"}, nil)
	descBytes     = prometheus.NewDesc("gamelink_bytes_total", "Datagram bytes processed.", []string{"direction"}, nil)
	descDrops     = prometheus.NewDesc("gamelink_drops_total", "Inbound packets dropped.", []string{"reason"}, nil)
	descLifecycle = prometheus.NewDesc("gamelink_connection_events_total", "Connection lifecycle events.", []string{"event"}, nil)
	descLatency   = prometheus.NewDesc("gamelink_handshake_latency_seconds", "Recent handshake latency quantiles.", []string{"quantile"}, nil)
)

type collector struct {
	m *Metrics
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descActive
	ch <- descPackets
	ch <- descBytes
	ch <- descDrops
	ch <- descLifecycle
	ch <- descLatency
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.m
	ch <- prometheus.MustNewConstMetric(descActive, prometheus.GaugeValue, float64(m.ActiveClients.Load()))
	ch <- prometheus.MustNewConstMetric(descPackets, prometheus.CounterValue, float64(m.PacketsIn.Load()), "in")
	ch <- prometheus.MustNewConstMetric(descPackets, prometheus.CounterValue, float64(m.PacketsOut.Load()), "out")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(m.BytesIn.Load()), "in")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(m.BytesOut.Load()), "out")
	for _, r := range dropReasons {
		ch <- prometheus.MustNewConstMetric(descDrops, prometheus.CounterValue, float64(m.Drops(r)), string(r))
	}
	lifecycle := map[string]int64{
		"opened":            m.ConnectionsOpened.Load(),
		"denied":            m.ConnectionsDenied.Load(),
		"handshake_timeout": m.HandshakeTimeouts.Load(),
		"client_timeout":    m.ClientTimeouts.Load(),
		"disconnect":        m.Disconnects.Load(),
	}
	for event, v := range lifecycle {
		ch <- prometheus.MustNewConstMetric(descLifecycle, prometheus.CounterValue, float64(v), event)
	}
	for q, d := range m.HandshakeLatency.SnapshotQuantiles([]float64{0.5, 0.95, 0.99}) {
		ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, d.Seconds(), formatQuantile(q))
	}
}

func formatQuantile(q float64) string {
	switch q {
	case 0.5:
		return "0.5"
	case 0.95:
		return "0.95"
	default:
		return "0.99"
	}
}

// dropLog throttles drop logging to one line per reason per interval on the
// server clock, remembering how many lines it held back.
type dropLog struct {
	interval   time.Duration
	now        func() time.Time
	last       map[DropReason]time.Time
	suppressed map[DropReason]int64
}

func newDropLog(interval time.Duration, now func() time.Time) *dropLog {
	if interval <= 0 {
		interval = defaultLogInterval
	}
	return &dropLog{
		interval:   interval,
		now:        now,
		last:       make(map[DropReason]time.Time),
		suppressed: make(map[DropReason]int64),
	}
}

// allow reports whether reason may be logged now and, if so, how many lines
// were suppressed since the previous one.
func (d *dropLog) allow(reason DropReason) (int64, bool) {
	now := d.now()
	if last, ok := d.last[reason]; ok && now.Sub(last) < d.interval {
		d.suppressed[reason]++
		return 0, false
	}
	d.last[reason] = now
	held := d.suppressed[reason]
	delete(d.suppressed, reason)
	return held, true
}

func (s *Server) logDrop(reason DropReason, addr netip.AddrPort, msg string) {
	s.metrics.drop(reason)
	held, ok := s.dropLog.allow(reason)
	if !ok {
		return
	}
	s.logger.Debug("packet drop", "reason", reason, "addr", addr.String(), "msg", msg, "suppressed", held)
}

func (s *Server) logMetrics() {
	m := s.metrics
	quantiles := m.HandshakeLatency.SnapshotQuantiles([]float64{0.95, 0.99})
	attrs := []any{
		"active", m.ActiveClients.Load(),
		"packets_in", m.PacketsIn.Load(),
		"packets_out", m.PacketsOut.Load(),
		"bytes_in", m.BytesIn.Load(),
		"bytes_out", m.BytesOut.Load(),
		"opened", m.ConnectionsOpened.Load(),
		"denied", m.ConnectionsDenied.Load(),
		"handshake_timeouts", m.HandshakeTimeouts.Load(),
		"client_timeouts", m.ClientTimeouts.Load(),
		"handshake_p95", quantiles[0.95],
		"handshake_p99", quantiles[0.99],
	}
	for _, r := range dropReasons {
		if v := m.Drops(r); v > 0 {
			attrs = append(attrs, "drop_"+string(r), v)
		}
	}
	s.logger.Info("server metrics", attrs...)
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
