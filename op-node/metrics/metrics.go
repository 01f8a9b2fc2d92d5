// Package metrics exposes counts and gauges for every event the driver and derivation
// pipeline produce, scraped over an HTTP endpoint the way op-node's own metrics package does it.
package metrics

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethereum-optimism/rollup-node/op-node/eth"
)

const (
	Namespace = "rollup_node"

	RPCServerSubsystem = "rpc_server"
	RPCClientSubsystem = "rpc_client"
)

// EventMetrics counts occurrences of a named event plus the time since the last one, the
// shape the teacher uses for things like "pipeline resets" or "batches dropped".
type EventMetrics struct {
	total      prometheus.Counter
	lastEvent  prometheus.Gauge
}

func NewEventMetrics(registry *prometheus.Registry, ns, name, help string) *EventMetrics {
	return &EventMetrics{
		total: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: name + "_total", Help: "Total count of " + help,
		}),
		lastEvent: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: name + "_last_time", Help: "Unix timestamp of the last " + help,
		}),
	}
}

func (e *EventMetrics) RecordEvent() {
	e.total.Inc()
	e.lastEvent.Set(float64(time.Now().Unix()))
}

// CacheMetrics tracks hit/miss/size counters for an in-memory LRU, the shape the teacher
// uses for op-node's RPC response caches and this rewrite's channel/header caches.
type CacheMetrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
	size   prometheus.Gauge
}

func NewCacheMetrics(registry *prometheus.Registry, ns, name, help string) *CacheMetrics {
	return &CacheMetrics{
		hits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: name + "_hits_total", Help: help + " cache hits",
		}),
		misses: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: name + "_misses_total", Help: help + " cache misses",
		}),
		size: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: name + "_size", Help: help + " cache entry count",
		}),
	}
}

func (c *CacheMetrics) RecordHit()        { c.hits.Inc() }
func (c *CacheMetrics) RecordMiss()       { c.misses.Inc() }
func (c *CacheMetrics) SetSize(n float64) { c.size.Set(n) }

type Metrics struct {
	Info *prometheus.GaugeVec
	Up   prometheus.Gauge

	RPCServerRequestsTotal          *prometheus.CounterVec
	RPCServerRequestDurationSeconds *prometheus.HistogramVec
	RPCClientRequestsTotal          *prometheus.CounterVec
	RPCClientRequestDurationSeconds *prometheus.HistogramVec
	RPCClientResponsesTotal         *prometheus.CounterVec

	L1SourceCache *CacheMetrics

	DerivationIdle prometheus.Gauge

	PipelineResets   *EventMetrics
	ChannelsOpened   *EventMetrics
	ChannelsTimedOut *EventMetrics
	BatchesAccepted  *EventMetrics
	BatchesDropped   *EventMetrics
	BatchesFuture    *EventMetrics
	BatchesSynthesized *EventMetrics
	DerivationErrors *EventMetrics

	EngineCallDuration *prometheus.HistogramVec

	RefsNumber  *prometheus.GaugeVec
	RefsTime    *prometheus.GaugeVec
	RefsHash    *prometheus.GaugeVec
	RefsSeqNr   *prometheus.GaugeVec
	LatencySeen map[string]common.Hash

	L1ReorgDepth prometheus.Histogram

	TransactionsSequencedTotal prometheus.Counter

	registry *prometheus.Registry
}

func NewMetrics(procName string) *Metrics {
	if procName == "" {
		procName = "default"
	}
	ns := Namespace + "_" + procName

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())
	return &Metrics{
		Info: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "info",
			Help:      "Pseudo-metric tracking version and config info",
		}, []string{"version"}),
		Up: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "up",
			Help:      "1 once the node has finished starting up",
		}),

		RPCServerRequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: RPCServerSubsystem, Name: "requests_total",
			Help: "Total requests to the local RPC server",
		}, []string{"method"}),
		RPCServerRequestDurationSeconds: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: RPCServerSubsystem, Name: "request_duration_seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			Help:    "Histogram of local RPC server request durations",
		}, []string{"method"}),
		RPCClientRequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: RPCClientSubsystem, Name: "requests_total",
			Help: "Total RPC requests made to L1 and the execution client",
		}, []string{"method"}),
		RPCClientRequestDurationSeconds: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: RPCClientSubsystem, Name: "request_duration_seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			Help:    "Histogram of L1/execution-client RPC request durations",
		}, []string{"method"}),
		RPCClientResponsesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: RPCClientSubsystem, Name: "responses_total",
			Help: "Total RPC responses received from L1 and the execution client",
		}, []string{"method", "error"}),

		L1SourceCache: NewCacheMetrics(registry, ns, "l1_source_cache", "L1 Source header/receipt cache"),

		DerivationIdle: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "derivation_idle", Help: "1 if the derivation pipeline is idle",
		}),

		PipelineResets:     NewEventMetrics(registry, ns, "pipeline_resets", "derivation pipeline resets"),
		ChannelsOpened:     NewEventMetrics(registry, ns, "channels_opened", "channels opened"),
		ChannelsTimedOut:   NewEventMetrics(registry, ns, "channels_timed_out", "channels timed out"),
		BatchesAccepted:    NewEventMetrics(registry, ns, "batches_accepted", "batches accepted"),
		BatchesDropped:     NewEventMetrics(registry, ns, "batches_dropped", "batches dropped"),
		BatchesFuture:      NewEventMetrics(registry, ns, "batches_future", "batches held as future"),
		BatchesSynthesized: NewEventMetrics(registry, ns, "batches_synthesized", "deposit-only batches synthesized"),
		DerivationErrors:   NewEventMetrics(registry, ns, "derivation_errors", "derivation errors"),

		EngineCallDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "engine_call_duration_seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			Help:    "Histogram of Engine API call durations by method",
		}, []string{"method"}),

		RefsNumber: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "refs_number", Help: "Gauge of the different L1/L2 reference block numbers",
		}, []string{"layer", "type"}),
		RefsTime: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "refs_time", Help: "Gauge of the different L1/L2 reference block timestamps",
		}, []string{"layer", "type"}),
		RefsHash: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "refs_hash", Help: "Gauge of reference block hashes truncated to float values",
		}, []string{"layer", "type"}),
		RefsSeqNr: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "refs_seqnr", Help: "Gauge of L2 reference sequence numbers",
		}, []string{"type"}),
		LatencySeen: make(map[string]common.Hash),

		L1ReorgDepth: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "l1_reorg_depth",
			Buckets: []float64{0.5, 1.5, 2.5, 3.5, 4.5, 5.5, 6.5, 7.5, 8.5, 9.5, 10.5, 20.5, 50.5, 100.5},
			Help:    "Histogram of L1 reorg depths",
		}),

		TransactionsSequencedTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "transactions_sequenced_total", Help: "Count of total transactions sequenced",
		}),

		registry: registry,
	}
}

func (m *Metrics) RecordInfo(version string) {
	m.Info.WithLabelValues(version).Set(1)
}

func (m *Metrics) RecordUp() {
	m.Up.Set(1)
}

func (m *Metrics) RecordRPCServerRequest(method string) func() {
	m.RPCServerRequestsTotal.WithLabelValues(method).Inc()
	timer := prometheus.NewTimer(m.RPCServerRequestDurationSeconds.WithLabelValues(method))
	return timer.ObserveDuration
}

// RecordRPCClientRequest is a helper method to record an RPC client request against L1 or
// the execution client. It bumps the requests metric, tracks the response duration, and
// records the response's error code.
func (m *Metrics) RecordRPCClientRequest(method string) func(err error) {
	m.RPCClientRequestsTotal.WithLabelValues(method).Inc()
	timer := prometheus.NewTimer(m.RPCClientRequestDurationSeconds.WithLabelValues(method))
	return func(err error) {
		m.RecordRPCClientResponse(method, err)
		timer.ObserveDuration()
	}
}

func (m *Metrics) RecordRPCClientResponse(method string, err error) {
	var errStr string
	var rpcErr rpc.Error
	var httpErr rpc.HTTPError
	switch {
	case err == nil:
		errStr = "<nil>"
	case errors.As(err, &rpcErr):
		errStr = fmt.Sprintf("rpc_%d", rpcErr.ErrorCode())
	case errors.As(err, &httpErr):
		errStr = fmt.Sprintf("http_%d", httpErr.StatusCode)
	case errors.Is(err, ethereum.NotFound):
		errStr = "<not found>"
	default:
		errStr = "<unknown>"
	}
	m.RPCClientResponsesTotal.WithLabelValues(method, errStr).Inc()
}

// RecordEngineCall times a single Engine API round trip.
func (m *Metrics) RecordEngineCall(method string) func() {
	timer := prometheus.NewTimer(m.EngineCallDuration.WithLabelValues(method))
	return timer.ObserveDuration
}

func (m *Metrics) SetDerivationIdle(idle bool) {
	var val float64
	if idle {
		val = 1
	}
	m.DerivationIdle.Set(val)
}

func (m *Metrics) RecordPipelineReset()     { m.PipelineResets.RecordEvent() }
func (m *Metrics) RecordChannelOpened()     { m.ChannelsOpened.RecordEvent() }
func (m *Metrics) RecordChannelTimedOut()   { m.ChannelsTimedOut.RecordEvent() }
func (m *Metrics) RecordBatchAccepted()     { m.BatchesAccepted.RecordEvent() }
func (m *Metrics) RecordBatchDropped()      { m.BatchesDropped.RecordEvent() }
func (m *Metrics) RecordBatchFuture()       { m.BatchesFuture.RecordEvent() }
func (m *Metrics) RecordBatchSynthesized()  { m.BatchesSynthesized.RecordEvent() }
func (m *Metrics) RecordDerivationError()   { m.DerivationErrors.RecordEvent() }

func (m *Metrics) recordRef(layer string, name string, num uint64, timestamp uint64, h common.Hash) {
	m.RefsNumber.WithLabelValues(layer, name).Set(float64(num))
	if timestamp != 0 {
		m.RefsTime.WithLabelValues(layer, name).Set(float64(timestamp))
	}
	// map the first 8 bytes to a float64 so hash changes are visible on a graph, without
	// claiming any numerical meaning for the value.
	m.RefsHash.WithLabelValues(layer, name).Set(float64(binary.LittleEndian.Uint64(h[:])))
}

func (m *Metrics) RecordL1Ref(name string, ref eth.L1BlockRef) {
	m.recordRef("l1", name, ref.Number, ref.Time, ref.Hash)
}

func (m *Metrics) RecordL2Ref(name string, ref eth.L2BlockRef) {
	m.recordRef("l2", name, ref.Number, ref.Time, ref.Hash)
	m.recordRef("l1_origin", name, ref.L1Origin.Number, 0, ref.L1Origin.Hash)
	m.RefsSeqNr.WithLabelValues(name).Set(float64(ref.SequenceNumber))
}

func (m *Metrics) CountSequencedTxs(count int) {
	m.TransactionsSequencedTotal.Add(float64(count))
}

func (m *Metrics) RecordL1ReorgDepth(d uint64) {
	m.L1ReorgDepth.Observe(float64(d))
}

// Serve starts the metrics server on the given hostname and port. The server is closed
// when ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, hostname string, port int) error {
	addr := net.JoinHostPort(hostname, strconv.Itoa(port))
	server := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}),
		),
	}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	return server.ListenAndServe()
}
