// Package metrics provides Prometheus metrics for the healstats pipeline.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector of the pipeline.
type Manager struct {
	namespace        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Sequencer
	eventsSubmitted   prometheus.Counter
	eventsDrained     prometheus.Counter
	eventsDropped     *prometheus.CounterVec
	sequencerBuffered prometheus.Gauge
	sequencerWater    prometheus.Gauge

	// Processor
	encountersOpened   prometheus.Counter
	encountersClosed   *prometheus.CounterVec
	encountersOpen     prometheus.Gauge
	processorRejected  *prometheus.CounterVec
	eventsApplied      prometheus.Counter
	eventsUnattributed prometheus.Counter

	// Relay
	resultsEnqueued prometheus.Counter
	resultsEvicted  prometheus.Counter
	resultsSent     prometheus.Counter
	resultsRetried  prometheus.Counter
	resultsRejected prometheus.Counter
	relayQueueSize  prometheus.Gauge
	relayState      prometheus.Gauge
	relayConnects   *prometheus.CounterVec
	relaySendMs     prometheus.Histogram

	// Collector
	collectorReceived   prometheus.Counter
	collectorDuplicates prometheus.Counter

	// Result history
	resultsStored prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var (
	globalMu      sync.RWMutex
	globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager
	// Custom registry to avoid default Go metrics.
	customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry
)

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "healstats",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.eventsSubmitted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "sequencer",
		Name: "events_submitted_total",
		Help: "Raw events handed to the sequencer by the host",
	})
	m.eventsDrained = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "sequencer",
		Name: "events_drained_total",
		Help: "Events released downstream in sequence order",
	})
	m.eventsDropped = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "sequencer",
		Name: "events_dropped_total",
		Help: "Events rejected by the sequencer, by reason",
	}, []string{"reason"})
	m.sequencerBuffered = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "sequencer",
		Name: "buffered_events",
		Help: "Events waiting in the reorder buffer",
	})
	m.sequencerWater = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "sequencer",
		Name: "watermark",
		Help: "Stability watermark: highest sequence seen minus the reorder window",
	})

	m.encountersOpened = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "processor",
		Name: "encounters_opened_total",
		Help: "Encounters opened by a start marker",
	})
	m.encountersClosed = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "processor",
		Name: "encounters_closed_total",
		Help: "Encounters finalized into a result",
	}, []string{"truncated"})
	m.encountersOpen = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "processor",
		Name: "encounters_live",
		Help: "Encounters currently open or finalizing",
	})
	m.processorRejected = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "processor",
		Name: "events_rejected_total",
		Help: "Events discarded by the processor, by reason",
	}, []string{"reason"})
	m.eventsApplied = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "processor",
		Name: "events_applied_total",
		Help: "Events applied to encounter state",
	})
	m.eventsUnattributed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "processor",
		Name: "events_unattributed_total",
		Help: "Events that fell outside every encounter",
	})

	m.resultsEnqueued = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "relay",
		Name: "results_enqueued_total",
		Help: "Results placed on the outbound queue",
	})
	m.resultsEvicted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "relay",
		Name: "results_evicted_total",
		Help: "Results dropped from a full outbound queue (oldest first)",
	})
	m.resultsSent = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "relay",
		Name: "results_sent_total",
		Help: "Results acknowledged by the remote service",
	})
	m.resultsRetried = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "relay",
		Name: "results_retried_total",
		Help: "Results returned to the queue after a failed transmission",
	})
	m.resultsRejected = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "relay",
		Name: "results_rejected_total",
		Help: "Results permanently rejected by the remote service",
	})
	m.relayQueueSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "relay",
		Name: "queue_size",
		Help: "Results waiting for transmission",
	})
	m.relayState = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "relay",
		Name: "connection_state",
		Help: "Connection state: 0 disconnected, 1 connecting, 2 connected",
	})
	m.relayConnects = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "relay",
		Name: "connect_attempts_total",
		Help: "Connection attempts by outcome",
	}, []string{"outcome"})
	m.relaySendMs = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "relay",
		Name:    "send_latency_milliseconds",
		Help:    "Time from transmission to acknowledgment",
		Buckets: m.histogramBuckets,
	})

	m.collectorReceived = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "collector",
		Name: "results_received_total",
		Help: "Results accepted by the collector",
	})
	m.collectorDuplicates = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "collector",
		Name: "results_duplicate_total",
		Help: "Redelivered results acknowledged without reprocessing",
	})

	m.resultsStored = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "history",
		Name: "results_stored",
		Help: "Finalized results kept for inspection",
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "http",
		Name: "requests_total",
		Help: "Total number of HTTP requests by endpoint and method",
	}, []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "http",
		Name:    "request_duration_milliseconds",
		Help:    "HTTP request duration in milliseconds",
		Buckets: m.histogramBuckets,
	}, []string{"endpoint", "method", "status_code"})

	m.errorsByComponent = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "errors",
		Name: "by_component_total",
		Help: "Errors by component and type",
	}, []string{"component", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "system",
		Name: "memory_usage_bytes",
		Help: "Current heap allocation in bytes",
	})
	m.systemGoroutineCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "system",
		Name: "goroutine_count",
		Help: "Current number of goroutines",
	})
	m.systemGCPauseTime = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "system",
		Name:    "gc_pause_milliseconds",
		Help:    "Average GC pause time in milliseconds",
		Buckets: m.histogramBuckets,
	})
}

func current() *Manager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalManager
}

// Sequencer metrics.

func RecordEventSubmitted()             { current().eventsSubmitted.Inc() }
func RecordEventsDrained(n int)         { current().eventsDrained.Add(float64(n)) }
func RecordEventDropped(reason string)  { current().eventsDropped.WithLabelValues(reason).Inc() }
func UpdateSequencerBuffered(n int)     { current().sequencerBuffered.Set(float64(n)) }
func UpdateSequencerWatermark(w uint64) { current().sequencerWater.Set(float64(w)) }

// Processor metrics.

func RecordEncounterOpened() { current().encountersOpened.Inc() }

func RecordEncounterClosed(truncated bool) {
	current().encountersClosed.WithLabelValues(strconv.FormatBool(truncated)).Inc()
}

func UpdateLiveEncounters(n int) { current().encountersOpen.Set(float64(n)) }
func RecordProcessorRejected(reason string) {
	current().processorRejected.WithLabelValues(reason).Inc()
}
func RecordEventApplied()      { current().eventsApplied.Inc() }
func RecordEventUnattributed() { current().eventsUnattributed.Inc() }

// Relay metrics.

func RecordResultEnqueued()      { current().resultsEnqueued.Inc() }
func RecordResultEvicted()       { current().resultsEvicted.Inc() }
func RecordResultRetried()       { current().resultsRetried.Inc() }
func RecordResultRejected()      { current().resultsRejected.Inc() }
func UpdateRelayQueueSize(n int) { current().relayQueueSize.Set(float64(n)) }
func UpdateRelayState(state int) { current().relayState.Set(float64(state)) }

// RecordResultSent counts an acknowledged result and its round-trip latency.
func RecordResultSent(latencyMs float64) {
	m := current()
	m.resultsSent.Inc()
	m.relaySendMs.Observe(latencyMs)
}

// RecordRelayConnect counts a connection attempt; outcome is "ok", "dial_error",
// "handshake_error" or "rejected".
func RecordRelayConnect(outcome string) { current().relayConnects.WithLabelValues(outcome).Inc() }

// Collector metrics.

func RecordCollectorReceived()  { current().collectorReceived.Inc() }
func RecordCollectorDuplicate() { current().collectorDuplicates.Inc() }

// History metrics.

func UpdateResultsStored(n int) { current().resultsStored.Set(float64(n)) }

// HTTP metrics.

func RecordHTTPRequest(endpoint, method, statusCode string) {
	current().httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	current().httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error for a component.
func RecordErrorByComponent(component, errorType string) {
	current().errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// System metrics.

func UpdateSystemMemoryUsage(bytes uint64)    { current().systemMemoryUsage.Set(float64(bytes)) }
func UpdateSystemGoroutineCount(count int)    { current().systemGoroutineCount.Set(float64(count)) }
func RecordSystemGCPauseTime(pauseMs float64) { current().systemGCPauseTime.Observe(pauseMs) }

// GetRegistry returns the registry the global manager is registered on.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// SetGlobalForTesting swaps the global manager and returns a restore func.
// Tests use it to assert on counters from a fresh registry.
func SetGlobalForTesting(m *Manager) (restore func()) {
	globalMu.Lock()
	prev := globalManager
	globalManager = m
	globalMu.Unlock()
	return func() {
		globalMu.Lock()
		globalManager = prev
		globalMu.Unlock()
	}
}

// Collectors exposes a few collectors for assertions in tests.
func (m *Manager) Collectors() ManagerCollectors {
	return ManagerCollectors{
		EventsDropped:    m.eventsDropped,
		EventsDrained:    m.eventsDrained,
		ResultsEvicted:   m.resultsEvicted,
		ResultsSent:      m.resultsSent,
		ResultsRetried:   m.resultsRetried,
		EncountersClosed: m.encountersClosed,
	}
}

// ManagerCollectors groups collectors exposed for tests.
type ManagerCollectors struct {
	EventsDropped    *prometheus.CounterVec
	EventsDrained    prometheus.Counter
	ResultsEvicted   prometheus.Counter
	ResultsSent      prometheus.Counter
	ResultsRetried   prometheus.Counter
	EncountersClosed *prometheus.CounterVec
}
