package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamMetrics tracks ingestion statistics for a broker.
type StreamMetrics struct {
	mu sync.RWMutex

	// Internal counters mirrored into the snapshot
	frames        uint64
	bytes         uint64
	decodeErrors  map[string]uint64
	syncLosses    uint64
	skipped       uint64
	drops         map[string]uint64
	storageErrors uint64
	reconnects    uint64
	counterGaps   uint64
	trailingData  uint64

	// Prometheus collectors
	framesTotal        prometheus.Counter
	bytesTotal         prometheus.Counter
	decodeErrorsTotal  *prometheus.CounterVec
	syncLossesTotal    prometheus.Counter
	skippedTotal       prometheus.Counter
	dropsTotal         *prometheus.CounterVec
	storageErrorsTotal prometheus.Counter
	reconnectsTotal    prometheus.Counter
	counterGapsTotal   prometheus.Counter
	trailingDataTotal  prometheus.Counter
	subscriptionsGauge prometheus.Gauge
	frameSizeHist      prometheus.Histogram

	registerer prometheus.Registerer
	registered bool
}

// StreamMetricsSnapshot provides a point-in-time view of stream metrics.
type StreamMetricsSnapshot struct {
	Frames        uint64            `json:"frames"`
	Bytes         uint64            `json:"bytes"`
	DecodeErrors  map[string]uint64 `json:"decode_errors"`
	SyncLosses    uint64            `json:"sync_losses"`
	Skipped       uint64            `json:"skipped"`
	Drops         map[string]uint64 `json:"drops"`
	StorageErrors uint64            `json:"storage_errors"`
	Reconnects    uint64            `json:"reconnects"`
	CounterGaps   uint64            `json:"counter_gaps"`
	TrailingData  uint64            `json:"trailing_data"`
	CollectedAt   time.Time         `json:"collected_at"`
}

// newStreamCounter creates a counter with the standard dltstream/stream namespace.
func newStreamCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dltstream",
			Subsystem: "stream",
			Name:      name,
			Help:      help,
		},
	)
}

// newStreamCounterVec creates a counter vec with the standard dltstream/stream namespace.
func newStreamCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dltstream",
			Subsystem: "stream",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewStreamMetrics creates a new stream metrics collector.
func NewStreamMetrics(registerer prometheus.Registerer) *StreamMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &StreamMetrics{
		decodeErrors:       make(map[string]uint64),
		drops:              make(map[string]uint64),
		registerer:         registerer,
		framesTotal:        newStreamCounter("frames_total", "Total number of frames decoded from the trace stream"),
		bytesTotal:         newStreamCounter("bytes_total", "Total number of frame bytes decoded from the trace stream"),
		decodeErrorsTotal:  newStreamCounterVec("decode_errors_total", "Total number of frames that failed to decode", []string{"kind"}),
		syncLossesTotal:    newStreamCounter("sync_losses_total", "Total number of times frame alignment was lost"),
		skippedTotal:       newStreamCounter("skipped_total", "Total number of messages skipped for missing identifiers"),
		dropsTotal:         newStreamCounterVec("drops_total", "Total number of messages dropped from full queues", []string{"queue"}),
		storageErrorsTotal: newStreamCounter("storage_errors_total", "Total number of trace file write failures"),
		reconnectsTotal:    newStreamCounter("reconnects_total", "Total number of source reconnections"),
		counterGapsTotal:   newStreamCounter("counter_gaps_total", "Total number of gaps observed in the message counter"),
		trailingDataTotal:  newStreamCounter("trailing_data_total", "Total number of frames carrying bytes past the declared argument list"),
		subscriptionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dltstream",
			Subsystem: "stream",
			Name:      "subscriptions",
			Help:      "Current number of active subscriptions",
		}),
		frameSizeHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dltstream",
			Subsystem: "stream",
			Name:      "frame_size_bytes",
			Help:      "Size distribution of decoded frames",
			Buckets:   []float64{32, 64, 128, 256, 512, 1024, 4096, 16384, 65536},
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *StreamMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.framesTotal,
		m.bytesTotal,
		m.decodeErrorsTotal,
		m.syncLossesTotal,
		m.skippedTotal,
		m.dropsTotal,
		m.storageErrorsTotal,
		m.reconnectsTotal,
		m.counterGapsTotal,
		m.trailingDataTotal,
		m.subscriptionsGauge,
		m.frameSizeHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordFrame records a successfully decoded frame.
func (m *StreamMetrics) RecordFrame(size int) {
	m.mu.Lock()
	m.frames++
	m.bytes += uint64(size)
	m.mu.Unlock()

	m.framesTotal.Inc()
	m.bytesTotal.Add(float64(size))
	m.frameSizeHist.Observe(float64(size))
}

// RecordDecodeError records a frame that could not be decoded, labelled by
// failure kind ("truncated", "unknown_version", "malformed_argument", ...).
func (m *StreamMetrics) RecordDecodeError(kind string) {
	m.mu.Lock()
	m.decodeErrors[kind]++
	m.mu.Unlock()

	m.decodeErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordSyncLoss records a lost frame alignment.
func (m *StreamMetrics) RecordSyncLoss() {
	m.mu.Lock()
	m.syncLosses++
	m.mu.Unlock()

	m.syncLossesTotal.Inc()
}

// RecordSkipped records a message skipped for carrying no identifiers.
func (m *StreamMetrics) RecordSkipped() {
	m.mu.Lock()
	m.skipped++
	m.mu.Unlock()

	m.skippedTotal.Inc()
}

// RecordDrop records a message dropped because a queue was full.
func (m *StreamMetrics) RecordDrop(queue string) {
	m.mu.Lock()
	m.drops[queue]++
	m.mu.Unlock()

	m.dropsTotal.WithLabelValues(queue).Inc()
}

// RecordStorageError records a trace file write failure.
func (m *StreamMetrics) RecordStorageError() {
	m.mu.Lock()
	m.storageErrors++
	m.mu.Unlock()

	m.storageErrorsTotal.Inc()
}

// RecordReconnect records a source reconnection.
func (m *StreamMetrics) RecordReconnect() {
	m.mu.Lock()
	m.reconnects++
	m.mu.Unlock()

	m.reconnectsTotal.Inc()
}

// RecordCounterGap records a gap in the per-sender message counter.
func (m *StreamMetrics) RecordCounterGap() {
	m.mu.Lock()
	m.counterGaps++
	m.mu.Unlock()

	m.counterGapsTotal.Inc()
}

// RecordTrailingData records a frame that carried bytes past its declared
// argument list. The bytes are preserved, this only tracks how often the
// producer emits them.
func (m *StreamMetrics) RecordTrailingData() {
	m.mu.Lock()
	m.trailingData++
	m.mu.Unlock()

	m.trailingDataTotal.Inc()
}

// SetSubscriptions sets the current subscription count.
func (m *StreamMetrics) SetSubscriptions(n int) {
	m.subscriptionsGauge.Set(float64(n))
}

// GetSnapshot returns a point-in-time snapshot of all stream metrics.
func (m *StreamMetrics) GetSnapshot() StreamMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := StreamMetricsSnapshot{
		Frames:        m.frames,
		Bytes:         m.bytes,
		DecodeErrors:  make(map[string]uint64, len(m.decodeErrors)),
		SyncLosses:    m.syncLosses,
		Skipped:       m.skipped,
		Drops:         make(map[string]uint64, len(m.drops)),
		StorageErrors: m.storageErrors,
		Reconnects:    m.reconnects,
		CounterGaps:   m.counterGaps,
		TrailingData:  m.trailingData,
		CollectedAt:   time.Now(),
	}
	for kind, count := range m.decodeErrors {
		snapshot.DecodeErrors[kind] = count
	}
	for queue, count := range m.drops {
		snapshot.Drops[queue] = count
	}

	return snapshot
}

// Reset resets all metrics (useful for testing).
func (m *StreamMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames = 0
	m.bytes = 0
	m.decodeErrors = make(map[string]uint64)
	m.syncLosses = 0
	m.skipped = 0
	m.drops = make(map[string]uint64)
	m.storageErrors = 0
	m.reconnects = 0
	m.counterGaps = 0
	m.trailingData = 0
	m.decodeErrorsTotal.Reset()
	m.dropsTotal.Reset()
}
