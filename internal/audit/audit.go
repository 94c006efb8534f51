package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/observability"
)

// Record is one audit entry. Every request that reaches a terminal
// state produces at most one record.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"requestId"`
	Principal    string    `json:"principal"`
	Tier         string    `json:"tier"`
	Model        string    `json:"model"`
	Backend      string    `json:"backend,omitempty"`
	Outcome      string    `json:"outcome"`
	DurationMs   int64     `json:"durationMs"`
	Streamed     bool      `json:"streamed,omitempty"`
	CacheHit     bool      `json:"cacheHit,omitempty"`
	Retried      bool      `json:"retried,omitempty"`
	StreamChunks int       `json:"streamChunks,omitempty"`

	// CostTokens is the total token usage the backend reported for this
	// request, when the response carried a usage block.
	CostTokens int `json:"costTokens,omitempty"`
}

// Metrics counts audit writes and drops.
type Metrics struct {
	recordsTotal prometheus.Counter
	droppedTotal prometheus.Counter
}

// NewMetricsWithRegisterer creates audit metrics on the given
// registerer so they surface on the gateway's /metrics endpoint.
func NewMetricsWithRegisterer(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		recordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avaigw",
			Subsystem: "audit",
			Name:      "records_total",
			Help:      "Total number of audit records written.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avaigw",
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Total number of audit records dropped because the queue was full.",
		}),
	}
	_ = registerer.Register(m.recordsTotal)
	_ = registerer.Register(m.droppedTotal)
	return m
}

// Writer queues records and persists them from a single goroutine.
type Writer struct {
	out     io.Writer
	closer  io.Closer
	logger  observability.Logger
	metrics *Metrics

	queue     chan Record
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	enabled   bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriterLogger sets the writer's logger.
func WithWriterLogger(logger observability.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithWriterMetrics sets the drop/write counters.
func WithWriterMetrics(metrics *Metrics) WriterOption {
	return func(w *Writer) {
		w.metrics = metrics
	}
}

// WithOutput overrides the configured output destination.
func WithOutput(out io.Writer) WriterOption {
	return func(w *Writer) {
		w.out = out
		w.closer = nil
	}
}

// NewWriter creates an audit writer from configuration. A disabled
// configuration yields a writer whose Log is a no-op.
func NewWriter(cfg config.AuditConfig, opts ...WriterOption) (*Writer, error) {
	w := &Writer{
		logger:  observability.NopLogger(),
		enabled: cfg.Enabled,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.Enabled {
		queueSize := cfg.QueueSize
		if queueSize <= 0 {
			queueSize = 1024
		}
		w.queue = make(chan Record, queueSize)

		switch cfg.Output {
		case "", "stdout":
			w.out = os.Stdout
		case "stderr":
			w.out = os.Stderr
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, err
			}
			w.out = f
			w.closer = f
		}
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.enabled {
		go w.run()
	}
	return w, nil
}

// Log queues a record. It never blocks; if the queue is full, or the
// writer is already closing, the record is dropped and the drop counter
// incremented. Records can arrive after Close because hijacked
// streaming connections outlive server shutdown.
func (w *Writer) Log(rec Record) {
	if !w.enabled {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	select {
	case <-w.closing:
		w.drop(rec)
		return
	default:
	}

	select {
	case w.queue <- rec:
	default:
		w.drop(rec)
	}
}

func (w *Writer) drop(rec Record) {
	if w.metrics != nil {
		w.metrics.droppedTotal.Inc()
	}
	w.logger.Warn("dropping audit record",
		observability.String("requestId", rec.RequestID))
}

// Close drains the queue, flushes remaining records, and releases the
// output. Safe to call multiple times; records logged after Close are
// dropped.
func (w *Writer) Close() error {
	if !w.enabled {
		return nil
	}

	w.closeOnce.Do(func() {
		close(w.closing)
		<-w.done
	})

	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

func (w *Writer) run() {
	defer close(w.done)

	enc := json.NewEncoder(w.out)
	for {
		select {
		case rec := <-w.queue:
			w.write(enc, rec)
		case <-w.closing:
			for {
				select {
				case rec := <-w.queue:
					w.write(enc, rec)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(enc *json.Encoder, rec Record) {
	if err := enc.Encode(rec); err != nil {
		w.logger.Error("failed to write audit record",
			observability.String("requestId", rec.RequestID),
			observability.Error(err))
		return
	}
	if w.metrics != nil {
		w.metrics.recordsTotal.Inc()
	}
}
