// Package telemetry registers the Prometheus gauges and counters exposed
// over /metrics: a package-level metric set plus a sampler that reads the
// bookkeeping layer on an interval and a set of Record* functions the
// server/client façades call inline.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/odin-labs/shmchan/pkg/borrow"
	"github.com/odin-labs/shmchan/pkg/handle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds every collector this process registers. Unlike the
// teacher's package-level vars, these are instance fields so a test can
// build its own registry without colliding with the default one.
type Metrics struct {
	registry *prometheus.Registry

	slotsFree             prometheus.Gauge
	slotsBorrowedByServer prometheus.Gauge

	classHeld *prometheus.GaugeVec
	classCap  *prometheus.GaugeVec

	sendsTotal        prometheus.Counter
	sendsDroppedTotal *prometheus.CounterVec
	reclaimedTotal    prometheus.Counter

	queueDepth *prometheus.GaugeVec

	stateTransitionsTotal *prometheus.CounterVec
	protocolErrorsTotal   *prometheus.CounterVec
}

// New builds and registers the metric set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		slotsFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shm_slots_free",
			Help: "Number of slots with no outstanding borrow.",
		}),
		slotsBorrowedByServer: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shm_slots_borrowed_by_server",
			Help: "Number of slots currently held by the server for writing.",
		}),
		classHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shm_class_held",
			Help: "Slots currently held by members of a receiver class.",
		}, []string{"class"}),
		classCap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shm_class_cap",
			Help: "Configured aggregate cap of a receiver class.",
		}, []string{"class"}),
		sendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shm_sends_total",
			Help: "Total send_slot calls made by the server.",
		}),
		sendsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shm_sends_dropped_total",
			Help: "Per-receiver send_slot drops by reason.",
		}, []string{"receiver", "reason"}),
		reclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shm_reclaimed_total",
			Help: "Total slots reclaimed via the free-queue drain.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shm_queue_depth",
			Help: "Sampled occupancy of a receiver's available/free queue.",
		}, []string{"receiver", "queue"}),
		stateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shm_state_transitions_total",
			Help: "State machine transitions by role, from-state and to-state.",
		}, []string{"role", "from", "to"}),
		protocolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shm_protocol_errors_total",
			Help: "Protocol and invariant violations observed by role and kind.",
		}, []string{"role", "kind"}),
	}

	reg.MustRegister(
		m.slotsFree,
		m.slotsBorrowedByServer,
		m.classHeld,
		m.classCap,
		m.sendsTotal,
		m.sendsDroppedTotal,
		m.reclaimedTotal,
		m.queueDepth,
		m.stateTransitionsTotal,
		m.protocolErrorsTotal,
	)
	return m
}

// RecordSend increments the send counter once per send_slot call.
func (m *Metrics) RecordSend() { m.sendsTotal.Inc() }

// RecordDropped increments the per-receiver drop counter.
func (m *Metrics) RecordDropped(receiver uint32, reason string) {
	m.sendsDroppedTotal.WithLabelValues(fmt.Sprintf("%d", receiver), reason).Inc()
}

// RecordReclaimed adds n to the reclaimed-slots counter.
func (m *Metrics) RecordReclaimed(n int) {
	if n > 0 {
		m.reclaimedTotal.Add(float64(n))
	}
}

// RecordTransition increments the state-transition counter for role
// ("server" or "client").
func (m *Metrics) RecordTransition(role, from, to string) {
	m.stateTransitionsTotal.WithLabelValues(role, from, to).Inc()
}

// RecordProtocolError increments the protocol-error counter. kind should be
// a short, low-cardinality tag such as "decode", "duplicate_publication",
// "handle_mismatch".
func (m *Metrics) RecordProtocolError(role, kind string) {
	m.protocolErrorsTotal.WithLabelValues(role, kind).Inc()
}

// SetQueueDepth sets the gauge for one receiver's named queue ("available"
// or "free"). A negative depth is ignored — the caller didn't have one to
// report.
func (m *Metrics) SetQueueDepth(receiver uint64, queue string, depth int) {
	if depth < 0 {
		return
	}
	m.queueDepth.WithLabelValues(fmt.Sprintf("%d", receiver), queue).Set(float64(depth))
}

// QueueDepthSample is one receiver's queue occupancy at sample time.
type QueueDepthSample struct {
	Receiver  uint64
	Available int
	Free      int
}

// QueueDepthFunc supplies a point-in-time queue-depth sample set for
// SetQueueDepth. Callers pass a closure over their server's QueueDepths
// method.
type QueueDepthFunc func() []QueueDepthSample

// SampleQueueDepths refreshes the shm_queue_depth gauge for every receiver
// f reports. A nil f is a no-op, for callers with no per-receiver queue
// data to sample.
func (m *Metrics) SampleQueueDepths(f QueueDepthFunc) {
	if f == nil {
		return
	}
	for _, s := range f() {
		m.SetQueueDepth(s.Receiver, "available", s.Available)
		m.SetQueueDepth(s.Receiver, "free", s.Free)
	}
}

// SampleBorrowManager refreshes the slot- and class-level gauges from bm's
// current bitmap/class state. Intended to run on a ticker alongside the
// admission guard's own sampling loop.
func (m *Metrics) SampleBorrowManager(bm *borrow.Manager) {
	m.slotsFree.Set(float64(bm.FreeSlotCount()))

	serverHeld := 0
	for i := uint32(0); i < bm.NSlots(); i++ {
		if bm.SnapshotBitmap(handle.Slot{Group: bm.Group(), Index: i}).IsServerSet() {
			serverHeld++
		}
	}
	m.slotsBorrowedByServer.Set(float64(serverHeld))

	for i, c := range bm.Classes() {
		label := fmt.Sprintf("%d", i)
		m.classCap.WithLabelValues(label).Set(float64(c.Cap()))
		m.classHeld.WithLabelValues(label).Set(float64(c.Held()))
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SnapshotFunc supplies the JSON body for the /debug/slots endpoint.
// Callers pass a closure over their server's Snapshot method.
type SnapshotFunc func() any

// ServeAdmin starts a small admin HTTP server exposing /metrics and,
// if snapshot is non-nil, a read-only /debug/slots endpoint. It runs
// until ctx is cancelled, then shuts down gracefully.
func ServeAdmin(ctx context.Context, addr string, m *Metrics, snapshot SnapshotFunc, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if snapshot != nil {
		mux.HandleFunc("/debug/slots", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
				logger.Warn().Err(err).Msg("telemetry: encoding /debug/slots response failed")
			}
		})
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error().Err(err).Str("addr", addr).Msg("telemetry: admin server exited")
		return err
	}
}

// StartSampling runs SampleBorrowManager and, if queueDepths is non-nil,
// SampleQueueDepths on interval until ctx is cancelled.
func (m *Metrics) StartSampling(ctx context.Context, bm *borrow.Manager, queueDepths QueueDepthFunc, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SampleBorrowManager(bm)
				m.SampleQueueDepths(queueDepths)
			}
		}
	}()
}
