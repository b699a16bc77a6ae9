// Package fleet — manager.go
//
// Worker fleet registration, sessions, heartbeat eviction, and synchronous
// round-robin dispatch.
//
// Session model:
//   - One TCP listener on the configured port; each accepted connection is
//     handled on its own goroutine.
//   - A worker becomes eligible after its register frame and stays eligible
//     while heartbeats arrive inside the timeout window.
//   - A cleanup sweep every 5s closes and evicts any worker whose last_seen
//     is older than 15s.
//
// Dispatch model (synchronous by design):
//   - DistributeSync allocates a pending-task entry keyed by frame id, sends
//     the task to the round-robin target, and blocks on the completion
//     signal up to the caller's timeout. The vision pipeline must decide
//     immediately whether to fall back to local inference for this frame;
//     an asynchronous completion would arrive too late to keep per-frame
//     ordering of the visualized output.
//   - A second result for the same frame is accepted silently; a result
//     whose pending entry is gone only performs the store append.
//
// Ownership: the Manager exclusively owns worker→connection and
// frame→pending-task maps. Detections flow to the state store, never to
// callers directly (the dispatcher's return value is for frame annotation).

package fleet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexora/modevac/internal/config"
	"github.com/nexora/modevac/internal/observability"
	"github.com/nexora/modevac/internal/state"
)

// Worker specialties declared at registration.
const (
	SpecialtyGeneralist = "Generalist"
	SpecialtyFire       = "Fire Specialist"
	SpecialtySmoke      = "Smoke Specialist"
	SpecialtyFlood      = "Flood Detector"
	SpecialtyCustom     = "Custom"
)

// Worker roles.
const (
	RoleMain      = "main"
	RoleSubWorker = "sub-worker"
)

// Dispatch failure sentinels. A nil error with an empty slice means the
// worker replied and found nothing — callers must not fall back on that.
var (
	ErrNoEligible = errors.New("fleet: no eligible worker")
	ErrSendFailed = errors.New("fleet: task send failed")
	ErrTimeout    = errors.New("fleet: dispatch timed out")
)

// worker is the managed record for one connected node.
type worker struct {
	id    string
	name  string
	model string
	role  string
	conn  net.Conn

	sendMu sync.Mutex // serializes frames onto conn

	mu        sync.Mutex
	specialty string // mutable via Classify
	lastSeen  time.Time
	stats     WorkerStats
}

func (w *worker) getSpecialty() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.specialty
}

func (w *worker) touch(stats *WorkerStats) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = time.Now()
	if stats != nil {
		w.stats = *stats
	}
}

func (w *worker) seen() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

func (w *worker) send(msg Message) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return WriteFrame(w.conn, msg)
}

// WorkerInfo is the API snapshot of a live worker.
type WorkerInfo struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Model     string      `json:"model"`
	Specialty string      `json:"specialty"`
	Role      string      `json:"role"`
	Addr      string      `json:"addr"`
	LastSeen  float64     `json:"last_seen"`
	Stats     WorkerStats `json:"stats"`
}

// pendingTask is the per-frame bookkeeping for one in-flight dispatch.
type pendingTask struct {
	done chan struct{}

	mu        sync.Mutex
	dets      []RemoteDetection
	delivered bool // true only for a real worker reply, not an abort
	closed    bool
}

// deliver places the result and fires the completion signal exactly once.
// A reply with zero detections is still a delivery — the worker looked and
// found nothing.
func (p *pendingTask) deliver(dets []RemoteDetection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if dets == nil {
		dets = []RemoteDetection{}
	}
	p.dets = dets
	p.delivered = true
	p.closed = true
	close(p.done)
}

// abort fires the completion signal with an empty slot (shutdown path).
func (p *pendingTask) abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

func (p *pendingTask) result() ([]RemoteDetection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dets, p.delivered
}

// Manager owns the worker fleet.
type Manager struct {
	cfg     config.FleetConfig
	store   *state.Store
	metrics *observability.Metrics
	log     *zap.Logger

	mu         sync.RWMutex
	workers    map[string]*worker
	classified map[string]string // operator-assigned specialty overrides

	pendingMu sync.Mutex
	pending   map[uint64]*pendingTask

	rr atomic.Uint64

	lis net.Listener
}

// NewManager creates a fleet Manager.
func NewManager(cfg config.FleetConfig, store *state.Store, metrics *observability.Metrics, log *zap.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      store,
		metrics:    metrics,
		log:        log,
		workers:    make(map[string]*worker),
		classified: make(map[string]string),
		pending:    make(map[uint64]*pendingTask),
	}
}

// SeedClassifications installs persisted specialty overrides, applied when
// the matching worker registers.
func (m *Manager) SeedClassifications(byDevice map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, specialty := range byDevice {
		m.classified[id] = specialty
	}
}

// Listen binds the registration listener. A bind failure is fatal to the
// process (exit 1), so it is surfaced instead of retried.
func (m *Manager) Listen() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", m.cfg.TCPPort))
	if err != nil {
		return fmt.Errorf("fleet: listen on %d: %w", m.cfg.TCPPort, err)
	}
	m.lis = lis
	return nil
}

// Run accepts worker sessions and sweeps heartbeats until ctx is cancelled,
// then closes the listener, every open connection, and fires every pending
// completion signal with an empty result.
func (m *Manager) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = m.lis.Close()
	}()

	go m.cleanupLoop(ctx)

	for {
		conn, err := m.lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				m.shutdown()
				return
			default:
				m.log.Error("fleet accept error", zap.Error(err))
				continue
			}
		}
		go m.handleConn(ctx, conn)
	}
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	for _, w := range m.workers {
		_ = w.conn.Close()
	}
	m.workers = make(map[string]*worker)
	m.mu.Unlock()

	m.pendingMu.Lock()
	for id, task := range m.pending {
		task.abort()
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()
}

// handleConn runs one worker session: frames in, switch on type.
// A malformed frame is a protocol violation: logged and dropped, the
// session survives. A transport error ends the session.
func (m *Manager) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()

	var w *worker
	defer func() {
		if w != nil {
			m.evict(w, "session closed")
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		var msg Message
		if err := ReadFrame(conn, &msg); err != nil {
			if errors.Is(err, ErrMalformed) {
				// Framing survives a bad body; drop it, keep the session.
				m.log.Warn("worker protocol violation",
					zap.String("addr", addr), zap.Error(err))
				continue
			}
			return // transport closed or failed
		}

		switch msg.Type {
		case "register":
			w = m.register(msg, conn, addr)

		case "heartbeat":
			if hb := m.lookup(msg.WorkerID); hb != nil {
				hb.touch(msg.Stats)
			}

		case "inference_result":
			m.handleResult(msg)
			if w != nil {
				w.touch(nil)
			}

		default:
			m.log.Warn("unknown worker message",
				zap.String("addr", addr), zap.String("type", msg.Type))
		}
	}
}

// register records the worker and acks.
func (m *Manager) register(msg Message, conn net.Conn, addr string) *worker {
	id := msg.WorkerID
	if id == "" {
		id = uuid.New().String()
	}
	specialty := msg.Specialty
	if specialty == "" {
		specialty = SpecialtyGeneralist
	}
	role := msg.Role
	if role == "" {
		role = RoleSubWorker
	}

	w := &worker{
		id:        id,
		name:      msg.Name,
		model:     msg.Model,
		specialty: specialty,
		role:      role,
		conn:      conn,
		lastSeen:  time.Now(),
	}

	m.mu.Lock()
	if override, ok := m.classified[id]; ok {
		w.specialty = override
	}
	if prev, ok := m.workers[id]; ok && prev.conn != conn {
		_ = prev.conn.Close()
	}
	m.workers[id] = w
	count := len(m.workers)
	m.mu.Unlock()

	if err := w.send(Message{Type: "registered", WorkerID: id}); err != nil {
		m.log.Warn("register ack failed", zap.String("worker", id), zap.Error(err))
	}

	m.store.UpdateDevice(id, "worker", true, addr)
	m.metrics.WorkersConnected.Set(float64(count))
	m.log.Info("worker registered",
		zap.String("worker", id),
		zap.String("name", msg.Name),
		zap.String("specialty", specialty),
		zap.String("role", role),
		zap.String("addr", addr))
	return w
}

func (m *Manager) lookup(id string) *worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workers[id]
}

// handleResult resolves the pending task (if still waiting) and appends
// every returned detection to the store. Late and duplicate results only
// perform the append half.
func (m *Manager) handleResult(msg Message) {
	m.pendingMu.Lock()
	task := m.pending[msg.FrameID]
	m.pendingMu.Unlock()

	if task != nil {
		task.deliver(msg.Detections)
	}

	for _, d := range msg.Detections {
		var bbox [4]float64
		copy(bbox[:], d.BBox)
		m.store.AddDetection(d.Class, d.Confidence, bbox, msg.FrameID)
		m.metrics.DetectionsTotal.WithLabelValues("remote").Inc()
	}
}

// evict closes and removes a worker and marks its device disconnected.
// Removal is by identity, not id: a worker that re-registered on a fresh
// connection must not be evicted by its old session's teardown.
func (m *Manager) evict(w *worker, reason string) {
	m.mu.Lock()
	current, ok := m.workers[w.id]
	if ok && current == w {
		delete(m.workers, w.id)
	} else {
		ok = false
	}
	count := len(m.workers)
	m.mu.Unlock()

	_ = w.conn.Close()
	if !ok {
		return
	}
	m.store.UpdateDevice(w.id, "worker", false, w.conn.RemoteAddr().String())
	m.metrics.WorkersConnected.Set(float64(count))
	m.log.Info("worker evicted", zap.String("worker", w.id), zap.String("reason", reason))
}

// cleanupLoop sweeps stale workers every cleanup interval.
func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.HeartbeatTimeout)
			for _, w := range m.snapshot() {
				if w.seen().Before(cutoff) {
					m.evict(w, "heartbeat timeout")
				}
			}
		}
	}
}

func (m *Manager) snapshot() []*worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	return out
}

// ConnectedCount returns the number of live (non-stale) workers.
func (m *Manager) ConnectedCount() int {
	cutoff := time.Now().Add(-m.cfg.HeartbeatTimeout)
	n := 0
	for _, w := range m.snapshot() {
		if !w.seen().Before(cutoff) {
			n++
		}
	}
	return n
}

// Workers returns API snapshots of all live workers. Workers past the
// heartbeat timeout are excluded even if the sweep has not evicted them yet.
func (m *Manager) Workers() []WorkerInfo {
	cutoff := time.Now().Add(-m.cfg.HeartbeatTimeout)
	var out []WorkerInfo
	for _, w := range m.snapshot() {
		seen := w.seen()
		if seen.Before(cutoff) {
			continue
		}
		w.mu.Lock()
		stats := w.stats
		specialty := w.specialty
		w.mu.Unlock()
		out = append(out, WorkerInfo{
			ID:        w.id,
			Name:      w.name,
			Model:     w.model,
			Specialty: specialty,
			Role:      w.role,
			Addr:      w.conn.RemoteAddr().String(),
			LastSeen:  float64(seen.UnixNano()) / 1e9,
			Stats:     stats,
		})
	}
	return out
}

// Classify overrides a worker's specialty. The override is remembered for
// future registrations of the same id; the return value reports whether a
// live worker was updated in place.
func (m *Manager) Classify(id, specialty string) bool {
	m.mu.Lock()
	m.classified[id] = specialty
	m.mu.Unlock()

	w := m.lookup(id)
	if w == nil {
		return false
	}
	w.mu.Lock()
	w.specialty = specialty
	w.mu.Unlock()
	return true
}

// DistributeSync dispatches one frame to the fleet and waits for the result.
//
//  1. Filter live workers: required specialty plus all Generalists; empty
//     required specialty keeps everyone.
//  2. Advance the round-robin cursor over the eligible set.
//  3. Allocate the pending entry for frameID.
//  4. Send the task; a send error deletes the entry and fails fast.
//  5. Wait for completion up to timeout.
//  6. Delete the entry; return the detections.
//
// A nil error with zero detections is a genuine "worker saw nothing" and
// must not trigger local fallback.
func (m *Manager) DistributeSync(ctx context.Context, frameB64 string, frameID uint64, specialty string, timeout time.Duration) ([]RemoteDetection, error) {
	eligible := m.eligible(specialty)
	if len(eligible) == 0 {
		m.metrics.DispatchTotal.WithLabelValues("no_eligible").Inc()
		return nil, ErrNoEligible
	}

	target := eligible[int(m.rr.Add(1)-1)%len(eligible)]

	task := &pendingTask{done: make(chan struct{})}
	m.pendingMu.Lock()
	m.pending[frameID] = task
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, frameID)
		m.pendingMu.Unlock()
	}()

	start := time.Now()
	err := target.send(Message{
		Type:    "inference_task",
		FrameID: frameID,
		Image:   frameB64,
	})
	if err != nil {
		m.metrics.DispatchTotal.WithLabelValues("send_failed").Inc()
		m.log.Warn("task send failed",
			zap.String("worker", target.id), zap.Uint64("frame", frameID), zap.Error(err))
		return nil, ErrSendFailed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-task.done:
		dets, ok := task.result()
		if !ok {
			// Completion fired with an empty slot (shutdown).
			m.metrics.DispatchTotal.WithLabelValues("timeout").Inc()
			return nil, ErrTimeout
		}
		m.metrics.DispatchTotal.WithLabelValues("ok").Inc()
		m.metrics.DispatchLatency.Observe(time.Since(start).Seconds())
		return dets, nil
	case <-timer.C:
		m.metrics.DispatchTotal.WithLabelValues("timeout").Inc()
		return nil, ErrTimeout
	case <-ctx.Done():
		m.metrics.DispatchTotal.WithLabelValues("timeout").Inc()
		return nil, ctx.Err()
	}
}

// eligible returns live workers matching the required specialty, plus all
// Generalists. Order is deterministic by insertion-independent sort on id
// so the round-robin cursor distributes evenly.
func (m *Manager) eligible(specialty string) []*worker {
	cutoff := time.Now().Add(-m.cfg.HeartbeatTimeout)
	var out []*worker
	for _, w := range m.snapshot() {
		if w.seen().Before(cutoff) {
			continue
		}
		if ws := w.getSpecialty(); specialty == "" || ws == specialty || ws == SpecialtyGeneralist {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
