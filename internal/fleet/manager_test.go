// Package fleet — manager_test.go
//
// Unit tests for the worker wire format and the fleet manager.
//
// Test coverage:
//   - WriteFrame/ReadFrame: length-prefixed framing, oversize guard,
//     malformed-body error is ErrMalformed and leaves framing intact
//   - Registration over a real socket pair: ack carries the worker id
//   - DistributeSync: result delivered inside the timeout; an empty reply
//     is a delivery (no fallback); a silent worker times out; no workers
//     fails fast with ErrNoEligible
//   - Duplicate inference_result accepted silently (idempotent append)
//   - Stale workers excluded from Workers() past the heartbeat timeout

package fleet

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nexora/modevac/internal/config"
	"github.com/nexora/modevac/internal/observability"
	"github.com/nexora/modevac/internal/state"
)

func TestWireRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Message{Type: "register", WorkerID: "w1", Specialty: SpecialtyGeneralist}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var out Message
	if err := ReadFrame(&buf, &out); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.Type != in.Type || out.WorkerID != in.WorkerID || out.Specialty != in.Specialty {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestWireMalformedBody(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("{not json")
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	buf.Write(hdr[:])
	buf.Write(body)

	// Append a valid frame behind the malformed one.
	if err := WriteFrame(&buf, Message{Type: "heartbeat", WorkerID: "w1"}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var msg Message
	err := ReadFrame(&buf, &msg)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("ReadFrame error = %v, want ErrMalformed", err)
	}

	// Framing survives: the next frame reads cleanly.
	if err := ReadFrame(&buf, &msg); err != nil {
		t.Fatalf("ReadFrame after malformed: %v", err)
	}
	if msg.Type != "heartbeat" {
		t.Errorf("recovered frame type = %q, want heartbeat", msg.Type)
	}
}

func TestWireLengthOutOfRange(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameBytes+1)
	var msg Message
	if err := ReadFrame(bytes.NewReader(hdr[:]), &msg); err == nil {
		t.Fatal("ReadFrame accepted an oversize frame length")
	}
}

func testConfig() config.FleetConfig {
	cfg := config.Defaults().Fleet
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	cfg.CleanupInterval = 50 * time.Millisecond
	return cfg
}

// startSession wires one worker over net.Pipe and registers it.
// Returns the client end and the ack.
func startSession(t *testing.T, m *Manager, reg Message) (net.Conn, Message) {
	t.Helper()
	server, client := net.Pipe()
	go m.handleConn(context.Background(), server)

	if err := WriteFrame(client, reg); err != nil {
		t.Fatalf("register write: %v", err)
	}
	var ack Message
	if err := ReadFrame(client, &ack); err != nil {
		t.Fatalf("ack read: %v", err)
	}
	return client, ack
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	store := state.NewStore(nil, zap.NewNop())
	return NewManager(testConfig(), store, observability.NewMetrics(), zap.NewNop())
}

func TestRegister_AckCarriesWorkerID(t *testing.T) {
	m := newManager(t)
	client, ack := startSession(t, m, Message{Type: "register", WorkerID: "w1", Name: "node-a"})
	defer client.Close()

	if ack.Type != "registered" || ack.WorkerID != "w1" {
		t.Fatalf("ack = %+v, want registered/w1", ack)
	}
	if got := m.ConnectedCount(); got != 1 {
		t.Errorf("ConnectedCount = %d, want 1", got)
	}
}

func TestRegister_EmptyIDGenerated(t *testing.T) {
	m := newManager(t)
	client, ack := startSession(t, m, Message{Type: "register"})
	defer client.Close()

	if ack.WorkerID == "" {
		t.Fatal("ack carried an empty generated worker id")
	}
}

func TestDistributeSync_ResultDelivered(t *testing.T) {
	m := newManager(t)
	client, _ := startSession(t, m, Message{Type: "register", WorkerID: "w1"})
	defer client.Close()

	// Worker side: answer the first task with one detection.
	go func() {
		var task Message
		if err := ReadFrame(client, &task); err != nil {
			return
		}
		_ = WriteFrame(client, Message{
			Type:    "inference_result",
			FrameID: task.FrameID,
			Detections: []RemoteDetection{
				{Class: "Fire", Confidence: 0.88, BBox: []float64{1, 2, 3, 4}},
			},
		})
	}()

	dets, err := m.DistributeSync(context.Background(), "ZnJhbWU=", 7, "", time.Second)
	if err != nil {
		t.Fatalf("DistributeSync: %v", err)
	}
	if len(dets) != 1 || dets[0].Class != "Fire" {
		t.Fatalf("detections = %+v, want one Fire", dets)
	}

	// The result handler stored the detection independently.
	deadline := time.Now().Add(time.Second)
	for {
		stored := m.store.GetDetections(10)
		if len(stored) == 1 && stored[0].FrameID == 7 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("detection never reached the store: %+v", stored)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDistributeSync_EmptyReplyIsNotFallback(t *testing.T) {
	m := newManager(t)
	client, _ := startSession(t, m, Message{Type: "register", WorkerID: "w1"})
	defer client.Close()

	go func() {
		var task Message
		if err := ReadFrame(client, &task); err != nil {
			return
		}
		_ = WriteFrame(client, Message{Type: "inference_result", FrameID: task.FrameID})
	}()

	dets, err := m.DistributeSync(context.Background(), "ZnJhbWU=", 8, "", time.Second)
	if err != nil {
		t.Fatalf("DistributeSync on empty reply: %v", err)
	}
	if dets == nil {
		t.Fatal("empty worker reply returned nil; callers would wrongly fall back")
	}
	if len(dets) != 0 {
		t.Fatalf("detections = %+v, want none", dets)
	}
}

func TestDistributeSync_SilentWorkerTimesOut(t *testing.T) {
	m := newManager(t)
	client, _ := startSession(t, m, Message{Type: "register", WorkerID: "w1"})
	defer client.Close()

	// Drain the task so the pipe write does not block, then stay silent.
	go func() {
		var task Message
		_ = ReadFrame(client, &task)
	}()

	start := time.Now()
	_, err := m.DistributeSync(context.Background(), "ZnJhbWU=", 9, "", 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %v, want ~50ms", elapsed)
	}
}

func TestDistributeSync_NoWorkers(t *testing.T) {
	m := newManager(t)
	_, err := m.DistributeSync(context.Background(), "ZnJhbWU=", 1, "", 50*time.Millisecond)
	if !errors.Is(err, ErrNoEligible) {
		t.Fatalf("error = %v, want ErrNoEligible", err)
	}
}

func TestDistributeSync_SpecialtyFilter(t *testing.T) {
	m := newManager(t)
	client, _ := startSession(t, m, Message{
		Type: "register", WorkerID: "w1", Specialty: SpecialtySmoke,
	})
	defer client.Close()

	// A Smoke Specialist is not eligible for a Fire-specialty dispatch.
	_, err := m.DistributeSync(context.Background(), "ZnJhbWU=", 1, SpecialtyFire, 50*time.Millisecond)
	if !errors.Is(err, ErrNoEligible) {
		t.Fatalf("error = %v, want ErrNoEligible for mismatched specialty", err)
	}
}

func TestDuplicateResult_Idempotent(t *testing.T) {
	m := newManager(t)
	client, _ := startSession(t, m, Message{Type: "register", WorkerID: "w1"})
	defer client.Close()

	result := Message{
		Type:    "inference_result",
		FrameID: 42,
		Detections: []RemoteDetection{
			{Class: "Smoke", Confidence: 0.7, BBox: []float64{0, 0, 5, 5}},
		},
	}
	// No pending task exists for frame 42: both results take the
	// append-only path and must not disturb the session.
	if err := WriteFrame(client, result); err != nil {
		t.Fatalf("first result write: %v", err)
	}
	if err := WriteFrame(client, result); err != nil {
		t.Fatalf("second result write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if len(m.store.GetDetections(10)) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("store holds %d detections, want 2", len(m.store.GetDetections(10)))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkers_StaleExcluded(t *testing.T) {
	m := newManager(t)
	client, _ := startSession(t, m, Message{Type: "register", WorkerID: "w1"})
	defer client.Close()

	if got := len(m.Workers()); got != 1 {
		t.Fatalf("Workers() = %d entries, want 1", got)
	}

	// Past the heartbeat timeout the worker disappears from snapshots even
	// before the cleanup sweep evicts it.
	time.Sleep(250 * time.Millisecond)
	if got := len(m.Workers()); got != 0 {
		t.Fatalf("Workers() after timeout = %d entries, want 0", got)
	}
	if got := m.ConnectedCount(); got != 0 {
		t.Errorf("ConnectedCount after timeout = %d, want 0", got)
	}
}

func TestHeartbeat_RefreshesWorker(t *testing.T) {
	m := newManager(t)
	client, _ := startSession(t, m, Message{Type: "register", WorkerID: "w1"})
	defer client.Close()

	// Heartbeats at half the timeout keep the worker live.
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		if err := WriteFrame(client, Message{
			Type:     "heartbeat",
			WorkerID: "w1",
			Stats:    &WorkerStats{FPS: 12.5, FramesProcessed: uint64(i)},
		}); err != nil {
			t.Fatalf("heartbeat write: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	workers := m.Workers()
	if len(workers) != 1 {
		t.Fatalf("Workers() = %d entries, want 1 (heartbeats ignored?)", len(workers))
	}
	if workers[0].Stats.FPS != 12.5 {
		t.Errorf("stats not updated from heartbeat: %+v", workers[0].Stats)
	}
}
