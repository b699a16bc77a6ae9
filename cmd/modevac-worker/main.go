// Package main — cmd/modevac-worker/main.go
//
// Detached inference worker node.
//
// Lifecycle:
//  1. Resolve the coordinator: use -coordinator host:port if given, else
//     listen for the UDP server_announce beacon on the discovery port.
//  2. Open the TCP session, send register, wait for the registered ack.
//  3. Heartbeat every 5 s with live stats.
//  4. For each inference_task: decode the base64 JPEG, run the black-box
//     detector, reply with inference_result for the same frame id.
//  5. On connection loss: back off 2 s and rediscover.

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexora/modevac/internal/fleet"
	"github.com/nexora/modevac/internal/vision"
)

const (
	heartbeatInterval = 5 * time.Second
	reconnectDelay    = 2 * time.Second
	discoveryTimeout  = 30 * time.Second
)

type workerApp struct {
	id        string
	name      string
	model     string
	specialty string
	role      string
	detector  vision.Detector
	log       *zap.Logger

	frames atomic.Uint64
	start  time.Time

	mu      sync.Mutex
	samples []time.Time // frame timestamps inside the FPS window
}

func main() {
	coordAddr := flag.String("coordinator", "", "Coordinator host:port (empty: discover via UDP)")
	discoveryPort := flag.Int("discovery-port", 5601, "UDP discovery port")
	id := flag.String("id", "", "Worker id (empty: generated)")
	name := flag.String("name", "", "Worker display name (empty: hostname)")
	model := flag.String("model", "hazard-v8n", "Model name to advertise")
	specialty := flag.String("specialty", fleet.SpecialtyGeneralist, "Worker specialty")
	role := flag.String("role", fleet.RoleSubWorker, "Worker role (main | sub-worker)")
	detectorURL := flag.String("detector", "http://127.0.0.1:8500/detect", "Detector sidecar URL")
	confidence := flag.Float64("confidence", 0.4, "Detector confidence floor")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	app := &workerApp{
		id:        *id,
		name:      *name,
		model:     *model,
		specialty: *specialty,
		role:      *role,
		detector:  vision.NewHTTPDetector(*detectorURL),
		log:       log,
		start:     time.Now(),
	}
	if app.id == "" {
		app.id = uuid.New().String()
	}
	if app.name == "" {
		app.name, _ = os.Hostname()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("worker starting",
		zap.String("id", app.id),
		zap.String("specialty", app.specialty),
		zap.String("detector", *detectorURL))

	for ctx.Err() == nil {
		addr := *coordAddr
		if addr == "" {
			addr, err = discover(ctx, *discoveryPort)
			if err != nil {
				log.Warn("discovery failed", zap.Error(err))
				sleep(ctx, reconnectDelay)
				continue
			}
			log.Info("coordinator discovered", zap.String("addr", addr))
		}

		if err := app.session(ctx, addr, *confidence); err != nil && ctx.Err() == nil {
			log.Warn("session ended", zap.Error(err))
		}
		sleep(ctx, reconnectDelay)
	}

	log.Info("worker stopped")
}

// discover waits for one server_announce beacon and returns host:port.
func discover(ctx context.Context, port int) (string, error) {
	pc, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return "", fmt.Errorf("listen discovery port %d: %w", port, err)
	}
	defer pc.Close()

	deadline := time.Now().Add(discoveryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = pc.SetReadDeadline(deadline)

	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			return "", fmt.Errorf("read beacon: %w", err)
		}
		var msg fleet.Message
		if json.Unmarshal(buf[:n], &msg) != nil || msg.Type != "server_announce" {
			continue
		}
		return fmt.Sprintf("%s:%d", msg.IP, msg.Port), nil
	}
}

// session runs one registered connection until it fails or ctx ends.
func (a *workerApp) session(ctx context.Context, addr string, confidence float64) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	var sendMu sync.Mutex
	send := func(msg fleet.Message) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return fleet.WriteFrame(conn, msg)
	}

	if err := send(fleet.Message{
		Type:      "register",
		WorkerID:  a.id,
		Name:      a.name,
		Model:     a.model,
		Specialty: a.specialty,
		Role:      a.role,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	var ack fleet.Message
	if err := fleet.ReadFrame(conn, &ack); err != nil {
		return fmt.Errorf("read register ack: %w", err)
	}
	if ack.Type != "registered" {
		return fmt.Errorf("unexpected ack type %q", ack.Type)
	}
	a.log.Info("registered with coordinator", zap.String("addr", addr))

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go a.heartbeatLoop(hbCtx, send)

	for {
		var msg fleet.Message
		if err := fleet.ReadFrame(conn, &msg); err != nil {
			if errors.Is(err, fleet.ErrMalformed) {
				a.log.Warn("malformed frame from coordinator", zap.Error(err))
				continue
			}
			return err
		}
		if msg.Type != "inference_task" {
			continue
		}
		a.handleTask(ctx, msg, confidence, send)
	}
}

func (a *workerApp) heartbeatLoop(ctx context.Context, send func(fleet.Message) error) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := a.stats()
			if err := send(fleet.Message{
				Type:     "heartbeat",
				WorkerID: a.id,
				Stats:    &stats,
			}); err != nil {
				a.log.Warn("heartbeat send failed", zap.Error(err))
				return
			}
		}
	}
}

func (a *workerApp) handleTask(ctx context.Context, task fleet.Message, confidence float64, send func(fleet.Message) error) {
	jpeg, err := base64.StdEncoding.DecodeString(task.Image)
	if err != nil {
		a.log.Warn("undecodable task image", zap.Uint64("frame", task.FrameID))
		return
	}

	dets, err := a.detector.Detect(ctx, jpeg, confidence)
	if err != nil {
		a.log.Warn("inference failed", zap.Uint64("frame", task.FrameID), zap.Error(err))
		dets = nil
	}

	a.frames.Add(1)
	a.tick()

	remote := make([]fleet.RemoteDetection, 0, len(dets))
	for _, d := range dets {
		remote = append(remote, fleet.RemoteDetection{
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox:       d.BBox[:],
		})
	}

	if err := send(fleet.Message{
		Type:       "inference_result",
		WorkerID:   a.id,
		FrameID:    task.FrameID,
		Detections: remote,
	}); err != nil {
		a.log.Warn("result send failed", zap.Uint64("frame", task.FrameID), zap.Error(err))
	}
}

const fpsWindow = 5 * time.Second

func (a *workerApp) tick() {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, now)
	a.trim(now)
}

func (a *workerApp) stats() fleet.WorkerStats {
	now := time.Now()
	a.mu.Lock()
	a.trim(now)
	fps := float64(len(a.samples)) / fpsWindow.Seconds()
	a.mu.Unlock()
	return fleet.WorkerStats{
		FPS:             fps,
		FramesProcessed: a.frames.Load(),
		UptimeSeconds:   time.Since(a.start).Seconds(),
	}
}

func (a *workerApp) trim(now time.Time) {
	cutoff := now.Add(-fpsWindow)
	i := 0
	for i < len(a.samples) && a.samples[i].Before(cutoff) {
		i++
	}
	a.samples = a.samples[i:]
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
