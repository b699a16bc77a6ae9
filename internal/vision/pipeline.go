// Package vision — pipeline.go
//
// Per-camera frame acquisition and the interleaved local/remote inference
// scheduler.
//
// Scheduling: with W live workers, frame counter C is offloaded iff W > 0
// and C mod (W+1) ≠ 0 — one in every W+1 frames runs locally, so the
// coordinator stays warm and participates proportionally. A dispatched
// frame that produces no remote result inside the dispatch timeout falls
// back to local inference for the same frame id.
//
// Ordering: detections from frame C may reach the state store out of order
// relative to C (remote inference can overtake local). The frame id is
// carried for reconstruction.
//
// Every processed frame is annotated and placed in the camera's
// latest-frame slot, which the API relays as an MJPEG stream.

package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nexora/modevac/internal/config"
	"github.com/nexora/modevac/internal/fleet"
	"github.com/nexora/modevac/internal/observability"
	"github.com/nexora/modevac/internal/state"
)

// Dispatcher is the fleet surface the pipeline schedules against.
type Dispatcher interface {
	ConnectedCount() int
	DistributeSync(ctx context.Context, frameB64 string, frameID uint64, specialty string, timeout time.Duration) ([]fleet.RemoteDetection, error)
}

// FrameSlot holds the latest annotated JPEG for one camera.
type FrameSlot struct {
	mu      sync.RWMutex
	jpeg    []byte
	updated time.Time
}

// Set replaces the slot content.
func (s *FrameSlot) Set(jpeg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jpeg = jpeg
	s.updated = time.Now()
}

// Get returns the latest JPEG, or ok=false if no frame has arrived yet.
func (s *FrameSlot) Get() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jpeg, s.jpeg != nil
}

// Stats is the pipeline's live numbers for /api/status.
type Stats struct {
	FPS             float64 `json:"fps"`
	TotalFrames     uint64  `json:"total_frames"`
	TotalDetections uint64  `json:"total_detections"`
}

// fpsWindow computes frames/second over a sliding window, so the number
// reflects what the pipeline is doing now rather than its lifetime average.
type fpsWindow struct {
	mu      sync.Mutex
	span    time.Duration
	samples []time.Time
}

func newFPSWindow(span time.Duration) *fpsWindow {
	return &fpsWindow{span: span}
}

func (w *fpsWindow) tick() {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, now)
	w.trim(now)
}

func (w *fpsWindow) rate() float64 {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	return float64(len(w.samples)) / w.span.Seconds()
}

func (w *fpsWindow) trim(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
}

type camera struct {
	id     string
	url    string
	cancel context.CancelFunc
	slot   *FrameSlot
}

// Pipeline owns the camera set and the inference scheduler.
type Pipeline struct {
	cfg        config.VisionConfig
	store      *state.Store
	dispatcher Dispatcher
	detector   Detector // nil disables local inference
	open       SourceOpener
	metrics    *observability.Metrics
	log        *zap.Logger

	frameCounter atomic.Uint64
	detCount     atomic.Uint64

	fps *fpsWindow

	mu      sync.RWMutex
	cameras map[string]*camera

	ctx context.Context
	wg  sync.WaitGroup
}

// NewPipeline creates a Pipeline. detector may be nil (no local inference);
// open defaults to OpenMJPEG when nil.
func NewPipeline(cfg config.VisionConfig, store *state.Store, dispatcher Dispatcher, detector Detector, open SourceOpener, metrics *observability.Metrics, log *zap.Logger) *Pipeline {
	if open == nil {
		open = OpenMJPEG
	}
	if cfg.Cameras == nil {
		cfg.Cameras = make(map[string]string)
	}
	return &Pipeline{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		detector:   detector,
		open:       open,
		metrics:    metrics,
		log:        log,
		fps:        newFPSWindow(5 * time.Second),
		cameras:    make(map[string]*camera),
	}
}

// Run opens the configured cameras and blocks until ctx is cancelled, then
// waits for every camera loop to stop.
func (p *Pipeline) Run(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	for id, url := range p.cfg.Cameras {
		p.AddCamera(id, url)
	}
	<-ctx.Done()
	p.wg.Wait()
}

// AddCamera registers a camera source and starts its reader. An existing
// camera with the same id is replaced.
func (p *Pipeline) AddCamera(id, url string) {
	p.mu.Lock()
	if p.ctx == nil {
		// Not running yet; Run will pick the camera up from config. Late
		// registrations before Run are folded into the config map.
		p.cfg.Cameras[id] = url
		p.mu.Unlock()
		return
	}
	if prev, ok := p.cameras[id]; ok {
		prev.cancel()
	}
	camCtx, cancel := context.WithCancel(p.ctx)
	cam := &camera{id: id, url: url, cancel: cancel, slot: &FrameSlot{}}
	p.cameras[id] = cam
	p.mu.Unlock()

	p.store.UpdateDevice(id, "camera", false, url)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.cameraLoop(camCtx, cam)
	}()
}

// Slot returns the latest-frame slot for a camera.
func (p *Pipeline) Slot(id string) (*FrameSlot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cam, ok := p.cameras[id]
	if !ok {
		return nil, false
	}
	return cam.slot, true
}

// CameraIDs returns the registered camera ids.
func (p *Pipeline) CameraIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.cameras))
	for id := range p.cameras {
		out = append(out, id)
	}
	return out
}

// Stats returns the live pipeline numbers.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FPS:             p.fps.rate(),
		TotalFrames:     p.frameCounter.Load(),
		TotalDetections: p.detCount.Load(),
	}
}

// cameraLoop opens the source, reads frames, and reopens with backoff on
// any failure. All failures are internalized as device-status changes.
func (p *Pipeline) cameraLoop(ctx context.Context, cam *camera) {
	for {
		if ctx.Err() != nil {
			return
		}

		src, err := p.open(ctx, cam.url)
		if err != nil {
			p.log.Warn("camera open failed",
				zap.String("camera", cam.id), zap.Error(err))
			p.store.UpdateDevice(cam.id, "camera", false, cam.url)
			if !sleepCtx(ctx, p.cfg.ReopenDelay) {
				return
			}
			continue
		}
		p.store.UpdateDevice(cam.id, "camera", true, cam.url)
		p.log.Info("camera stream open", zap.String("camera", cam.id))

		for {
			frame, err := src.ReadFrame()
			if err != nil {
				p.log.Warn("camera stream lost",
					zap.String("camera", cam.id), zap.Error(err))
				break
			}
			p.processFrame(ctx, cam, frame)
			if ctx.Err() != nil {
				_ = src.Close()
				return
			}
		}

		_ = src.Close()
		p.store.UpdateDevice(cam.id, "camera", false, cam.url)
		if !sleepCtx(ctx, p.cfg.ReopenDelay) {
			return
		}
	}
}

// processFrame runs the offload-or-local decision for one frame.
func (p *Pipeline) processFrame(ctx context.Context, cam *camera, rawJPEG []byte) {
	img, err := jpeg.Decode(bytes.NewReader(rawJPEG))
	if err != nil {
		p.log.Debug("undecodable frame", zap.String("camera", cam.id), zap.Error(err))
		return
	}

	c := p.frameCounter.Add(1)
	p.fps.tick()

	var (
		dets   []Detection
		remote bool
	)

	workers := p.dispatcher.ConnectedCount()
	if workers > 0 && c%uint64(workers+1) != 0 {
		dets, remote = p.dispatch(ctx, img, c)
	}
	if !remote {
		dets = p.inferLocal(ctx, img, c)
		p.metrics.FramesProcessedTotal.WithLabelValues("local").Inc()
	} else {
		p.metrics.FramesProcessedTotal.WithLabelValues("offloaded").Inc()
	}

	annotated := Annotate(img, dets, remote)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, annotated, &jpeg.Options{Quality: p.cfg.LocalJPEGQuality}); err != nil {
		p.log.Warn("relay encode failed", zap.String("camera", cam.id), zap.Error(err))
		return
	}
	cam.slot.Set(buf.Bytes())
}

// dispatch re-encodes at remote quality and hands the frame to the fleet.
// ok=false means the frame must run locally (no workers, send failure, or
// timeout); the result-handler has already stored any returned detections.
func (p *Pipeline) dispatch(ctx context.Context, img image.Image, frameID uint64) ([]Detection, bool) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.cfg.RemoteJPEGQuality}); err != nil {
		p.log.Warn("dispatch encode failed", zap.Error(err))
		return nil, false
	}
	frameB64 := base64.StdEncoding.EncodeToString(buf.Bytes())

	remote, err := p.dispatcher.DistributeSync(ctx, frameB64, frameID, "", p.cfg.DispatchTimeout)
	if err != nil {
		return nil, false
	}

	dets := make([]Detection, 0, len(remote))
	for _, rd := range remote {
		det := Detection{Class: rd.Class, Confidence: rd.Confidence}
		copy(det.BBox[:], rd.BBox)
		dets = append(dets, det)
	}
	return dets, true
}

// inferLocal runs the black-box detector and stores every detection.
func (p *Pipeline) inferLocal(ctx context.Context, img image.Image, frameID uint64) []Detection {
	if p.detector == nil {
		return nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.cfg.LocalJPEGQuality}); err != nil {
		p.log.Warn("local encode failed", zap.Error(err))
		return nil
	}

	dets, err := p.detector.Detect(ctx, buf.Bytes(), p.cfg.LocalConfidence)
	if err != nil {
		p.log.Warn("local inference failed", zap.Error(err))
		return nil
	}

	kept := dets[:0]
	for _, det := range dets {
		if det.Confidence < p.cfg.LocalConfidence {
			continue
		}
		p.store.AddDetection(det.Class, det.Confidence, det.BBox, frameID)
		p.metrics.DetectionsTotal.WithLabelValues("local").Inc()
		p.detCount.Add(1)
		kept = append(kept, det)
	}
	return kept
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
