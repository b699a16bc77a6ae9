// Package vision — pipeline_test.go
//
// Unit tests for the inference scheduler.
//
// Test coverage:
//   - Offload ratio: with W=1, odd frames dispatch and even frames bypass
//     dispatch entirely
//   - Local fallback: a timed-out dispatch runs local inference for the
//     same frame id (detections reach the store)
//   - Remote success: local inference is skipped, returned detections are
//     used for annotation only
//   - Latest-frame slot is populated after processing
//   - Annotate draws the box outline in the origin color
//   - Sliding-window FPS reflects recent frames only

package vision

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nexora/modevac/internal/config"
	"github.com/nexora/modevac/internal/fleet"
	"github.com/nexora/modevac/internal/observability"
	"github.com/nexora/modevac/internal/state"
)

// fakeDispatcher scripts the fleet surface.
type fakeDispatcher struct {
	mu         sync.Mutex
	workers    int
	reply      []fleet.RemoteDetection
	err        error
	dispatched []uint64
}

func (f *fakeDispatcher) ConnectedCount() int { return f.workers }

func (f *fakeDispatcher) DistributeSync(_ context.Context, _ string, frameID uint64, _ string, _ time.Duration) ([]fleet.RemoteDetection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, frameID)
	return f.reply, f.err
}

func (f *fakeDispatcher) frames() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.dispatched...)
}

// fakeDetector returns one fixed detection per frame.
type fakeDetector struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeDetector) Detect(context.Context, []byte, float64) ([]Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []Detection{{Class: "Fire", Confidence: 0.8, BBox: [4]float64{4, 4, 20, 20}}}, nil
}

func (f *fakeDetector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode test frame: %v", err)
	}
	return buf.Bytes()
}

func testPipeline(t *testing.T, disp Dispatcher, det Detector) (*Pipeline, *state.Store) {
	t.Helper()
	cfg := config.Defaults().Vision
	store := state.NewStore(nil, zap.NewNop())
	p := NewPipeline(cfg, store, disp, det, nil, observability.NewMetrics(), zap.NewNop())
	return p, store
}

func TestScheduling_OffloadRatio(t *testing.T) {
	disp := &fakeDispatcher{workers: 1, err: fleet.ErrTimeout}
	det := &fakeDetector{}
	p, store := testPipeline(t, disp, det)
	cam := &camera{id: "cam0", slot: &FrameSlot{}}
	frame := testJPEG(t)

	for i := 0; i < 10; i++ {
		p.processFrame(context.Background(), cam, frame)
	}

	// W=1: frames with C mod 2 ≠ 0 dispatch; the rest bypass dispatch.
	dispatched := disp.frames()
	if len(dispatched) != 5 {
		t.Fatalf("dispatched %d frames, want 5: %v", len(dispatched), dispatched)
	}
	for _, c := range dispatched {
		if c%2 == 0 {
			t.Errorf("frame %d was dispatched; even frames must run locally", c)
		}
	}

	// Every dispatch timed out, so local inference covered all 10 frames.
	if det.count() != 10 {
		t.Errorf("detector ran %d times, want 10 (5 direct + 5 fallback)", det.count())
	}
	if dets := store.GetDetections(0); len(dets) != 10 {
		t.Errorf("store holds %d detections, want 10", len(dets))
	}
}

func TestFallback_SameFrameID(t *testing.T) {
	disp := &fakeDispatcher{workers: 1, err: fleet.ErrTimeout}
	det := &fakeDetector{}
	p, store := testPipeline(t, disp, det)
	cam := &camera{id: "cam0", slot: &FrameSlot{}}
	frame := testJPEG(t)

	p.processFrame(context.Background(), cam, frame) // C=1: dispatched, times out

	dets := store.GetDetections(0)
	if len(dets) != 1 {
		t.Fatalf("store holds %d detections, want 1 fallback burst", len(dets))
	}
	if dets[0].FrameID != 1 {
		t.Errorf("fallback detection carries frame %d, want 1", dets[0].FrameID)
	}
}

func TestRemoteSuccess_SkipsLocal(t *testing.T) {
	disp := &fakeDispatcher{
		workers: 1,
		reply:   []fleet.RemoteDetection{{Class: "Smoke", Confidence: 0.7, BBox: []float64{1, 1, 9, 9}}},
	}
	det := &fakeDetector{}
	p, store := testPipeline(t, disp, det)
	cam := &camera{id: "cam0", slot: &FrameSlot{}}
	frame := testJPEG(t)

	p.processFrame(context.Background(), cam, frame) // C=1: dispatched, succeeds

	if det.count() != 0 {
		t.Errorf("detector ran %d times on a successful dispatch, want 0", det.count())
	}
	// The result handler owns the store write on the remote path; the
	// pipeline must not double-append.
	if dets := store.GetDetections(0); len(dets) != 0 {
		t.Errorf("pipeline appended remote detections itself: %+v", dets)
	}
	if _, ok := cam.slot.Get(); !ok {
		t.Error("latest-frame slot empty after processing")
	}
}

func TestRemoteEmptyReply_NoFallback(t *testing.T) {
	disp := &fakeDispatcher{workers: 1, reply: []fleet.RemoteDetection{}}
	det := &fakeDetector{}
	p, _ := testPipeline(t, disp, det)
	cam := &camera{id: "cam0", slot: &FrameSlot{}}

	p.processFrame(context.Background(), cam, testJPEG(t))

	if det.count() != 0 {
		t.Errorf("empty remote reply triggered local fallback (%d detector runs)", det.count())
	}
}

func TestNoWorkers_AlwaysLocal(t *testing.T) {
	disp := &fakeDispatcher{workers: 0}
	det := &fakeDetector{}
	p, _ := testPipeline(t, disp, det)
	cam := &camera{id: "cam0", slot: &FrameSlot{}}
	frame := testJPEG(t)

	for i := 0; i < 4; i++ {
		p.processFrame(context.Background(), cam, frame)
	}
	if got := disp.frames(); len(got) != 0 {
		t.Errorf("dispatched %v with zero workers", got)
	}
	if det.count() != 4 {
		t.Errorf("detector ran %d times, want 4", det.count())
	}
}

func TestAnnotate_DrawsBox(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	dets := []Detection{{Class: "Fire", Confidence: 0.9, BBox: [4]float64{5, 5, 25, 25}}}

	out := Annotate(img, dets, false)
	if got := out.RGBAAt(5, 5); got != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("local box corner = %+v, want red", got)
	}

	out = Annotate(img, dets, true)
	if got := out.RGBAAt(5, 5); got != (color.RGBA{R: 255, G: 100, A: 255}) {
		t.Errorf("remote box corner = %+v, want orange", got)
	}
}

func TestFPSWindow_SlidesForward(t *testing.T) {
	w := newFPSWindow(100 * time.Millisecond)
	for i := 0; i < 10; i++ {
		w.tick()
	}
	if w.rate() == 0 {
		t.Fatal("rate is zero right after ticking")
	}
	time.Sleep(150 * time.Millisecond)
	if got := w.rate(); got != 0 {
		t.Errorf("rate = %f after the window slid past all samples, want 0", got)
	}
}
