// Package state — store_test.go
//
// Unit tests for the state store.
//
// Test coverage:
//   - SetAlert/GetAlert: level visible until the next successful SetAlert
//   - SetAlert: exactly one history entry per real transition, none on no-op
//   - AddDetection: visible in GetDetections, ring bounded at capacity
//   - Subscriber delivery: per-entity order matches mutation order
//   - Subscriber panic isolation: one faulty subscriber cannot block others
//   - Contact round-trip: add → get → delete → get is identity
//   - Access code: VerifyAccessCode(AccessCode()) true, others false
//   - Manual queue: drop-oldest on overflow, counted
//   - Event queue: drop-newest on overflow, counted
//   - Sink failures: counted, in-memory state unaffected

package state_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/nexora/modevac/internal/state"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	return state.NewStore(nil, zap.NewNop())
}

func TestSetAlert_VisibleUntilNextSet(t *testing.T) {
	s := newStore(t)

	s.SetAlert(state.AlertDanger, "fire detected")
	if got := s.GetAlert(); got.Value != int(state.AlertDanger) || got.State != "DANGER" {
		t.Fatalf("GetAlert() = %+v, want DANGER/3", got)
	}

	// Reads are stable until another SetAlert succeeds.
	for i := 0; i < 10; i++ {
		if got := s.GetAlert(); got.Value != int(state.AlertDanger) {
			t.Fatalf("read %d: alert changed without SetAlert: %+v", i, got)
		}
	}

	s.SetAlert(state.AlertSafe, "reset")
	if got := s.GetAlert(); got.Value != int(state.AlertSafe) {
		t.Fatalf("GetAlert() after reset = %+v, want SAFE", got)
	}
}

func TestSetAlert_HistoryOneEntryPerTransition(t *testing.T) {
	s := newStore(t)

	s.SetAlert(state.AlertCalling, "smoke")
	s.SetAlert(state.AlertCalling, "smoke again") // no-op: same level
	s.SetAlert(state.AlertDanger, "fire")

	hist := s.GetAlertHistory(0)
	if len(hist) != 2 {
		t.Fatalf("history has %d entries, want 2: %+v", len(hist), hist)
	}
	if hist[0].From != "SAFE" || hist[0].To != "CALLING" {
		t.Errorf("first transition = %s→%s, want SAFE→CALLING", hist[0].From, hist[0].To)
	}
	if hist[1].From != "CALLING" || hist[1].To != "DANGER" || hist[1].Reason != "fire" {
		t.Errorf("second transition = %+v, want CALLING→DANGER reason=fire", hist[1])
	}
}

func TestAddDetection_VisibleAndRingBounded(t *testing.T) {
	s := newStore(t)

	s.AddDetection("Fire", 0.91, [4]float64{10, 10, 50, 50}, 1)
	dets := s.GetDetections(20)
	if len(dets) != 1 {
		t.Fatalf("GetDetections = %d entries, want 1", len(dets))
	}
	if dets[0].Class != "Fire" || dets[0].FrameID != 1 {
		t.Errorf("detection = %+v, want Fire frame 1", dets[0])
	}

	for i := 0; i < state.DefaultMaxDetections+25; i++ {
		s.AddDetection("Smoke", 0.6, [4]float64{0, 0, 1, 1}, uint64(i+2))
	}
	all := s.GetDetections(0)
	if len(all) != state.DefaultMaxDetections {
		t.Fatalf("ring holds %d, want %d", len(all), state.DefaultMaxDetections)
	}
	// 126 detections went in (frames 1..126); the ring keeps frames 27..126,
	// so the newest entry is frame 126.
	if all[len(all)-1].FrameID != uint64(state.DefaultMaxDetections+26) {
		t.Errorf("newest frame id = %d, want %d",
			all[len(all)-1].FrameID, state.DefaultMaxDetections+26)
	}
}

func TestSubscriber_OrderMatchesMutations(t *testing.T) {
	s := newStore(t)

	var mu sync.Mutex
	var seen []uint64
	id := s.Subscribe(func(evt state.Event) {
		if evt.Type != state.EventDetection {
			return
		}
		det := evt.Data.(state.Detection)
		mu.Lock()
		seen = append(seen, det.FrameID)
		mu.Unlock()
	})
	defer s.Unsubscribe(id)

	for i := uint64(1); i <= 50; i++ {
		s.AddDetection("Fire", 0.9, [4]float64{}, i)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 50 {
		t.Fatalf("subscriber saw %d events, want 50", len(seen))
	}
	for i, fid := range seen {
		if fid != uint64(i+1) {
			t.Fatalf("event %d carried frame %d, want %d (out of order)", i, fid, i+1)
		}
	}
}

func TestSubscriber_PanicIsolated(t *testing.T) {
	s := newStore(t)

	bad := s.Subscribe(func(state.Event) { panic("boom") })
	defer s.Unsubscribe(bad)

	delivered := 0
	good := s.Subscribe(func(evt state.Event) {
		if evt.Type == state.EventAlertChange {
			delivered++
		}
	})
	defer s.Unsubscribe(good)

	s.SetAlert(state.AlertDanger, "x")

	if delivered != 1 {
		t.Fatalf("healthy subscriber got %d deliveries, want 1", delivered)
	}
}

func TestContacts_RoundTrip(t *testing.T) {
	s := newStore(t)

	c := state.GsmContact{Mode: "call", Number: "+6390001", Name: "BFP", Category: "fire"}
	if !s.AddGsmContact(c) {
		t.Fatal("AddGsmContact rejected a valid contact")
	}
	if got := s.GetGsmContacts(); len(got) != 1 || got[0].Number != c.Number {
		t.Fatalf("GetGsmContacts = %+v, want [%+v]", got, c)
	}

	s.DeleteGsmContact(c.Number)
	if got := s.GetGsmContacts(); len(got) != 0 {
		t.Fatalf("contact set after delete = %+v, want empty", got)
	}

	if s.AddGsmContact(state.GsmContact{Mode: "email", Number: "x"}) {
		t.Error("AddGsmContact accepted an invalid mode")
	}
}

func TestContactsByMode_CategoryFilter(t *testing.T) {
	s := newStore(t)
	s.AddGsmContact(state.GsmContact{Mode: "call", Number: "1", Category: "general"})
	s.AddGsmContact(state.GsmContact{Mode: "call", Number: "2", Category: "fire"})
	s.AddGsmContact(state.GsmContact{Mode: "call", Number: "3", Category: "rain"})
	s.AddGsmContact(state.GsmContact{Mode: "sms", Number: "4", Category: "fire"})

	got := s.ContactsByMode("call", "fire")
	if len(got) != 2 {
		t.Fatalf("call/fire contacts = %+v, want numbers 1 and 2", got)
	}
	for _, c := range got {
		if c.Number != "1" && c.Number != "2" {
			t.Errorf("unexpected contact %+v in call/fire filter", c)
		}
	}
}

func TestAccessCode(t *testing.T) {
	s := newStore(t)

	code := s.AccessCode()
	if len(code) != 6 {
		t.Fatalf("access code %q is not six digits", code)
	}
	if !s.VerifyAccessCode(code) {
		t.Error("VerifyAccessCode rejected the generated code")
	}
	if s.VerifyAccessCode("000000") && code != "000000" {
		t.Error("VerifyAccessCode accepted a wrong code")
	}
}

func TestManualQueue_DropOldest(t *testing.T) {
	s := newStore(t)

	for i := 0; i < 12; i++ {
		s.TriggerManualAction(fmt.Sprintf("action_%d", i), "")
	}

	// Capacity is 10: actions 0 and 1 were dropped, 2..11 remain in order.
	first, ok := s.DrainManualAction()
	if !ok || first.Type != "action_2" {
		t.Fatalf("first drained action = %+v, want action_2", first)
	}
	count := 1
	for {
		if _, ok := s.DrainManualAction(); !ok {
			break
		}
		count++
	}
	if count != 10 {
		t.Errorf("drained %d actions, want 10", count)
	}
	if got := s.DropCounters().ManualDropped; got != 2 {
		t.Errorf("ManualDropped = %d, want 2", got)
	}
}

func TestEventQueue_DropNewestCounted(t *testing.T) {
	s := newStore(t)

	// Fill the 1000-slot queue without draining it.
	for i := 0; i < 1100; i++ {
		s.TriggerManualAction("noise", "")
		if _, ok := s.DrainManualAction(); !ok {
			t.Fatal("manual queue drained unexpectedly")
		}
	}
	if got := s.DropCounters().EventsDropped; got != 100 {
		t.Errorf("EventsDropped = %d, want 100", got)
	}
	// The queue still holds the oldest 1000 events.
	if len(s.Events()) != 1000 {
		t.Errorf("event queue depth = %d, want 1000", len(s.Events()))
	}
}

// failingSink errors on every write.
type failingSink struct{}

func (failingSink) LogDetection(string, float64, [4]float64, uint64) error {
	return errors.New("disk full")
}
func (failingSink) LogAlert(string, string) error      { return errors.New("disk full") }
func (failingSink) InsertContact(state.GsmContact) error { return errors.New("disk full") }
func (failingSink) DeleteContact(string) error         { return errors.New("disk full") }

func TestSinkFailure_CountedNotFatal(t *testing.T) {
	s := state.NewStore(failingSink{}, zap.NewNop())

	s.AddDetection("Fire", 0.9, [4]float64{}, 1)
	s.SetAlert(state.AlertDanger, "x")

	if len(s.GetDetections(0)) != 1 {
		t.Error("in-memory detection lost on sink failure")
	}
	if s.GetAlert().Value != int(state.AlertDanger) {
		t.Error("in-memory alert lost on sink failure")
	}
	if got := s.DropCounters().PersistenceFailures; got != 2 {
		t.Errorf("PersistenceFailures = %d, want 2", got)
	}
}
