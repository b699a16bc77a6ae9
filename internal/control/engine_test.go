// Package control — engine_test.go
//
// Unit tests for the alert decision engine.
//
// Test coverage:
//   - Critical detection escalates to DANGER, writes the serial alert
//     command, and dispatches GSM calls to general+matching contacts
//   - Warning detection raises CALLING only
//   - Low-confidence detections ignored
//   - Debounce: one successful trigger per window; escalation after it
//   - Sensor thresholds: rain danger/warning, tilt warning
//   - Stale alert auto-clears to SAFE with a "Manual reset" transition
//   - Manual actions: call_fire, sms_broadcast, set_safe
//   - Category mapping from free text, smoke/fire overlap resolved

package control

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nexora/modevac/internal/config"
	"github.com/nexora/modevac/internal/observability"
	"github.com/nexora/modevac/internal/state"
)

// recorderLink captures every serial command the engine issues.
type recorderLink struct {
	mu     sync.Mutex
	alerts []state.AlertState
	calls  []string
	sms    []string
}

func (r *recorderLink) SendAlert(level state.AlertState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, level)
	return nil
}

func (r *recorderLink) SendCall(number string, robotTalk bool, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, number)
	return nil
}

func (r *recorderLink) SendSMS(number, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sms = append(r.sms, number+"|"+message)
	return nil
}

func (r *recorderLink) snapshot() (alerts []state.AlertState, calls, sms []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]state.AlertState(nil), r.alerts...),
		append([]string(nil), r.calls...),
		append([]string(nil), r.sms...)
}

func testEngine(t *testing.T) (*Engine, *state.Store, *recorderLink) {
	t.Helper()
	cfg := config.Defaults().Control
	cfg.Debounce = 100 * time.Millisecond
	cfg.CallWindow = 10 * time.Millisecond
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.TickInterval = 20 * time.Millisecond

	store := state.NewStore(nil, zap.NewNop())
	link := &recorderLink{}
	eng := NewEngine(cfg, store, link, observability.NewMetrics(), zap.NewNop())
	return eng, store, link
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCriticalDetection_EscalatesAndDispatches(t *testing.T) {
	eng, store, link := testEngine(t)
	store.AddGsmContact(state.GsmContact{Mode: "call", Number: "+63911", Category: "general"})
	store.AddGsmContact(state.GsmContact{Mode: "call", Number: "+63160", Category: "fire"})
	store.AddGsmContact(state.GsmContact{Mode: "call", Number: "+63143", Category: "rain"})

	sub := store.Subscribe(eng.onEvent)
	defer store.Unsubscribe(sub)

	store.AddDetection("Fire", 0.91, [4]float64{10, 10, 50, 50}, 1)

	if got := store.GetAlert(); got.State != "DANGER" {
		t.Fatalf("alert = %s, want DANGER", got.State)
	}
	alerts, _, _ := link.snapshot()
	if len(alerts) != 1 || alerts[0] != state.AlertDanger {
		t.Fatalf("serial alerts = %v, want [DANGER]", alerts)
	}

	// The GSM sequence runs in the background: general + fire contacts
	// are dialed, the rain contact is not.
	waitFor(t, time.Second, func() bool {
		_, calls, _ := link.snapshot()
		return len(calls) == 2
	}, "GSM calls never dispatched")
	_, calls, _ := link.snapshot()
	for _, n := range calls {
		if n != "+63911" && n != "+63160" {
			t.Errorf("dialed %s, want only general/fire contacts", n)
		}
	}
}

func TestWarningDetection_RaisesCallingOnly(t *testing.T) {
	eng, store, link := testEngine(t)
	sub := store.Subscribe(eng.onEvent)
	defer store.Unsubscribe(sub)

	store.AddDetection("Smoke", 0.7, [4]float64{}, 1)

	if got := store.GetAlert(); got.State != "CALLING" {
		t.Fatalf("alert = %s, want CALLING", got.State)
	}
	_, calls, _ := link.snapshot()
	if len(calls) != 0 {
		t.Errorf("CALLING dispatched GSM calls: %v", calls)
	}
}

func TestLowConfidence_Ignored(t *testing.T) {
	eng, store, _ := testEngine(t)
	sub := store.Subscribe(eng.onEvent)
	defer store.Unsubscribe(sub)

	store.AddDetection("Fire", 0.49, [4]float64{}, 1)

	if got := store.GetAlert(); got.State != "SAFE" {
		t.Fatalf("alert = %s, want SAFE (confidence below floor)", got.State)
	}
}

func TestDebounce_OneTriggerPerWindow(t *testing.T) {
	eng, store, _ := testEngine(t)
	sub := store.Subscribe(eng.onEvent)
	defer store.Unsubscribe(sub)

	store.AddDetection("Smoke", 0.7, [4]float64{}, 1)
	store.AddDetection("Smoke", 0.7, [4]float64{}, 2) // same level: guarded by current-level check
	store.AddDetection("Fire", 0.95, [4]float64{}, 3) // inside debounce window: dropped

	if hist := store.GetAlertHistory(0); len(hist) != 1 {
		t.Fatalf("history = %+v, want exactly one CALLING transition", hist)
	}

	// After the window the critical detection escalates.
	time.Sleep(120 * time.Millisecond)
	store.AddDetection("Fire", 0.95, [4]float64{}, 4)

	if got := store.GetAlert(); got.State != "DANGER" {
		t.Fatalf("alert = %s, want DANGER after debounce window", got.State)
	}
	hist := store.GetAlertHistory(0)
	if len(hist) != 2 || hist[1].To != "DANGER" {
		t.Fatalf("history = %+v, want CALLING then DANGER", hist)
	}
}

func TestSensorRain_Thresholds(t *testing.T) {
	eng, store, _ := testEngine(t)
	sub := store.Subscribe(eng.onEvent)
	defer store.Unsubscribe(sub)

	raining := 75.0
	store.UpdateSensor(state.SensorUpdate{Raining: &raining})

	got := store.GetAlert()
	if got.State != "DANGER" {
		t.Fatalf("alert = %s, want DANGER at 75%% precipitation", got.State)
	}
	hist := store.GetAlertHistory(1)
	if len(hist) != 1 || !strings.Contains(hist[0].Reason, "75") {
		t.Errorf("transition reason %q does not carry the reading", hist[0].Reason)
	}
}

func TestSensorRain_WarningLevel(t *testing.T) {
	eng, store, _ := testEngine(t)
	sub := store.Subscribe(eng.onEvent)
	defer store.Unsubscribe(sub)

	raining := 45.0
	store.UpdateSensor(state.SensorUpdate{Raining: &raining})

	if got := store.GetAlert(); got.State != "CALLING" {
		t.Fatalf("alert = %s, want CALLING at 45%% precipitation", got.State)
	}
}

func TestSensorTilt_RaisesCalling(t *testing.T) {
	eng, store, _ := testEngine(t)
	sub := store.Subscribe(eng.onEvent)
	defer store.Unsubscribe(sub)

	store.UpdateSensor(state.SensorUpdate{Quake: &state.Vec3{X: 20, Y: 15}})

	if got := store.GetAlert(); got.State != "CALLING" {
		t.Fatalf("alert = %s, want CALLING at 35° combined tilt", got.State)
	}
}

func TestStaleAlert_AutoClears(t *testing.T) {
	eng, store, _ := testEngine(t)
	eng.cfg.StaleAlertTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	eng.Trigger(state.AlertDanger, "Detected: Fire", CategoryFire)

	waitFor(t, time.Second, func() bool {
		return store.GetAlert().State == "SAFE"
	}, "stale alert never auto-cleared")

	hist := store.GetAlertHistory(0)
	last := hist[len(hist)-1]
	if last.From != "DANGER" || last.To != "SAFE" || last.Reason != "Manual reset" {
		t.Fatalf("final transition = %+v, want DANGER→SAFE Manual reset", last)
	}
}

func TestManualActions(t *testing.T) {
	eng, store, link := testEngine(t)
	store.AddGsmContact(state.GsmContact{Mode: "sms", Number: "+63111", Category: "general"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	store.TriggerManualAction("call_fire", "")
	waitFor(t, time.Second, func() bool {
		return store.GetAlert().State == "DANGER"
	}, "call_fire never raised DANGER")

	store.TriggerManualAction("set_safe", "")
	waitFor(t, time.Second, func() bool {
		return store.GetAlert().State == "SAFE"
	}, "set_safe never cleared the alert")

	store.TriggerManualAction("sms_broadcast", "shelter in place")
	waitFor(t, time.Second, func() bool {
		_, _, sms := link.snapshot()
		return len(sms) >= 1
	}, "sms_broadcast never sent")
}

func TestCategoryFromReason(t *testing.T) {
	cases := []struct {
		reason string
		want   Category
	}{
		{"Detected: Fire", CategoryFire},
		{"Warning: Smoke", CategorySmoke},
		{"smoke from fire", CategorySmoke}, // more specific word wins
		{"Detected: Explosion", CategoryFire},
		{"Precipitation level critical: 75.0%", CategoryRain},
		{"Detected: Flood", CategoryRain},
		{"Warning: Falling Debris", CategoryDebris},
		{"Detected: Collapsed Structure", CategoryDebris},
		{"Ground vibration detected: 31.0°", CategoryDebris},
		{"something else entirely", CategoryGeneral},
	}
	for _, tc := range cases {
		if got := CategoryFromReason(tc.reason); got != tc.want {
			t.Errorf("CategoryFromReason(%q) = %s, want %s", tc.reason, got, tc.want)
		}
	}
}

