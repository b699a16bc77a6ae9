// Package control implements the fail-safe decision engine: it consumes
// state events, computes alert transitions, and drives the visual and GSM
// side-effects. It is the only component that decides alert transitions and
// GSM actions; the API mutates alert state exclusively through it.
//
// Escalation rules:
//   - Detection (confidence ≥ 0.5):
//     critical class {Fire, Explosion, Flood, Collapsed Structure} and
//     current < DANGER  → DANGER;
//     warning class {Smoke, Falling Debris, Landslide} and
//     current < CALLING → CALLING.
//   - Sensor: precipitation ≥ 70 → DANGER; ≥ 40 → CALLING;
//     |orient.x| + |orient.y| > 30° → CALLING. Same current-level guards.
//
// Trigger is debounced: at most one successful trigger per 2 s window.
// A trigger at DANGER or above spawns the GSM emergency sequence in the
// background; only one GSM cycle runs at a time per engine.
//
// The control loop (500 ms tick) drains operator actions from the store's
// manual queue and auto-clears any alert untouched for 600 s.

package control

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nexora/modevac/internal/config"
	"github.com/nexora/modevac/internal/observability"
	"github.com/nexora/modevac/internal/state"
)

// Hazard classes that escalate immediately to DANGER, and those that only
// raise CALLING. Part of the classifier vocabulary contract.
var (
	criticalHazards = map[string]bool{
		"Fire": true, "Explosion": true, "Flood": true, "Collapsed Structure": true,
	}
	warningHazards = map[string]bool{
		"Smoke": true, "Falling Debris": true, "Landslide": true,
	}
)

// CommandLink is the serial surface the engine drives. Implemented by
// sensor.Link; tests substitute a recorder.
type CommandLink interface {
	SendAlert(level state.AlertState) error
	SendCall(number string, robotTalk bool, msg string) error
	SendSMS(number, message string) error
}

// Engine is the alert decision engine.
type Engine struct {
	cfg     config.ControlConfig
	store   *state.Store
	link    CommandLink
	metrics *observability.Metrics
	log     *zap.Logger

	mu              sync.Mutex
	lastTrigger     time.Time
	lastAlertChange time.Time

	gsmBusy atomic.Bool

	runCtx context.Context
}

// NewEngine creates an Engine. The serial link is injected at construction
// (the engine never owns the port).
func NewEngine(cfg config.ControlConfig, store *state.Store, link CommandLink, metrics *observability.Metrics, log *zap.Logger) *Engine {
	return &Engine{cfg: cfg, store: store, link: link, metrics: metrics, log: log}
}

// Run subscribes to the event bus and drives the control loop until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	sub := e.store.Subscribe(e.onEvent)
	defer e.store.Unsubscribe(sub)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainManual()
			e.checkStaleAlert()
		}
	}
}

// onEvent routes bus events. Runs synchronously inside the store's emit, so
// it must stay non-blocking: side-effects heavier than a serial write go to
// their own goroutine.
func (e *Engine) onEvent(evt state.Event) {
	switch evt.Type {
	case state.EventDetection:
		if det, ok := evt.Data.(state.Detection); ok {
			e.handleDetection(det)
		}
	case state.EventSensorUpdate:
		if sd, ok := evt.Data.(state.SensorData); ok {
			e.handleSensor(sd)
		}
	}
}

func (e *Engine) handleDetection(det state.Detection) {
	if det.Confidence < e.cfg.MinConfidence {
		return
	}
	current := e.store.CurrentAlert()

	switch {
	case criticalHazards[det.Class] && current < state.AlertDanger:
		e.Trigger(state.AlertDanger, "Detected: "+det.Class, CategoryFromReason(det.Class))
	case warningHazards[det.Class] && current < state.AlertCalling:
		e.Trigger(state.AlertCalling, "Warning: "+det.Class, CategoryFromReason(det.Class))
	}
}

func (e *Engine) handleSensor(sd state.SensorData) {
	current := e.store.CurrentAlert()

	switch {
	case sd.Raining >= e.cfg.RainDanger && current < state.AlertDanger:
		e.Trigger(state.AlertDanger,
			fmt.Sprintf("Precipitation level critical: %.1f%%", sd.Raining), CategoryRain)
		return
	case sd.Raining >= e.cfg.RainWarning && current < state.AlertCalling:
		e.Trigger(state.AlertCalling,
			fmt.Sprintf("Showers detected: %.1f%%", sd.Raining), CategoryRain)
		return
	}

	tilt := math.Abs(sd.Quake.X) + math.Abs(sd.Quake.Y)
	if tilt > e.cfg.TiltThreshold && current < state.AlertCalling {
		e.Trigger(state.AlertCalling,
			fmt.Sprintf("Ground vibration detected: %.1f°", tilt), CategoryDebris)
	}
}

// Trigger raises the alert level with debouncing. Returns true if the
// trigger took effect. At DANGER and above the GSM emergency sequence is
// spawned for the given category.
func (e *Engine) Trigger(level state.AlertState, reason string, category Category) bool {
	e.mu.Lock()
	if time.Since(e.lastTrigger) < e.cfg.Debounce {
		e.mu.Unlock()
		return false
	}
	e.lastTrigger = time.Now()
	e.lastAlertChange = e.lastTrigger
	ctx := e.runCtx
	e.mu.Unlock()

	e.applyAlert(level, reason)
	e.store.Publish("hazard_detected", map[string]string{
		"type":   level.String(),
		"reason": reason,
	})

	if level >= state.AlertDanger {
		go e.runGSMSequence(ctx, reason, category)
	}
	return true
}

// applyAlert writes the level to the store and the serial peer, without
// debouncing (manual overrides carry operator intent).
func (e *Engine) applyAlert(level state.AlertState, reason string) {
	prev := e.store.CurrentAlert()
	e.store.SetAlert(level, reason)
	if prev != level {
		e.metrics.AlertTransitionsTotal.WithLabelValues(prev.String(), level.String()).Inc()
	}
	e.metrics.AlertLevel.Set(float64(level))

	if err := e.link.SendAlert(level); err != nil {
		e.log.Warn("alert command send failed",
			zap.String("level", level.String()), zap.Error(err))
	}

	e.log.Info("alert level set",
		zap.String("from", prev.String()),
		zap.String("to", level.String()),
		zap.String("reason", reason))
}

// SetSafeMode reverts the system to SAFE.
func (e *Engine) SetSafeMode() {
	e.mu.Lock()
	e.lastAlertChange = time.Now()
	e.mu.Unlock()
	e.applyAlert(state.AlertSafe, "Manual reset")
}

// SetEvacuateMode raises EVACUATE toward the given exit zone and dispatches
// the general GSM sequence.
func (e *Engine) SetEvacuateMode(exitZone int) {
	e.mu.Lock()
	e.lastAlertChange = time.Now()
	ctx := e.runCtx
	e.mu.Unlock()
	e.applyAlert(state.AlertEvacuate, fmt.Sprintf("Evacuation to zone %d", exitZone))
	go e.runGSMSequence(ctx, "EVACUATION INITIATED", CategoryGeneral)
}

// checkStaleAlert auto-clears an alert left untouched past the timeout.
func (e *Engine) checkStaleAlert() {
	if e.store.CurrentAlert() == state.AlertSafe {
		return
	}
	e.mu.Lock()
	stale := time.Since(e.lastAlertChange) > e.cfg.StaleAlertTimeout
	e.mu.Unlock()
	if stale {
		e.log.Info("alert stale, reverting to SAFE")
		e.SetSafeMode()
	}
}

// drainManual executes every queued operator action.
func (e *Engine) drainManual() {
	for {
		action, ok := e.store.DrainManualAction()
		if !ok {
			return
		}
		e.handleManual(action)
	}
}

func (e *Engine) handleManual(action state.ManualAction) {
	e.mu.Lock()
	e.lastAlertChange = time.Now()
	ctx := e.runCtx
	e.mu.Unlock()

	e.log.Info("manual action", zap.String("type", action.Type))

	switch action.Type {
	case "call_fire":
		e.applyAlert(state.AlertDanger, "Manual Fire Alert")
		go e.runGSMSequence(ctx, "FIRE EMERGENCY IN PROGRESS", CategoryFire)

	case "call_police":
		e.applyAlert(state.AlertCalling, "Manual Authority Call")
		go e.runGSMSequence(ctx, "POLICE ASSISTANCE REQUIRED", CategoryGeneral)

	case "earthquake_alert":
		e.applyAlert(state.AlertEvacuate, "Manual Earthquake Response")
		go e.runGSMSequence(ctx, "MAJOR EARTHQUAKE DETECTED. SEEK COVER.", CategoryDebris)

	case "sms_broadcast":
		go e.sendSMSBroadcast(action.Details, CategoryGeneral)

	case "set_safe":
		e.SetSafeMode()

	default:
		e.log.Warn("unknown manual action", zap.String("type", action.Type))
	}
}

// runGSMSequence calls every matching contact with retry, then sends the
// SMS pass. Only one cycle runs at a time; a trigger that arrives while a
// cycle is in flight is dropped (at-most-once, not exactly-once).
func (e *Engine) runGSMSequence(ctx context.Context, reason string, category Category) {
	if !e.gsmBusy.CompareAndSwap(false, true) {
		e.log.Info("GSM cycle already in progress, skipping",
			zap.String("reason", reason))
		return
	}
	defer e.gsmBusy.Store(false)

	contacts := e.store.ContactsByMode("call", string(category))
	if len(contacts) == 0 {
		e.log.Warn("no call contacts for category", zap.String("category", string(category)))
	}

	for _, contact := range contacts {
		answered := false
		for attempt := 1; attempt <= e.cfg.MaxCallRetries && !answered; attempt++ {
			e.log.Info("dialing emergency contact",
				zap.String("number", contact.Number),
				zap.Int("attempt", attempt),
				zap.Int("max", e.cfg.MaxCallRetries))

			if err := e.link.SendCall(contact.Number, true, reason); err != nil {
				e.log.Warn("call command failed", zap.Error(err))
				if !sleepCtx(ctx, e.cfg.RetryDelay) {
					return
				}
				continue
			}

			// The modem firmware reports no call progress; the call window
			// is how long an attempt is given before it counts as placed.
			if !sleepCtx(ctx, e.cfg.CallWindow) {
				return
			}
			answered = true
		}
		if !answered {
			e.log.Error("contact unreachable after retries",
				zap.String("number", contact.Number))
		}
	}

	e.sendSMSBroadcast("SOS: "+reason, category)
}

// sendSMSBroadcast sends an SMS to every matching contact, preferring the
// contact's stored message over the broadcast text.
func (e *Engine) sendSMSBroadcast(message string, category Category) {
	for _, contact := range e.store.ContactsByMode("sms", string(category)) {
		msg := contact.Message
		if msg == "" {
			msg = message
		}
		if err := e.link.SendSMS(contact.Number, msg); err != nil {
			e.log.Warn("sms command failed",
				zap.String("number", contact.Number), zap.Error(err))
			continue
		}
		e.log.Info("sms dispatched", zap.String("number", contact.Number))
	}
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
// A nil ctx (engine not running, e.g. in tests) sleeps unconditionally.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	if ctx == nil {
		<-t.C
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
