// Package state — store.go
//
// In-memory authoritative state for the MOD-EVAC coordinator: latest sensor
// reading, detection ring, device records, alert level + transition history,
// GSM contacts, manual-action queue, pairing access code.
//
// Concurrency model:
//   - One RWMutex per entity category (sensor / detections / devices /
//     alert / contacts) so readers on independent categories never contend.
//   - Every mutation emits its event BEFORE the entity lock is released, so
//     subscribers observe events in exactly the mutation order per entity.
//   - Subscribers are invoked synchronously and must be non-blocking. A
//     panicking subscriber is recovered and logged; delivery to the
//     remaining subscribers is unaffected.
//   - Because emission happens under the entity lock, a subscriber must not
//     read back the entity that produced the event — the event payload
//     carries the snapshot it needs.
//
// Bounded queues:
//   - Event fan-out channel: capacity 1000, drop-newest on full, counted.
//   - Manual-action queue: capacity 10, drop-oldest on full, counted.
//   - Detection ring: capacity 100. Alert history: capacity 50.
//
// Persistence:
//   - Detections, alert transitions, and contact mutations are written
//     through a LogSink. Sink failures never affect in-memory state; they
//     are logged and counted, and the count is exposed for /api/status.

package state

import (
	"crypto/rand"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Default capacity limits.
const (
	DefaultMaxDetections = 100
	DefaultMaxAlerts     = 50
	eventQueueCapacity   = 1000
	manualQueueCapacity  = 10
)

// Event types emitted by the store.
const (
	EventSensorUpdate  = "sensor_update"
	EventDetection     = "detection"
	EventDeviceUpdate  = "device_update"
	EventAlertChange   = "alert_change"
	EventGsmUpdate     = "gsm_update"
	EventManualTrigger = "manual_trigger"
)

// Vec3 is an orientation or acceleration triple.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// SensorData is the latest telemetry reading. Latest-write-wins; only one
// reading is retained.
type SensorData struct {
	Fire      bool    `json:"fire"`
	Raining   float64 `json:"raining"`
	Quake     Vec3    `json:"earthquake"`
	Accel     Vec3    `json:"accel"`
	Timestamp float64 `json:"timestamp"`
}

// SensorUpdate is a partial telemetry update; nil fields leave the current
// value untouched.
type SensorUpdate struct {
	Fire    *bool
	Raining *float64
	Quake   *Vec3
	Accel   *Vec3
}

// Detection is a single classifier output in source-frame pixels.
type Detection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
	FrameID    uint64     `json:"frame_id"`
	Timestamp  float64    `json:"timestamp"`
}

// DeviceStatus is the record for a peer device (serial controller, camera,
// or worker node).
type DeviceStatus struct {
	DeviceID   string  `json:"device_id"`
	DeviceType string  `json:"device_type"`
	Connected  bool    `json:"connected"`
	LastSeen   float64 `json:"last_seen"`
	Addr       string  `json:"addr"`
}

// AlertTransition is one entry in the alert history log.
type AlertTransition struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Reason    string  `json:"reason"`
	Timestamp float64 `json:"timestamp"`
}

// AlertChange is the payload of an alert_change event.
type AlertChange struct {
	State  string `json:"state"`
	Value  int    `json:"value"`
	Reason string `json:"reason"`
}

// GsmContact is a persisted call or SMS target.
type GsmContact struct {
	Mode     string `json:"mode"` // "sms" or "call"
	Number   string `json:"number"`
	Name     string `json:"name"`
	Message  string `json:"message,omitempty"`
	Category string `json:"category"` // general | fire | smoke | rain | debris
}

// ManualAction is an operator-initiated action queued for the control engine.
type ManualAction struct {
	Type      string  `json:"type"`
	Details   string  `json:"details"`
	Timestamp float64 `json:"timestamp"`
}

// Event is one entry on the fan-out queue and the unit of subscriber delivery.
type Event struct {
	Type      string  `json:"type"`
	Data      any     `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

// LogSink receives best-effort persistence writes. Implementations must be
// safe for concurrent use. A nil sink disables persistence.
type LogSink interface {
	LogDetection(class string, confidence float64, bbox [4]float64, frameID uint64) error
	LogAlert(level string, reason string) error
	InsertContact(c GsmContact) error
	DeleteContact(number string) error
}

// Counters is the drop/failure snapshot exposed via /api/status.
type Counters struct {
	EventsDropped       uint64 `json:"events_dropped"`
	ManualDropped       uint64 `json:"manual_dropped"`
	PersistenceFailures uint64 `json:"persistence_failures"`
}

// Store is the single owner of all mutable coordinator state.
type Store struct {
	log  *zap.Logger
	sink LogSink

	sensorMu sync.RWMutex
	sensor   SensorData

	detMu         sync.RWMutex
	detections    []Detection
	maxDetections int

	devMu   sync.RWMutex
	devices map[string]DeviceStatus

	alertMu   sync.RWMutex
	alert     AlertState
	history   []AlertTransition
	maxAlerts int

	contactsMu sync.RWMutex
	contacts   []GsmContact

	manualMu sync.Mutex
	manual   []ManualAction

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int

	events chan Event

	accessCode string

	eventsDropped   atomic.Uint64
	manualDropped   atomic.Uint64
	persistFailures atomic.Uint64
}

// NewStore creates a Store with default capacities. sink may be nil.
func NewStore(sink LogSink, log *zap.Logger) *Store {
	return &Store{
		log:           log,
		sink:          sink,
		maxDetections: DefaultMaxDetections,
		maxAlerts:     DefaultMaxAlerts,
		devices:       make(map[string]DeviceStatus),
		subs:          make(map[int]func(Event)),
		events:        make(chan Event, eventQueueCapacity),
		accessCode:    newAccessCode(),
	}
}

// newAccessCode generates the six-digit pairing code, once per process.
func newAccessCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		// crypto/rand failure is effectively unreachable; a fixed code is
		// still a valid pairing gate.
		return "100000"
	}
	code := n.Int64() + 100000
	return big.NewInt(code).String()
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// ─── Event system ─────────────────────────────────────────────────────────────

// Subscribe registers a callback invoked synchronously on every emission.
// Returns a handle for Unsubscribe.
func (s *Store) Subscribe(fn func(Event)) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return id
}

// Unsubscribe removes a previously registered callback.
func (s *Store) Unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, id)
}

// Events returns the bounded fan-out queue consumed by the WebSocket
// broadcaster. Entries dropped on overflow are counted, never blocked on.
func (s *Store) Events() <-chan Event {
	return s.events
}

// Publish emits an event that is not tied to an entity mutation
// (e.g. hazard_detected from the control engine).
func (s *Store) Publish(eventType string, data any) {
	s.emit(eventType, data)
}

// emit enqueues the event and then delivers it to every subscriber.
// Each subscriber invocation is independently recovered so one faulty
// subscriber cannot block delivery to the rest.
func (s *Store) emit(eventType string, data any) {
	evt := Event{Type: eventType, Data: data, Timestamp: now()}

	select {
	case s.events <- evt:
	default:
		s.eventsDropped.Add(1)
	}

	// Snapshot the registry before invoking: a subscriber may itself emit
	// (the control engine publishes hazard_detected from inside a detection
	// delivery), and a recursive registry lock would risk deadlock against
	// a concurrent Subscribe. Delivery order is guaranteed by the entity
	// lock held around emit, not by the registry lock.
	s.subMu.RLock()
	type sub struct {
		id int
		fn func(Event)
	}
	snapshot := make([]sub, 0, len(s.subs))
	for id, fn := range s.subs {
		snapshot = append(snapshot, sub{id, fn})
	}
	s.subMu.RUnlock()

	for _, sb := range snapshot {
		s.invoke(sb.id, sb.fn, evt)
	}
}

func (s *Store) invoke(id int, fn func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber panic",
				zap.Int("subscriber", id),
				zap.String("event", evt.Type),
				zap.Any("panic", r))
		}
	}()
	fn(evt)
}

// ─── Sensor data ──────────────────────────────────────────────────────────────

// UpdateSensor applies a partial telemetry update and emits sensor_update
// with the full post-update snapshot.
func (s *Store) UpdateSensor(u SensorUpdate) {
	s.sensorMu.Lock()
	defer s.sensorMu.Unlock()
	if u.Fire != nil {
		s.sensor.Fire = *u.Fire
	}
	if u.Raining != nil {
		s.sensor.Raining = *u.Raining
	}
	if u.Quake != nil {
		s.sensor.Quake = *u.Quake
	}
	if u.Accel != nil {
		s.sensor.Accel = *u.Accel
	}
	s.sensor.Timestamp = now()
	s.emit(EventSensorUpdate, s.sensor)
}

// GetSensor returns the latest telemetry snapshot.
func (s *Store) GetSensor() SensorData {
	s.sensorMu.RLock()
	defer s.sensorMu.RUnlock()
	return s.sensor
}

// ─── Detections ───────────────────────────────────────────────────────────────

// AddDetection appends a detection to the ring, writes it through the log
// sink, and emits a detection event.
func (s *Store) AddDetection(class string, confidence float64, bbox [4]float64, frameID uint64) {
	det := Detection{
		Class:      class,
		Confidence: confidence,
		BBox:       bbox,
		FrameID:    frameID,
		Timestamp:  now(),
	}

	s.detMu.Lock()
	defer s.detMu.Unlock()
	s.detections = append(s.detections, det)
	if len(s.detections) > s.maxDetections {
		s.detections = s.detections[len(s.detections)-s.maxDetections:]
	}

	if s.sink != nil {
		if err := s.sink.LogDetection(class, confidence, bbox, frameID); err != nil {
			s.persistFailures.Add(1)
			s.log.Warn("detection log write failed", zap.Error(err))
		}
	}

	s.emit(EventDetection, det)
}

// GetDetections returns up to limit most-recent detections, oldest first.
func (s *Store) GetDetections(limit int) []Detection {
	s.detMu.RLock()
	defer s.detMu.RUnlock()
	if limit <= 0 || limit > len(s.detections) {
		limit = len(s.detections)
	}
	out := make([]Detection, limit)
	copy(out, s.detections[len(s.detections)-limit:])
	return out
}

// ─── Devices ──────────────────────────────────────────────────────────────────

// UpdateDevice upserts a device record and emits device_update.
func (s *Store) UpdateDevice(deviceID, deviceType string, connected bool, addr string) {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	rec := DeviceStatus{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Connected:  connected,
		LastSeen:   now(),
		Addr:       addr,
	}
	s.devices[deviceID] = rec
	s.emit(EventDeviceUpdate, rec)
}

// GetDevices returns all device records.
func (s *Store) GetDevices() []DeviceStatus {
	s.devMu.RLock()
	defer s.devMu.RUnlock()
	out := make([]DeviceStatus, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// ─── Alert ────────────────────────────────────────────────────────────────────

// SetAlert sets the current alert level. A no-op if the level is unchanged;
// otherwise exactly one transition is appended to the history, the sink is
// written, and alert_change is emitted.
func (s *Store) SetAlert(level AlertState, reason string) {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	old := s.alert
	if old == level {
		return
	}
	s.alert = level
	s.history = append(s.history, AlertTransition{
		From:      old.String(),
		To:        level.String(),
		Reason:    reason,
		Timestamp: now(),
	})
	if len(s.history) > s.maxAlerts {
		s.history = s.history[len(s.history)-s.maxAlerts:]
	}

	if s.sink != nil {
		if err := s.sink.LogAlert(level.String(), reason); err != nil {
			s.persistFailures.Add(1)
			s.log.Warn("alert log write failed", zap.Error(err))
		}
	}

	s.emit(EventAlertChange, AlertChange{
		State:  level.String(),
		Value:  int(level),
		Reason: reason,
	})
}

// GetAlert returns the current alert level snapshot.
func (s *Store) GetAlert() AlertStatus {
	s.alertMu.RLock()
	defer s.alertMu.RUnlock()
	return s.alert.Status()
}

// CurrentAlert returns the current alert level as a typed value.
func (s *Store) CurrentAlert() AlertState {
	s.alertMu.RLock()
	defer s.alertMu.RUnlock()
	return s.alert
}

// GetAlertHistory returns up to limit most-recent transitions, oldest first.
func (s *Store) GetAlertHistory(limit int) []AlertTransition {
	s.alertMu.RLock()
	defer s.alertMu.RUnlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]AlertTransition, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out
}

// ─── Access code ──────────────────────────────────────────────────────────────

// AccessCode returns the six-digit pairing code generated at process start.
func (s *Store) AccessCode() string {
	return s.accessCode
}

// VerifyAccessCode reports whether code matches the pairing code.
func (s *Store) VerifyAccessCode(code string) bool {
	return code == s.accessCode
}

// ─── GSM contacts ─────────────────────────────────────────────────────────────

// SeedContacts replaces the in-memory contact set without touching the sink.
// Called once at startup with the persisted rows.
func (s *Store) SeedContacts(contacts []GsmContact) {
	s.contactsMu.Lock()
	defer s.contactsMu.Unlock()
	s.contacts = append([]GsmContact(nil), contacts...)
}

// AddGsmContact validates and stores a contact, writing through the sink.
func (s *Store) AddGsmContact(c GsmContact) bool {
	if c.Mode != "sms" && c.Mode != "call" {
		return false
	}
	if c.Category == "" {
		c.Category = "general"
	}

	s.contactsMu.Lock()
	defer s.contactsMu.Unlock()
	s.contacts = append(s.contacts, c)

	if s.sink != nil {
		if err := s.sink.InsertContact(c); err != nil {
			s.persistFailures.Add(1)
			s.log.Warn("contact insert failed", zap.Error(err))
		}
	}

	s.emit(EventGsmUpdate, s.contactSnapshotLocked())
	return true
}

// DeleteGsmContact removes every contact with the given number.
func (s *Store) DeleteGsmContact(number string) {
	s.contactsMu.Lock()
	defer s.contactsMu.Unlock()
	kept := s.contacts[:0]
	for _, c := range s.contacts {
		if c.Number != number {
			kept = append(kept, c)
		}
	}
	s.contacts = kept

	if s.sink != nil {
		if err := s.sink.DeleteContact(number); err != nil {
			s.persistFailures.Add(1)
			s.log.Warn("contact delete failed", zap.Error(err))
		}
	}

	s.emit(EventGsmUpdate, s.contactSnapshotLocked())
}

// GetGsmContacts returns all contacts.
func (s *Store) GetGsmContacts() []GsmContact {
	s.contactsMu.RLock()
	defer s.contactsMu.RUnlock()
	return append([]GsmContact(nil), s.contacts...)
}

// ContactsByMode returns contacts of the given mode whose category is
// "general" or matches category.
func (s *Store) ContactsByMode(mode, category string) []GsmContact {
	s.contactsMu.RLock()
	defer s.contactsMu.RUnlock()
	var out []GsmContact
	for _, c := range s.contacts {
		if c.Mode != mode {
			continue
		}
		if c.Category == "general" || c.Category == category {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) contactSnapshotLocked() []GsmContact {
	return append([]GsmContact(nil), s.contacts...)
}

// ─── Manual actions ───────────────────────────────────────────────────────────

// TriggerManualAction enqueues an operator action for the control engine.
// The queue keeps the newest intent: on overflow the oldest entry is dropped
// and counted.
func (s *Store) TriggerManualAction(actionType, details string) {
	action := ManualAction{Type: actionType, Details: details, Timestamp: now()}

	s.manualMu.Lock()
	defer s.manualMu.Unlock()
	if len(s.manual) >= manualQueueCapacity {
		s.manual = s.manual[1:]
		s.manualDropped.Add(1)
	}
	s.manual = append(s.manual, action)

	s.emit(EventManualTrigger, action)
}

// DrainManualAction pops the oldest queued action, if any.
func (s *Store) DrainManualAction() (ManualAction, bool) {
	s.manualMu.Lock()
	defer s.manualMu.Unlock()
	if len(s.manual) == 0 {
		return ManualAction{}, false
	}
	a := s.manual[0]
	s.manual = s.manual[1:]
	return a, true
}

// ─── Snapshots ────────────────────────────────────────────────────────────────

// FullState is the init payload sent to a newly connected dashboard.
type FullState struct {
	Sensor     SensorData     `json:"sensor"`
	Alert      AlertStatus    `json:"alert"`
	Devices    []DeviceStatus `json:"devices"`
	Detections []Detection    `json:"detections"`
}

// GetFullState assembles the dashboard snapshot. Each entity is read under
// its own lock; the composite is point-in-time per entity, not across them.
func (s *Store) GetFullState() FullState {
	return FullState{
		Sensor:     s.GetSensor(),
		Alert:      s.GetAlert(),
		Devices:    s.GetDevices(),
		Detections: s.GetDetections(10),
	}
}

// DropCounters returns the queue-drop and persistence-failure counters.
func (s *Store) DropCounters() Counters {
	return Counters{
		EventsDropped:       s.eventsDropped.Load(),
		ManualDropped:       s.manualDropped.Load(),
		PersistenceFailures: s.persistFailures.Load(),
	}
}
