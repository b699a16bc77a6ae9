// Package sensor — link.go
//
// Serial link to the microcontroller: line-delimited JSON both ways,
// 115200 baud.
//
// Inbound messages:
//
//	{"type":"telemetry","fire":bool,"raining"|"water":pct,
//	 "earthquake"|"gyro":{x,y,z},"accel":{x,y,z}}
//	{"event":"boot","status":...}
//	{"event":"error","message":...}
//	{"event":"alert_set","alert":n}
//	{"event":"pong","uptime":ms}
//
// Unknown JSON is logged and ignored; non-JSON lines are logged raw.
//
// Outbound command frames (one JSON object per line):
//
//	{"cmd":"set_alert","alert":n}
//	{"cmd":"gsm_call","number":...,"robot_talk":bool,"msg":...}
//	{"cmd":"gsm_sms","number":...,"message":...}
//	{"cmd":"ping"}
//
// Failure semantics: on serial error or close, the device is marked
// disconnected in the store, the link waits 2s and re-opens; a failed open
// waits 5s and retries indefinitely. A ping every 5s proves peer liveness.
// This component never raises to callers — all failures become
// device-status changes.

package sensor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexora/modevac/internal/config"
	"github.com/nexora/modevac/internal/state"
)

// DeviceID is the store device record for the microcontroller.
const DeviceID = "esp32_main"

// Port is the minimal serial-port surface the link needs. The production
// implementation is go.bug.st/serial; tests substitute an in-memory pipe.
type Port interface {
	io.ReadWriteCloser
}

// PortOpener opens the configured or autodetected port and returns it with
// its device path.
type PortOpener func() (Port, string, error)

// inbound is the union of every message shape the firmware emits.
type inbound struct {
	Type  string `json:"type"`
	Event string `json:"event"`

	// telemetry
	Fire       *bool       `json:"fire"`
	Raining    *float64    `json:"raining"`
	Water      *float64    `json:"water"`
	Earthquake *state.Vec3 `json:"earthquake"`
	Gyro       *state.Vec3 `json:"gyro"`
	Accel      *state.Vec3 `json:"accel"`

	// events
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Alert   *int   `json:"alert,omitempty"`
	Uptime  *int64 `json:"uptime,omitempty"`
}

type alertCmd struct {
	Cmd   string `json:"cmd"`
	Alert int    `json:"alert"`
}

type callCmd struct {
	Cmd       string `json:"cmd"`
	Number    string `json:"number"`
	RobotTalk bool   `json:"robot_talk"`
	Msg       string `json:"msg"`
}

type smsCmd struct {
	Cmd     string `json:"cmd"`
	Number  string `json:"number"`
	Message string `json:"message"`
}

type pingCmd struct {
	Cmd string `json:"cmd"`
}

// Link owns the serial session and its reconnect loop.
type Link struct {
	cfg   config.SerialConfig
	store *state.Store
	log   *zap.Logger
	open  PortOpener

	mu       sync.Mutex // guards port for writers
	port     Port
	portName string
}

// NewLink creates a Link. open is the port factory (OpenConfigured for
// production, a pipe for tests).
func NewLink(cfg config.SerialConfig, store *state.Store, open PortOpener, log *zap.Logger) *Link {
	return &Link{cfg: cfg, store: store, log: log, open: open}
}

// SendAlert writes a set_alert frame.
func (l *Link) SendAlert(level state.AlertState) error {
	return l.send(alertCmd{Cmd: "set_alert", Alert: int(level)})
}

// SendCall writes a gsm_call frame.
func (l *Link) SendCall(number string, robotTalk bool, msg string) error {
	return l.send(callCmd{Cmd: "gsm_call", Number: number, RobotTalk: robotTalk, Msg: msg})
}

// SendSMS writes a gsm_sms frame.
func (l *Link) SendSMS(number, message string) error {
	return l.send(smsCmd{Cmd: "gsm_sms", Number: number, Message: message})
}

// send serializes one command frame onto the port.
func (l *Link) send(cmd any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return errors.New("sensor: serial port not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("sensor: marshal command: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.port.Write(data); err != nil {
		return fmt.Errorf("sensor: write command: %w", err)
	}
	return nil
}

// Run drives the connect / read / reconnect loop until ctx is cancelled.
// Never returns an error to the caller; all failures are internalized.
func (l *Link) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			l.close()
			return
		}

		port, name, err := l.open()
		if err != nil {
			l.log.Warn("serial open failed", zap.Error(err))
			l.store.UpdateDevice(DeviceID, "sensor", false, l.cfg.Port)
			if !sleepCtx(ctx, l.cfg.OpenRetryDelay) {
				return
			}
			continue
		}

		l.mu.Lock()
		l.port = port
		l.portName = name
		l.mu.Unlock()

		l.log.Info("serial connected", zap.String("port", name))
		l.store.UpdateDevice(DeviceID, "sensor", true, name)

		l.session(ctx, port)

		l.close()
		l.store.UpdateDevice(DeviceID, "sensor", false, name)
		if !sleepCtx(ctx, l.cfg.ReconnectDelay) {
			return
		}
	}
}

// session reads lines and pings until the port fails or ctx is cancelled.
func (l *Link) session(ctx context.Context, port Port) {
	lines := make(chan string, 16)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(port)
		scanner.Buffer(make([]byte, 0, 4096), 64*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		readErr <- err
	}()

	ping := time.NewTicker(l.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			l.log.Warn("serial read failed", zap.String("port", l.portName), zap.Error(err))
			return
		case line := <-lines:
			l.processLine(line)
		case <-ping.C:
			if err := l.send(pingCmd{Cmd: "ping"}); err != nil {
				l.log.Warn("serial ping failed", zap.Error(err))
				return
			}
		}
	}
}

// processLine parses one inbound line and routes it.
func (l *Link) processLine(line string) {
	if line == "" {
		return
	}

	var msg inbound
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		l.log.Debug("serial raw line", zap.String("line", line))
		return
	}

	switch {
	case msg.Type == "telemetry":
		raining := msg.Raining
		if raining == nil {
			raining = msg.Water
		}
		quake := msg.Earthquake
		if quake == nil {
			quake = msg.Gyro
		}
		l.store.UpdateSensor(state.SensorUpdate{
			Fire:    msg.Fire,
			Raining: raining,
			Quake:   quake,
			Accel:   msg.Accel,
		})

	case msg.Event == "boot":
		l.log.Info("controller boot", zap.String("status", msg.Status))

	case msg.Event == "error":
		l.log.Warn("controller error", zap.String("message", msg.Message))

	case msg.Event == "alert_set":
		if msg.Alert != nil {
			l.log.Info("controller acknowledged alert", zap.Int("alert", *msg.Alert))
		}

	case msg.Event == "pong":
		if msg.Uptime != nil {
			l.log.Debug("controller pong", zap.Int64("uptime_ms", *msg.Uptime))
		}

	default:
		l.log.Debug("unrecognized serial message", zap.String("line", line))
	}
}

func (l *Link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port != nil {
		_ = l.port.Close()
		l.port = nil
	}
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
