// Package fleet — wire.go
//
// Worker socket wire format: a 4-byte big-endian length prefix followed by a
// UTF-8 JSON body. Both directions use the same framing.
//
// Message types:
//   worker → coordinator:  register | heartbeat | inference_result
//   coordinator → worker:  registered | inference_task
//   coordinator → LAN:     server_announce (UDP discovery beacon)
//
// A single Message union covers every type; absent fields stay at their zero
// value and are omitted on the wire.

package fleet

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame. A base64 JPEG at quality 50 is well
// under 1 MiB; anything near the cap is a protocol violation.
const MaxFrameBytes = 8 << 20

// ErrMalformed marks a frame whose body failed to decode. Framing is still
// intact after this error, so a session may keep reading; any other read
// error means the stream position is lost and the session must end.
var ErrMalformed = errors.New("fleet: malformed frame")

// Message is the union of all frame bodies on the worker wire.
type Message struct {
	Type string `json:"type"`

	// register / registered / heartbeat
	WorkerID  string      `json:"worker_id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Model     string      `json:"model,omitempty"`
	Specialty string      `json:"specialty,omitempty"`
	Role      string      `json:"role,omitempty"`
	Stats     *WorkerStats `json:"stats,omitempty"`

	// inference_task / inference_result
	FrameID    uint64            `json:"frame_id,omitempty"`
	Image      string            `json:"image,omitempty"` // base64 JPEG
	Detections []RemoteDetection `json:"detections,omitempty"`

	// server_announce
	IP     string `json:"ip,omitempty"`
	Port   int    `json:"port,omitempty"`
	System string `json:"system,omitempty"`
}

// WorkerStats is the live stats blob carried in heartbeats.
type WorkerStats struct {
	FPS             float64 `json:"fps"`
	FramesProcessed uint64  `json:"frames_processed"`
	UptimeSeconds   float64 `json:"uptime_seconds,omitempty"`
}

// RemoteDetection is one classifier output as a worker reports it.
type RemoteDetection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

// WriteFrame serializes v and writes one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fleet: marshal frame: %w", err)
	}
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("fleet: frame of %d bytes exceeds limit", len(body))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("fleet: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("fleet: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameBytes {
		return fmt.Errorf("fleet: frame length %d out of range", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("fleet: read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
