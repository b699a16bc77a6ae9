// Package vision — detector.go
//
// Black-box object detector contract. The model itself is an external
// collaborator: the coordinator only knows "JPEG in, labeled boxes out".
// The production implementation is an HTTP sidecar; tests inject fakes.

package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Detection is one classifier output in source-frame pixels.
type Detection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

// Detector runs inference on one JPEG frame. Implementations must apply
// minConfidence themselves where the backend supports it; the pipeline
// filters again regardless.
type Detector interface {
	Detect(ctx context.Context, jpeg []byte, minConfidence float64) ([]Detection, error)
}

// HTTPDetector calls an inference sidecar: POST image/jpeg, JSON response
// {"detections":[{"class","confidence","bbox":[x1,y1,x2,y2]}]}.
type HTTPDetector struct {
	url    string
	client *http.Client
}

// NewHTTPDetector creates a detector client for the sidecar at url.
func NewHTTPDetector(url string) *HTTPDetector {
	return &HTTPDetector{
		url:    url,
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

type detectResponse struct {
	Detections []struct {
		Class      string    `json:"class"`
		Confidence float64   `json:"confidence"`
		BBox       []float64 `json:"bbox"`
	} `json:"detections"`
}

// Detect implements Detector.
func (d *HTTPDetector) Detect(ctx context.Context, jpeg []byte, minConfidence float64) ([]Detection, error) {
	url := fmt.Sprintf("%s?conf=%.2f", d.url, minConfidence)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jpeg))
	if err != nil {
		return nil, fmt.Errorf("vision: build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vision: detect call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vision: detector returned %s", resp.Status)
	}

	var body detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("vision: decode detect response: %w", err)
	}

	out := make([]Detection, 0, len(body.Detections))
	for _, rd := range body.Detections {
		if rd.Confidence < minConfidence {
			continue
		}
		det := Detection{Class: rd.Class, Confidence: rd.Confidence}
		copy(det.BBox[:], rd.BBox)
		out = append(out, det)
	}
	return out, nil
}
