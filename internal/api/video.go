// Package api — video.go
//
// MJPEG relay: GET /api/video_feed?id=<camera> re-emits the requested
// camera's latest annotated JPEG as multipart/x-mixed-replace at ~20 Hz.

package api

import (
	"fmt"
	"net/http"
	"time"
)

const videoFramePeriod = 50 * time.Millisecond // ~20 Hz

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	slot, ok := s.pipeline.Slot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown camera: "+id)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(videoFramePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			frame, ok := slot.Get()
			if !ok {
				continue
			}
			if _, err := fmt.Fprintf(w,
				"--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := fmt.Fprint(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
