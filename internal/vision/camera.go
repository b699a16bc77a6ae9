// Package vision — camera.go
//
// Network camera sources. The primary path is an MJPEG-over-HTTP stream
// (multipart/x-mixed-replace), which is what the camera firmware serves.
// Serial-attached cameras are reserved for a future frame protocol and are
// not opened by this path.

package vision

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
)

// FrameSource yields JPEG frames from one camera.
type FrameSource interface {
	// ReadFrame blocks for the next JPEG frame.
	ReadFrame() ([]byte, error)
	Close() error
}

// SourceOpener opens a FrameSource for a camera URL. Production uses
// OpenMJPEG; tests substitute synthetic sources.
type SourceOpener func(ctx context.Context, url string) (FrameSource, error)

// mjpegSource reads a multipart/x-mixed-replace JPEG stream.
type mjpegSource struct {
	resp   *http.Response
	reader *multipart.Reader
}

// OpenMJPEG connects to an MJPEG HTTP stream and prepares the part reader.
func OpenMJPEG(ctx context.Context, url string) (FrameSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("vision: build stream request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vision: open stream %q: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("vision: stream %q returned %s", url, resp.Status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] == "" {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("vision: stream %q is not multipart/x-mixed-replace", url)
	}

	return &mjpegSource{
		resp:   resp,
		reader: multipart.NewReader(resp.Body, params["boundary"]),
	}, nil
}

func (s *mjpegSource) ReadFrame() ([]byte, error) {
	part, err := s.reader.NextPart()
	if err != nil {
		return nil, err
	}
	defer part.Close()
	return io.ReadAll(part)
}

func (s *mjpegSource) Close() error {
	return s.resp.Body.Close()
}
