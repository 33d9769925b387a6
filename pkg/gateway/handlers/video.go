package handlers

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/demardefrozen10/SENSE/pkg/capture"
)

const (
	mjpegBoundary       = "frame"
	defaultFeedInterval = time.Second / 30
)

// VideoFeedHandler streams the newest camera frame as multipart MJPEG until
// the client goes away.
type VideoFeedHandler struct {
	Frames   *capture.FrameBuffer
	Interval time.Duration
}

func (h VideoFeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowGET(w, r) {
		return
	}
	interval := h.Interval
	if interval <= 0 {
		interval = defaultFeedInterval
	}

	mp := multipart.NewWriter(w)
	if err := mp.SetBoundary(mjpegBoundary); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		if f, ok := h.Frames.LatestSince(seq); ok {
			seq = f.Seq
			if err := writeJPEGPart(mp, f.Data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJPEGPart(mp *multipart.Writer, jpeg []byte) error {
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Type", "image/jpeg")
	hdr.Set("Content-Length", strconv.Itoa(len(jpeg)))
	part, err := mp.CreatePart(hdr)
	if err != nil {
		return err
	}
	if _, err := part.Write(jpeg); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
