package monitor

import (
	"fmt"
	"image/color"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/logger"
)

const (
	mjpegIdleInterval = 5 * time.Second
	sseKeepalive      = 30 * time.Second
)

func blankJPEG(quality int) ([]byte, error) {
	img := imaging.New(640, 360, color.NRGBA{R: 0x11, G: 0x11, B: 0x11, A: 0xff})
	return encodeJPEG(img, quality)
}

// streamMJPEGFromChannel streams MJPEG from a channel (fanout pattern).
func streamMJPEGFromChannel(w http.ResponseWriter, r *http.Request, frameCh <-chan []byte, initial []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	blank, err := blankJPEG(DefaultConfig().JPEGQuality)
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	jpegData := initial
	if jpegData == nil {
		jpegData = blank
	}
	for {
		if err := writeMJPEGPart(w, jpegData); err != nil {
			logger.Debug("MJPEG", "Client disconnected: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			jpegData = data
		case <-time.After(mjpegIdleInterval):
			// Keep the connection alive with the last frame
		}
	}
}

func writeMJPEGPart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// streamEventsFromChannel streams pre-serialized events to an SSE client.
func streamEventsFromChannel(w http.ResponseWriter, r *http.Request, eventCh <-chan *SerializedEvent, useProtobuf bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-time.After(sseKeepalive):
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
