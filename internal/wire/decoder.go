// Package wire decodes annotation messages pushed by the detection backend.
package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrMalformedMessage is returned for payloads that are not a valid event.
var ErrMalformedMessage = errors.New("malformed message")

// MalformedError describes why a payload was rejected.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Is reports ErrMalformedMessage so callers can use errors.Is.
func (e *MalformedError) Is(target error) bool { return target == ErrMalformedMessage }

// Event is one decoded message for a processed frame.
type Event struct {
	SessionID     *int64   // nil when the backend did not tag the message
	FrameIndex    int64    // >= 0
	FPS           *float64 // nil when absent or not positive
	NoHelmetCount int
	Detections    []RawBox
	Preview       []byte // decoded image bytes, nil when absent or unusable
	PreviewErr    error  // set when a frame was sent but could not be decoded
	Filename      string
}

// SessionMatches reports whether the event may be applied to the active session.
// Untagged events are accepted.
func (e Event) SessionMatches(active int64) bool {
	return e.SessionID == nil || *e.SessionID == active
}

// RawBox is a backend detection with corner coordinates.
type RawBox struct {
	Label      string
	Confidence float64
	Corners    [4]float64 // x1, y1, x2, y2
	Err        error      // non-nil when the bbox itself was unusable
}

// message mirrors the JSON broadcast by the backend worker.
type message struct {
	VideoID       *float64  `json:"video_id"`
	FrameIndex    *float64  `json:"frame_index"`
	FPS           *float64  `json:"fps"`
	NoHelmetCount *float64  `json:"noHelmetCount"`
	Detections    []wireBox `json:"detections"`
	Frame         *string   `json:"frame"`
	Filename      string    `json:"filename"`
}

type wireBox struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

// Decode parses a raw text payload. Unknown fields are ignored.
func Decode(payload []byte) (Event, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, &MalformedError{Reason: "payload is not a JSON object"}
	}

	var msg message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Event{}, &MalformedError{Reason: "invalid JSON", Err: err}
	}

	if msg.FrameIndex == nil {
		return Event{}, &MalformedError{Reason: "frame_index missing"}
	}
	frameIndex, ok := wholeNumber(*msg.FrameIndex)
	if !ok || frameIndex < 0 {
		return Event{}, &MalformedError{Reason: fmt.Sprintf("frame_index %v is not a non-negative integer", *msg.FrameIndex)}
	}

	ev := Event{
		FrameIndex: frameIndex,
		Filename:   msg.Filename,
	}

	if msg.VideoID != nil {
		id, ok := wholeNumber(*msg.VideoID)
		if !ok {
			return Event{}, &MalformedError{Reason: fmt.Sprintf("video_id %v is not an integer", *msg.VideoID)}
		}
		ev.SessionID = &id
	}

	if msg.FPS != nil && *msg.FPS > 0 && !math.IsInf(*msg.FPS, 0) {
		fps := *msg.FPS
		ev.FPS = &fps
	}

	if msg.NoHelmetCount != nil {
		n, ok := wholeNumber(*msg.NoHelmetCount)
		if !ok || n < 0 {
			return Event{}, &MalformedError{Reason: fmt.Sprintf("noHelmetCount %v is not a non-negative integer", *msg.NoHelmetCount)}
		}
		ev.NoHelmetCount = int(n)
	}

	ev.Detections = make([]RawBox, 0, len(msg.Detections))
	for i, d := range msg.Detections {
		if len(d.BBox) != 4 {
			ev.Detections = append(ev.Detections, RawBox{
				Label:      d.Label,
				Confidence: clamp01(d.Confidence),
				Err:        fmt.Errorf("detection %d: bbox has %d values, want 4", i, len(d.BBox)),
			})
			continue
		}
		ev.Detections = append(ev.Detections, RawBox{
			Label:      d.Label,
			Confidence: clamp01(d.Confidence),
			Corners:    [4]float64{d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]},
		})
	}

	if msg.Frame != nil && *msg.Frame != "" {
		img, err := decodePreview(*msg.Frame)
		if err != nil {
			ev.PreviewErr = fmt.Errorf("frame is not valid base64: %w", err)
		} else {
			ev.Preview = img
		}
	}

	return ev, nil
}

// decodePreview accepts bare base64 or a data URI.
func decodePreview(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(s)
}

func wholeNumber(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
