package types

import "image"

// Category classifies a detection label for rendering and tallying
type Category int

const (
	CategoryCompliant Category = iota // e.g. "hard hat"
	CategoryViolation                 // e.g. "no hard hat"
)

// String returns the string representation of a category
func (c Category) String() string {
	switch c {
	case CategoryViolation:
		return "violation"
	default:
		return "compliant"
	}
}

// Box is a UI-facing detection rectangle (origin + extent)
type Box struct {
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Width      float64  `json:"width"`
	Height     float64  `json:"height"`
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Category   Category `json:"-"`
}

// OverlayFrame is one rendered overlay, handed to every frame sink
type OverlayFrame struct {
	SessionID     int64       // Active session the event belonged to
	ConnectionID  string      // Socket the event arrived on
	FrameIndex    int64       // Backend frame ordinal
	TargetSeconds float64     // Playback target derived for this frame
	Seeked        bool        // Whether the player was re-positioned
	NoHelmetCount int         // Count reported on the wire
	Violations    int         // Boxes classified as violations
	Boxes         []Box       // Boxes in draw order
	Image         image.Image // Rendered overlay (never nil)
	Degraded      bool        // No fresh preview was available
}

// FrameSink consumes rendered overlay frames. Publish must not block.
type FrameSink interface {
	Publish(frame *OverlayFrame)
}
