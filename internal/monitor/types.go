package monitor

import "github.com/dj-oyu/hardhat-overlay/overlay-client/pkg/types"

// OverlayBox mirrors the JSON shape of one drawn box.
type OverlayBox struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category"`
}

// OverlayEvent is the payload for /api/overlay/stream.
type OverlayEvent struct {
	SessionID     int64        `json:"session_id"`
	FrameIndex    int64        `json:"frame_index"`
	TargetSeconds float64      `json:"target_seconds"`
	Seeked        bool         `json:"seeked"`
	NoHelmetCount int          `json:"no_helmet_count"`
	Violations    int          `json:"violations"`
	Degraded      bool         `json:"degraded"`
	Boxes         []OverlayBox `json:"boxes"`
}

func newOverlayEvent(f *types.OverlayFrame) OverlayEvent {
	ev := OverlayEvent{
		SessionID:     f.SessionID,
		FrameIndex:    f.FrameIndex,
		TargetSeconds: f.TargetSeconds,
		Seeked:        f.Seeked,
		NoHelmetCount: f.NoHelmetCount,
		Violations:    f.Violations,
		Degraded:      f.Degraded,
		Boxes:         make([]OverlayBox, len(f.Boxes)),
	}
	for i, b := range f.Boxes {
		ev.Boxes[i] = OverlayBox{
			X:          b.X,
			Y:          b.Y,
			W:          b.Width,
			H:          b.Height,
			Label:      b.Label,
			Confidence: b.Confidence,
			Category:   b.Category.String(),
		}
	}
	return ev
}
