package wire

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestDecodeFullMessage(t *testing.T) {
	preview := []byte{0xff, 0xd8, 0xff, 0xd9}
	payload := `{"video_id": 7, "frame_index": 42, "fps": 29.97, "noHelmetCount": 1,
		"detections": [{"label": "no hard hat", "confidence": 0.913, "bbox": [10, 20, 110, 220]}],
		"frame": "` + base64.StdEncoding.EncodeToString(preview) + `", "extra": {"ignored": true}}`

	ev, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.SessionID == nil || *ev.SessionID != 7 {
		t.Fatalf("SessionID = %v, want 7", ev.SessionID)
	}
	if ev.FrameIndex != 42 {
		t.Fatalf("FrameIndex = %d, want 42", ev.FrameIndex)
	}
	if ev.FPS == nil || *ev.FPS != 29.97 {
		t.Fatalf("FPS = %v, want 29.97", ev.FPS)
	}
	if ev.NoHelmetCount != 1 {
		t.Fatalf("NoHelmetCount = %d, want 1", ev.NoHelmetCount)
	}
	if len(ev.Detections) != 1 {
		t.Fatalf("Detections = %d, want 1", len(ev.Detections))
	}
	d := ev.Detections[0]
	if d.Label != "no hard hat" || d.Confidence != 0.913 || d.Corners != [4]float64{10, 20, 110, 220} {
		t.Fatalf("unexpected detection %+v", d)
	}
	if string(ev.Preview) != string(preview) {
		t.Fatalf("Preview = %v, want %v", ev.Preview, preview)
	}
}

func TestDecodeDefaultsForOptionalFields(t *testing.T) {
	ev, err := Decode([]byte(`{"frame_index": 3}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.SessionID != nil {
		t.Fatalf("SessionID should be unset")
	}
	if ev.FPS != nil {
		t.Fatalf("FPS should be unset")
	}
	if ev.Detections == nil || len(ev.Detections) != 0 {
		t.Fatalf("Detections should be an empty sequence, got %v", ev.Detections)
	}
	if ev.Preview != nil {
		t.Fatalf("Preview should be absent")
	}
	if !ev.SessionMatches(99) {
		t.Fatalf("untagged event should match any session")
	}
}

func TestDecodeNonPositiveFPSIsTreatedAsAbsent(t *testing.T) {
	for _, payload := range []string{
		`{"frame_index": 1, "fps": 0}`,
		`{"frame_index": 1, "fps": -25}`,
	} {
		ev, err := Decode([]byte(payload))
		if err != nil {
			t.Fatalf("Decode(%s): %v", payload, err)
		}
		if ev.FPS != nil {
			t.Fatalf("Decode(%s): FPS = %v, want unset", payload, *ev.FPS)
		}
	}
}

func TestDecodeDataURIPreview(t *testing.T) {
	raw := []byte("jpeg")
	payload := `{"frame_index": 0, "frame": "data:image/jpeg;base64,` + base64.StdEncoding.EncodeToString(raw) + `"}`
	ev, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(ev.Preview) != "jpeg" {
		t.Fatalf("Preview = %q", ev.Preview)
	}
}

func TestDecodeClampsConfidence(t *testing.T) {
	ev, err := Decode([]byte(`{"frame_index": 0, "detections": [
		{"label": "a", "confidence": 1.7, "bbox": [0,0,1,1]},
		{"label": "b", "confidence": -0.2, "bbox": [0,0,1,1]}]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Detections[0].Confidence != 1 || ev.Detections[1].Confidence != 0 {
		t.Fatalf("confidence not clamped: %+v", ev.Detections)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"truncated json":      `{not json`,
		"empty":               ``,
		"array":               `[1,2,3]`,
		"null":                `null`,
		"missing frame_index": `{"fps": 25}`,
		"fractional index":    `{"frame_index": 1.5}`,
		"negative index":      `{"frame_index": -1}`,
		"string index":        `{"frame_index": "4"}`,
		"fractional video":    `{"frame_index": 1, "video_id": 2.5}`,
		"negative count":      `{"frame_index": 1, "noHelmetCount": -3}`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("error %v is not ErrMalformedMessage", err)
			}
			var me *MalformedError
			if !errors.As(err, &me) || me.Reason == "" {
				t.Fatalf("error %v should carry a reason", err)
			}
		})
	}
}

func TestDecodeKeepsEventWithUnusableParts(t *testing.T) {
	ev, err := Decode([]byte(`{"video_id": 1, "frame_index": 250, "fps": 25,
		"detections": [
			{"label": "hard hat", "confidence": 0.9, "bbox": [0, 0, 10, 10]},
			{"label": "no hard hat", "confidence": 0.8, "bbox": [1, 2, 3]}],
		"frame": "!!!notbase64"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.FrameIndex != 250 || ev.FPS == nil || *ev.FPS != 25 {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Preview != nil || ev.PreviewErr == nil {
		t.Fatalf("preview = %v, PreviewErr = %v", ev.Preview, ev.PreviewErr)
	}
	if len(ev.Detections) != 2 {
		t.Fatalf("detections = %+v", ev.Detections)
	}
	if ev.Detections[0].Err != nil || ev.Detections[1].Err == nil {
		t.Fatalf("bbox errors = %v, %v", ev.Detections[0].Err, ev.Detections[1].Err)
	}
	if ev.Detections[1].Label != "no hard hat" {
		t.Fatalf("short bbox lost its label: %+v", ev.Detections[1])
	}
}

func TestSessionMatches(t *testing.T) {
	id := int64(5)
	ev := Event{SessionID: &id}
	if !ev.SessionMatches(5) {
		t.Fatalf("expected match")
	}
	if ev.SessionMatches(6) {
		t.Fatalf("expected mismatch")
	}
}
