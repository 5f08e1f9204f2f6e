package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/metrics"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/recorder"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/session"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/pkg/types"
)

type fakeSession struct {
	mu      sync.Mutex
	opened  []int64
	closes  int
	openErr error
}

func (f *fakeSession) Open(ctx context.Context, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, sessionID)
	return f.openErr
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := session.Snapshot{State: "idle", LastFrame: -1}
	if n := len(f.opened); n > 0 {
		snap.SessionID = f.opened[n-1]
		snap.Active = f.openErr == nil && f.closes < n
		snap.State = "open"
	}
	return snap
}

func (f *fakeSession) calls() ([]int64, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.opened...), f.closes
}

func (f *fakeSession) failOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

func newTestServer(t *testing.T, deps Deps) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StatusInterval = 20 * time.Millisecond
	s := NewServer(cfg, deps)
	s.Start()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func overlayFrame(index int64) *types.OverlayFrame {
	return &types.OverlayFrame{
		SessionID:     9,
		FrameIndex:    index,
		TargetSeconds: float64(index) / 25,
		NoHelmetCount: 1,
		Violations:    1,
		Boxes: []types.Box{
			{X: 10, Y: 20, Width: 30, Height: 40, Label: "no hard hat", Confidence: 0.8, Category: types.CategoryViolation},
		},
		Image: imaging.New(32, 24, color.NRGBA{G: 200, A: 255}),
	}
}

// readSSEData returns the payload of the next data line.
func readSSEData(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
}

func readMJPEGPart(t *testing.T, br *bufio.Reader) []byte {
	t.Helper()
	length := -1
	sawBoundary := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read MJPEG header: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "--frame":
			sawBoundary = true
		case strings.HasPrefix(line, "Content-Length: "):
			length, err = strconv.Atoi(strings.TrimPrefix(line, "Content-Length: "))
			if err != nil {
				t.Fatalf("content length %q: %v", line, err)
			}
		case line == "" && sawBoundary && length >= 0:
			data := make([]byte, length)
			if _, err := io.ReadFull(br, data); err != nil {
				t.Fatalf("read MJPEG body: %v", err)
			}
			return data
		}
	}
}

func get(t *testing.T, url, accept string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func post(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStatusReportsSessionSnapshot(t *testing.T) {
	sess := &fakeSession{}
	_ = sess.Open(context.Background(), 12)
	_, ts := newTestServer(t, Deps{Session: sess})

	resp := get(t, ts.URL+"/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload struct {
		Session session.Snapshot `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Session.SessionID != 12 || payload.Session.State != "open" {
		t.Fatalf("session = %+v", payload.Session)
	}
}

func TestOverlayStreamJSON(t *testing.T) {
	s, ts := newTestServer(t, Deps{})

	resp := get(t, ts.URL+"/api/overlay/stream", "text/event-stream")
	if got := resp.Header.Get("X-Content-Format"); got != "application/json" {
		t.Fatalf("X-Content-Format = %q", got)
	}
	s.deps.Events.Publish(overlayFrame(42))

	var ev OverlayEvent
	if err := json.Unmarshal([]byte(readSSEData(t, bufio.NewReader(resp.Body))), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.FrameIndex != 42 || ev.Violations != 1 || len(ev.Boxes) != 1 {
		t.Fatalf("event = %+v", ev)
	}
	if b := ev.Boxes[0]; b.Category != "violation" || b.W != 30 || b.Label != "no hard hat" {
		t.Fatalf("box = %+v", b)
	}
}

func TestOverlayStreamProtobuf(t *testing.T) {
	s, ts := newTestServer(t, Deps{})

	resp := get(t, ts.URL+"/api/overlay/stream", "application/x-protobuf")
	if got := resp.Header.Get("X-Content-Format"); got != "application/protobuf" {
		t.Fatalf("X-Content-Format = %q", got)
	}
	s.deps.Events.Publish(overlayFrame(7))

	raw, err := base64.StdEncoding.DecodeString(readSSEData(t, bufio.NewReader(resp.Body)))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		t.Fatalf("proto: %v", err)
	}
	fields := st.GetFields()
	if got := fields["frame_index"].GetNumberValue(); got != 7 {
		t.Fatalf("frame_index = %v", got)
	}
	boxes := fields["boxes"].GetListValue().GetValues()
	if len(boxes) != 1 || boxes[0].GetStructValue().GetFields()["label"].GetStringValue() != "no hard hat" {
		t.Fatalf("boxes = %v", boxes)
	}
}

func TestStatusStreamTicks(t *testing.T) {
	sess := &fakeSession{}
	_ = sess.Open(context.Background(), 3)
	_, ts := newTestServer(t, Deps{Session: sess})

	resp := get(t, ts.URL+"/api/status/stream", "")
	var payload struct {
		Session session.Snapshot `json:"session"`
	}
	if err := json.Unmarshal([]byte(readSSEData(t, bufio.NewReader(resp.Body))), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Session.SessionID != 3 {
		t.Fatalf("session = %+v", payload.Session)
	}
}

func TestMJPEGStreamSendsPlaceholderThenFrames(t *testing.T) {
	s, ts := newTestServer(t, Deps{})

	resp := get(t, ts.URL+"/stream", "")
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}
	br := bufio.NewReader(resp.Body)

	first, err := imaging.Decode(bytes.NewReader(readMJPEGPart(t, br)))
	if err != nil {
		t.Fatalf("decode placeholder: %v", err)
	}
	if b := first.Bounds(); b.Dx() != 640 || b.Dy() != 360 {
		t.Fatalf("placeholder bounds = %v", b)
	}

	s.deps.Frames.Publish(overlayFrame(1))
	next, err := imaging.Decode(bytes.NewReader(readMJPEGPart(t, br)))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if b := next.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Fatalf("frame bounds = %v", b)
	}
	if _, ok := s.deps.Frames.Latest(); !ok {
		t.Fatalf("Latest should hold the encoded frame")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.EventsAccepted.Add(3)
	_, ts := newTestServer(t, Deps{Metrics: m.Handler()})

	resp := get(t, ts.URL+"/metrics", "")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "overlay_") {
		t.Fatalf("metrics %d: %s", resp.StatusCode, body)
	}
}

func TestSessionEndpoints(t *testing.T) {
	sess := &fakeSession{}
	_, ts := newTestServer(t, Deps{Session: sess})

	resp := post(t, ts.URL+"/api/session/7")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open status = %d", resp.StatusCode)
	}
	if opened, _ := sess.calls(); len(opened) != 1 || opened[0] != 7 {
		t.Fatalf("opened = %v", opened)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/session", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	del.Body.Close()
	if _, closes := sess.calls(); del.StatusCode != http.StatusOK || closes != 1 {
		t.Fatalf("close status=%d closes=%d", del.StatusCode, closes)
	}

	sess.failOpen(errors.New("dial refused"))
	if resp := post(t, ts.URL+"/api/session/8"); resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("failed open status = %d", resp.StatusCode)
	}
}

func TestRecordingEndpoints(t *testing.T) {
	rec := recorder.NewRecorder(t.TempDir(), 80)
	t.Cleanup(func() { _ = rec.Close() })
	_, ts := newTestServer(t, Deps{Recorder: rec})

	if resp := get(t, ts.URL+"/api/recording/start", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET start status = %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/recording/start"); resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/recording/start"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second start status = %d", resp.StatusCode)
	}

	var st recorder.RecordingStatus
	if err := json.NewDecoder(get(t, ts.URL+"/api/recording/status", "").Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Recording || st.Directory == "" {
		t.Fatalf("status = %+v", st)
	}

	if resp := post(t, ts.URL+"/api/recording/stop"); resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	if rec.IsRecording() {
		t.Fatalf("recorder still recording")
	}
}

func TestHubDropsForSlowClient(t *testing.T) {
	h := newHub[int]("test")
	id, ch := h.subscribe()
	for i := 0; i < 5; i++ {
		h.broadcast(i)
	}
	if got := len(ch); got != 2 {
		t.Fatalf("buffered = %d, want 2", got)
	}
	if v := <-ch; v != 0 {
		t.Fatalf("first value = %d", v)
	}
	h.unsubscribe(id)
	h.unsubscribe(id)
	if h.count() != 0 {
		t.Fatalf("count = %d", h.count())
	}
}

func TestFrameBroadcasterSkipsWithoutClients(t *testing.T) {
	fb := NewFrameBroadcaster(0)
	fb.Publish(overlayFrame(1))
	if len(fb.pending) != 0 {
		t.Fatalf("frame queued with no clients")
	}

	id, _ := fb.Subscribe()
	defer fb.Unsubscribe(id)
	fb.Publish(overlayFrame(2))
	fb.Publish(overlayFrame(3))
	if got := <-fb.pending; got.FrameIndex != 3 {
		t.Fatalf("pending frame = %d, want newest", got.FrameIndex)
	}
}
