package monitor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/logger"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/pkg/types"
)

// hub fans values out to subscribed clients, dropping for slow ones.
type hub[T any] struct {
	name    string
	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
}

func newHub[T any](name string) *hub[T] {
	return &hub[T]{name: name, clients: make(map[int]chan T)}
}

func (h *hub[T]) subscribe() (int, <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan T, 2) // Buffer 2 values to avoid blocking
	h.clients[id] = ch

	logger.Debug(h.name, "Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

func (h *hub[T]) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		logger.Debug(h.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

func (h *hub[T]) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub[T]) broadcast(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.clients {
		select {
		case ch <- v:
		default:
			// Client too slow, skip this value for this client
		}
	}
}

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

func serializeEvent(v any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var st structpb.Struct
	if err := protojson.Unmarshal(jsonData, &st); err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(&st)
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// FrameBroadcaster encodes rendered overlays as JPEG and fans them out to
// MJPEG clients. Only the newest pending frame is kept.
type FrameBroadcaster struct {
	hub       *hub[[]byte]
	quality   int
	pending   chan *types.OverlayFrame
	stop      chan struct{}
	stopOnce  sync.Once
	skipCount atomic.Uint64 // frames skipped with no clients

	mu     sync.Mutex
	latest []byte
}

// NewFrameBroadcaster creates a broadcaster with the given JPEG quality.
func NewFrameBroadcaster(quality int) *FrameBroadcaster {
	if quality <= 0 || quality > 100 {
		quality = DefaultConfig().JPEGQuality
	}
	return &FrameBroadcaster{
		hub:     newHub[[]byte]("FrameBroadcaster"),
		quality: quality,
		pending: make(chan *types.OverlayFrame, 1),
		stop:    make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) { return fb.hub.subscribe() }

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.hub.unsubscribe(id)
	if fb.hub.count() == 0 {
		logger.Info("FrameBroadcaster", "No clients remaining - frame encoding will be skipped")
	}
}

// Publish implements types.FrameSink. It never blocks.
func (fb *FrameBroadcaster) Publish(frame *types.OverlayFrame) {
	if frame == nil || frame.Image == nil {
		return
	}
	if fb.hub.count() == 0 {
		if n := fb.skipCount.Add(1); n%100 == 0 {
			logger.Debug("FrameBroadcaster", "No clients connected, skipped %d frames", n)
		}
		return
	}

	for {
		select {
		case fb.pending <- frame:
			return
		default:
		}
		// Replace the stale pending frame.
		select {
		case <-fb.pending:
		default:
		}
	}
}

// Latest returns the most recently encoded JPEG.
func (fb *FrameBroadcaster) Latest() ([]byte, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.latest, fb.latest != nil
}

// Start begins the encode and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster.
func (fb *FrameBroadcaster) Stop() {
	fb.stopOnce.Do(func() { close(fb.stop) })
}

func (fb *FrameBroadcaster) run() {
	for {
		select {
		case <-fb.stop:
			return
		case frame := <-fb.pending:
			data, err := encodeJPEG(frame.Image, fb.quality)
			if err != nil {
				logger.Warn("FrameBroadcaster", "Encode frame %d: %v", frame.FrameIndex, err)
				continue
			}
			fb.mu.Lock()
			fb.latest = data
			fb.mu.Unlock()
			fb.hub.broadcast(data)
		}
	}
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EventBroadcaster fans overlay events out to SSE clients, pre-serialized in
// both formats.
type EventBroadcaster struct {
	hub *hub[*SerializedEvent]
}

// NewEventBroadcaster creates a broadcaster for overlay events.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{hub: newHub[*SerializedEvent]("EventBroadcaster")}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (eb *EventBroadcaster) Subscribe() (int, <-chan *SerializedEvent) { return eb.hub.subscribe() }

// Unsubscribe removes a client.
func (eb *EventBroadcaster) Unsubscribe(id int) { eb.hub.unsubscribe(id) }

// Publish implements types.FrameSink.
func (eb *EventBroadcaster) Publish(frame *types.OverlayFrame) {
	if frame == nil || eb.hub.count() == 0 {
		return
	}
	event, err := serializeEvent(newOverlayEvent(frame))
	if err != nil {
		logger.Error("EventBroadcaster", "Serialize frame %d: %v", frame.FrameIndex, err)
		return
	}
	eb.hub.broadcast(event)
}

// StatusBroadcaster periodically fans a status snapshot out to SSE clients.
type StatusBroadcaster struct {
	hub      *hub[*SerializedEvent]
	source   func() any
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewStatusBroadcaster creates a broadcaster polling source every interval.
func NewStatusBroadcaster(source func() any, interval time.Duration) *StatusBroadcaster {
	if interval <= 0 {
		interval = DefaultConfig().StatusInterval
	}
	return &StatusBroadcaster{
		hub:      newHub[*SerializedEvent]("StatusBroadcaster"),
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving status events.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan *SerializedEvent) { return sb.hub.subscribe() }

// Unsubscribe removes a client.
func (sb *StatusBroadcaster) Unsubscribe(id int) { sb.hub.unsubscribe(id) }

// Start begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the broadcaster.
func (sb *StatusBroadcaster) Stop() {
	sb.stopOnce.Do(func() { close(sb.stop) })
}

func (sb *StatusBroadcaster) run() {
	logger.Info("StatusBroadcaster", "Starting status event broadcaster (interval=%v)...", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			if sb.hub.count() == 0 {
				continue
			}
			event, err := serializeEvent(sb.source())
			if err != nil {
				logger.Error("StatusBroadcaster", "Serialize status: %v", err)
				continue
			}
			sb.hub.broadcast(event)
		}
	}
}
