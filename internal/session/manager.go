// Package session owns the live annotation socket of the active video session
// and drives decode, mapping, synchronization and rendering for each message.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/logger"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/metrics"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/overlay"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/playback"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/wire"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/pkg/types"
)

// Synchronizer is the playback side of a session.
type Synchronizer interface {
	Begin()
	End()
	Apply(ev wire.Event) (playback.Decision, error)
	State() playback.State
}

// Renderer paints one overlay per accepted event.
type Renderer interface {
	Reset()
	Render(preview []byte, boxes []types.Box) (overlay.Rendering, error)
}

// Options wires a Manager to its collaborators.
type Options struct {
	URL        string
	Dialer     Dialer
	Classifier overlay.LabelClassifier
	Sync       Synchronizer
	Renderer   Renderer
	Sinks      []types.FrameSink // called under the manager lock; must not call back into the Manager
	Metrics    *metrics.Metrics
	OnState    func(StateChange) // called outside the manager lock
}

// Outcome is the result of handling one payload.
type Outcome struct {
	Status Status
	Frame  *types.OverlayFrame // set when Status is StatusRendered
	Err    error
}

// Snapshot is the status view of the manager.
type Snapshot struct {
	SessionID       int64          `json:"session_id"`
	Active          bool           `json:"active"`
	ConnectionID    string         `json:"connection_id,omitempty"`
	State           string         `json:"state"`
	LastError       string         `json:"last_error,omitempty"`
	LastFrame       int64          `json:"last_frame"`
	NoHelmetCount   int            `json:"no_helmet_count"`
	ViolationBoxes  uint64         `json:"violation_boxes"`
	FramesPublished uint64         `json:"frames_published"`
	Sync            playback.State `json:"sync"`
}

// Manager keeps at most one live socket and processes its messages in
// delivery order.
type Manager struct {
	opts Options

	mu        sync.Mutex
	gen       uint64 // bumped by Open and Close; stale read loops compare against it
	state     ConnState
	active    bool
	sessionID int64
	connID    string
	conn      Conn
	done      chan struct{}
	lastErr   error

	lastFrame       int64
	noHelmet        int
	violationBoxes  uint64
	framesPublished uint64
}

// NewManager creates an idle manager.
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer(0)
	}
	if opts.Classifier == nil {
		opts.Classifier = overlay.NewVocabulary(nil)
	}
	if opts.Renderer == nil {
		opts.Renderer = overlay.NewRenderer(overlay.DefaultRendererConfig())
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Manager{opts: opts, lastFrame: -1}
}

// Open connects a socket for sessionID. Any previous socket is closed first.
// A dial failure leaves the manager in StateError; there is no retry.
func (m *Manager) Open(ctx context.Context, sessionID int64) error {
	if m.opts.URL == "" {
		return &ConnectionError{Op: "dial", SessionID: sessionID, Err: errors.New("empty socket URL")}
	}
	if m.opts.Sync == nil {
		return xerrors.New("session manager has no synchronizer")
	}

	m.Close()

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.active = true
	m.sessionID = sessionID
	m.connID = uuid.NewString()
	m.lastErr = nil
	m.lastFrame = -1
	m.noHelmet = 0
	m.violationBoxes = 0
	m.framesPublished = 0
	m.opts.Sync.Begin()
	m.opts.Renderer.Reset()
	change := m.setStateLocked(StateConnecting, nil)
	url := m.opts.URL
	m.mu.Unlock()
	m.notify(change)

	logger.Info("Session", "Opening session %d on %s (conn=%s)", sessionID, url, change.ConnectionID)
	m.opts.Metrics.SessionsOpened.Add(1)

	conn, err := m.opts.Dialer.Dial(ctx, url)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		cerr := &ConnectionError{Op: "dial", SessionID: sessionID, Err: xerrors.Errorf("dial %s: %w", url, err)}
		m.active = false
		m.opts.Sync.End()
		change := m.setStateLocked(StateError, cerr)
		m.mu.Unlock()

		m.opts.Metrics.ConnectionErrors.Add(1)
		logger.Error("Session", "Session %d connection failed: %v", sessionID, err)
		m.notify(change)
		return cerr
	}

	done := make(chan struct{})
	m.conn = conn
	m.done = done
	change = m.setStateLocked(StateOpen, nil)
	m.mu.Unlock()

	logger.Info("Session", "Session %d open", sessionID)
	m.notify(change)

	go m.readLoop(gen, conn, done)
	return nil
}

// Close tears down the active session. It is safe to call repeatedly and
// no message is processed once it returns.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.gen++
	conn, done := m.conn, m.done
	m.conn, m.done = nil, nil
	m.active = false
	m.opts.Sync.End()
	change := m.setStateLocked(StateClosed, nil)
	sessionID := m.sessionID
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Debug("Session", "Socket close: %v", err)
		}
	}
	if done != nil {
		<-done
	}

	logger.Info("Session", "Session %d closed", sessionID)
	m.notify(change)
}

func (m *Manager) readLoop(gen uint64, conn Conn, done chan struct{}) {
	defer close(done)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			m.readFailed(gen, conn, err)
			return
		}
		m.mu.Lock()
		if gen == m.gen && m.active {
			m.handleLocked(payload)
		}
		m.mu.Unlock()
	}
}

// readFailed ends a session whose socket stopped delivering. The remote
// closing normally is a plain close; anything else is a ConnectionError.
func (m *Manager) readFailed(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.conn, m.done = nil, nil
	m.active = false
	m.opts.Sync.End()
	sessionID := m.sessionID

	var change StateChange
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if normal {
		change = m.setStateLocked(StateClosed, nil)
	} else {
		cerr := &ConnectionError{Op: "read", SessionID: sessionID, Err: err}
		change = m.setStateLocked(StateError, cerr)
	}
	m.mu.Unlock()

	conn.Close()
	if normal {
		logger.Info("Session", "Session %d closed by backend", sessionID)
	} else {
		m.opts.Metrics.ConnectionErrors.Add(1)
		logger.Error("Session", "Session %d socket failed: %v", sessionID, err)
	}
	m.notify(change)
}

// Handle processes one payload for the active session. The read loop uses the
// same path; it is exported so hosts with their own transport can feed it.
func (m *Manager) Handle(payload []byte) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return Outcome{Status: StatusInactive, Err: ErrNoSession}
	}
	return m.handleLocked(payload)
}

func (m *Manager) handleLocked(payload []byte) Outcome {
	met := m.opts.Metrics
	met.EventsReceived.Add(1)

	ev, err := wire.Decode(payload)
	if err != nil {
		met.EventsMalformed.Add(1)
		logger.Warn("Session", "Dropping message: %v", err)
		return Outcome{Status: StatusMalformed, Err: err}
	}

	if !ev.SessionMatches(m.sessionID) {
		met.EventsStale.Add(1)
		logger.Debug("Session", "Discarding frame %d for session %d (active %d)", ev.FrameIndex, *ev.SessionID, m.sessionID)
		return Outcome{Status: StatusStale}
	}

	dec, err := m.opts.Sync.Apply(ev)
	if err != nil {
		if !errors.Is(err, playback.ErrPlayerControl) {
			return Outcome{Status: StatusInactive, Err: err}
		}
		met.SeekErrors.Add(1)
		logger.Warn("Session", "Frame %d: %v", ev.FrameIndex, err)
	}
	if dec.Late {
		met.EventsLate.Add(1)
		logger.Debug("Session", "Dropping late frame %d", ev.FrameIndex)
		return Outcome{Status: StatusLate}
	}

	met.EventsAccepted.Add(1)
	met.UpdateDrift(dec.Drift)
	if dec.Seeked {
		met.Seeks.Add(1)
		logger.Debug("Session", "Frame %d: drift %.3fs, seek to %.3fs", ev.FrameIndex, dec.Drift, dec.TargetSeconds)
	}
	if dec.Skipped {
		met.SeeksSkipped.Add(1)
	}
	if dec.Resumed {
		met.Resumes.Add(1)
	}

	if ev.PreviewErr != nil {
		logger.Debug("Session", "Frame %d: %v", ev.FrameIndex, ev.PreviewErr)
	}

	mapped := overlay.MapBoxes(ev.Detections, m.opts.Classifier)
	for _, derr := range mapped.Dropped {
		logger.Debug("Session", "Frame %d: %v", ev.FrameIndex, derr)
	}
	met.BoxesMapped.Add(uint64(len(mapped.Boxes)))
	met.BoxesDropped.Add(uint64(len(mapped.Dropped)))
	met.ViolationBoxes.Add(uint64(mapped.Violations))
	met.LastNoHelmet.Store(uint64(ev.NoHelmetCount))

	rendering, rerr := m.opts.Renderer.Render(ev.Preview, mapped.Boxes)
	if rerr != nil {
		logger.Warn("Session", "Frame %d: %v", ev.FrameIndex, rerr)
	}
	met.FramesRendered.Add(1)
	if rendering.Degraded {
		met.DegradedFrames.Add(1)
	}

	frame := &types.OverlayFrame{
		SessionID:     m.sessionID,
		ConnectionID:  m.connID,
		FrameIndex:    ev.FrameIndex,
		TargetSeconds: dec.TargetSeconds,
		Seeked:        dec.Seeked,
		NoHelmetCount: ev.NoHelmetCount,
		Violations:    mapped.Violations,
		Boxes:         mapped.Boxes,
		Degraded:      rendering.Degraded,
	}
	if rendering.Image != nil {
		frame.Image = rendering.Image
	}

	m.lastFrame = ev.FrameIndex
	m.noHelmet = ev.NoHelmetCount
	m.violationBoxes += uint64(mapped.Violations)
	m.framesPublished++

	for _, sink := range m.opts.Sinks {
		sink.Publish(frame)
	}
	return Outcome{Status: StatusRendered, Frame: frame}
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the status view used by the monitor API.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		SessionID:       m.sessionID,
		Active:          m.active,
		ConnectionID:    m.connID,
		State:           m.state.String(),
		LastFrame:       m.lastFrame,
		NoHelmetCount:   m.noHelmet,
		ViolationBoxes:  m.violationBoxes,
		FramesPublished: m.framesPublished,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	if m.opts.Sync != nil {
		s.Sync = m.opts.Sync.State()
	}
	return s
}

func (m *Manager) setStateLocked(s ConnState, err error) StateChange {
	m.state = s
	if err != nil {
		m.lastErr = err
	}
	m.opts.Metrics.ConnectionState.Store(uint64(s))
	return StateChange{SessionID: m.sessionID, ConnectionID: m.connID, State: s, Err: err}
}

func (m *Manager) notify(change StateChange) {
	if m.opts.OnState != nil {
		m.opts.OnState(change)
	}
}
