// Package playback keeps an externally driven player aligned with the frame
// the detection backend most recently reported.
package playback

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/wire"
)

const (
	// DefaultFPS is used until the backend reports a frame rate.
	DefaultFPS = 25.0
	// DefaultDriftTolerance is the largest drift, in seconds, left uncorrected.
	DefaultDriftTolerance = 0.2
)

var (
	// ErrNotSyncing is returned when an event arrives with no open session.
	ErrNotSyncing = errors.New("synchronizer has no open session")
	// ErrPlayerControl wraps seek and resume failures reported by the player.
	ErrPlayerControl = errors.New("player control failed")
)

// Player is the local video element. Position is in seconds.
type Player interface {
	Position() float64
	Paused() bool
	Seek(seconds float64) error
	Play() error
}

// Phase is the synchronizer state.
type Phase int

const (
	PhaseIdle     Phase = iota // no session
	PhaseSyncing               // session open, no event yet
	PhaseTracking              // receiving events
)

func (p Phase) String() string {
	switch p {
	case PhaseSyncing:
		return "syncing"
	case PhaseTracking:
		return "tracking"
	default:
		return "idle"
	}
}

// LatePolicy decides what happens to frames older than the newest one seen.
type LatePolicy int

const (
	// AcceptLate applies every event in delivery order; the last one wins.
	AcceptLate LatePolicy = iota
	// DropLate ignores events whose frame index is below the highest seen.
	DropLate
)

func (p LatePolicy) String() string {
	if p == DropLate {
		return "drop"
	}
	return "accept"
}

// ParseLatePolicy parses "accept" or "drop".
func ParseLatePolicy(s string) (LatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "accept":
		return AcceptLate, nil
	case "drop":
		return DropLate, nil
	default:
		return AcceptLate, fmt.Errorf("invalid late-frame policy: %s", s)
	}
}

// Config holds the synchronizer policy.
type Config struct {
	DefaultFPS     float64
	DriftTolerance float64
	LatePolicy     LatePolicy
}

// DefaultConfig returns the policy used by the desktop viewer.
func DefaultConfig() Config {
	return Config{
		DefaultFPS:     DefaultFPS,
		DriftTolerance: DefaultDriftTolerance,
		LatePolicy:     AcceptLate,
	}
}

// Decision records what the synchronizer did for one event.
type Decision struct {
	FrameIndex    int64
	TargetSeconds float64
	Drift         float64
	Seeked        bool
	Resumed       bool
	Skipped       bool // target was not a usable seek position
	Late          bool // dropped by DropLate
}

// State is a snapshot of the per-session sync state.
type State struct {
	Phase          Phase   `json:"-"`
	PhaseName      string  `json:"phase"`
	LastFPS        float64 `json:"last_fps"`
	TargetSeconds  float64 `json:"target_seconds"`
	DriftTolerance float64 `json:"drift_tolerance"`
	PlayerPosition float64 `json:"player_position"`
	HighestFrame   int64   `json:"highest_frame"`
	Events         uint64  `json:"events"`
	Seeks          uint64  `json:"seeks"`
}

// Synchronizer reconciles reported frames against the player position.
type Synchronizer struct {
	mu     sync.Mutex
	cfg    Config
	player Player

	phase          Phase
	lastFPS        float64
	targetSeconds  float64
	playerPosition float64
	highestFrame   int64
	events         uint64
	seeks          uint64
}

// NewSynchronizer creates an idle synchronizer for player.
func NewSynchronizer(player Player, cfg Config) *Synchronizer {
	if !(cfg.DefaultFPS > 0) || math.IsInf(cfg.DefaultFPS, 0) {
		cfg.DefaultFPS = DefaultFPS
	}
	if !(cfg.DriftTolerance >= 0) {
		cfg.DriftTolerance = DefaultDriftTolerance
	}
	return &Synchronizer{
		cfg:          cfg,
		player:       player,
		lastFPS:      cfg.DefaultFPS,
		highestFrame: -1,
	}
}

// Begin opens a session: Idle -> Syncing with fresh state.
func (s *Synchronizer) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.phase = PhaseSyncing
}

// End closes the session and clears its state.
func (s *Synchronizer) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.phase = PhaseIdle
}

func (s *Synchronizer) reset() {
	s.lastFPS = s.cfg.DefaultFPS
	s.targetSeconds = 0
	s.playerPosition = 0
	s.highestFrame = -1
	s.events = 0
	s.seeks = 0
}

// TargetSeconds converts a frame index to a playback position. ok is false
// when the result must not be used as a seek target.
func TargetSeconds(frameIndex int64, fps float64) (float64, bool) {
	if !(fps > 0) || math.IsInf(fps, 0) {
		return 0, false
	}
	t := float64(frameIndex) / fps
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return t, false
	}
	return t, true
}

// Apply processes one accepted event. Player failures are returned wrapped in
// ErrPlayerControl alongside a valid Decision; the session continues.
func (s *Synchronizer) Apply(ev wire.Event) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseIdle {
		return Decision{}, ErrNotSyncing
	}

	dec := Decision{FrameIndex: ev.FrameIndex}
	if s.cfg.LatePolicy == DropLate && ev.FrameIndex < s.highestFrame {
		dec.Late = true
		dec.TargetSeconds = s.targetSeconds
		return dec, nil
	}

	if ev.FPS != nil {
		s.lastFPS = *ev.FPS
	}

	target, ok := TargetSeconds(ev.FrameIndex, s.lastFPS)
	switch {
	case !(s.lastFPS > 0):
		s.targetSeconds = 0
	case ok:
		s.targetSeconds = target
	}
	dec.TargetSeconds = s.targetSeconds
	dec.Skipped = !ok

	// Read then conditionally write; nothing is held across the player calls.
	pos := s.player.Position()
	s.playerPosition = pos
	dec.Drift = math.Abs(pos - s.targetSeconds)

	var errs []error
	if ok && dec.Drift > s.cfg.DriftTolerance {
		if err := s.player.Seek(target); err != nil {
			errs = append(errs, xerrors.Errorf("seek to %.3fs: %w", target, err))
		} else {
			dec.Seeked = true
			s.seeks++
			s.playerPosition = target
		}
	}

	if s.player.Paused() {
		if err := s.player.Play(); err != nil {
			errs = append(errs, xerrors.Errorf("resume: %w", err))
		} else {
			dec.Resumed = true
		}
	}

	s.phase = PhaseTracking
	s.events++
	if ev.FrameIndex > s.highestFrame {
		s.highestFrame = ev.FrameIndex
	}

	if len(errs) > 0 {
		return dec, fmt.Errorf("%w: %w", ErrPlayerControl, errors.Join(errs...))
	}
	return dec, nil
}

// State returns a snapshot of the current sync state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Phase:          s.phase,
		PhaseName:      s.phase.String(),
		LastFPS:        s.lastFPS,
		TargetSeconds:  s.targetSeconds,
		DriftTolerance: s.cfg.DriftTolerance,
		PlayerPosition: s.playerPosition,
		HighestFrame:   s.highestFrame,
		Events:         s.events,
		Seeks:          s.seeks,
	}
}
