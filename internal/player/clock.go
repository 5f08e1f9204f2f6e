// Package player provides a headless player whose position advances with the
// wall clock, for hosts without a video element.
package player

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/logger"
)

// ErrInvalidPosition is returned for seeks to NaN, infinite or negative times.
var ErrInvalidPosition = errors.New("invalid seek position")

// ClockPlayer tracks a playback position in seconds. It starts paused at 0.
type ClockPlayer struct {
	mu       sync.Mutex
	now      func() time.Time
	base     float64 // position at anchor
	anchor   time.Time
	playing  bool
	duration float64 // 0 = unbounded
}

// NewClockPlayer creates a paused player. duration clamps the position when
// positive.
func NewClockPlayer(duration time.Duration) *ClockPlayer {
	return newClockPlayer(duration, time.Now)
}

func newClockPlayer(duration time.Duration, now func() time.Time) *ClockPlayer {
	return &ClockPlayer{now: now, duration: duration.Seconds()}
}

// Position implements playback.Player.
func (p *ClockPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *ClockPlayer) positionLocked() float64 {
	pos := p.base
	if p.playing {
		pos += p.now().Sub(p.anchor).Seconds()
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	return pos
}

// Paused implements playback.Player.
func (p *ClockPlayer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.playing
}

// Seek implements playback.Player.
func (p *ClockPlayer) Seek(seconds float64) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return ErrInvalidPosition
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.duration > 0 && seconds > p.duration {
		seconds = p.duration
	}
	p.base = seconds
	p.anchor = p.now()
	logger.Debug("Player", "Seek to %.3fs", seconds)
	return nil
}

// Play implements playback.Player.
func (p *ClockPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return nil
	}
	p.anchor = p.now()
	p.playing = true
	logger.Debug("Player", "Resume at %.3fs", p.base)
	return nil
}

// Pause stops the clock, as a user pausing the preview would.
func (p *ClockPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return
	}
	p.base = p.positionLocked()
	p.playing = false
}
