package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/logger"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/pkg/types"
)

// Recorder writes rendered overlay frames to disk as JPEG files
type Recorder struct {
	mu           sync.RWMutex
	basePath     string
	quality      int
	dir          string
	manifest     *os.File
	manifestBuf  *bufio.Writer
	recording    bool
	frameCount   uint64
	droppedCount uint64
	bytesWritten uint64
	startTime    time.Time
	frameChan    chan *types.OverlayFrame
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// NewRecorder creates a new recorder writing under basePath
func NewRecorder(basePath string, quality int) *Recorder {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &Recorder{
		basePath: basePath,
		quality:  quality,
	}
}

// manifestEntry is one line of the recording's manifest.jsonl
type manifestEntry struct {
	File          string      `json:"file"`
	SessionID     int64       `json:"session_id"`
	FrameIndex    int64       `json:"frame_index"`
	TargetSeconds float64     `json:"target_seconds"`
	Seeked        bool        `json:"seeked"`
	NoHelmetCount int         `json:"no_helmet_count"`
	Violations    int         `json:"violations"`
	Degraded      bool        `json:"degraded"`
	Boxes         []types.Box `json:"boxes"`
}

// Start starts recording into a new timestamped directory
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording")
	}

	timestamp := time.Now().Format("20060102_150405")
	dir := filepath.Join(r.basePath, fmt.Sprintf("overlay_%s", timestamp))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifest, err := os.Create(filepath.Join(dir, "manifest.jsonl"))
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}

	r.dir = dir
	r.manifest = manifest
	r.manifestBuf = bufio.NewWriter(manifest)
	r.recording = true
	r.frameCount = 0
	r.droppedCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.frameChan = make(chan *types.OverlayFrame, 60) // Buffer 2 seconds at 30fps
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.writeFrames(r.frameChan, r.stopChan)

	logger.Info("Recorder", "Recording overlays to %s", dir)
	return nil
}

// Stop stops recording and flushes pending frames
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return fmt.Errorf("not recording")
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	// Wait for write goroutine to drain
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.manifest != nil {
		if err := r.manifestBuf.Flush(); err != nil {
			return fmt.Errorf("failed to flush manifest: %w", err)
		}
		if err := r.manifest.Close(); err != nil {
			return fmt.Errorf("failed to close manifest: %w", err)
		}
		r.manifest = nil
		r.manifestBuf = nil
	}

	logger.Info("Recorder", "Stopped: %d frames in %s (%d dropped)", r.frameCount, r.dir, r.droppedCount)
	return nil
}

// Publish implements types.FrameSink (non-blocking)
func (r *Recorder) Publish(frame *types.OverlayFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording || frame == nil || frame.Image == nil {
		return
	}

	select {
	case r.frameChan <- frame:
	default:
		// Channel full, drop frame
		r.droppedCount++
	}
}

// writeFrames writes frames until stop, then drains what is queued
func (r *Recorder) writeFrames(frames <-chan *types.OverlayFrame, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-frames:
			r.writeFrame(frame)
		case <-stop:
			for {
				select {
				case frame := <-frames:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

// writeFrame encodes a single frame and appends its manifest line
func (r *Recorder) writeFrame(frame *types.OverlayFrame) {
	r.mu.RLock()
	dir := r.dir
	r.mu.RUnlock()

	name := FrameFilename(frame.FrameIndex)
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		logger.Warn("Recorder", "Create %s: %v", path, err)
		return
	}
	if err := imaging.Encode(f, frame.Image, imaging.JPEG, imaging.JPEGQuality(r.quality)); err != nil {
		f.Close()
		logger.Warn("Recorder", "Encode frame %d: %v", frame.FrameIndex, err)
		return
	}
	info, _ := f.Stat()
	if err := f.Close(); err != nil {
		logger.Warn("Recorder", "Close %s: %v", path, err)
		return
	}

	line, err := json.Marshal(manifestEntry{
		File:          name,
		SessionID:     frame.SessionID,
		FrameIndex:    frame.FrameIndex,
		TargetSeconds: frame.TargetSeconds,
		Seeked:        frame.Seeked,
		NoHelmetCount: frame.NoHelmetCount,
		Violations:    frame.Violations,
		Degraded:      frame.Degraded,
		Boxes:         frame.Boxes,
	})
	if err != nil {
		logger.Warn("Recorder", "Manifest frame %d: %v", frame.FrameIndex, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manifestBuf != nil {
		r.manifestBuf.Write(line)
		r.manifestBuf.WriteByte('\n')
	}
	if info != nil {
		r.bytesWritten += uint64(info.Size())
	}
	r.frameCount++
}

// FrameFilename is the file a rendered frame is written to.
// A repeated frame index overwrites the earlier image.
func FrameFilename(frameIndex int64) string {
	return fmt.Sprintf("frame_%06d.jpg", frameIndex)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var durationMS int64
	if r.recording {
		durationMS = time.Since(r.startTime).Milliseconds()
	}

	return RecordingStatus{
		Recording:    r.recording,
		Directory:    r.dir,
		FrameCount:   r.frameCount,
		DroppedCount: r.droppedCount,
		BytesWritten: r.bytesWritten,
		DurationMS:   durationMS,
		StartTime:    r.startTime,
	}
}

// Close stops the recorder if it is running
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Directory    string    `json:"directory"`
	FrameCount   uint64    `json:"frame_count"`
	DroppedCount uint64    `json:"dropped_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMS   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
