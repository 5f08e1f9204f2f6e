// Package viewer drives one upload → process → overlay round trip.
package viewer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/backend"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/logger"
)

// Backend is the remote processing service.
type Backend interface {
	UploadVideo(ctx context.Context, data []byte, filename string) (backend.UploadResult, error)
	StartProcessing(ctx context.Context, sessionID int64) error
}

// SessionOpener attaches the overlay stream to a processing session.
type SessionOpener interface {
	Open(ctx context.Context, sessionID int64) error
}

// NoticeKind distinguishes informational notices from failures.
type NoticeKind int

const (
	NoticeInfo NoticeKind = iota
	NoticeFailure
)

// Notice is a user-facing message.
type Notice struct {
	Kind    NoticeKind
	Title   string
	Message string
	Err     error
}

// Notifier surfaces notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// LogNotifier reports notices through the logger.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(n Notice) {
	if n.Kind == NoticeFailure {
		logger.Error("Viewer", "%s: %s", n.Title, n.Message)
		return
	}
	logger.Info("Viewer", "%s: %s", n.Title, n.Message)
}

// Result describes how a Run ended.
type Result struct {
	Path      string
	SessionID int64
	Cancelled bool
}

// Coordinator owns the select, upload, start and open sequence.
type Coordinator struct {
	selector backend.FileSelector
	backend  Backend
	session  SessionOpener
	notifier Notifier
	readFile func(string) ([]byte, error)
}

// NewCoordinator wires a coordinator. A nil notifier logs notices.
func NewCoordinator(selector backend.FileSelector, b Backend, session SessionOpener, notifier Notifier) *Coordinator {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Coordinator{
		selector: selector,
		backend:  b,
		session:  session,
		notifier: notifier,
		readFile: os.ReadFile,
	}
}

// Run performs one round trip. Cancelling the file choice is not an error.
// No session is opened when upload or start fails.
func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	path, ok, err := c.selector.SelectVideoFile()
	if err != nil {
		c.fail("Invalid video", err)
		return Result{}, err
	}
	if !ok {
		logger.Info("Viewer", "No video selected")
		return Result{Cancelled: true}, nil
	}
	res := Result{Path: path}

	data, err := c.readFile(path)
	if err != nil {
		err = xerrors.Errorf("read %s: %w", path, err)
		c.fail("Read failed", err)
		return res, err
	}
	logger.Info("Viewer", "Uploading %s (%d bytes)", filepath.Base(path), len(data))

	upload, err := c.backend.UploadVideo(ctx, data, filepath.Base(path))
	if err != nil {
		c.fail("Upload failed", err)
		return res, err
	}
	if !upload.OK {
		err := &backend.UploadError{StatusCode: upload.StatusCode}
		c.fail("Upload failed", err)
		return res, err
	}
	res.SessionID = upload.SessionID

	if err := c.backend.StartProcessing(ctx, upload.SessionID); err != nil {
		c.fail("Processing failed", err)
		return res, err
	}

	if err := c.session.Open(ctx, upload.SessionID); err != nil {
		c.fail("Connection failed", err)
		return res, err
	}

	c.notifier.Notify(Notice{
		Kind:    NoticeInfo,
		Title:   "Processing",
		Message: fmt.Sprintf("session %d started for %s", upload.SessionID, filepath.Base(path)),
	})
	return res, nil
}

func (c *Coordinator) fail(title string, err error) {
	c.notifier.Notify(Notice{Kind: NoticeFailure, Title: title, Message: err.Error(), Err: err})
}
