package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// VideoExtensions are the file types offered by the video chooser.
var VideoExtensions = []string{".mp4", ".mov", ".avi", ".mkv", ".webm"}

// ErrUnsupportedVideo is returned for files outside VideoExtensions.
var ErrUnsupportedVideo = errors.New("unsupported video file")

// FileSelector chooses the video to process. ok is false when the user
// cancelled.
type FileSelector interface {
	SelectVideoFile() (path string, ok bool, err error)
}

// PathSelector selects a fixed path, as given on the command line.
type PathSelector struct {
	Path string
}

// SelectVideoFile implements FileSelector. An empty path is a cancel.
func (s PathSelector) SelectVideoFile() (string, bool, error) {
	if strings.TrimSpace(s.Path) == "" {
		return "", false, nil
	}
	if !IsVideoFile(s.Path) {
		return "", false, fmt.Errorf("%w: %s", ErrUnsupportedVideo, filepath.Base(s.Path))
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		return "", false, err
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("%w: %s is a directory", ErrUnsupportedVideo, s.Path)
	}
	return s.Path, true, nil
}

// IsVideoFile reports whether path has one of VideoExtensions.
func IsVideoFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, v := range VideoExtensions {
		if ext == v {
			return true
		}
	}
	return false
}
