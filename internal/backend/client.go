// Package backend talks to the detection backend's HTTP API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/logger"
)

var (
	// ErrUpload marks a failed video upload.
	ErrUpload = errors.New("upload failed")
	// ErrStartProcessing marks a rejected processing start.
	ErrStartProcessing = errors.New("processing start failed")
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// UploadResult is the outcome of an upload. StatusCode is 0 when no response
// was received.
type UploadResult struct {
	OK         bool
	SessionID  int64
	StatusCode int
}

// UploadError describes a failed upload.
type UploadError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UploadError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("upload failed: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("upload failed (%d): %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("upload failed (%d)", e.StatusCode)
	}
}

func (e *UploadError) Unwrap() error { return e.Err }

func (e *UploadError) Is(target error) bool { return target == ErrUpload }

// StartError describes a failed processing start.
type StartError struct {
	SessionID  int64
	StatusCode int
	Body       string
	Err        error
}

func (e *StartError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("start processing %d: %v", e.SessionID, e.Err)
	case e.Body != "":
		return fmt.Sprintf("start processing %d (%d): %s", e.SessionID, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("start processing %d (%d)", e.SessionID, e.StatusCode)
	}
}

func (e *StartError) Unwrap() error { return e.Err }

func (e *StartError) Is(target error) bool { return target == ErrStartProcessing }

// Client calls the backend upload and start endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL, e.g. "http://127.0.0.1:8000".
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type uploadResponse struct {
	VideoID  *int64 `json:"video_id"`
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

// UploadVideo posts the video as multipart field "file". A non-2xx response
// yields OK=false with the status code and an *UploadError.
func (c *Client) UploadVideo(ctx context.Context, data []byte, filename string) (UploadResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return UploadResult{}, &UploadError{Err: xerrors.Errorf("create form file: %w", err)}
	}
	if _, err := part.Write(data); err != nil {
		return UploadResult{}, &UploadError{Err: xerrors.Errorf("write form file: %w", err)}
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, &UploadError{Err: xerrors.Errorf("close multipart: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/", &body)
	if err != nil {
		return UploadResult{}, &UploadError{Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	logger.Info("Backend", "Uploading %s (%d bytes)", filename, len(data))
	resp, err := c.http.Do(req)
	if err != nil {
		return UploadResult{}, &UploadError{Err: xerrors.Errorf("post upload: %w", err)}
	}
	defer resp.Body.Close()

	result := UploadResult{StatusCode: resp.StatusCode}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, &UploadError{StatusCode: resp.StatusCode, Err: xerrors.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, &UploadError{StatusCode: resp.StatusCode, Body: trimBody(respBody)}
	}

	var payload uploadResponse
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return result, &UploadError{StatusCode: resp.StatusCode, Err: xerrors.Errorf("decode response: %w", err)}
	}
	if payload.VideoID == nil {
		return result, &UploadError{StatusCode: resp.StatusCode, Body: "response has no video_id"}
	}

	result.OK = true
	result.SessionID = *payload.VideoID
	logger.Info("Backend", "Uploaded %s as video %d", filename, result.SessionID)
	return result, nil
}

// StartProcessing asks the backend to begin detection for sessionID.
func (c *Client) StartProcessing(ctx context.Context, sessionID int64) error {
	url := fmt.Sprintf("%s/start/%d", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return &StartError{SessionID: sessionID, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &StartError{SessionID: sessionID, Err: xerrors.Errorf("post start: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StartError{SessionID: sessionID, StatusCode: resp.StatusCode, Body: trimBody(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	logger.Info("Backend", "Processing started for video %d", sessionID)
	return nil
}

func trimBody(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return strings.TrimSpace(string(b))
}
