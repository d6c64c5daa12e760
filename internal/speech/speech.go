// Package speech turns captured audio into text. A capture Session
// buffers the binary frames a client streams while recording; Stop
// hands the recording to a Whisper-compatible transcription endpoint
// and blocks until the transcript is back.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"

	"github.com/nugget/moodmender/internal/httpkit"
)

var (
	// ErrTooLarge is returned by Write once a recording exceeds the cap.
	ErrTooLarge = errors.New("recording exceeds size limit")
	// ErrClosed is returned by a session after Stop or Close.
	ErrClosed = errors.New("capture session closed")
	// ErrEmpty is returned by Stop when nothing was recorded.
	ErrEmpty = errors.New("no audio captured")
)

// Engine opens capture sessions.
type Engine interface {
	Start(ctx context.Context) (Session, error)
}

// Session is one recording. Close must be called on every exit path;
// it is safe to call more than once and after Stop.
type Session interface {
	io.Writer
	Stop(ctx context.Context) (string, error)
	Close() error
}

// Whisper transcribes through an OpenAI-compatible
// /audio/transcriptions endpoint.
type Whisper struct {
	baseURL  string
	apiKey   string
	model    string
	language string
	maxBytes int64
	client   *http.Client
	logger   *slog.Logger
}

// NewWhisper returns an Engine posting to baseURL.
func NewWhisper(baseURL, apiKey, model, language string, maxBytes int64, client *http.Client, logger *slog.Logger) *Whisper {
	if client == nil {
		client = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Whisper{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		model:    model,
		language: language,
		maxBytes: maxBytes,
		client:   client,
		logger:   logger.With("component", "speech"),
	}
}

// Start opens a new recording.
func (w *Whisper) Start(context.Context) (Session, error) {
	w.logger.Debug("capture session started")
	return &whisperSession{engine: w}, nil
}

type whisperSession struct {
	engine *Whisper

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *whisperSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if limit := s.engine.maxBytes; limit > 0 && int64(s.buf.Len()+len(p)) > limit {
		return 0, ErrTooLarge
	}
	return s.buf.Write(p)
}

// Stop ends the recording and returns its transcript.
func (s *whisperSession) Stop(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.closed = true
	audio := bytes.Clone(s.buf.Bytes())
	s.buf.Reset()
	s.mu.Unlock()

	if len(audio) == 0 {
		return "", ErrEmpty
	}
	return s.engine.transcribe(ctx, audio)
}

func (s *whisperSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.engine.logger.Debug("capture session discarded", "bytes", s.buf.Len())
	}
	s.closed = true
	s.buf = bytes.Buffer{}
	return nil
}

func (w *Whisper) transcribe(ctx context.Context, audio []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "recording.webm")
	if err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	_ = mw.WriteField("model", w.model)
	_ = mw.WriteField("response_format", "json")
	if w.language != "" {
		_ = mw.WriteField("language", w.language)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	if err := httpkit.CheckStatus(resp); err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode transcript: %w", err)
	}

	text := strings.TrimSpace(out.Text)
	w.logger.Info("audio transcribed", "audio_bytes", len(audio), "chars", len(text))
	return text, nil
}
