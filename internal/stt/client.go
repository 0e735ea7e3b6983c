package stt

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
	"time"

	"voicechat/internal/domain"
)

// ErrNoSpeech means the segment carried nothing worth transcribing.
var ErrNoSpeech = errors.New("no speech in segment")

type Config struct {
	BaseURL         string
	APIKey          string
	Model           string
	Timeout         time.Duration
	MinSegmentBytes int
}

// Client submits captured segments to an OpenAI-compatible transcription
// endpoint. It never retries; the caller decides whether to ask again.
type Client struct {
	http     *http.Client
	baseURL  string
	apiKey   string
	model    string
	minBytes int
	logger   *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:   cfg.APIKey,
		model:    model,
		minBytes: cfg.MinSegmentBytes,
		logger:   logger,
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// Transcribe returns the recognized text. Segments under the minimum size and
// empty transcripts yield ErrNoSpeech without being treated as failures.
func (c *Client) Transcribe(ctx context.Context, segment domain.AudioSegment, languageHint string) (string, error) {
	if segment.Len() < c.minBytes || segment.Len() == 0 {
		c.logger.Debug("segment below threshold, skipping transcription", "bytes", segment.Len(), "min_bytes", c.minBytes)
		return "", ErrNoSpeech
	}
	if !c.Enabled() {
		return "", fmt.Errorf("transcription service is not configured")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio."+extensionFor(segment.MimeType))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(segment.Data); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if lang := normalizeLanguage(languageHint); lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transcription: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("transcription service status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

func extensionFor(mimeType string) string {
	mt := strings.ToLower(mimeType)
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	switch strings.TrimSpace(mt) {
	case "audio/webm", "video/webm":
		return "webm"
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "audio/aac":
		return "m4a"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	default:
		return "webm"
	}
}

// normalizeLanguage reduces BCP 47 tags such as "es-MX" to the ISO 639-1 code.
func normalizeLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return tag
}
