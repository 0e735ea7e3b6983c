package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"voicechat/internal/domain"
)

var ErrEmptyText = errors.New("nothing to synthesize")

type Request struct {
	Text  string
	Voice domain.VoiceProfile
	Style string
}

type Audio struct {
	Data   []byte
	Format string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

type HTTPConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	DefaultVoice string
	Format       string
	Timeout      time.Duration
}

// HTTPSynthesizer talks to an OpenAI-compatible /audio/speech endpoint.
type HTTPSynthesizer struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
	voice   string
	format  string
}

func NewHTTPSynthesizer(cfg HTTPConfig) *HTTPSynthesizer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	format := cfg.Format
	if format == "" {
		format = "mp3"
	}
	voice := cfg.DefaultVoice
	if voice == "" {
		voice = "alloy"
	}
	return &HTTPSynthesizer{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		voice:   voice,
		format:  format,
	}
}

type speechRequest struct {
	Model          string  `json:"model"`
	Voice          string  `json:"voice"`
	Input          string  `json:"input"`
	Instructions   string  `json:"instructions,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
	ResponseFormat string  `json:"response_format"`
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, req Request) (Audio, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Audio{}, ErrEmptyText
	}
	voice := req.Voice.Voice
	if voice == "" {
		voice = s.voice
	}
	body, err := json.Marshal(speechRequest{
		Model:          s.model,
		Voice:          voice,
		Input:          text,
		Instructions:   strings.TrimSpace(req.Style),
		Speed:          req.Voice.Speed,
		ResponseFormat: s.format,
	})
	if err != nil {
		return Audio{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return Audio{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return Audio{}, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("read speech audio: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Audio{}, fmt.Errorf("speech service status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("speech service returned no audio")
	}
	return Audio{Data: data, Format: s.format}, nil
}

// CachedSynthesizer keeps recently synthesized audio so replays skip the network.
type CachedSynthesizer struct {
	next  Synthesizer
	cache *cache.Cache
}

func NewCachedSynthesizer(next Synthesizer, ttl time.Duration) *CachedSynthesizer {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &CachedSynthesizer{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *CachedSynthesizer) Synthesize(ctx context.Context, req Request) (Audio, error) {
	key := cacheKey(req)
	if v, ok := c.cache.Get(key); ok {
		return v.(Audio), nil
	}
	audio, err := c.next.Synthesize(ctx, req)
	if err != nil {
		return Audio{}, err
	}
	c.cache.Set(key, audio, cache.DefaultExpiration)
	return audio, nil
}

func cacheKey(req Request) string {
	return strings.Join([]string{
		req.Voice.Voice,
		strconv.FormatFloat(req.Voice.Speed, 'f', 2, 64),
		strings.TrimSpace(req.Style),
		strings.TrimSpace(req.Text),
	}, "\x00")
}
