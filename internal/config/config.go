package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	HTTPAddr string

	SessionStore    string
	DBDSN           string
	RedisURL        string
	RedisKeyPrefix  string
	SessionStoreCap int

	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	LLMProvider      string
	LLMModel         string
	SummaryModel     string
	OpenAIBaseURL    string
	OpenAIAPIKey     string
	AnthropicBaseURL string
	AnthropicAPIKey  string

	STTBaseURL      string
	STTAPIKey       string
	STTModel        string
	STTTimeout      time.Duration
	MinSegmentBytes int

	TTSBaseURL  string
	TTSAPIKey   string
	TTSModel    string
	TTSVoice    string
	TTSFormat   string
	TTSCacheTTL time.Duration

	DialogueTimeout time.Duration
	SummaryTimeout  time.Duration

	ListenMode string
	Capture    CaptureConfig
	Recognizer RecognizerConfig

	TerminalTTL time.Duration
}

// CaptureConfig holds the silence detection tuning. Defaults were tuned on a
// narrow class of mobile devices and should be validated against target hardware.
type CaptureConfig struct {
	RMSThreshold   float64
	PollInterval   time.Duration
	SilenceTimeout time.Duration
	NoSpeechAfter  time.Duration
	MaxDuration    time.Duration
	Timeslice      time.Duration
}

type RecognizerConfig struct {
	WatchdogInterval time.Duration
	WatchdogRetries  int
	DialAttempts     int
	DialRetryDelay   time.Duration
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		RMSThreshold:   15,
		PollInterval:   100 * time.Millisecond,
		SilenceTimeout: 1500 * time.Millisecond,
		NoSpeechAfter:  8 * time.Second,
		MaxDuration:    60 * time.Second,
		Timeslice:      250 * time.Millisecond,
	}
}

func DefaultRecognizerConfig() RecognizerConfig {
	return RecognizerConfig{
		WatchdogInterval: 3 * time.Second,
		WatchdogRetries:  3,
		DialAttempts:     3,
		DialRetryDelay:   500 * time.Millisecond,
	}
}

func LoadServerConfig() (ServerConfig, error) {
	// .env is optional; real deployments export the variables directly.
	_ = godotenv.Load()

	capDefaults := DefaultCaptureConfig()
	recDefaults := DefaultRecognizerConfig()

	cfg := ServerConfig{
		HTTPAddr: getenvDefault("VOICECHAT_HTTP_ADDR", ":9020"),

		SessionStore:    strings.ToLower(os.Getenv("SESSION_STORE")),
		DBDSN:           os.Getenv("DB_DSN"),
		RedisURL:        os.Getenv("REDIS_URL"),
		RedisKeyPrefix:  getenvDefault("REDIS_KEY_PREFIX", "voicechat"),
		SessionStoreCap: getenvIntDefault("SESSION_STORE_CAP", 50),

		MQTTBrokerURL:   os.Getenv("MQTT_BROKER_URL"),
		MQTTClientID:    getenvDefault("VOICECHAT_MQTT_CLIENT_ID", "voicechat-server"),
		MQTTUsername:    os.Getenv("MQTT_USERNAME"),
		MQTTPassword:    os.Getenv("MQTT_PASSWORD"),
		MQTTTopicPrefix: getenvDefault("MQTT_TOPIC_PREFIX", "voicechat"),

		LLMProvider:      strings.ToLower(getenvDefault("LLM_PROVIDER", "openai")),
		LLMModel:         getenvDefault("LLM_MODEL", "gpt-4o-mini"),
		SummaryModel:     os.Getenv("SUMMARY_MODEL"),
		OpenAIBaseURL:    getenvDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicBaseURL: getenvDefault("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),

		STTBaseURL:      os.Getenv("STT_BASE_URL"),
		STTAPIKey:       os.Getenv("STT_API_KEY"),
		STTModel:        getenvDefault("STT_MODEL", "whisper-1"),
		STTTimeout:      time.Duration(getenvIntDefault("STT_TIMEOUT_SECONDS", 30)) * time.Second,
		MinSegmentBytes: getenvIntDefault("STT_MIN_SEGMENT_BYTES", 1000),

		TTSBaseURL:  os.Getenv("TTS_BASE_URL"),
		TTSAPIKey:   os.Getenv("TTS_API_KEY"),
		TTSModel:    getenvDefault("TTS_MODEL", "gpt-4o-mini-tts"),
		TTSVoice:    getenvDefault("TTS_VOICE", "alloy"),
		TTSFormat:   getenvDefault("TTS_FORMAT", "mp3"),
		TTSCacheTTL: time.Duration(getenvIntDefault("TTS_CACHE_TTL_SECONDS", 1800)) * time.Second,

		DialogueTimeout: time.Duration(getenvIntDefault("DIALOGUE_TIMEOUT_SECONDS", 45)) * time.Second,
		SummaryTimeout:  time.Duration(getenvIntDefault("SUMMARY_TIMEOUT_SECONDS", 60)) * time.Second,

		ListenMode: strings.ToLower(getenvDefault("LISTEN_MODE", "auto")),
		Capture: CaptureConfig{
			RMSThreshold:   getenvFloatDefault("CAPTURE_RMS_THRESHOLD", capDefaults.RMSThreshold),
			PollInterval:   getenvMillisDefault("CAPTURE_POLL_INTERVAL_MS", capDefaults.PollInterval),
			SilenceTimeout: getenvMillisDefault("CAPTURE_SILENCE_MS", capDefaults.SilenceTimeout),
			NoSpeechAfter:  getenvMillisDefault("CAPTURE_NO_SPEECH_MS", capDefaults.NoSpeechAfter),
			MaxDuration:    getenvMillisDefault("CAPTURE_MAX_MS", capDefaults.MaxDuration),
			Timeslice:      getenvMillisDefault("CAPTURE_TIMESLICE_MS", capDefaults.Timeslice),
		},
		Recognizer: RecognizerConfig{
			WatchdogInterval: getenvMillisDefault("RECOGNIZER_WATCHDOG_MS", recDefaults.WatchdogInterval),
			WatchdogRetries:  getenvIntDefault("RECOGNIZER_WATCHDOG_RETRIES", recDefaults.WatchdogRetries),
			DialAttempts:     getenvIntDefault("RECOGNIZER_DIAL_ATTEMPTS", recDefaults.DialAttempts),
			DialRetryDelay:   getenvMillisDefault("RECOGNIZER_DIAL_RETRY_MS", recDefaults.DialRetryDelay),
		},

		TerminalTTL: time.Duration(getenvIntDefault("TERMINAL_TTL_SECONDS", 90)) * time.Second,
	}

	// STT and TTS default to the OpenAI endpoint when no dedicated one is set.
	if cfg.STTBaseURL == "" {
		cfg.STTBaseURL = cfg.OpenAIBaseURL
	}
	if cfg.STTAPIKey == "" {
		cfg.STTAPIKey = cfg.OpenAIAPIKey
	}
	if cfg.TTSBaseURL == "" {
		cfg.TTSBaseURL = cfg.OpenAIBaseURL
	}
	if cfg.TTSAPIKey == "" {
		cfg.TTSAPIKey = cfg.OpenAIAPIKey
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = cfg.LLMModel
	}

	if cfg.SessionStore == "" {
		switch {
		case cfg.DBDSN != "":
			cfg.SessionStore = "postgres"
		case cfg.RedisURL != "":
			cfg.SessionStore = "redis"
		default:
			cfg.SessionStore = "memory"
		}
	}

	switch cfg.SessionStore {
	case "postgres":
		if cfg.DBDSN == "" {
			return ServerConfig{}, fmt.Errorf("DB_DSN is required when SESSION_STORE=postgres")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return ServerConfig{}, fmt.Errorf("REDIS_URL is required when SESSION_STORE=redis")
		}
	case "memory":
	default:
		return ServerConfig{}, fmt.Errorf("unsupported SESSION_STORE: %s", cfg.SessionStore)
	}

	if cfg.LLMProvider == "openai" && cfg.OpenAIAPIKey == "" {
		return ServerConfig{}, fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
	}
	if cfg.LLMProvider == "claude" && cfg.AnthropicAPIKey == "" {
		return ServerConfig{}, fmt.Errorf("ANTHROPIC_API_KEY is required when LLM_PROVIDER=claude")
	}

	switch cfg.ListenMode {
	case "auto", "capture", "recognizer":
	default:
		return ServerConfig{}, fmt.Errorf("unsupported LISTEN_MODE: %s", cfg.ListenMode)
	}

	if cfg.SessionStoreCap <= 0 {
		return ServerConfig{}, fmt.Errorf("SESSION_STORE_CAP must be positive")
	}

	return cfg, nil
}

func getenvDefault(key, val string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return val
}

func getenvIntDefault(key string, val int) int {
	v := os.Getenv(key)
	if v == "" {
		return val
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return val
	}
	return n
}

func getenvFloatDefault(key string, val float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return val
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return val
	}
	return f
}

func getenvMillisDefault(key string, val time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return val
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return val
	}
	return time.Duration(n) * time.Millisecond
}
