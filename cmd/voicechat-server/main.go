package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicechat/internal/capture"
	"voicechat/internal/config"
	"voicechat/internal/db"
	"voicechat/internal/dialogue"
	"voicechat/internal/httpapi"
	"voicechat/internal/listen"
	"voicechat/internal/llm"
	"voicechat/internal/mqtt"
	"voicechat/internal/orchestrator"
	"voicechat/internal/recognizer"
	"voicechat/internal/stt"
	"voicechat/internal/terminal"
	"voicechat/internal/tts"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open session store failed", "store", cfg.SessionStore, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("session store ready", "store", cfg.SessionStore, "capacity", cfg.SessionStoreCap)

	llmProvider, err := llm.NewProvider(llm.Config{
		Provider:         cfg.LLMProvider,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
	})
	if err != nil {
		logger.Error("init llm provider failed", "error", err)
		os.Exit(1)
	}

	sttClient := stt.NewClient(stt.Config{
		BaseURL:         cfg.STTBaseURL,
		APIKey:          cfg.STTAPIKey,
		Model:           cfg.STTModel,
		Timeout:         cfg.STTTimeout,
		MinSegmentBytes: cfg.MinSegmentBytes,
	}, logger)
	synth := tts.NewCachedSynthesizer(tts.NewHTTPSynthesizer(tts.HTTPConfig{
		BaseURL:      cfg.TTSBaseURL,
		APIKey:       cfg.TTSAPIKey,
		Model:        cfg.TTSModel,
		DefaultVoice: cfg.TTSVoice,
		Format:       cfg.TTSFormat,
	}), cfg.TTSCacheTTL)

	registry := terminal.NewRegistry(cfg.TerminalTTL)
	bridge := terminal.NewBridge(registry, logger)
	defer bridge.Close()

	provider := terminal.NewProvider(bridge, terminal.ProviderConfig{
		ListenMode: listen.Mode(cfg.ListenMode),
		Capture: capture.Options{
			RMSThreshold:   cfg.Capture.RMSThreshold,
			PollInterval:   cfg.Capture.PollInterval,
			SilenceTimeout: cfg.Capture.SilenceTimeout,
			NoSpeechAfter:  cfg.Capture.NoSpeechAfter,
			MaxDuration:    cfg.Capture.MaxDuration,
			Timeslice:      cfg.Capture.Timeslice,
		},
		Recognizer: recognizer.Options{
			WatchdogInterval: cfg.Recognizer.WatchdogInterval,
			WatchdogRetries:  cfg.Recognizer.WatchdogRetries,
		},
		RecognitionDial: recognizer.WSConfig{
			DialAttempts:   cfg.Recognizer.DialAttempts,
			DialRetryDelay: cfg.Recognizer.DialRetryDelay,
		},
	}, sttClient, synth, logger)

	sinks := orchestrator.MultiSink{bridge}
	var hub *mqtt.Hub
	if cfg.MQTTBrokerURL != "" {
		hub = mqtt.NewHub(mqtt.HubConfig{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, registry, logger)
		sinks = append(sinks, hub)
	}

	svc := orchestrator.NewService(orchestrator.ServiceConfig{
		DialogueTimeout: cfg.DialogueTimeout,
		SummaryTimeout:  cfg.SummaryTimeout,
	},
		dialogue.NewService(llmProvider, cfg.LLMModel),
		dialogue.NewEvaluator(llmProvider, cfg.SummaryModel),
		store, provider, sinks, logger)
	bridge.OnDisconnect(svc.StopTerminal)

	if hub != nil {
		if err := hub.Start(ctx, svc); err != nil {
			logger.Error("start mqtt hub failed", "error", err)
			os.Exit(1)
		}
		logger.Info("mqtt hub enabled", "broker", cfg.MQTTBrokerURL, "topic_prefix", cfg.MQTTTopicPrefix)
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Conversations:  svc,
		Sessions:       store,
		Terminals:      registry,
		TerminalSocket: bridge,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("voicechat server started", "addr", cfg.HTTPAddr, "listen_mode", cfg.ListenMode, "llm_provider", cfg.LLMProvider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	// Conversations are finalized first so their sessions are saved.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("conversation shutdown failed", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}

func openStore(ctx context.Context, cfg config.ServerConfig) (db.SessionStore, error) {
	switch cfg.SessionStore {
	case "postgres":
		store, err := db.New(ctx, cfg.DBDSN, cfg.SessionStoreCap)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case "redis":
		return db.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisKeyPrefix, cfg.SessionStoreCap)
	default:
		return db.NewMemoryStore(cfg.SessionStoreCap), nil
	}
}
