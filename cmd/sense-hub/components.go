package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/demardefrozen10/SENSE/pkg/capture"
	"github.com/demardefrozen10/SENSE/pkg/detection"
	"github.com/demardefrozen10/SENSE/pkg/dispatch/haptic"
	"github.com/demardefrozen10/SENSE/pkg/dispatch/mqtt"
	"github.com/demardefrozen10/SENSE/pkg/dispatch/tts"
	"github.com/demardefrozen10/SENSE/pkg/gateway/config"
	"github.com/demardefrozen10/SENSE/pkg/gateway/hub"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/bridge"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/protocol"
	gatewayserver "github.com/demardefrozen10/SENSE/pkg/gateway/server"
	"github.com/demardefrozen10/SENSE/pkg/scene"
	"github.com/demardefrozen10/SENSE/pkg/store"
	"github.com/demardefrozen10/SENSE/pkg/vision"
)

// startupTimeout bounds the database and broker handshakes.
const startupTimeout = 10 * time.Second

// components are the long-lived parts of the hub besides the HTTP server.
type components struct {
	cfg    config.Config
	logger *slog.Logger

	frames *capture.FrameBuffer
	hub    *hub.Hub
	dialer *bridge.GeminiDialer
	speech *tts.Worker
	synth  bridge.Synthesizer
	haptic *haptic.Dispatcher
	store  *store.Store
	mqtt   *mqtt.Publisher
	scene  *scene.Loop
	camera *capture.Camera
}

func newComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, error) {
	c := &components{
		cfg:    cfg,
		logger: logger,
		frames: capture.NewFrameBuffer(),
		hub: hub.New(hub.Config{
			StaleThreshold:   cfg.StaleThreshold,
			ControlQueueSize: cfg.ControlQueueSize,
			Logger:           logger,
		}),
		dialer: bridge.NewGeminiDialer(bridge.GeminiConfig{
			APIKey:            cfg.GeminiAPIKey,
			Model:             cfg.GeminiModel,
			Voice:             cfg.GeminiVoice,
			APIVersion:        cfg.GeminiAPIVersion,
			SystemInstruction: cfg.SystemInstruction,
		}),
	}
	if !cfg.GeminiConfigured() {
		logger.Warn("GEMINI_API_KEY is not set; live sessions are disabled")
	}

	var speechSynth tts.Synthesizer
	client := tts.NewClient(tts.Config{
		APIKey:       cfg.ElevenLabsAPIKey,
		VoiceID:      cfg.ElevenLabsVoiceID,
		Model:        cfg.ElevenLabsModel,
		OutputFormat: cfg.ElevenLabsOutputFormat,
		BaseURL:      cfg.ElevenLabsBaseURL,
	})
	if client.Configured() {
		cached, err := tts.NewCached(client, cfg.TTSCacheSize)
		if err != nil {
			return nil, fmt.Errorf("tts cache: %w", err)
		}
		speechSynth = cached
		c.synth = cached
	} else {
		logger.Warn("ELEVENLABS_API_KEY is not set; speech alerts are simulated")
	}
	c.speech = tts.NewWorker(speechSynth, tts.WorkerConfig{
		Logger: logger,
		OnAudio: func(a tts.Audio) {
			msg := protocol.NewData(protocol.TypeAudioMP3, a.Data)
			c.hub.Broadcast(msg)
			_ = c.hub.SendToSource(msg)
		},
	})

	c.haptic = haptic.New(haptic.Config{
		Port:    cfg.SerialPort,
		Baud:    cfg.SerialBaud,
		Enabled: cfg.HapticEnabled,
		Logger:  logger,
	})
	if cfg.HapticEnabled {
		c.haptic.Connect()
	}

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if cfg.DatabaseURL != "" {
		st, err := store.Open(startCtx, cfg.DatabaseURL, cfg.HistoryRetain, logger)
		if err != nil {
			logger.Warn("detection history disabled", "error", err)
		} else {
			c.store = st
		}
	}

	if cfg.MQTTBroker != "" {
		pub := mqtt.New(mqtt.Config{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: cfg.MQTTClientID,
			Encoding: string(cfg.MQTTEncoding),
			Logger:   logger,
		})
		if err := pub.Connect(startCtx); err != nil {
			logger.Warn("detection publishing disabled", "broker", cfg.MQTTBroker, "error", err)
		} else {
			c.mqtt = pub
		}
	}

	primary, err := newPrimaryAnalyzer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	motion := vision.NewMotionAnalyzer()
	c.scene = &scene.Loop{
		Frames:   c.frames,
		Hub:      c.hub,
		Primary:  primary,
		Fallback: scene.AnalyzerFunc{Label: motion.Name(), Fn: motion.AnalyzeJPEG},
		Reset:    motion.Reset,
		Haptics:  c.haptic,
		Speech:   c.speech,
		Interval: cfg.InferenceInterval,
		Logger:   logger,
	}
	if c.store != nil {
		c.scene.Recorder = c.store
	}
	if c.mqtt != nil {
		c.scene.Publisher = c.mqtt
	}

	if cfg.CameraURL != "" {
		c.camera = &capture.Camera{
			URL:       cfg.CameraURL,
			Frames:    c.frames,
			Reconnect: capture.DefaultReconnectConfig(),
			Logger:    logger,
		}
	}
	return c, nil
}

// newPrimaryAnalyzer picks the grounding model when it can be reached and the
// simulator when allowed. A nil result leaves motion detection alone.
func newPrimaryAnalyzer(ctx context.Context, cfg config.Config) (scene.Analyzer, error) {
	if cfg.GroundingEnabled && cfg.GeminiConfigured() {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.GeminiAPIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("grounding client: %w", err)
		}
		return detection.NewGroundingAnalyzer(client.Models, cfg.GroundingModel, ""), nil
	}
	if cfg.AllowSimulatedInference {
		return &detection.Simulator{}, nil
	}
	return nil, nil
}

func (c *components) deps() gatewayserver.Deps {
	d := gatewayserver.Deps{
		Hub:             c.hub,
		Dialer:          c.dialer,
		Synth:           c.synth,
		Frames:          c.frames,
		Haptic:          c.haptic,
		LatestDetection: c.scene.Latest,
		LatestAudio:     c.speech.Latest,
	}
	if c.store != nil {
		d.History = c.store
	}
	return d
}

// run starts the background loops and blocks until ctx ends.
func (c *components) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.scene.Run(ctx) })
	g.Go(func() error { return c.speech.Run(ctx) })
	if c.camera != nil {
		g.Go(func() error { return c.camera.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *components) close() {
	if err := c.haptic.Close(); err != nil {
		c.logger.Debug("haptic close", "error", err)
	}
	c.store.Close()
	if c.mqtt != nil {
		c.mqtt.Close()
	}
}
