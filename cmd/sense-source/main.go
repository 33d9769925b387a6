// Command sense-source runs on the wearable: it pulls the local camera,
// optionally the microphone, and streams both to the hub as its source.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gordonklaus/portaudio"
	"golang.org/x/sync/errgroup"

	"github.com/demardefrozen10/SENSE/internal/dotenv"
	"github.com/demardefrozen10/SENSE/internal/logging"
	"github.com/demardefrozen10/SENSE/pkg/capture"
	"github.com/demardefrozen10/SENSE/pkg/capture/audio"
	"github.com/demardefrozen10/SENSE/pkg/source"
)

type sourceDeps struct {
	loadConfig func() (source.Config, error)
	// openAudio returns the mic channel and speaker, or nils when disabled.
	openAudio func(context.Context, source.Config, *slog.Logger, *errgroup.Group) (<-chan []byte, source.Player, func(), error)
	runCamera func(context.Context, source.Config, *capture.FrameBuffer, *slog.Logger) error
}

func defaultSourceDeps() sourceDeps {
	return sourceDeps{
		loadConfig: source.LoadConfigFromEnv,
		openAudio:  openAudio,
		runCamera:  runCamera,
	}
}

func runCamera(ctx context.Context, cfg source.Config, frames *capture.FrameBuffer, logger *slog.Logger) error {
	cam := &capture.Camera{
		URL:       cfg.CameraURL,
		Frames:    frames,
		Client:    &http.Client{},
		Reconnect: capture.DefaultReconnectConfig(),
		Logger:    logger.With("component", "camera"),
	}
	return cam.Run(ctx)
}

// openAudio initializes portaudio only when a device is actually wanted.
func openAudio(ctx context.Context, cfg source.Config, logger *slog.Logger, g *errgroup.Group) (<-chan []byte, source.Player, func(), error) {
	if !cfg.MicEnabled && !cfg.SpeakerEnabled {
		return nil, nil, func() {}, nil
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, nil, nil, fmt.Errorf("portaudio: %w", err)
	}

	var (
		mic     *audio.Mic
		speaker *audio.Speaker
		chunks  chan []byte
		player  source.Player
	)
	if cfg.MicEnabled {
		m, err := audio.OpenMic(audio.DefaultMicConfig(), logger.With("component", "mic"))
		if err != nil {
			_ = portaudio.Terminate()
			return nil, nil, nil, err
		}
		mic = m
		chunks = make(chan []byte, 16)
		g.Go(func() error {
			if err := mic.Capture(ctx, chunks); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if cfg.SpeakerEnabled {
		speaker = audio.NewSpeaker(0)
		player = speaker
	}

	cleanup := func() {
		if mic != nil {
			_ = mic.Close()
		}
		if speaker != nil {
			_ = speaker.Close()
		}
		_ = portaudio.Terminate()
	}
	return chunks, player, cleanup, nil
}

func runSource(ctx context.Context, stderr io.Writer, deps sourceDeps) error {
	if deps.loadConfig == nil || deps.openAudio == nil || deps.runCamera == nil {
		return errors.New("missing source dependency")
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.New(stderr, logging.Config{Level: cfg.LogLevel, File: cfg.LogFile, MaxSizeMB: 20, MaxBackups: 3})
	defer logCloser.Close()

	g, gctx := errgroup.WithContext(ctx)
	mic, player, cleanup, err := deps.openAudio(gctx, cfg, logger, g)
	if err != nil {
		return err
	}
	defer cleanup()

	frames := capture.NewFrameBuffer()
	client := &source.Client{
		Config: cfg,
		Frames: frames,
		Mic:    mic,
		Player: player,
		Logger: logger.With("component", "client"),
	}

	logger.Info("starting source",
		"hub", cfg.WSURL,
		"camera_url", cfg.CameraURL,
		"fps", cfg.FrameFPS,
		"mic", cfg.MicEnabled,
		"speaker", cfg.SpeakerEnabled,
	)

	g.Go(func() error { return deps.runCamera(gctx, cfg, frames, logger) })
	g.Go(func() error { return client.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("source stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps sourceDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "sense-source: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runSource(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "sense-source: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultSourceDeps()))
}
