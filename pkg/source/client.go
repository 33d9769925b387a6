package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/demardefrozen10/SENSE/pkg/capture"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/peer"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/protocol"
)

// ReplySampleRate is the rate of PCM audio replies: 24 kHz mono.
const ReplySampleRate = 24000

// ErrSourceRejected is returned when the hub already has a source attached.
var ErrSourceRejected = errors.New("hub rejected source: another source is active")

// Player is the audio sink for spoken replies. audio.Speaker implements it.
type Player interface {
	PlayPCM16(pcm []byte, rate float64, channels int) error
	PlayMP3(data []byte) error
}

type Client struct {
	Config Config
	Frames *capture.FrameBuffer
	// Mic, when set, yields PCM16 chunks forwarded as audio messages.
	Mic    <-chan []byte
	Player Player
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

type hubMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Run keeps a source connection open until ctx ends, reconnecting after
// ReconnectDelay (or MinRejectedBackoff when the hub refused the claim).
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		delay := c.Config.ReconnectDelay
		if delay <= 0 {
			delay = 3 * time.Second
		}
		if errors.Is(err, ErrSourceRejected) && delay < MinRejectedBackoff {
			delay = MinRejectedBackoff
		}
		c.logger().Warn("source connection ended", "error", err, "retry_in", delay.String())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// RunOnce dials the hub and streams until the connection fails or ctx ends.
func (c *Client) RunOnce(ctx context.Context) error {
	if c.Frames == nil {
		return errors.New("source: nil frame buffer")
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, c.Config.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Config.WSURL, err)
	}
	p := peer.New("source", protocol.RoleSource, ws, peer.Config{
		PingInterval: c.Config.PingInterval,
		ReadTimeout:  c.Config.ReadTimeout,
		WriteTimeout: c.Config.WriteTimeout,
	})
	defer p.Close()
	c.logger().Info("connected to hub", "url", c.Config.WSURL)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = p.Close() })
	defer stop()

	var playback chan hubMessage
	if c.Player != nil {
		playback = make(chan hubMessage, 32)
		g.Go(func() error {
			c.play(playback)
			return nil
		})
	}
	g.Go(func() error { return c.receive(gctx, p, playback) })
	g.Go(func() error { return c.streamVideo(gctx, p) })
	g.Go(func() error { return p.KeepAlive(gctx) })
	if c.Mic != nil {
		g.Go(func() error { return c.streamMic(gctx, p) })
	}
	return g.Wait()
}

func (c *Client) receive(ctx context.Context, p *peer.Peer, playback chan<- hubMessage) error {
	if playback != nil {
		defer close(playback)
	}
	for {
		data, err := p.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		var msg hubMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger().Debug("ignoring non-json hub message")
			continue
		}
		switch msg.Type {
		case protocol.TypeError:
			if strings.Contains(strings.ToLower(msg.Message), "already active") {
				return ErrSourceRejected
			}
			c.logger().Warn("hub error", "message", msg.Message)
		case protocol.TypeWarning:
			c.logger().Warn("hub warning", "message", msg.Message)
		case protocol.TypeText:
			c.logger().Info("model text", "text", msg.Text)
		case protocol.TypeAudio, protocol.TypeAudioMP3:
			if playback == nil {
				continue
			}
			select {
			case playback <- msg:
			default:
				c.logger().Debug("playback queue full, dropping chunk", "type", msg.Type)
			}
		default:
			c.logger().Debug("hub event", "type", msg.Type)
		}
	}
}

func (c *Client) play(in <-chan hubMessage) {
	for msg := range in {
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil || len(raw) == 0 {
			continue
		}
		if msg.Type == protocol.TypeAudioMP3 {
			err = c.Player.PlayMP3(raw)
		} else {
			err = c.Player.PlayPCM16(raw, ReplySampleRate, 1)
		}
		if err != nil {
			c.logger().Warn("playback failed", "type", msg.Type, "error", err)
		}
	}
}

func (c *Client) streamVideo(ctx context.Context, p *peer.Peer) error {
	fps := c.Config.FrameFPS
	if fps <= 0 {
		fps = 12
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		frame, ok := c.Frames.LatestSince(seq)
		if !ok {
			continue
		}
		seq = frame.Seq
		jpeg, err := PrepareFrame(frame.Data, c.Config.FrameWidth, c.Config.FrameHeight, c.Config.JPEGQuality)
		if err != nil {
			c.logger().Debug("skipping frame", "error", err)
			continue
		}
		if err := p.SendJSON(protocol.NewData(protocol.TypeVideo, jpeg)); err != nil {
			return fmt.Errorf("send video: %w", err)
		}
	}
}

func (c *Client) streamMic(ctx context.Context, p *peer.Peer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-c.Mic:
			if !ok {
				return nil
			}
			if err := p.SendJSON(protocol.NewData(protocol.TypeAudio, chunk)); err != nil {
				return fmt.Errorf("send audio: %w", err)
			}
		}
	}
}
