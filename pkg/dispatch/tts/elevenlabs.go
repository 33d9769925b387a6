// Package tts turns short prompts into MP3 speech through ElevenLabs.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.elevenlabs.io"

// ErrNoAPIKey means synthesis is disabled; callers run in simulation mode.
var ErrNoAPIKey = errors.New("tts: ELEVENLABS_API_KEY is not configured")

type Config struct {
	APIKey       string
	VoiceID      string
	Model        string
	OutputFormat string
	BaseURL      string
	HTTPClient   *http.Client
}

type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Speed:           1.0,
		UseSpeakerBoost: true,
	}
}

type synthesizeRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *VoiceSettings `json:"voice_settings,omitempty"`
}

// StatusError is a non-2xx response from the speech API.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("elevenlabs: status %d: %s", e.Status, e.Body)
}

// Client calls the streaming text-to-speech endpoint and buffers the MP3.
type Client struct {
	cfg      Config
	settings VoiceSettings
	http     *http.Client
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_22050_32"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, settings: DefaultVoiceSettings(), http: hc}
}

func (c *Client) Configured() bool {
	return c != nil && strings.TrimSpace(c.cfg.APIKey) != ""
}

// Synthesize returns MP3 audio for text. A rejected request with full voice
// settings is retried once with the model defaults.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("tts: empty text")
	}
	if !c.Configured() {
		return nil, ErrNoAPIKey
	}

	settings := c.settings
	audio, err := c.post(ctx, synthesizeRequest{Text: text, ModelID: c.cfg.Model, VoiceSettings: &settings})
	var se *StatusError
	if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 && se.Status != http.StatusUnauthorized {
		audio, err = c.post(ctx, synthesizeRequest{Text: text, ModelID: c.cfg.Model})
	}
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, errors.New("tts: empty audio")
	}
	return audio, nil
}

func (c *Client) endpoint() (string, error) {
	base, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("tts: base url: %w", err)
	}
	base.Path += "/v1/text-to-speech/" + url.PathEscape(c.cfg.VoiceID) + "/stream"
	q := base.Query()
	q.Set("output_format", c.cfg.OutputFormat)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (c *Client) post(ctx context.Context, body synthesizeRequest) ([]byte, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", strings.TrimSpace(c.cfg.APIKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	return audio, nil
}
