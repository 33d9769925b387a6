package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/demardefrozen10/SENSE/pkg/detection"
)

const (
	RoleSource = "source"
	RoleViewer = "viewer"

	VoiceProviderPrimary   = "primary"
	VoiceProviderAlternate = "alternate"
)

// Inbound message types.
const (
	TypeVideo          = "video"
	TypeAudio          = "audio"
	TypeText           = "text"
	TypeEndAudioStream = "end_audio_stream"
	TypeSettings       = "settings"
)

// Outbound message types.
const (
	TypeSessionStarted     = "session_started"
	TypeSourceConnected    = "source_connected"
	TypeSourceDisconnected = "source_disconnected"
	TypeVideoPreview       = "video_preview"
	TypeAudioMP3           = "audio_mp3"
	TypeInterrupted        = "interrupted"
	TypeTurnComplete       = "turn_complete"
	TypeError              = "error"
	TypeWarning            = "warning"
	TypeViewerConnected    = "viewer_connected"
	TypeSettingsAck        = "settings_ack"
	TypeDetection          = "detection"
)

const (
	CodeBadRequest  = "bad_request"
	CodeUnsupported = "unsupported"
	CodeBadMedia    = "bad_media"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: CodeUnsupported, Message: message, Param: param}
}

func badMedia(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadMedia, Message: message, Param: param}
}

// IsUnsupported reports whether err is a DecodeError for an unknown variant.
func IsUnsupported(err error) bool {
	de, ok := err.(*DecodeError)
	return ok && de.Code == CodeUnsupported
}

// IsBadMedia reports whether err is a DecodeError for a payload whose media
// bytes could not be decoded.
func IsBadMedia(err error) bool {
	de, ok := err.(*DecodeError)
	return ok && de.Code == CodeBadMedia
}

// Video is a source camera frame. Data is the decoded image and Raw keeps the
// base64 text so it can be fanned out without re-encoding.
type Video struct {
	Data []byte
	Raw  string
}

// Audio is a PCM16 mono chunk.
type Audio struct {
	Data []byte
}

type Text struct {
	Text string
}

type EndAudioStream struct{}

type Settings struct {
	VoiceProvider string
}

type inbound struct {
	Type          string `json:"type"`
	Data          string `json:"data"`
	Text          string `json:"text"`
	VoiceProvider string `json:"voice_provider"`
}

func decodeEnvelope(data []byte) (inbound, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return inbound{}, badRequest("invalid json frame", "")
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return inbound{}, badRequest("missing type", "type")
	}
	return msg, nil
}

// DecodeSource parses one frame sent by the source. The result is one of
// Video, Audio, Text or EndAudioStream.
func DecodeSource(data []byte) (any, error) {
	msg, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case TypeVideo:
		if msg.Data == "" {
			return nil, badRequest("video.data is required", "data")
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return nil, badMedia("video.data is not valid base64", "data")
		}
		return Video{Data: raw, Raw: msg.Data}, nil
	case TypeAudio:
		return decodeAudio(msg)
	case TypeText:
		return decodeText(msg)
	case TypeEndAudioStream:
		return EndAudioStream{}, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// DecodeViewer parses one frame sent by a viewer. The result is one of Text,
// Audio, EndAudioStream or Settings.
func DecodeViewer(data []byte) (any, error) {
	msg, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case TypeText:
		return decodeText(msg)
	case TypeAudio:
		return decodeAudio(msg)
	case TypeEndAudioStream:
		return EndAudioStream{}, nil
	case TypeSettings:
		// Unknown providers still decode so the sender can be re-synced with
		// the current one.
		provider, ok := NormalizeVoiceProvider(msg.VoiceProvider)
		if !ok {
			provider = strings.TrimSpace(msg.VoiceProvider)
		}
		return Settings{VoiceProvider: provider}, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

func decodeAudio(msg inbound) (any, error) {
	if msg.Data == "" {
		return nil, badRequest("audio.data is required", "data")
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return nil, badMedia("audio.data is not valid base64", "data")
	}
	return Audio{Data: raw}, nil
}

func decodeText(msg inbound) (any, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, badRequest("text.text is required", "text")
	}
	return Text{Text: text}, nil
}

// NormalizeVoiceProvider maps accepted spellings onto primary or alternate.
// The vendor names are accepted for clients that predate the neutral names.
func NormalizeVoiceProvider(v string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case VoiceProviderPrimary, "gemini":
		return VoiceProviderPrimary, true
	case VoiceProviderAlternate, "elevenlabs":
		return VoiceProviderAlternate, true
	default:
		return "", false
	}
}

// ParseRole returns the connection role for a query value; empty means source.
func ParseRole(v string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", RoleSource:
		return RoleSource, true
	case RoleViewer:
		return RoleViewer, true
	default:
		return "", false
	}
}

// Event is a message with no payload beyond its type.
type Event struct {
	Type string `json:"type"`
}

type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerData carries base64 media: video_preview, audio and audio_mp3.
type ServerData struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ServerText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerViewerConnected struct {
	Type            string `json:"type"`
	SourceConnected bool   `json:"source_connected"`
	SessionActive   bool   `json:"session_active"`
}

type ServerSettingsAck struct {
	Type          string `json:"type"`
	VoiceProvider string `json:"voice_provider"`
}

type ServerDetection struct {
	Type string `json:"type"`
	detection.Record
}

func NewEvent(typ string) Event { return Event{Type: typ} }

func NewError(message string) ServerError {
	return ServerError{Type: TypeError, Message: message}
}

func NewWarning(message string) ServerWarning {
	return ServerWarning{Type: TypeWarning, Message: message}
}

func NewData(typ string, data []byte) ServerData {
	return ServerData{Type: typ, Data: base64.StdEncoding.EncodeToString(data)}
}

func NewText(text string) ServerText {
	return ServerText{Type: TypeText, Text: text}
}

func NewDetection(rec detection.Record) ServerDetection {
	return ServerDetection{Type: TypeDetection, Record: rec}
}
