// Package detection holds the obstacle record handed to haptic and speech
// dispatch, plus the sanitizer applied to model-produced payloads.
package detection

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	PromptClear    = "Path is clear"
	PromptScanning = "Scanning surroundings"
	DefaultLabel   = "obstacle"

	MaxPromptWords = 10
	MaxDetections  = 12
	MaxLabelRunes  = 40

	BoxScale     = 1000
	MaxIntensity = 255
)

// Box is [ymin, xmin, ymax, xmax] on a 0-1000 scale.
type Box [4]int

func (b Box) YMin() int { return b[0] }
func (b Box) XMin() int { return b[1] }
func (b Box) YMax() int { return b[2] }
func (b Box) XMax() int { return b[3] }

func (b Box) Area() int {
	return (b[2] - b[0]) * (b[3] - b[1])
}

type Detection struct {
	Label string `json:"label" msgpack:"label"`
	Box   Box    `json:"box" msgpack:"box"`
}

// Record is one inference tick's result. Records are built once and replaced,
// never mutated after they leave the analyzer.
type Record struct {
	VoicePrompt     string      `json:"voice_prompt" msgpack:"voice_prompt"`
	Detections      []Detection `json:"detections" msgpack:"detections"`
	HapticIntensity int         `json:"haptic_intensity" msgpack:"haptic_intensity"`
	TS              float64     `json:"ts,omitempty" msgpack:"ts,omitempty"`
}

func Clear() Record {
	return Record{VoicePrompt: PromptClear, Detections: []Detection{}}
}

func Scanning() Record {
	return Record{VoicePrompt: PromptScanning, Detections: []Detection{}}
}

// ClampIntensity bounds any haptic value to a single unsigned byte.
func ClampIntensity(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxIntensity {
		return MaxIntensity
	}
	return v
}

func clampCoord(v int) int {
	if v < 0 {
		return 0
	}
	if v > BoxScale {
		return BoxScale
	}
	return v
}

// ClampBox clamps every coordinate into [0,1000] and reports whether the
// result still has positive height and width.
func ClampBox(b Box) (Box, bool) {
	for i := range b {
		b[i] = clampCoord(b[i])
	}
	if b[2] <= b[0] || b[3] <= b[1] {
		return Box{}, false
	}
	return b, true
}

// EstimateHaptic derives an intensity from the strongest detection when the
// producer did not supply one. Larger boxes and boxes reaching lower in the
// frame score higher.
func EstimateHaptic(dets []Detection) int {
	if len(dets) == 0 {
		return 0
	}
	strongest := 0.0
	for _, d := range dets {
		area := d.Box.Area()
		if area < 1 {
			area = 1
		}
		size := math.Min(1, float64(area)/250000)
		ground := math.Min(1, float64(d.Box.YMax())/1000)
		score := math.Min(1, 0.65*size+0.35*ground)
		if score > strongest {
			strongest = score
		}
	}
	return int(strongest * MaxIntensity)
}

// Normalize enforces the record invariants on an already typed record:
// prompt default and word cap, detection cap, label cap, box clamping.
// Invalid detections are dropped individually.
func Normalize(r Record) Record {
	out := Record{
		VoicePrompt:     normalizePrompt(r.VoicePrompt),
		Detections:      make([]Detection, 0, len(r.Detections)),
		HapticIntensity: ClampIntensity(r.HapticIntensity),
		TS:              r.TS,
	}
	for i, d := range r.Detections {
		if i >= MaxDetections {
			break
		}
		box, ok := ClampBox(d.Box)
		if !ok {
			continue
		}
		out.Detections = append(out.Detections, Detection{Label: normalizeLabel(d.Label), Box: box})
	}
	return out
}

func normalizePrompt(s string) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return PromptClear
	}
	if len(words) > MaxPromptWords {
		words = words[:MaxPromptWords]
	}
	return strings.Join(words, " ")
}

func normalizeLabel(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultLabel
	}
	runes := []rune(s)
	if len(runes) > MaxLabelRunes {
		return string(runes[:MaxLabelRunes])
	}
	return s
}

var ErrNotObject = errors.New("detection payload is not a JSON object")

// ParseRecord decodes a model reply into a sanitized record. Markdown code
// fences around the JSON are tolerated.
func ParseRecord(text string) (Record, error) {
	cleaned := stripFences(text)
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return Record{}, fmt.Errorf("decode detection payload: %w", err)
	}
	return Sanitize(payload)
}

func stripFences(text string) string {
	cleaned := strings.TrimSpace(text)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	lines := strings.Split(cleaned, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Sanitize converts a loosely typed decoded JSON payload into a Record.
// Only a non-object payload is rejected; every other defect is repaired or
// the offending detection dropped.
func Sanitize(payload any) (Record, error) {
	obj, ok := payload.(map[string]any)
	if !ok {
		return Record{}, ErrNotObject
	}

	prompt := PromptClear
	if raw, ok := obj["voice_prompt"]; ok && raw != nil {
		prompt = fmt.Sprint(raw)
	}

	dets := []Detection{}
	if list, ok := obj["detections"].([]any); ok {
		if len(list) > MaxDetections {
			list = list[:MaxDetections]
		}
		for _, item := range list {
			if d, ok := sanitizeDetection(item); ok {
				dets = append(dets, d)
			}
		}
	}

	intensity, ok := toInt(obj["haptic_intensity"])
	if !ok {
		intensity = EstimateHaptic(dets)
	}

	return Record{
		VoicePrompt:     normalizePrompt(prompt),
		Detections:      dets,
		HapticIntensity: ClampIntensity(intensity),
	}, nil
}

func sanitizeDetection(item any) (Detection, bool) {
	label := DefaultLabel
	var rawBox any
	switch v := item.(type) {
	case map[string]any:
		if l, ok := v["label"]; ok && l != nil {
			label = fmt.Sprint(l)
		}
		rawBox = v["box"]
	case []any:
		rawBox = v
	default:
		return Detection{}, false
	}

	values, ok := rawBox.([]any)
	if !ok || len(values) != 4 {
		return Detection{}, false
	}
	var box Box
	for i, raw := range values {
		n, ok := toIntStrict(raw)
		if !ok {
			return Detection{}, false
		}
		box[i] = n
	}
	box, ok = ClampBox(box)
	if !ok {
		return Detection{}, false
	}
	return Detection{Label: normalizeLabel(label), Box: box}, true
}

// toIntStrict mirrors int(float(v)): numbers and numeric strings truncate
// toward zero, anything else fails.
func toIntStrict(v any) (int, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = n
	case int:
		return n, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

// toInt mirrors int(v) for the intensity field: integral strings parse,
// floats truncate, fractional strings and other types fail.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		f, err := n.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int(f), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
