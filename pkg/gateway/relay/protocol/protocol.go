package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	TypeSessionUpdate = "session.update"
	TypeError         = "error"

	// InvalidJSONMessage is the fixed error text for a client frame that is
	// not syntactically valid JSON.
	InvalidJSONMessage = "Invalid JSON"

	ShutdownMessage = "server shutting down"
)

const DefaultInstructions = `You are an English tutor for Telugu speakers who want to improve their spoken English.
The learner will usually speak in Telugu. Correct what they said and answer in clear, natural English.
Listen carefully, point out mistakes when there are any, and model the proper English phrasing.
If the learner asks you to repeat something in Telugu because they did not understand your English, say it in Telugu as well.
Stay encouraging and supportive while correcting.`

type InputAudioTranscription struct {
	Model string `json:"model" yaml:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type" yaml:"type"`
	Threshold         float64 `json:"threshold" yaml:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms" yaml:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms" yaml:"silence_duration_ms"`
}

// SessionConfig is the "session" object of the session.update event sent to
// the realtime API once per session.
type SessionConfig struct {
	Modalities              []string                 `json:"modalities" yaml:"modalities"`
	Instructions            string                   `json:"instructions" yaml:"instructions"`
	Voice                   string                   `json:"voice" yaml:"voice"`
	InputAudioFormat        string                   `json:"input_audio_format" yaml:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format" yaml:"output_audio_format"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty" yaml:"input_audio_transcription"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty" yaml:"turn_detection"`
	Temperature             float64                  `json:"temperature" yaml:"temperature"`
	MaxResponseOutputTokens int                      `json:"max_response_output_tokens" yaml:"max_response_output_tokens"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// ErrorMessage is the only frame the relay itself ever sends to the client.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      DefaultInstructions,
		Voice:             "alloy",
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &InputAudioTranscription{
			Model: "whisper-1",
		},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 500,
		},
		Temperature:             0.8,
		MaxResponseOutputTokens: 4096,
	}
}

// LoadSessionConfigFile reads a YAML file on top of DefaultSessionConfig.
// Keys absent from the file keep their default values. An empty path returns
// the defaults unchanged.
func LoadSessionConfigFile(path string) (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("read session config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SessionConfig{}, fmt.Errorf("parse session config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return SessionConfig{}, fmt.Errorf("session config %q: %w", path, err)
	}
	return cfg, nil
}

func (c SessionConfig) Validate() error {
	if len(c.Modalities) == 0 {
		return fmt.Errorf("modalities must not be empty")
	}
	for _, m := range c.Modalities {
		switch m {
		case "text", "audio":
		default:
			return fmt.Errorf("unsupported modality %q", m)
		}
	}
	if strings.TrimSpace(c.Instructions) == "" {
		return fmt.Errorf("instructions must not be empty")
	}
	if strings.TrimSpace(c.Voice) == "" {
		return fmt.Errorf("voice must not be empty")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be within [0, 2]")
	}
	if c.MaxResponseOutputTokens <= 0 {
		return fmt.Errorf("max_response_output_tokens must be > 0")
	}
	if td := c.TurnDetection; td != nil {
		if td.Threshold < 0 || td.Threshold > 1 {
			return fmt.Errorf("turn_detection.threshold must be within [0, 1]")
		}
		if td.PrefixPaddingMS < 0 || td.SilenceDurationMS < 0 {
			return fmt.Errorf("turn_detection durations must be >= 0")
		}
	}
	return nil
}

// EncodeSessionUpdate renders the session.update frame. Callers encode once at
// startup and share the bytes across sessions.
func EncodeSessionUpdate(cfg SessionConfig) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(SessionUpdate{Type: TypeSessionUpdate, Session: cfg})
}

func EncodeError(message string) []byte {
	b, err := json.Marshal(ErrorMessage{Type: TypeError, Error: message})
	if err != nil {
		return []byte(`{"type":"error","error":"internal error"}`)
	}
	return b
}
