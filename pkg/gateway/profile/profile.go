// Package profile holds the agent configuration applied identically to every
// new call: voice, instructions, audio formats, turn detection and the tool
// schema set declared to the backend.
package profile

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/protocol"
)

const (
	defaultVoice        = "alloy"
	defaultAudioFormat  = "g711_ulaw"
	defaultTurnType     = "server_vad"
	defaultInstructions = "Eres Sofía, asistente amable y profesional. Responde breve y claro en español."
)

type TurnDetection struct {
	Type              string   `yaml:"type"`
	Threshold         *float64 `yaml:"threshold,omitempty"`
	PrefixPaddingMS   *int     `yaml:"prefix_padding_ms,omitempty"`
	SilenceDurationMS *int     `yaml:"silence_duration_ms,omitempty"`
	CreateResponse    *bool    `yaml:"create_response,omitempty"`
	InterruptResponse *bool    `yaml:"interrupt_response,omitempty"`
}

// Tool is one function the agent may call. Parameters is a JSON schema object;
// its "required" list is enforced before a lookup is attempted.
type Tool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Parameters  map[string]any `yaml:"parameters,omitempty"`
}

type Profile struct {
	Name              string        `yaml:"name"`
	Instructions      string        `yaml:"instructions"`
	Voice             string        `yaml:"voice"`
	Modalities        []string      `yaml:"modalities"`
	InputAudioFormat  string        `yaml:"input_audio_format"`
	OutputAudioFormat string        `yaml:"output_audio_format"`
	Temperature       *float64      `yaml:"temperature,omitempty"`
	TurnDetection     TurnDetection `yaml:"turn_detection"`
	ToolChoice        string        `yaml:"tool_choice,omitempty"`
	Tools             []Tool        `yaml:"tools,omitempty"`
}

// Default returns the built-in receptionist profile.
func Default() Profile {
	return Profile{
		Name:              "default",
		Instructions:      defaultInstructions,
		Voice:             defaultVoice,
		Modalities:        []string{"audio", "text"},
		InputAudioFormat:  defaultAudioFormat,
		OutputAudioFormat: defaultAudioFormat,
		TurnDetection:     TurnDetection{Type: defaultTurnType},
	}
}

// Load reads a YAML profile. Unset fields fall back to Default; an empty path
// returns Default unchanged.
func Load(path string) (Profile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML profile document and validates it.
func Parse(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (p *Profile) applyDefaults() {
	def := Default()
	if strings.TrimSpace(p.Name) == "" {
		p.Name = def.Name
	}
	if strings.TrimSpace(p.Instructions) == "" {
		p.Instructions = def.Instructions
	}
	if strings.TrimSpace(p.Voice) == "" {
		p.Voice = def.Voice
	}
	if len(p.Modalities) == 0 {
		p.Modalities = def.Modalities
	}
	if strings.TrimSpace(p.InputAudioFormat) == "" {
		p.InputAudioFormat = def.InputAudioFormat
	}
	if strings.TrimSpace(p.OutputAudioFormat) == "" {
		p.OutputAudioFormat = def.OutputAudioFormat
	}
	if strings.TrimSpace(p.TurnDetection.Type) == "" {
		p.TurnDetection.Type = def.TurnDetection.Type
	}
}

func (p Profile) Validate() error {
	switch p.InputAudioFormat {
	case "g711_ulaw", "g711_alaw", "pcm16":
	default:
		return fmt.Errorf("profile input_audio_format %q is not supported", p.InputAudioFormat)
	}
	switch p.OutputAudioFormat {
	case "g711_ulaw", "g711_alaw", "pcm16":
	default:
		return fmt.Errorf("profile output_audio_format %q is not supported", p.OutputAudioFormat)
	}
	switch p.TurnDetection.Type {
	case "server_vad", "semantic_vad":
	default:
		return fmt.Errorf("profile turn_detection.type %q is not supported", p.TurnDetection.Type)
	}
	if t := p.TurnDetection.Threshold; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("profile turn_detection.threshold must be within [0,1]")
	}
	if t := p.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("profile temperature must be within [0,2]")
	}

	seen := make(map[string]struct{}, len(p.Tools))
	for i, tool := range p.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return fmt.Errorf("profile tools[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("profile tool %q is declared twice", name)
		}
		seen[name] = struct{}{}
		if tool.Parameters != nil {
			if typ, _ := tool.Parameters["type"].(string); typ != "" && typ != "object" {
				return fmt.Errorf("profile tool %q parameters.type must be object", name)
			}
		}
	}
	return nil
}

// RequiredArguments lists the argument names a tool's schema marks as required.
func (t Tool) RequiredArguments() []string {
	if t.Parameters == nil {
		return nil
	}
	raw, ok := t.Parameters["required"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// SessionConfig renders the profile as the backend session-configuration body.
func (p Profile) SessionConfig() protocol.SessionConfig {
	cfg := protocol.SessionConfig{
		Modalities:        append([]string(nil), p.Modalities...),
		Instructions:      p.Instructions,
		Voice:             p.Voice,
		InputAudioFormat:  p.InputAudioFormat,
		OutputAudioFormat: p.OutputAudioFormat,
		Temperature:       p.Temperature,
		TurnDetection: &protocol.TurnDetection{
			Type:              p.TurnDetection.Type,
			Threshold:         p.TurnDetection.Threshold,
			PrefixPaddingMS:   p.TurnDetection.PrefixPaddingMS,
			SilenceDurationMS: p.TurnDetection.SilenceDurationMS,
			CreateResponse:    p.TurnDetection.CreateResponse,
			InterruptResponse: p.TurnDetection.InterruptResponse,
		},
	}
	if len(p.Tools) > 0 {
		cfg.ToolChoice = p.ToolChoice
		if cfg.ToolChoice == "" {
			cfg.ToolChoice = "auto"
		}
		cfg.Tools = make([]protocol.ToolSchema, 0, len(p.Tools))
		for _, tool := range p.Tools {
			params := tool.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			cfg.Tools = append(cfg.Tools, protocol.ToolSchema{
				Type:        "function",
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			})
		}
	}
	return cfg
}
