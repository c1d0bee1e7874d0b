// Package agent defines the per-agent configuration snapshot a call session
// runs with. The snapshot is supplied by the external store when the call is
// created and is immutable for the lifetime of the session.
package agent

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Voicemail actions.
const (
	VoicemailHangup       = "hangup"
	VoicemailLeaveMessage = "leaveMessage"
	VoicemailTransfer     = "transfer"
)

// Default call policy values.
const (
	DefaultMaxCallDuration    = 600 * time.Second
	DefaultSilenceDetection   = 800 * time.Millisecond
	DefaultSilenceHangup      = 30 * time.Second
	DefaultResponseTimeout    = 30 * time.Second
	DefaultInterruptionSensit = 0.5
)

// SpeechSettings tune how the agent speaks and how readily it yields to the
// caller.
type SpeechSettings struct {
	// Voice is the provider voice profile name.
	Voice string `yaml:"voice"`

	// VoiceSpeed scales the speaking rate; 0 means provider default.
	VoiceSpeed float64 `yaml:"voiceSpeed"`

	// Responsiveness in [0,1] biases how quickly the agent starts replying.
	Responsiveness float64 `yaml:"responsiveness"`

	// InterruptionSensitivity in [0,1] controls the barge-in policy. High
	// values yield on any voice activity, low values require sustained loud
	// speech.
	InterruptionSensitivity float64 `yaml:"interruptionSensitivity"`

	// Emotions and BackgroundNoise are provider hints, forwarded untouched.
	Emotions        []string `yaml:"emotions"`
	BackgroundNoise string   `yaml:"backgroundNoise"`
}

// CallSettings are the per-call policy limits.
type CallSettings struct {
	// MaxCallDuration caps the call wall-clock time.
	MaxCallDuration time.Duration `yaml:"maxCallDuration"`

	// SilenceDetection is the continuous quiet span after which the caller is
	// considered done speaking (turn boundary, not hangup).
	SilenceDetection time.Duration `yaml:"silenceDetection"`

	// SilenceHangup ends the call after this much total silence.
	SilenceHangup time.Duration `yaml:"silenceHangup"`

	// ResponseTimeout ends the call when the model produces no audio for this
	// long after a user turn.
	ResponseTimeout time.Duration `yaml:"responseTimeout"`

	// VoicemailDetection enables the answering-machine heuristics.
	VoicemailDetection bool `yaml:"voicemailDetection"`

	// VoicemailAction is one of hangup, leaveMessage or transfer.
	VoicemailAction string `yaml:"voicemailAction"`
}

// duration accepts "800ms"-style strings in YAML; plain integers are taken
// as nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("agent: bad duration %q: %w", s, err)
		}
		*d = duration(v)
		return nil
	}
	var i int64
	if err := n.Decode(&i); err != nil {
		return fmt.Errorf("agent: bad duration: %w", err)
	}
	*d = duration(i)
	return nil
}

// UnmarshalYAML decodes the duration fields through [duration] so configs
// can write "10m" instead of nanosecond counts.
func (c *CallSettings) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		MaxCallDuration    duration `yaml:"maxCallDuration"`
		SilenceDetection   duration `yaml:"silenceDetection"`
		SilenceHangup      duration `yaml:"silenceHangup"`
		ResponseTimeout    duration `yaml:"responseTimeout"`
		VoicemailDetection bool     `yaml:"voicemailDetection"`
		VoicemailAction    string   `yaml:"voicemailAction"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*c = CallSettings{
		MaxCallDuration:    time.Duration(raw.MaxCallDuration),
		SilenceDetection:   time.Duration(raw.SilenceDetection),
		SilenceHangup:      time.Duration(raw.SilenceHangup),
		ResponseTimeout:    time.Duration(raw.ResponseTimeout),
		VoicemailDetection: raw.VoicemailDetection,
		VoicemailAction:    raw.VoicemailAction,
	}
	return nil
}

// Config is the immutable per-session agent snapshot.
type Config struct {
	ID              string         `yaml:"id"`
	Prompt          string         `yaml:"prompt"`
	WelcomeMessage  string         `yaml:"welcomeMessage"`
	Language        string         `yaml:"language"`
	Characteristics []string       `yaml:"characteristics"`
	Speech          SpeechSettings `yaml:"speech"`
	Call            CallSettings   `yaml:"call"`
	CacheHandle     string         `yaml:"cacheHandle"`
}

// WithDefaults returns a copy with zero-valued policy fields filled in.
func (c Config) WithDefaults() Config {
	if c.Call.MaxCallDuration <= 0 {
		c.Call.MaxCallDuration = DefaultMaxCallDuration
	}
	if c.Call.SilenceDetection <= 0 {
		c.Call.SilenceDetection = DefaultSilenceDetection
	}
	if c.Call.SilenceHangup <= 0 {
		c.Call.SilenceHangup = DefaultSilenceHangup
	}
	if c.Call.ResponseTimeout <= 0 {
		c.Call.ResponseTimeout = DefaultResponseTimeout
	}
	if c.Call.VoicemailAction == "" {
		c.Call.VoicemailAction = VoicemailHangup
	}
	if c.Language == "" {
		c.Language = "english"
	}
	return c
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Prompt == "" {
		errs = append(errs, errors.New("agent: prompt must not be empty"))
	}
	if s := c.Speech.InterruptionSensitivity; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("agent: interruptionSensitivity %v outside [0,1]", s))
	}
	if r := c.Speech.Responsiveness; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("agent: responsiveness %v outside [0,1]", r))
	}
	switch c.Call.VoicemailAction {
	case "", VoicemailHangup, VoicemailLeaveMessage, VoicemailTransfer:
	default:
		errs = append(errs, fmt.Errorf("agent: unknown voicemailAction %q", c.Call.VoicemailAction))
	}
	return errors.Join(errs...)
}
