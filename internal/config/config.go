// Package config provides configuration management for the Nexva chat client.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all client configuration
type Config struct {
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"`
	Widget  WidgetConfig  `mapstructure:"widget" yaml:"widget"`
	Voice   VoiceConfig   `mapstructure:"voice" yaml:"voice"`
	Audio   AudioConfig   `mapstructure:"audio" yaml:"audio"`
	STT     STTConfig     `mapstructure:"stt" yaml:"stt"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// WidgetConfig is the flat options object accepted when mounting a widget.
type WidgetConfig struct {
	APIURL             string       `mapstructure:"api_url" yaml:"api_url"`
	Position           string       `mapstructure:"position" yaml:"position"`
	PrimaryColor       string       `mapstructure:"primary_color" yaml:"primary_color"`
	HeaderText         string       `mapstructure:"header_text" yaml:"header_text"`
	WelcomeMessage     string       `mapstructure:"welcome_message" yaml:"welcome_message"`
	Placeholder        string       `mapstructure:"placeholder" yaml:"placeholder"`
	EnableVoice        bool         `mapstructure:"enable_voice" yaml:"enable_voice"`
	EnableHumanSupport bool         `mapstructure:"enable_human_support" yaml:"enable_human_support"`
	AutoOpen           bool         `mapstructure:"auto_open" yaml:"auto_open"`
	Theme              string       `mapstructure:"theme" yaml:"theme"`
	BorderRadius       string       `mapstructure:"border_radius" yaml:"border_radius"`
	PresetQuestions    []string     `mapstructure:"preset_questions" yaml:"preset_questions"`
	Bubble             BubbleConfig `mapstructure:"bubble" yaml:"bubble"`
}

// BubbleConfig configures the launcher bubble appearance.
type BubbleConfig struct {
	BackgroundColor string `mapstructure:"background_color" yaml:"background_color"`
	Size            string `mapstructure:"size" yaml:"size"`
	Shape           string `mapstructure:"shape" yaml:"shape"`
	Icon            string `mapstructure:"icon" yaml:"icon"`
	IconColor       string `mapstructure:"icon_color" yaml:"icon_color"`
	CustomIconURL   string `mapstructure:"custom_icon_url" yaml:"custom_icon_url"`
	Shadow          bool   `mapstructure:"shadow" yaml:"shadow"`
	Animation       string `mapstructure:"animation" yaml:"animation"`
}

// VoiceConfig tunes the voice turn-taking state machine
type VoiceConfig struct {
	Language       string        `mapstructure:"language" yaml:"language"`
	SilenceTimeout time.Duration `mapstructure:"silence_timeout" yaml:"silence_timeout"` // pause that ends an utterance
	EchoWindow     int           `mapstructure:"echo_window" yaml:"echo_window"`         // chars of assistant speech kept for echo suppression
	RestartDelay   time.Duration `mapstructure:"restart_delay" yaml:"restart_delay"`     // relisten after sending a transcript
	ContinueDelay  time.Duration `mapstructure:"continue_delay" yaml:"continue_delay"`   // relisten after response_end
	ResumeDelay    time.Duration `mapstructure:"resume_delay" yaml:"resume_delay"`       // relisten after a pause
	// PauseDuringPlayback stops the recognizer while assistant audio plays.
	// Disable with headsets to allow barge-in.
	PauseDuringPlayback bool `mapstructure:"pause_during_playback" yaml:"pause_during_playback"`
}

// AudioConfig configures external capture and playback tools
type AudioConfig struct {
	PlayerPath  string `mapstructure:"player_path" yaml:"player_path"`
	CapturePath string `mapstructure:"capture_path" yaml:"capture_path"`
	InputFormat string `mapstructure:"input_format" yaml:"input_format"` // ffmpeg -f value (pulse, alsa, avfoundation)
	InputDevice string `mapstructure:"input_device" yaml:"input_device"`
	SampleRate  int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Volume      int    `mapstructure:"volume" yaml:"volume"` // 0-100
}

// STTConfig configures speech recognition
type STTConfig struct {
	Provider       string `mapstructure:"provider" yaml:"provider"` // deepgram
	DeepgramAPIKey string `mapstructure:"deepgram_api_key" yaml:"deepgram_api_key"`
	Model          string `mapstructure:"model" yaml:"model"`
}

// StorageConfig locates persisted client state.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig configures logging
type LogConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Level   string `mapstructure:"level" yaml:"level"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

var validPositions = map[string]bool{
	"bottom-right": true,
	"bottom-left":  true,
	"top-right":    true,
	"top-left":     true,
}

// DefaultConfig returns the documented default for every option.
func DefaultConfig() *Config {
	dir := configDir()
	return &Config{
		Widget: WidgetConfig{
			APIURL:             "http://localhost:8000",
			Position:           "bottom-right",
			PrimaryColor:       "#32f08c",
			HeaderText:         "Nexva",
			WelcomeMessage:     "Hi! How can I help you today?",
			Placeholder:        "Type your message...",
			EnableVoice:        true,
			EnableHumanSupport: true,
			AutoOpen:           false,
			Theme:              "dark",
			BorderRadius:       "12px",
			PresetQuestions:    []string{},
			Bubble: BubbleConfig{
				BackgroundColor: "#32f08c",
				Size:            "60px",
				Shape:           "circle",
				Icon:            "chat",
				IconColor:       "#ffffff",
				CustomIconURL:   "",
				Shadow:          true,
				Animation:       "pulse",
			},
		},
		Voice: VoiceConfig{
			Language:       "en-US",
			SilenceTimeout: 2 * time.Second,
			EchoWindow:     500,
			RestartDelay:   200 * time.Millisecond,
			ContinueDelay:  500 * time.Millisecond,
			ResumeDelay:    500 * time.Millisecond,

			PauseDuringPlayback: true,
		},
		Audio: AudioConfig{
			PlayerPath:  "ffplay",
			CapturePath: "ffmpeg",
			InputFormat: "pulse",
			InputDevice: "default",
			SampleRate:  16000,
			Volume:      80,
		},
		STT: STTConfig{
			Provider: "deepgram",
			Model:    "nova-2",
		},
		Storage: StorageConfig{
			Path: filepath.Join(dir, "state.yaml"),
		},
		Log: LogConfig{
			Dir:   filepath.Join(dir, "logs"),
			Level: "info",
		},
	}
}

// Load reads configuration from path, or from ~/.nexva/config.yaml and the
// working directory when path is empty. NEXVA_* environment variables override
// file values (NEXVA_WIDGET_API_URL, NEXVA_API_KEY, ...).
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return DefaultConfig(), err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Seed with defaults so every key is known to AutomaticEnv.
	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	v.SetEnvPrefix("NEXVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.AddConfigPath(configDir())
	v.AddConfigPath(".")
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyFallbacks replaces empty values with their defaults.
func (c *Config) applyFallbacks() {
	d := DefaultConfig()
	w, dw := &c.Widget, d.Widget
	fallback(&w.APIURL, dw.APIURL)
	fallback(&w.Position, dw.Position)
	fallback(&w.PrimaryColor, dw.PrimaryColor)
	fallback(&w.HeaderText, dw.HeaderText)
	fallback(&w.WelcomeMessage, dw.WelcomeMessage)
	fallback(&w.Placeholder, dw.Placeholder)
	fallback(&w.Theme, dw.Theme)
	fallback(&w.BorderRadius, dw.BorderRadius)
	if w.PresetQuestions == nil {
		w.PresetQuestions = []string{}
	}

	b, db := &w.Bubble, dw.Bubble
	// The bubble follows the primary color unless set explicitly.
	fallback(&b.BackgroundColor, w.PrimaryColor)
	fallback(&b.Size, db.Size)
	fallback(&b.Shape, db.Shape)
	fallback(&b.Icon, db.Icon)
	fallback(&b.IconColor, db.IconColor)
	fallback(&b.Animation, db.Animation)

	fallback(&c.Voice.Language, d.Voice.Language)
	if c.Voice.SilenceTimeout <= 0 {
		c.Voice.SilenceTimeout = d.Voice.SilenceTimeout
	}
	if c.Voice.EchoWindow < 0 {
		c.Voice.EchoWindow = d.Voice.EchoWindow
	}

	fallback(&c.Audio.PlayerPath, d.Audio.PlayerPath)
	fallback(&c.Audio.CapturePath, d.Audio.CapturePath)
	fallback(&c.Audio.InputFormat, d.Audio.InputFormat)
	fallback(&c.Audio.InputDevice, d.Audio.InputDevice)
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = d.Audio.SampleRate
	}

	fallback(&c.STT.Provider, d.STT.Provider)
	fallback(&c.STT.Model, d.STT.Model)
	if c.STT.DeepgramAPIKey == "" {
		c.STT.DeepgramAPIKey = os.Getenv("DEEPGRAM_API_KEY")
	}

	fallback(&c.Log.Level, d.Log.Level)
}

func fallback(field *string, def string) {
	if strings.TrimSpace(*field) == "" {
		*field = def
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Widget.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("widget.api_url must be an http(s) URL, got %q", c.Widget.APIURL)
	}
	if !validPositions[c.Widget.Position] {
		return fmt.Errorf("widget.position %q is not one of bottom-right, bottom-left, top-right, top-left", c.Widget.Position)
	}
	if c.Voice.SilenceTimeout <= 0 {
		return fmt.Errorf("voice.silence_timeout must be positive")
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 100 {
		return fmt.Errorf("audio.volume must be within 0-100, got %d", c.Audio.Volume)
	}
	return nil
}

// Save writes cfg as YAML to path, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Watch reloads path on change and passes every valid result to onChange.
// Invalid edits are reported through onError and otherwise ignored.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// DefaultPath returns ~/.nexva/config.yaml.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nexva"
	}
	return filepath.Join(home, ".nexva")
}
