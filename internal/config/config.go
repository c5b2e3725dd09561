package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voxline voice support service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	// Audio processing.
	SampleRate    int
	FrameDuration time.Duration

	// VAD hysteresis.
	SpeechThreshold   float64
	SpeechStartFrames int
	SpeechEndSilence  time.Duration
	EnergyReference   float64

	// Silence-driven auto stop while listening.
	SilenceTimeout time.Duration

	// Barge-in while the agent is speaking.
	BargeInGuardWindow time.Duration
	BargeInStrongProb  float64
	BargeInStrongHold  time.Duration
	BargeInWeakProb    float64
	BargeInWeakHold    time.Duration

	// Turn flow.
	MaxEmptyTurns      int
	TurnTimeout        time.Duration
	MaxUtteranceLength time.Duration

	// Turn-processing backend: "mock" or "http".
	PipelineMode string
	PipelineURL  string

	// Speech sidecars. Empty URLs fall back to in-process mocks.
	STTURL string
	TTSURL string

	// Connection lifecycle.
	KeepaliveInterval time.Duration
	PongGrace         time.Duration
	ReconnectGrace    time.Duration
	JanitorInterval   time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "voxline"),
		AllowAnyOrigin:     false,
		ShutdownTimeout:    15 * time.Second,
		SampleRate:         16000,
		FrameDuration:      32 * time.Millisecond,
		SpeechThreshold:    0.5,
		SpeechStartFrames:  3,
		SpeechEndSilence:   240 * time.Millisecond,
		EnergyReference:    2500,
		SilenceTimeout:     2000 * time.Millisecond,
		BargeInGuardWindow: 120 * time.Millisecond,
		BargeInStrongProb:  0.90,
		BargeInStrongHold:  120 * time.Millisecond,
		BargeInWeakProb:    0.80,
		BargeInWeakHold:    200 * time.Millisecond,
		MaxEmptyTurns:      2,
		TurnTimeout:        20 * time.Second,
		MaxUtteranceLength: 60 * time.Second,
		KeepaliveInterval:  30 * time.Second,
		PongGrace:          10 * time.Second,
		ReconnectGrace:     30 * time.Second,
		JanitorInterval:    5 * time.Second,
		PipelineMode:       strings.ToLower(envOrDefault("TURN_PIPELINE_MODE", "auto")),
		PipelineURL:        envTrimmed("TURN_PIPELINE_URL"),
		STTURL:             envTrimmed("STT_URL"),
		TTSURL:             envTrimmed("TTS_URL"),
		DatabaseURL:        envTrimmed("DATABASE_URL"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.FrameDuration, err = durationFromEnv("AUDIO_FRAME_DURATION", cfg.FrameDuration); err != nil {
		return Config{}, err
	}
	if cfg.SpeechThreshold, err = floatFromEnv("VAD_SPEECH_THRESHOLD", cfg.SpeechThreshold); err != nil {
		return Config{}, err
	}
	if cfg.SpeechStartFrames, err = intFromEnv("VAD_SPEECH_START_FRAMES", cfg.SpeechStartFrames); err != nil {
		return Config{}, err
	}
	if cfg.SpeechEndSilence, err = durationFromEnv("VAD_SPEECH_END_SILENCE", cfg.SpeechEndSilence); err != nil {
		return Config{}, err
	}
	if cfg.EnergyReference, err = floatFromEnv("VAD_ENERGY_REFERENCE", cfg.EnergyReference); err != nil {
		return Config{}, err
	}
	if cfg.SilenceTimeout, err = durationFromEnv("TURN_SILENCE_TIMEOUT", cfg.SilenceTimeout); err != nil {
		return Config{}, err
	}
	if cfg.BargeInGuardWindow, err = durationFromEnv("BARGEIN_GUARD_WINDOW", cfg.BargeInGuardWindow); err != nil {
		return Config{}, err
	}
	if cfg.BargeInStrongProb, err = floatFromEnv("BARGEIN_STRONG_PROB", cfg.BargeInStrongProb); err != nil {
		return Config{}, err
	}
	if cfg.BargeInStrongHold, err = durationFromEnv("BARGEIN_STRONG_HOLD", cfg.BargeInStrongHold); err != nil {
		return Config{}, err
	}
	if cfg.BargeInWeakProb, err = floatFromEnv("BARGEIN_WEAK_PROB", cfg.BargeInWeakProb); err != nil {
		return Config{}, err
	}
	if cfg.BargeInWeakHold, err = durationFromEnv("BARGEIN_WEAK_HOLD", cfg.BargeInWeakHold); err != nil {
		return Config{}, err
	}
	if cfg.MaxEmptyTurns, err = intFromEnv("TURN_MAX_EMPTY_INPUTS", cfg.MaxEmptyTurns); err != nil {
		return Config{}, err
	}
	if cfg.TurnTimeout, err = durationFromEnv("TURN_PIPELINE_TIMEOUT", cfg.TurnTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxUtteranceLength, err = durationFromEnv("TURN_MAX_UTTERANCE_LENGTH", cfg.MaxUtteranceLength); err != nil {
		return Config{}, err
	}
	if cfg.KeepaliveInterval, err = durationFromEnv("WS_KEEPALIVE_INTERVAL", cfg.KeepaliveInterval); err != nil {
		return Config{}, err
	}
	if cfg.PongGrace, err = durationFromEnv("WS_PONG_GRACE", cfg.PongGrace); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectGrace, err = durationFromEnv("SESSION_RECONNECT_GRACE", cfg.ReconnectGrace); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.FrameDuration < 10*time.Millisecond || c.FrameDuration > 100*time.Millisecond {
		return fmt.Errorf("AUDIO_FRAME_DURATION must be between 10ms and 100ms")
	}
	if c.SpeechThreshold <= 0 || c.SpeechThreshold >= 1 {
		return fmt.Errorf("VAD_SPEECH_THRESHOLD must be in (0, 1)")
	}
	if c.SpeechStartFrames <= 0 {
		return fmt.Errorf("VAD_SPEECH_START_FRAMES must be positive")
	}
	if c.EnergyReference <= 0 {
		return fmt.Errorf("VAD_ENERGY_REFERENCE must be positive")
	}
	if c.SilenceTimeout < 200*time.Millisecond {
		return fmt.Errorf("TURN_SILENCE_TIMEOUT must be at least 200ms")
	}
	if c.BargeInWeakProb <= 0 || c.BargeInWeakProb >= 1 {
		return fmt.Errorf("BARGEIN_WEAK_PROB must be in (0, 1)")
	}
	if c.BargeInStrongProb < c.BargeInWeakProb || c.BargeInStrongProb >= 1 {
		return fmt.Errorf("BARGEIN_STRONG_PROB must be in [BARGEIN_WEAK_PROB, 1)")
	}
	if c.BargeInStrongHold <= 0 || c.BargeInWeakHold < c.BargeInStrongHold {
		return fmt.Errorf("barge-in hold durations must satisfy 0 < strong <= weak")
	}
	if c.MaxEmptyTurns <= 0 {
		return fmt.Errorf("TURN_MAX_EMPTY_INPUTS must be positive")
	}
	switch c.PipelineMode {
	case "auto", "mock":
	case "http":
		if c.PipelineURL == "" {
			return fmt.Errorf("TURN_PIPELINE_URL is required when TURN_PIPELINE_MODE=http")
		}
	default:
		return fmt.Errorf("TURN_PIPELINE_MODE must be auto, mock, or http")
	}
	if c.KeepaliveInterval < time.Second {
		return fmt.Errorf("WS_KEEPALIVE_INTERVAL must be at least 1s")
	}
	if c.ReconnectGrace < time.Second {
		return fmt.Errorf("SESSION_RECONNECT_GRACE must be at least 1s")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
