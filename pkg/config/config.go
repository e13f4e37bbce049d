package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Agions/xfyun-sdk/pkg/audio"
	"github.com/Agions/xfyun-sdk/pkg/configutil"
	"github.com/Agions/xfyun-sdk/pkg/recognizer"
)

// EnvPrefix prefixes every environment override, e.g. XFYUN_CREDENTIALS_API_KEY.
const EnvPrefix = "XFYUN"

type Config struct {
	Credentials   CredentialsConfig   `mapstructure:"credentials"`
	Recognition   RecognitionConfig   `mapstructure:"recognition"`
	Session       TimingConfig        `mapstructure:"session"`
	Capture       CaptureConfig       `mapstructure:"capture"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Restart       RestartConfig       `mapstructure:"restart"`
}

type CredentialsConfig struct {
	AppID     string `mapstructure:"app_id"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Host      string `mapstructure:"host"`
	Scheme    string `mapstructure:"scheme"`
}

type RecognitionConfig struct {
	Language     string   `mapstructure:"language"`
	Domain       string   `mapstructure:"domain"`
	Accent       string   `mapstructure:"accent"`
	VADEOSMS     int      `mapstructure:"vad_eos_ms"`
	MaxAudioSize int      `mapstructure:"max_audio_size"`
	AudioFormat  string   `mapstructure:"audio_format"`
	Encoding     string   `mapstructure:"encoding"`
	HotWords     []string `mapstructure:"hot_words"`
	Punctuation  bool     `mapstructure:"punctuation"`
	AutoStart    bool     `mapstructure:"auto_start"`
}

type TimingConfig struct {
	ChunkIntervalMS  int `mapstructure:"chunk_interval_ms"`
	VolumeIntervalMS int `mapstructure:"volume_interval_ms"`
	DrainWindowMS    int `mapstructure:"drain_window_ms"`
}

// CaptureConfig selects an audio provider from audio.Registry. Settings are
// decoded by the provider.
type CaptureConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type PrivacyConfig struct {
	Redact bool `mapstructure:"redact"`
}

type ObservabilityConfig struct {
	MetricsFile       string        `mapstructure:"metrics_file"`
	TimelineDir       string        `mapstructure:"timeline_dir"`
	TimelineRetention time.Duration `mapstructure:"timeline_retention"`
	// VolumeSampleRate thins asr_volume events before they reach sinks.
	VolumeSampleRate float64 `mapstructure:"volume_sample_rate"`
}

// RestartConfig bounds caller-side restarts after a session error.
type RestartConfig struct {
	MaxRestarts int `mapstructure:"max_restarts"`
	BackoffMS   int `mapstructure:"backoff_ms"`
}

// Load reads path (optional) and XFYUN_* environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("credentials.app_id", "")
	v.SetDefault("credentials.api_key", "")
	v.SetDefault("credentials.api_secret", "")
	v.SetDefault("credentials.host", "")
	v.SetDefault("credentials.scheme", "wss")
	v.SetDefault("recognition.language", recognizer.DefaultLanguage)
	v.SetDefault("recognition.domain", recognizer.DefaultDomain)
	v.SetDefault("recognition.accent", recognizer.DefaultAccent)
	v.SetDefault("recognition.vad_eos_ms", int(recognizer.DefaultVADEOS/time.Millisecond))
	v.SetDefault("recognition.max_audio_size", recognizer.DefaultMaxAudioSize)
	v.SetDefault("recognition.audio_format", recognizer.DefaultAudioFormat)
	v.SetDefault("recognition.encoding", "raw")
	v.SetDefault("recognition.hot_words", []string{})
	v.SetDefault("recognition.punctuation", true)
	v.SetDefault("recognition.auto_start", false)
	v.SetDefault("session.chunk_interval_ms", int(recognizer.DefaultChunkInterval/time.Millisecond))
	v.SetDefault("session.volume_interval_ms", int(recognizer.DefaultVolumeInterval/time.Millisecond))
	v.SetDefault("session.drain_window_ms", int(recognizer.DefaultDrainWindow/time.Millisecond))
	v.SetDefault("capture.provider", "ffmpeg")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact", true)
	v.SetDefault("observability.metrics_file", "")
	v.SetDefault("observability.timeline_dir", "")
	v.SetDefault("observability.timeline_retention", "0s")
	v.SetDefault("observability.volume_sample_rate", 0.1)
	v.SetDefault("restart.max_restarts", 0)
	v.SetDefault("restart.backoff_ms", 500)

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Credentials.AppID, "credentials.app_id"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Credentials.APIKey, "credentials.api_key"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Credentials.APISecret, "credentials.api_secret"); err != nil {
		return err
	}
	switch c.Credentials.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("credentials.scheme must be ws or wss, got %q", c.Credentials.Scheme)
	}
	if strings.TrimSpace(c.Capture.Provider) == "" {
		return fmt.Errorf("capture.provider is required")
	}
	if c.Recognition.VADEOSMS < 0 {
		return fmt.Errorf("recognition.vad_eos_ms must not be negative")
	}
	if c.Recognition.MaxAudioSize <= 0 {
		return fmt.Errorf("recognition.max_audio_size must be positive")
	}
	if r := c.Observability.VolumeSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.volume_sample_rate must be within [0,1]")
	}
	if c.Restart.MaxRestarts < 0 {
		return fmt.Errorf("restart.max_restarts must not be negative")
	}
	return nil
}

// SessionConfig maps the loaded file onto a recognizer configuration.
func (c Config) SessionConfig() recognizer.Config {
	punctuation := c.Recognition.Punctuation
	return recognizer.Config{
		AppID:          c.Credentials.AppID,
		APIKey:         c.Credentials.APIKey,
		APISecret:      c.Credentials.APISecret,
		Host:           c.Credentials.Host,
		Scheme:         c.Credentials.Scheme,
		Language:       c.Recognition.Language,
		Domain:         c.Recognition.Domain,
		Accent:         c.Recognition.Accent,
		VADEOS:         time.Duration(c.Recognition.VADEOSMS) * time.Millisecond,
		MaxAudioSize:   c.Recognition.MaxAudioSize,
		AudioFormat:    c.Recognition.AudioFormat,
		Encoding:       c.Recognition.Encoding,
		HotWords:       append([]string(nil), c.Recognition.HotWords...),
		Punctuation:    &punctuation,
		AutoStart:      c.Recognition.AutoStart,
		ChunkInterval:  time.Duration(c.Session.ChunkIntervalMS) * time.Millisecond,
		VolumeInterval: time.Duration(c.Session.VolumeIntervalMS) * time.Millisecond,
		DrainWindow:    time.Duration(c.Session.DrainWindowMS) * time.Millisecond,
		Constraints: audio.Constraints{
			SampleRate:       audio.SampleRateFromFormat(c.Recognition.AudioFormat),
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
}

// BuildCapture resolves the configured capture provider. Settings may be
// overridden per call (the CLI passes the input file this way).
func (c Config) BuildCapture(registry *audio.Registry, overrides map[string]any) (audio.Capture, error) {
	if registry == nil {
		registry = audio.DefaultRegistry()
	}
	settings := make(map[string]any, len(c.Capture.Settings)+len(overrides))
	for k, v := range c.Capture.Settings {
		settings[k] = v
	}
	for k, v := range overrides {
		settings[k] = v
	}
	return registry.Build(c.Capture.Provider, settings)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Capture.Settings = expandSettings(cfg.Capture.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
