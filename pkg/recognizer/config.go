package recognizer

import (
	"strings"
	"time"

	"github.com/Agions/xfyun-sdk/pkg/audio"
	"github.com/Agions/xfyun-sdk/pkg/auth"
	"github.com/Agions/xfyun-sdk/pkg/protocol"
)

// Defaults applied to unset Config fields.
const (
	DefaultLanguage       = "zh_cn"
	DefaultDomain         = "iat"
	DefaultAccent         = "mandarin"
	DefaultVADEOS         = 3000 * time.Millisecond
	DefaultMaxAudioSize   = 1024 * 1024
	DefaultAudioFormat    = "audio/L16;rate=16000"
	DefaultChunkInterval  = 500 * time.Millisecond
	DefaultVolumeInterval = 100 * time.Millisecond
	DefaultDrainWindow    = time.Second
)

// Config is the immutable session configuration.
type Config struct {
	AppID     string
	APIKey    string
	APISecret string
	// Host and Scheme select the endpoint; they default to the public
	// service over wss.
	Host   string
	Scheme string

	Language string
	Domain   string
	Accent   string
	// VADEOS is the server-side silence window that ends an utterance.
	VADEOS time.Duration
	// MaxAudioSize bounds the outbound audio queue in encoded bytes.
	MaxAudioSize int
	AudioFormat  string
	Encoding     string
	HotWords     []string
	// Punctuation defaults to true when nil.
	Punctuation *bool
	AutoStart   bool

	ChunkInterval  time.Duration
	VolumeInterval time.Duration
	DrainWindow    time.Duration
	Constraints    audio.Constraints
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Accent == "" {
		c.Accent = DefaultAccent
	}
	if c.VADEOS <= 0 {
		c.VADEOS = DefaultVADEOS
	}
	if c.MaxAudioSize <= 0 {
		c.MaxAudioSize = DefaultMaxAudioSize
	}
	if c.AudioFormat == "" {
		c.AudioFormat = DefaultAudioFormat
	}
	if c.Encoding == "" {
		c.Encoding = protocol.DefaultEncoding
	}
	if c.Punctuation == nil {
		on := true
		c.Punctuation = &on
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = DefaultChunkInterval
	}
	if c.VolumeInterval <= 0 {
		c.VolumeInterval = DefaultVolumeInterval
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = DefaultDrainWindow
	}
	if c.Constraints == (audio.Constraints{}) {
		c.Constraints = audio.Constraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
	}
	if c.Constraints.SampleRate <= 0 {
		c.Constraints.SampleRate = audio.SampleRateFromFormat(c.AudioFormat)
	}
	if c.Constraints.Channels <= 0 {
		c.Constraints.Channels = audio.DefaultChannels
	}
	return c
}

// Validate checks that credentials are present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AppID) == "" || strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == "" {
		return ErrMissingCredentials
	}
	return nil
}

func (c Config) businessParams() protocol.BusinessParams {
	return protocol.BusinessParams{
		Language:    c.Language,
		Domain:      c.Domain,
		Accent:      c.Accent,
		VADEOSMS:    int(c.VADEOS / time.Millisecond),
		HotWords:    append([]string(nil), c.HotWords...),
		Punctuation: c.Punctuation != nil && *c.Punctuation,
	}
}

func (c Config) frameOptions() protocol.FrameOptions {
	return protocol.FrameOptions{
		AppID:    c.AppID,
		Format:   c.AudioFormat,
		Encoding: c.Encoding,
	}
}

func (c Config) signer() auth.Signer {
	return auth.Signer{
		APIKey:    c.APIKey,
		APISecret: c.APISecret,
		Host:      c.Host,
		Scheme:    c.Scheme,
	}
}
