package audio

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Agions/xfyun-sdk/pkg/configutil"
)

// Factory builds a Capture from settings already checked against its schema.
type Factory func(settings map[string]any) (Capture, error)

type provider struct {
	schema configutil.Schema
	build  Factory
}

// Registry maps capture provider names to factories.
type Registry struct {
	providers map[string]provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]provider)}
}

// DefaultRegistry knows the ffmpeg and file providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("ffmpeg", ffmpegSchema, buildFFmpeg)
	r.Register("file", fileSchema, buildFile)
	return r
}

var (
	ffmpegSchema = configutil.Schema{Optional: []string{"command", "input_format", "input_device", "startup_probe"}}
	fileSchema   = configutil.Schema{Required: []string{"path"}, Optional: []string{"realtime"}}
)

func (r *Registry) Register(name string, schema configutil.Schema, factory Factory) {
	r.providers[strings.ToLower(strings.TrimSpace(name))] = provider{schema: schema, build: factory}
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build validates settings and constructs the named provider. Settings
// problems are returned as *configutil.SettingsError.
func (r *Registry) Build(name string, settings map[string]any) (Capture, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("capture provider not registered: %s (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	if err := p.schema.Check(key, settings); err != nil {
		return nil, err
	}
	return p.build(settings)
}

func buildFFmpeg(settings map[string]any) (Capture, error) {
	var cfg FFmpegConfig
	if err := ffmpegSchema.Decode("ffmpeg", settings, &cfg); err != nil {
		return nil, err
	}
	return NewFFmpegCapture(cfg), nil
}

func buildFile(settings map[string]any) (Capture, error) {
	var cfg FileConfig
	if err := fileSchema.Decode("file", settings, &cfg); err != nil {
		return nil, err
	}
	return NewFileCapture(cfg), nil
}
