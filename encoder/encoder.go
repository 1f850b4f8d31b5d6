// Package encoder extracts audio from video files with ffmpeg.
package encoder

import (
	"context"
	"os/exec"
	"sort"

	"audiorelay/logger"
)

// EncodeFunc is the function signature for any encoder
type EncodeFunc func(ctx context.Context, input, output string, opts EncodeOptions) error

type EncodeOptions struct {
	Binary  string // ffmpeg executable
	Bitrate string // e.g. "192k"; empty keeps the codec default
}

// Format describes one output audio format.
type Format struct {
	Name      string
	Extension string
	Encode    EncodeFunc
}

// Registry maps format name to encoder. Formats are only registered when
// their binary resolves on PATH.
type Registry struct {
	binary  string
	formats map[string]Format
}

func NewRegistry(binary string) *Registry {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Registry{binary: binary, formats: make(map[string]Format)}
}

// Register adds f if the registry's binary exists, logs status
func (r *Registry) Register(f Format) bool {
	if _, err := exec.LookPath(r.binary); err != nil {
		logger.Warnf("encoder [%s] skipped: command '%s' not found in PATH", f.Name, r.binary)
		return false
	}
	r.formats[f.Name] = f
	logger.Debugf("encoder [%s] registered (command: %s)", f.Name, r.binary)
	return true
}

// Get looks up a format by name.
func (r *Registry) Get(name string) (Format, bool) {
	f, ok := r.formats[name]
	return f, ok
}

// Names lists registered formats in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.formats))
	for n := range r.formats {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Binary() string { return r.binary }

// RegisterDefaults registers every built-in audio format.
func (r *Registry) RegisterDefaults() {
	for _, f := range builtinFormats {
		r.Register(f)
	}
}
