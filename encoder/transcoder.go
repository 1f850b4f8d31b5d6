package encoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"audiorelay/logger"
	"audiorelay/pipeline"
)

// Transcoder turns a video file into an audio file next to it.
type Transcoder struct {
	format Format
	opts   EncodeOptions
	probe  string
	verify bool
}

// Config selects the output format and tools.
type Config struct {
	Format      string
	Bitrate     string
	FFmpegPath  string
	FFprobePath string
	Verify      bool // probe the output for an audio stream
}

// New returns a transcoder for cfg.Format, failing when the format is unknown
// or its tool is missing.
func New(cfg Config) (*Transcoder, error) {
	reg := NewRegistry(cfg.FFmpegPath)
	reg.RegisterDefaults()
	f, ok := reg.Get(cfg.Format)
	if !ok {
		return nil, fmt.Errorf("audio format %q unavailable (registered: %v)", cfg.Format, reg.Names())
	}
	return &Transcoder{
		format: f,
		opts:   EncodeOptions{Binary: reg.Binary(), Bitrate: cfg.Bitrate},
		probe:  cfg.FFprobePath,
		verify: cfg.Verify,
	}, nil
}

// Transcode writes the audio of videoPath to a sibling file and returns its
// path. Failures are KindTransform errors.
func (t *Transcoder) Transcode(ctx context.Context, videoPath string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	out := filepath.Join(filepath.Dir(videoPath), base+t.format.Extension)

	if err := t.format.Encode(ctx, videoPath, out, t.opts); err != nil {
		os.Remove(out)
		return "", pipeline.New(pipeline.KindTransform, "transcode", err)
	}
	if _, err := os.Stat(out); err != nil {
		return "", pipeline.New(pipeline.KindTransform, "transcode", fmt.Errorf("no output produced: %w", err))
	}

	if t.verify {
		res, err := Probe(ctx, t.probe, out)
		if err != nil {
			os.Remove(out)
			return "", pipeline.New(pipeline.KindTransform, "verify audio", err)
		}
		if res.AudioStreamCount() == 0 {
			os.Remove(out)
			return "", pipeline.New(pipeline.KindTransform, "verify audio", fmt.Errorf("%s has no audio stream", filepath.Base(out)))
		}
	}
	logger.Debugf("transcoded %s to %s (format=%s)", videoPath, out, t.format.Name)
	return out, nil
}
