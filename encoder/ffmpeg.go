package encoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

var builtinFormats = []Format{
	{Name: "mp3", Extension: ".mp3", Encode: codecEncoder("libmp3lame")},
	{Name: "aac", Extension: ".m4a", Encode: codecEncoder("aac")},
	{Name: "opus", Extension: ".ogg", Encode: codecEncoder("libopus")},
	{Name: "flac", Extension: ".flac", Encode: codecEncoder("flac")},
	{Name: "wav", Extension: ".wav", Encode: codecEncoder("pcm_s16le")},
	// copy keeps the source audio stream untouched
	{Name: "copy", Extension: ".mka", Encode: codecEncoder("copy")},
}

// ExtensionFor returns the output extension of a built-in format without
// requiring ffmpeg to be installed.
func ExtensionFor(format string) (string, bool) {
	for _, f := range builtinFormats {
		if f.Name == format {
			return f.Extension, true
		}
	}
	return "", false
}

func codecEncoder(codec string) EncodeFunc {
	return func(ctx context.Context, in, out string, o EncodeOptions) error {
		return ffmpegEncode(ctx, in, out, codec, o)
	}
}

// ffmpegEncode drops the video streams and writes the first audio stream
// with codec. Stderr is kept for the error message.
func ffmpegEncode(ctx context.Context, in, out, codec string, o EncodeOptions) error {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", in, "-vn", "-map", "0:a:0", "-c:a", codec}
	if o.Bitrate != "" && codec != "copy" && codec != "flac" && !strings.HasPrefix(codec, "pcm_") {
		args = append(args, "-b:a", o.Bitrate)
	}
	args = append(args, out)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, o.Binary, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s: %w: %s", codec, err, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
