package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"mediashrink/internal/media"
	"mediashrink/internal/tools"
)

// VideoEncoder transcodes videos by running ffmpeg.
type VideoEncoder struct {
	locator          *tools.Locator
	binary           string
	audioBitrateKbps int
}

// NewVideoEncoder returns a VideoEncoder that resolves binary through locator.
func NewVideoEncoder(locator *tools.Locator, binary string, audioBitrateKbps int) *VideoEncoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	if audioBitrateKbps <= 0 {
		audioBitrateKbps = 96
	}
	return &VideoEncoder{locator: locator, binary: binary, audioBitrateKbps: audioBitrateKbps}
}

// Encode runs one ffmpeg transcode. Stderr is captured and attached to the
// returned *media.EncodeError on failure.
func (e *VideoEncoder) Encode(ctx context.Context, req Request) (*Output, error) {
	start := time.Now()
	fail := func(op, stderr string, err error) (*Output, error) {
		return nil, &media.EncodeError{Op: op, Input: req.Input.Name(), Stderr: stderr, Err: err}
	}

	if req.Input.Data != nil {
		return fail("ffmpeg", "", errors.New("in-memory video inputs are not supported"))
	}

	bin, err := e.locator.Get(e.binary)
	if err != nil {
		return fail("lookup", "", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return fail("mkdir", "", err)
	}

	args := BuildArgs(req.Input.Path, req.OutputPath, req.Strategy, e.audioBitrateKbps)
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(req.OutputPath)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return fail("ffmpeg", stderr.String(), err)
	}

	info, err := os.Stat(req.OutputPath)
	if err != nil {
		return fail("stat", stderr.String(), err)
	}
	return &Output{
		Path:    req.OutputPath,
		Size:    info.Size(),
		Width:   req.Strategy.Width,
		Height:  req.Strategy.Height,
		Elapsed: time.Since(start),
	}, nil
}

// BuildArgs returns the ffmpeg argument vector (without the binary) for one
// strategy. A positive BitrateKbps selects constrained bitrate mode, CRF otherwise.
func BuildArgs(input, output string, s media.Strategy, audioKbps int) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error", "-i", input}

	if vf := scaleFilter(s); vf != "" {
		args = append(args, "-vf", vf)
	}

	codec := s.Codec
	if s.Format == media.FormatWebM {
		codec = media.CodecVP9
	}
	if codec == "" {
		codec = media.CodecH264
	}

	switch codec {
	case media.CodecVP9:
		args = append(args, "-c:v", "libvpx-vp9", "-deadline", vp9Deadline(s.Preset))
		if s.BitrateKbps > 0 {
			args = append(args, bitrateArgs(s.BitrateKbps)...)
		} else {
			args = append(args, "-crf", strconv.Itoa(s.CRF), "-b:v", "0")
		}
	default:
		lib := "libx264"
		if codec == media.CodecH265 {
			lib = "libx265"
		}
		args = append(args, "-c:v", lib)
		if s.Preset != "" {
			args = append(args, "-preset", s.Preset)
		}
		if s.BitrateKbps > 0 {
			args = append(args, bitrateArgs(s.BitrateKbps)...)
		} else {
			args = append(args, "-crf", strconv.Itoa(s.CRF))
		}
		if codec == media.CodecH265 {
			args = append(args, "-tag:v", "hvc1")
		}
		args = append(args, "-pix_fmt", "yuv420p")
	}

	if s.Format == media.FormatWebM {
		args = append(args, "-c:a", "libopus", "-b:a", fmt.Sprintf("%dk", audioKbps))
	} else {
		args = append(args, "-c:a", "aac", "-b:a", fmt.Sprintf("%dk", audioKbps), "-movflags", "+faststart")
	}
	return append(args, output)
}

func bitrateArgs(kbps int) []string {
	return []string{
		"-b:v", fmt.Sprintf("%dk", kbps),
		"-maxrate", fmt.Sprintf("%dk", kbps),
		"-bufsize", fmt.Sprintf("%dk", kbps*2),
	}
}

// scaleFilter keeps both dimensions even, as yuv420p requires.
func scaleFilter(s media.Strategy) string {
	switch {
	case s.Width > 0 || s.Height > 0:
		w, h := "-2", "-2"
		if s.Width > 0 {
			w = strconv.Itoa(s.Width &^ 1)
		}
		if s.Height > 0 {
			h = strconv.Itoa(s.Height &^ 1)
		}
		return fmt.Sprintf("scale=%s:%s", w, h)
	case s.Scale > 0 && s.Scale < 1:
		return fmt.Sprintf("scale=trunc(iw*%s/2)*2:-2", strconv.FormatFloat(s.Scale, 'f', -1, 64))
	default:
		return ""
	}
}

func vp9Deadline(preset string) string {
	switch preset {
	case "ultrafast", "superfast", "veryfast", "faster":
		return "realtime"
	default:
		return "good"
	}
}
