package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("ffmpeg",
	fx.Provide(NewProber),
)

type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Prober extracts the playable duration of an audio payload.
type Prober interface {
	Duration(ctx context.Context, data []byte) (time.Duration, error)
}

type ffprobe struct{}

func NewProber() Prober {
	return &ffprobe{}
}

// Duration shells out to ffprobe against a temp file. Callers treat an error
// as "duration unknown", not as a fatal condition.
func (f *ffprobe) Duration(ctx context.Context, data []byte) (time.Duration, error) {
	tmp, err := os.CreateTemp("", "probe-*.audio")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-loglevel", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		tmp.Name(),
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe error: %v, output: %s", err, string(out))
	}

	var result ffprobeFormat
	if err := json.Unmarshal(out, &result); err != nil {
		return 0, err
	}

	seconds, err := strconv.ParseFloat(result.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", result.Format.Duration, err)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}
