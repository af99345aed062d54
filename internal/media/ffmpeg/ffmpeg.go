package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ConcatListName is written next to the output and kept for inspection.
const ConcatListName = "concat.txt"

// waitDelay bounds how long a cancelled ffmpeg may hold its output pipes.
const waitDelay = 2 * time.Second

// Concat merges inputs with `ffmpeg -f concat -safe 0 -i list -c copy`.
type Concat struct {
	Binary string
}

// NewConcat returns a Concat muxer using binary, or "ffmpeg" from PATH when
// binary is empty.
func NewConcat(binary string) *Concat {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Concat{Binary: binary}
}

// CheckBinary reports whether the ffmpeg binary can be found.
func CheckBinary(binary string) error {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("ffmpeg not found (%s): %w", binary, err)
	}
	return nil
}

// Muxer is the finalize contract both merge strategies satisfy.
type Muxer interface {
	Mux(ctx context.Context, inputs []string, output string) error
}

// RemuxExt is the container Concat writes. Stream copy keeps the chunk
// codecs, so it relies on them being valid in MP4 (VP9 and Opus are).
const RemuxExt = "mp4"

// Select picks the merge strategy for this host and the extension its
// recordings should carry. Without a usable ffmpeg it falls back to Join,
// whose output is the chunks' own container, and returns the lookup error
// so the caller can report the downgrade.
func Select(binary, chunkExt string) (Muxer, string, error) {
	if err := CheckBinary(binary); err != nil {
		return Join{}, strings.TrimPrefix(strings.TrimSpace(chunkExt), "."), err
	}
	return NewConcat(binary), RemuxExt, nil
}

// Mux writes the concat list and runs ffmpeg. The output is overwritten.
func (c *Concat) Mux(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return errors.New("ffmpeg concat: no inputs")
	}
	output = strings.TrimSpace(output)
	if output == "" {
		return errors.New("ffmpeg concat: empty output path")
	}

	listPath := filepath.Join(filepath.Dir(output), ConcatListName)
	if err := WriteConcatList(listPath, inputs); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, c.Binary,
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", output,
	)
	cmd.WaitDelay = waitDelay
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg concat: %w", ctxErr)
		}
		return fmt.Errorf("ffmpeg concat: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// WriteConcatList writes a concat demuxer list with one absolute path per
// line. Single quotes in paths are escaped the way the demuxer expects.
func WriteConcatList(path string, inputs []string) error {
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return fmt.Errorf("concat list: %w", err)
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o640); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	return nil
}

// Join appends each input to output in order.
type Join struct{}

// Mux implements the muxer contract by byte concatenation. A partially
// written output is removed on failure.
func (Join) Mux(ctx context.Context, inputs []string, output string) (err error) {
	if len(inputs) == 0 {
		return errors.New("join: no inputs")
	}
	tmp := output + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("join: %w", err)
		}
		if err := appendFile(f, in); err != nil {
			return err
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("join: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("join: close: %w", err)
	}
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("join: %w", err)
	}
	return nil
}

func appendFile(dst io.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("join %s: %w", filepath.Base(path), err)
	}
	return nil
}
