package media

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/openzim/mwoffliner/internal/metrics"
	"github.com/openzim/mwoffliner/internal/queue"
)

const maxOptimizeAttempts = 5

// CommandRunner abstracts external tool invocation for testing. Arguments
// are passed as argv; nothing ever goes through a shell.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

// Run executes a command, discarding output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Output executes a command and returns its stdout.
func (ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return string(out), nil
}

type optTask struct {
	path    string
	format  string
	attempt int
	// size at enqueue time; a grown file means a higher-width download
	// replaced it and optimization is skipped.
	size int64
}

// Optimizer shrinks downloaded media with per-format external tools.
type Optimizer struct {
	runner CommandRunner
	logger *zap.Logger
	q      *queue.Queue[optTask]
}

// NewOptimizer starts the optimization queue at the given width
// (cpuCount × 2).
func NewOptimizer(ctx context.Context, width int, runner CommandRunner, logger *zap.Logger) *Optimizer {
	o := &Optimizer{runner: runner, logger: logger}
	o.q = queue.New(ctx, "media-optimize", width, logger, o.handle)
	return o
}

// Enqueue schedules one media file for optimization.
func (o *Optimizer) Enqueue(path string) {
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	o.q.Push(optTask{path: path, format: format, attempt: 1, size: size})
	metrics.SetQueueBacklog("media-optimize", o.q.Len())
}

// Drain blocks until the queue quiesces.
func (o *Optimizer) Drain(ctx context.Context) error {
	return o.q.Drain(ctx)
}

// Close stops the workers.
func (o *Optimizer) Close() {
	o.q.Close()
}

func (o *Optimizer) handle(ctx context.Context, t optTask) {
	info, err := os.Stat(t.path)
	if err != nil {
		o.logger.Warn("optimize target missing", zap.String("path", t.path), zap.Error(err))
		return
	}
	if t.size > 0 && info.Size() > t.size {
		return
	}

	if err := o.optimize(ctx, t.path, t.format); err == nil {
		metrics.ObserveOptimizer(t.format, "ok")
		return
	} else if t.attempt >= maxOptimizeAttempts {
		o.logger.Error("optimization failed, keeping original",
			zap.String("path", t.path),
			zap.String("format", t.format),
			zap.Error(err),
		)
		metrics.ObserveOptimizer(t.format, "failed")
		return
	}

	// The extension may lie; ask file(1) before the next attempt.
	format := t.format
	if mime, probeErr := o.runner.Output(ctx, "file", "-b", "--mime-type", t.path); probeErr == nil {
		format = formatFromMime(strings.TrimSpace(mime), t.format)
	}
	o.q.Push(optTask{path: t.path, format: format, attempt: t.attempt + 1, size: t.size})
}

func (o *Optimizer) optimize(ctx context.Context, path, format string) error {
	switch format {
	case "jpg", "jpeg":
		return o.runner.Run(ctx, "jpegoptim", "-s", "-f", "--all-normal", "-m40", path)
	case "png":
		tmpExt := "." + randomHex(8) + ".png"
		tmp := pngquantOutput(path, tmpExt)
		if err := o.runner.Run(ctx, "pngquant", "--nofs", "--force", "--ext="+tmpExt, path); err != nil {
			return err
		}
		if err := o.runner.Run(ctx, "advdef", "-q", "-z", "-4", "-i", "5", tmp); err != nil {
			_ = os.Remove(tmp)
			return err
		}
		return replaceIfSmaller(tmp, path)
	case "gif":
		tmp := path + "." + randomHex(8)
		if err := o.runner.Run(ctx, "gifsicle", "--colors", "64", "-O3", path, "-o", tmp); err != nil {
			_ = os.Remove(tmp)
			return err
		}
		return replaceIfSmaller(tmp, path)
	default:
		return fmt.Errorf("no optimizer for format %q", format)
	}
}

// pngquantOutput mirrors pngquant's --ext naming: the .png suffix is
// replaced by the given extension.
func pngquantOutput(path, tmpExt string) string {
	if strings.HasSuffix(strings.ToLower(path), ".png") {
		return path[:len(path)-len(".png")] + tmpExt
	}
	return path + tmpExt
}

// replaceIfSmaller keeps the optimized file only when it is strictly
// smaller than the original.
func replaceIfSmaller(tmp, orig string) error {
	tmpInfo, err := os.Stat(tmp)
	if err != nil {
		return fmt.Errorf("stat optimized file: %w", err)
	}
	origInfo, err := os.Stat(orig)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("stat original file: %w", err)
	}
	if tmpInfo.Size() > 0 && tmpInfo.Size() < origInfo.Size() {
		if err := os.Rename(tmp, orig); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("replace original: %w", err)
		}
		return nil
	}
	_ = os.Remove(tmp)
	return nil
}

func formatFromMime(mime, fallback string) string {
	switch mime {
	case "image/jpeg":
		return "jpeg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	default:
		return fallback
	}
}

func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("0", n)
	}
	return hex.EncodeToString(buf)[:n]
}
