// Package converter runs the external geometry-to-SVG executable.
package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sudwebd/3d-to-svg/internal/config"
	"github.com/sudwebd/3d-to-svg/internal/jobs"
	apperrors "github.com/sudwebd/3d-to-svg/internal/pkg/errors"
)

// maxCapturedOutput bounds how much stdout/stderr is kept per stream.
const maxCapturedOutput = 64 << 10

// CommandLog captures one external command invocation.
type CommandLog struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	Dir      string        `json:"dir"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Request describes one conversion. Input is a file name relative to Dir.
type Request struct {
	Dir    string
	Input  string
	Params jobs.RenderParams
}

// Result is returned for every attempt, failed ones included.
type Result struct {
	OutputPath string
	Log        CommandLog
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct {
	waitDelay time.Duration
}

// Run executes one command in dir and captures stdout, stderr and exit code.
func (r *execRunner) Run(ctx context.Context, dir, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Without a wait delay a killed tool whose children keep the pipes open
	// would block Wait forever.
	cmd.WaitDelay = r.waitDelay

	stdout := &limitedBuffer{max: maxCapturedOutput}
	stderr := &limitedBuffer{max: maxCapturedOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Converter invokes the configured executable with a per-call timeout.
type Converter struct {
	bin      string
	timeout  time.Duration
	viewArgs bool
	runner   commandRunner
	stat     func(string) (fs.FileInfo, error)
}

func New(cfg config.ConverterConfig) *Converter {
	return &Converter{
		bin:      cfg.Bin,
		timeout:  cfg.Timeout,
		viewArgs: cfg.ViewArgs,
		runner:   &execRunner{waitDelay: 2 * time.Second},
		stat:     os.Stat,
	}
}

// Timeout returns the per-conversion deadline.
func (c *Converter) Timeout() time.Duration { return c.timeout }

// Check verifies the executable resolves and is runnable.
func (c *Converter) Check() error {
	if _, err := exec.LookPath(c.bin); err != nil {
		return fmt.Errorf("converter executable %q: %w", c.bin, err)
	}
	return nil
}

// BuildArgs returns the argument vector: the input file first, then the
// x, y and z rotations. View flags follow only when viewArgs is set.
func BuildArgs(input string, p jobs.RenderParams, viewArgs bool) []string {
	args := []string{
		input,
		jobs.FormatNumber(p.RotationX),
		jobs.FormatNumber(p.RotationY),
		jobs.FormatNumber(p.RotationZ),
	}
	if viewArgs {
		args = append(args,
			"--vx", jobs.FormatNumber(p.ViewX),
			"--vy", jobs.FormatNumber(p.ViewY),
			"--vz", jobs.FormatNumber(p.ViewZ),
			"--vh", jobs.FormatNumber(p.Height),
			"--vw", jobs.FormatNumber(p.Width),
		)
	}
	return args
}

// OutputName is the file the tool writes for input: its base name with
// an .svg extension.
func OutputName(input string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + ".svg"
}

// Convert runs the tool and waits for it to exit. The returned error
// carries CONVERSION_FAILED, TIMEOUT, CANCELED or OUTPUT_NOT_FOUND.
func (c *Converter) Convert(ctx context.Context, req Request) (Result, error) {
	const op = "converter.Convert"

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := BuildArgs(req.Input, req.Params, c.viewArgs)
	start := time.Now()
	res, runErr := c.runner.Run(runCtx, req.Dir, c.bin, args...)

	result := Result{
		Log: CommandLog{
			Command:  c.bin,
			Args:     args,
			Dir:      req.Dir,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Duration: time.Since(start),
		},
	}

	switch {
	case ctx.Err() != nil:
		return result, apperrors.WrapWithCode(ctx.Err(), apperrors.CodeCanceled, op, "conversion canceled")
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return result, apperrors.WrapWithCode(runCtx.Err(), apperrors.CodeTimeout, op,
			fmt.Sprintf("conversion exceeded %s", c.timeout)).WithField("timeout", c.timeout.String())
	case runErr != nil:
		return result, apperrors.WrapWithCode(runErr, apperrors.CodeConversionFailed, op, "converter failed").
			WithField("exit_code", res.ExitCode)
	}

	// The tool reports success even when it could not render, so the
	// output file is the only reliable signal.
	out := filepath.Join(req.Dir, OutputName(req.Input))
	info, err := c.stat(out)
	if err != nil || info.IsDir() {
		return result, apperrors.New(apperrors.CodeOutputNotFound, "converter produced no output").
			WithField("output", OutputName(req.Input))
	}

	result.OutputPath = out
	return result, nil
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[truncated]"
	}
	return b.buf.String()
}
