package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/types"
)

// BatchFileName is the list of sources handed to a worker session
const BatchFileName = "batch.lst"

// variant is one compiler invocation flavour over the shared invoke primitive
type variant struct {
	mode            string
	expectArtifacts bool
}

var variants = map[types.ExecutionKind]variant{
	types.ExecCompile:        {mode: "compile", expectArtifacts: true},
	types.ExecCompileXref:    {mode: "xref", expectArtifacts: true},
	types.ExecCompileListing: {mode: "listing", expectArtifacts: true},
	types.ExecSyntaxCheck:    {mode: "check", expectArtifacts: false},
}

// ProcessWorker runs the configured compiler executable once per batch
type ProcessWorker struct {
	cfg     types.CompilerConfig
	variant variant
	dir     string
	logger  logger.Logger
}

// NewProcessWorker creates a worker for cfg. dir is the working directory
// of the compiler process.
func NewProcessWorker(cfg types.CompilerConfig, dir string, log logger.Logger) (*ProcessWorker, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("no compiler command configured")
	}

	kind := cfg.ExecutionKind
	if kind == "" {
		kind = types.ExecCompile
	}
	v, ok := variants[kind]
	if !ok {
		return nil, fmt.Errorf("unknown execution kind: %q", kind)
	}

	if log == nil {
		log = logger.Discard()
	}
	return &ProcessWorker{cfg: cfg, variant: v, dir: dir, logger: log}, nil
}

// Compile writes the batch list into outputDir, runs the compiler and
// parses its protocol output. On cancellation the process is interrupted
// and killed once the grace period has elapsed.
func (w *ProcessWorker) Compile(ctx context.Context, batch []types.FileToCompile, outputDir string) (*WorkerResult, error) {
	batchFile := filepath.Join(outputDir, BatchFileName)
	if err := writeBatch(batchFile, batch); err != nil {
		return nil, err
	}

	cmd := w.invoke(ctx, placeholders{
		batch:  batchFile,
		outdir: outputDir,
		source: singleSource(batch),
		mode:   w.variant.mode,
	})

	logFile, err := os.OpenFile(filepath.Join(outputDir, "worker.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		w.logger.Warn("Failed to create worker log", logger.WithError(err))
	} else {
		defer logFile.Close()
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = tee(&stdout, logFile)
	cmd.Stderr = tee(&stderr, logFile)

	start := time.Now()
	runErr := cmd.Run()

	res := &WorkerResult{}
	if err := ParseOutput(&stdout, outputDir, res, w.logger); err != nil {
		w.logger.Warn("Failed to read worker output", logger.WithError(err))
	}
	if !w.variant.expectArtifacts && len(res.Artifacts) > 0 {
		w.logger.Debug("Discarding artifacts of a check-only run", logger.WithField("count", len(res.Artifacts)))
		res.Artifacts = nil
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("compiler worker interrupted: %w", ctx.Err())
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return res, fmt.Errorf("failed to run compiler: %w", runErr)
		}
		res.ExitStatus = exitErr.ExitCode()
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			res.Internal = append(res.Internal, msg)
		}
	}

	w.logger.Debug("Compiler session finished",
		logger.WithField("files", len(batch)),
		logger.WithField("artifacts", len(res.Artifacts)),
		logger.WithField("exit", res.ExitStatus),
		logger.WithField("duration", time.Since(start).Round(time.Millisecond)))
	return res, nil
}

type placeholders struct {
	batch, outdir, source, mode string
}

func (p placeholders) expand(s string) string {
	return strings.NewReplacer(
		"{batch}", p.batch,
		"{outdir}", p.outdir,
		"{source}", p.source,
		"{mode}", p.mode,
	).Replace(s)
}

// invoke builds the compiler command. Without configured arguments the
// command string is split on whitespace, or run through sh when it uses
// shell operators; the batch list is appended unless referenced.
func (w *ProcessWorker) invoke(ctx context.Context, p placeholders) *exec.Cmd {
	command := p.expand(w.cfg.Command)
	args := make([]string, 0, len(w.cfg.Args)+1)
	referenced := strings.Contains(w.cfg.Command, "{batch}")
	for _, a := range w.cfg.Args {
		referenced = referenced || strings.Contains(a, "{batch}")
		args = append(args, p.expand(a))
	}

	var cmd *exec.Cmd
	switch {
	case len(args) > 0:
		if !referenced {
			args = append(args, p.batch)
		}
		cmd = exec.CommandContext(ctx, command, args...)
	case strings.ContainsAny(command, "&|;<>"):
		if !referenced {
			command += " " + p.batch
		}
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	default:
		parts := strings.Fields(command)
		if !referenced {
			parts = append(parts, p.batch)
		}
		cmd = exec.CommandContext(ctx, parts[0], parts[1:]...)
	}

	cmd.Dir = w.dir
	cmd.Env = append(os.Environ(),
		"DEPLOYER_MODE="+p.mode,
		"DEPLOYER_OUTDIR="+p.outdir,
		"DEPLOYER_BATCH="+p.batch)
	for k, v := range w.cfg.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = w.cfg.GetGracePeriod()
	return cmd
}

func writeBatch(path string, batch []types.FileToCompile) error {
	var b strings.Builder
	for _, f := range batch {
		b.WriteString(f.SourcePath)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write batch list: %w", err)
	}
	return nil
}

func singleSource(batch []types.FileToCompile) string {
	if len(batch) == 1 {
		return batch[0].SourcePath
	}
	return ""
}

func tee(buf *bytes.Buffer, file *os.File) io.Writer {
	if file == nil {
		return buf
	}
	return io.MultiWriter(buf, file)
}
