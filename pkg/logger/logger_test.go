package logger_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	dcontext "github.com/poltergeist/deployer/pkg/context"
	"github.com/poltergeist/deployer/pkg/logger"
)

func TestCreateLogger(t *testing.T) {
	log := logger.CreateLogger(logger.Options{
		Level: "info",
		File:  filepath.Join(t.TempDir(), "deployer.log"),
	})
	if log == nil {
		t.Fatal("expected logger to be created")
	}
	log.Info("hello")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("warn", &buf)

	log.Debug("debug message")
	log.Info("info message")
	log.Warn("warn message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Errorf("expected lower levels to be filtered, got %q", output)
	}
	if !strings.Contains(output, "WARN: warn message") {
		t.Errorf("expected warn message, got %q", output)
	}
}

func TestLogger_WithStep(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.WithStep("Compilation").Info("dispatching workers")

	output := buf.String()
	if !strings.Contains(output, "[Compilation] dispatching workers") {
		t.Errorf("expected step prefix in log output, got %q", output)
	}
}

func TestLogger_FieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.Info("test message",
		logger.WithField("zeta", 1),
		logger.WithField("alpha", "a"),
		logger.WithError(errors.New("boom")))

	output := buf.String()
	if !strings.Contains(output, "{alpha=a, error=boom, zeta=1}") {
		t.Errorf("expected sorted fields, got %q", output)
	}
}

func TestLogger_Success(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.Success("deployment completed")

	if !strings.Contains(buf.String(), "deployment completed") {
		t.Error("expected success message in log output")
	}
}

func TestWithContext_AddsRunFields(t *testing.T) {
	var buf bytes.Buffer
	base := logger.CreateLoggerWithOutput("info", &buf)

	ctx := dcontext.WithRunID(context.Background(), "run_42")
	ctx = dcontext.WithEnvironment(ctx, "prod")
	ctx = dcontext.WithStep(ctx, "DeployFile")

	logger.WithContext(ctx, base).Info("copied")

	output := buf.String()
	for _, want := range []string{"[DeployFile]", "run_id=run_42", "env=prod"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in %q", want, output)
		}
	}
}
