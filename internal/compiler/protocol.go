package compiler

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/types"
)

// Record tags of the worker stdout protocol. Fields are tab separated:
//
//	PROCESSING <source>
//	ARTIFACT <source> <artifactPath>
//	ERROR|WARNING|STRONGWARNING <source> <compiledFile> <line> <number> <message>
//	INTERNAL <message>
const (
	tagProcessing = "PROCESSING"
	tagArtifact   = "ARTIFACT"
	tagInternal   = "INTERNAL"
)

// ParseOutput reads worker records into res. Relative artifact paths are
// resolved against outputDir. Lines that are not records are logged at
// debug level.
func ParseOutput(r io.Reader, outputDir string, res *WorkerResult, log logger.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if err := parseRecord(line, outputDir, res); err != nil {
			log.Debug("Ignoring worker output", logger.WithField("line", line), logger.WithError(err))
		}
	}
	return scanner.Err()
}

func parseRecord(line, outputDir string, res *WorkerResult) error {
	tag, rest, _ := strings.Cut(line, "\t")

	switch tag {
	case tagProcessing:
		if rest == "" {
			return fmt.Errorf("missing source")
		}
		res.Processing = rest
		return nil

	case tagArtifact:
		src, artifact, ok := strings.Cut(rest, "\t")
		if !ok || src == "" || artifact == "" {
			return fmt.Errorf("malformed artifact record")
		}
		if !filepath.IsAbs(artifact) {
			artifact = filepath.Join(outputDir, filepath.FromSlash(artifact))
		}
		res.Artifacts = append(res.Artifacts, types.CompiledFile{SourcePath: src, ArtifactPath: artifact})
		return nil

	case tagInternal:
		res.Internal = append(res.Internal, rest)
		return nil
	}

	level, ok := types.ParseErrorLevel(tag)
	if !ok {
		return fmt.Errorf("unknown record %q", tag)
	}

	fields := strings.SplitN(rest, "\t", 5)
	if len(fields) != 5 {
		return fmt.Errorf("expected 5 diagnostic fields, got %d", len(fields))
	}
	lineNo, err := strconv.Atoi(fields[2])
	if err != nil {
		return fmt.Errorf("bad line number: %w", err)
	}
	number, err := strconv.Atoi(fields[3])
	if err != nil {
		return fmt.Errorf("bad error number: %w", err)
	}

	res.Errors = append(res.Errors, types.FileError{
		SourcePath:       fields[0],
		CompiledFilePath: fields[1],
		Line:             lineNo,
		ErrorNumber:      number,
		Message:          fields[4],
		Level:            level,
		Times:            1,
	})
	return nil
}
