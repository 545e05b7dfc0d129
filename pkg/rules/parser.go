package rules

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/poltergeist/deployer/pkg/types"
)

// ParseErrors collects every malformed rule found while parsing
type ParseErrors []*types.ParseError

func (e ParseErrors) Error() string {
	switch len(e) {
	case 0:
		return "no parse errors"
	case 1:
		return e[0].Error()
	}

	lines := make([]string, 0, len(e))
	for _, pe := range e {
		lines = append(lines, pe.Error())
	}
	return fmt.Sprintf("%d malformed rules:\n  %s", len(e), strings.Join(lines, "\n  "))
}

// Unwrap exposes the individual parse errors to errors.As
func (e ParseErrors) Unwrap() []error {
	out := make([]error, 0, len(e))
	for _, pe := range e {
		out = append(out, pe)
	}
	return out
}

// Parse reads rules from a line-oriented source. Each non-comment line is
//
//	<pattern> <step|*> <action>[:<archiveId>] <target|-> [continue|stop]
//
// A malformed line is reported with its line number and parsing goes on;
// all errors are returned together.
func Parse(r io.Reader, sourceFile string) ([]types.DeployRule, ParseErrors) {
	var rules []types.DeployRule
	var errs ParseErrors

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rule, err := parseLine(line)
		if err != nil {
			errs = append(errs, &types.ParseError{
				SourceFile: sourceFile,
				SourceLine: lineNo,
				Message:    err.Error(),
			})
			continue
		}
		rule.SourceFile = sourceFile
		rule.SourceLine = lineNo
		rules = append(rules, rule)
	}

	if err := scanner.Err(); err != nil {
		errs = append(errs, &types.ParseError{
			SourceFile: sourceFile,
			SourceLine: lineNo + 1,
			Message:    fmt.Sprintf("read error: %v", err),
		})
	}

	return rules, errs
}

// ParseFile parses a rule file from disk
func ParseFile(path string) ([]types.DeployRule, ParseErrors, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open rule file: %w", err)
	}
	defer f.Close()

	rules, errs := Parse(f, path)
	return rules, errs, nil
}

func parseLine(line string) (types.DeployRule, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 || len(fields) > 5 {
		return types.DeployRule{}, fmt.Errorf("expected 4 or 5 fields, got %d", len(fields))
	}

	if _, err := CompilePattern(fields[0]); err != nil {
		return types.DeployRule{}, fmt.Errorf("malformed pattern %q: %w", fields[0], err)
	}

	step, err := types.ParseStep(fields[1])
	if err != nil {
		return types.DeployRule{}, err
	}

	action, err := types.ParseDeployType(fields[2])
	if err != nil {
		return types.DeployRule{}, err
	}

	target := fields[3]
	if target == "-" {
		target = ""
	}
	if target == "" && action.Kind != types.DeploySkip {
		return types.DeployRule{}, fmt.Errorf("action %s requires a target", action)
	}

	cont := true
	if len(fields) == 5 {
		switch strings.ToLower(fields[4]) {
		case "continue":
			cont = true
		case "stop":
			cont = false
		default:
			return types.DeployRule{}, fmt.Errorf("unknown flag %q (want continue or stop)", fields[4])
		}
	}

	return types.DeployRule{
		Pattern:            fields[0],
		Step:               step,
		Action:             action,
		TargetTemplate:     target,
		ContinueEvaluating: cont,
	}, nil
}
