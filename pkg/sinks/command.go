package sinks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runTemplate expands {name} placeholders in tmpl and runs the result.
// Commands using shell operators go through sh.
func runTemplate(ctx context.Context, tmpl string, vars map[string]string) error {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	command := strings.NewReplacer(pairs...).Replace(tmpl)

	var cmd *exec.Cmd
	if strings.ContainsAny(command, "&|;<>") {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	} else {
		parts := strings.Fields(command)
		if len(parts) == 0 {
			return fmt.Errorf("empty command")
		}
		cmd = exec.CommandContext(ctx, parts[0], parts[1:]...)
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w\n%s", command, err, strings.TrimSpace(output.String()))
	}
	return nil
}
