package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/poltergeist/deployer/pkg/types"
)

// progressPrinter prints step changes and coarse progress of a run. It
// reports in 25% increments so large steps stay readable.
type progressPrinter struct {
	out io.Writer

	mu      sync.Mutex
	step    types.PipelineStep
	printed int
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out}
}

func (p *progressPrinter) OnStepChanged(step types.PipelineStep, label string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.step = step
	p.printed = 0
	fmt.Fprintf(p.out, "%s %s\n", color.CyanString("==>"), label)
}

func (p *progressPrinter) OnProgress(fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.step == types.StepDone {
		return
	}
	pct := int(fraction * 100)
	bucket := pct / 25 * 25
	if bucket <= p.printed || bucket == 0 {
		return
	}
	p.printed = bucket
	fmt.Fprintf(p.out, "    %3d%%\n", bucket)
}
