package engine

import (
	"time"

	"github.com/poltergeist/deployer/internal/compiler"
	"github.com/poltergeist/deployer/pkg/manifest"
	"github.com/poltergeist/deployer/pkg/rules"
	"github.com/poltergeist/deployer/pkg/sinks"
	"github.com/poltergeist/deployer/pkg/types"
)

// ProgressReporter receives step changes and progress of a run. It is the
// only presentation hook of the controller.
type ProgressReporter interface {
	OnStepChanged(step types.PipelineStep, label string)
	OnProgress(fraction float64)
}

// Notifier is told when runs start and end
type Notifier interface {
	NotifyRunStart(env string)
	NotifyRunSuccess(env string, duration time.Duration, summary string)
	NotifyRunFailure(env string, err error)
}

// Dependencies holds the collaborators of a Controller. Rules, Store and
// Files are required. Worker is required once compiler extensions are
// configured; Archiver and Transfer only when rules reference archives or
// ftp. Notifier and Progress are optional.
type Dependencies struct {
	Rules    *rules.RuleSet
	Store    *manifest.Store
	Worker   compiler.Worker
	Files    *sinks.LocalSink
	Archiver sinks.Archiver
	Transfer sinks.Transfer
	Notifier Notifier
	Progress ProgressReporter
}

type noopProgress struct{}

func (noopProgress) OnStepChanged(types.PipelineStep, string) {}
func (noopProgress) OnProgress(float64)                       {}
