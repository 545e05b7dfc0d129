// Package notifier provides desktop notifications for deployment runs
package notifier

import (
	"fmt"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/poltergeist/deployer/pkg/logger"
)

// RunNotifier handles run notifications
type RunNotifier struct {
	enabled      bool
	successSound string
	failureSound string
	logger       logger.Logger

	notify func(title, message string) error
	beep   func() error
}

// Config represents notification configuration
type Config struct {
	Enabled      bool
	SuccessSound string
	FailureSound string
}

// New creates a new run notifier
func New(config Config, log logger.Logger) *RunNotifier {
	if log == nil {
		log = logger.Discard()
	}
	return &RunNotifier{
		enabled:      config.Enabled,
		successSound: config.SuccessSound,
		failureSound: config.FailureSound,
		logger:       log,
		notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		beep: func() error {
			return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
		},
	}
}

// NotifyRunStart is silent; starts are only logged
func (n *RunNotifier) NotifyRunStart(env string) {
	if !n.enabled {
		return
	}
	n.logger.Debug("Deployment notification armed", logger.WithField("env", env))
}

// NotifyRunSuccess notifies that a run reached Done
func (n *RunNotifier) NotifyRunSuccess(env string, duration time.Duration, summary string) {
	if !n.enabled {
		return
	}

	title := "✅ Deployment finished"
	message := fmt.Sprintf("%s in %s: %s", env, formatDuration(duration), summary)

	n.sendNotification(title, message, n.successSound)
}

// NotifyRunFailure notifies that a run failed or was aborted
func (n *RunNotifier) NotifyRunFailure(env string, err error) {
	if !n.enabled {
		return
	}

	title := "❌ Deployment failed"
	message := fmt.Sprintf("%s: %v", env, err)

	n.sendNotification(title, message, n.failureSound)
}

func (n *RunNotifier) sendNotification(title, message, soundName string) {
	if err := n.notify(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithError(err))
		n.logger.Info(fmt.Sprintf("%s: %s", title, message))
	}

	if soundName != "" {
		if err := n.beep(); err != nil {
			n.logger.Debug("Failed to play sound", logger.WithError(err))
		}
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
