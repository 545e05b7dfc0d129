// Package process provides process lifecycle utilities
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/poltergeist/deployer/pkg/logger"
)

// ExitCodeInterrupted is used when a second signal forces the process out
const ExitCodeInterrupted = 130

// Manager turns OS signals into cancellation. The first SIGINT or SIGTERM
// cancels the context returned by Start so the running deployment can stop
// cleanly; a second one exits immediately.
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	signals          []os.Signal

	notify func(chan<- os.Signal, ...os.Signal)
	stop   func(chan<- os.Signal)
	exit   func(int)

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewManager creates a new process manager
func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		logger:  log,
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
		notify:  signal.Notify,
		stop:    signal.Stop,
		exit:    os.Exit,
	}
}

// RegisterShutdownHandler adds a handler run, in reverse registration
// order, when the first signal arrives
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// Start begins listening for signals and returns a context cancelled on
// the first one. Calling Start twice returns the parent unchanged.
func (m *Manager) Start(parent context.Context) context.Context {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return parent
	}
	m.running = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 2)
	m.notify(sigChan, m.signals...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.stop(sigChan)
		defer cancel()

		select {
		case <-m.done:
			return
		case <-parent.Done():
			return
		case sig := <-sigChan:
			m.logger.Warn("Received signal, cancelling deployment", logger.WithField("signal", sig))
			cancel()
			m.handleShutdown()
		}

		select {
		case <-m.done:
		case sig := <-sigChan:
			m.logger.Error("Received second signal, exiting", logger.WithField("signal", sig))
			m.exit(ExitCodeInterrupted)
		}
	}()

	return ctx
}

// Stop stops listening for signals and waits for the listener to exit
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
}

// IsRunning checks if the process manager is listening for signals
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) handleShutdown() {
	m.mu.Lock()
	handlers := make([]func(), len(m.shutdownHandlers))
	copy(handlers, m.shutdownHandlers)
	m.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
}
