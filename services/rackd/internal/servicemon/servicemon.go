// Package servicemon drives the operating system services rackd manages.
// Each service carries a desired state (on or off); EnsureService moves the
// running service toward it.
package servicemon

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
)

const (
	StateOn       = "on"
	StateOff      = "off"
	StateDead     = "dead"
	StateUnknown  = "unknown"
	StateStarting = "starting"
)

// ServiceState is the observed state of a service.
type ServiceState struct {
	ActiveState string
	// Raw is the service manager's own word for the state.
	Raw string
}

// ServiceActionError is returned when the service manager refused or failed
// an action. It has been logged by the monitor already.
type ServiceActionError struct {
	Service string
	Action  string
	Output  string
	Err     error
}

func (e *ServiceActionError) Error() string {
	msg := fmt.Sprintf("service %s failed to %s", e.Service, e.Action)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ServiceActionError) Unwrap() error { return e.Err }

// Monitor is the contract the DHCP reconciler uses.
type Monitor interface {
	On(name string)
	Off(name string)
	EnsureService(ctx context.Context, name string) error
	RestartService(ctx context.Context, name string) error
	ServiceState(ctx context.Context, name string, now bool) (ServiceState, error)
}

// Runner executes the service manager binary and returns its combined output.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// ExecRunner runs binary with exec.CommandContext.
func ExecRunner(binary string) Runner {
	return func(ctx context.Context, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, binary, args...).CombinedOutput()
	}
}

// Systemd implements Monitor over systemctl.
type Systemd struct {
	run    Runner
	logger *log.Logger

	mu      sync.Mutex
	desired map[string]bool
	last    map[string]ServiceState
}

func NewSystemd(run Runner, logger *log.Logger) *Systemd {
	if run == nil {
		run = ExecRunner("systemctl")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Systemd{
		run:     run,
		logger:  logger,
		desired: make(map[string]bool),
		last:    make(map[string]ServiceState),
	}
}

func (s *Systemd) On(name string) {
	s.mu.Lock()
	s.desired[name] = true
	s.mu.Unlock()
}

func (s *Systemd) Off(name string) {
	s.mu.Lock()
	s.desired[name] = false
	s.mu.Unlock()
}

func (s *Systemd) wantsOn(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired[name]
}

// EnsureService starts a service that should be on and stops one that
// should be off. Services already in the desired state are left alone.
func (s *Systemd) EnsureService(ctx context.Context, name string) error {
	state, err := s.ServiceState(ctx, name, true)
	if err != nil {
		return err
	}
	if s.wantsOn(name) {
		if state.ActiveState == StateOn {
			return nil
		}
		return s.action(ctx, name, "start")
	}
	if state.ActiveState == StateOff || state.ActiveState == StateDead {
		return nil
	}
	return s.action(ctx, name, "stop")
}

// RestartService restarts a service that should be on.
func (s *Systemd) RestartService(ctx context.Context, name string) error {
	if !s.wantsOn(name) {
		err := &ServiceActionError{Service: name, Action: "restart", Output: "service is not expected to be on"}
		s.logger.Printf("ERROR %v", err)
		return err
	}
	return s.action(ctx, name, "restart")
}

// ServiceState asks systemd for the state when now is set or nothing is
// known yet; otherwise the last observed state is returned.
func (s *Systemd) ServiceState(ctx context.Context, name string, now bool) (ServiceState, error) {
	if !now {
		s.mu.Lock()
		cached, ok := s.last[name]
		s.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	out, err := s.run(ctx, "is-active", name)
	raw := strings.TrimSpace(string(out))
	// is-active exits non-zero for every state but active.
	if raw == "" && err != nil {
		actionErr := &ServiceActionError{Service: name, Action: "query", Err: err}
		s.logger.Printf("ERROR %v: %v", actionErr, err)
		return ServiceState{}, actionErr
	}

	state := ServiceState{ActiveState: activeState(raw), Raw: raw}
	s.mu.Lock()
	s.last[name] = state
	s.mu.Unlock()
	return state, nil
}

func (s *Systemd) action(ctx context.Context, name, action string) error {
	out, err := s.run(ctx, action, name)
	s.mu.Lock()
	delete(s.last, name)
	s.mu.Unlock()
	if err != nil {
		actionErr := &ServiceActionError{Service: name, Action: action, Output: strings.TrimSpace(string(out)), Err: err}
		s.logger.Printf("ERROR %v", actionErr)
		return actionErr
	}
	s.logger.Printf("INFO service %s: %s done", name, action)
	return nil
}

func activeState(raw string) string {
	switch raw {
	case "active", "reloading":
		return StateOn
	case "inactive":
		return StateOff
	case "failed":
		return StateDead
	case "activating", "deactivating":
		return StateStarting
	default:
		return StateUnknown
	}
}
