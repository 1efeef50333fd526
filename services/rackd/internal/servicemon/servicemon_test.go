package servicemon

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSystemctl struct {
	mu     sync.Mutex
	state  map[string]string
	calls  []string
	failOn string
}

func (f *fakeSystemctl) run(ctx context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join(args, " "))
	action, name := args[0], args[1]
	if action == f.failOn {
		return []byte("Job for " + name + " failed."), errors.New("exit status 1")
	}
	switch action {
	case "is-active":
		st, ok := f.state[name]
		if !ok {
			st = "inactive"
		}
		if st != "active" {
			return []byte(st + "\n"), errors.New("exit status 3")
		}
		return []byte("active\n"), nil
	case "start", "restart":
		f.state[name] = "active"
	case "stop":
		f.state[name] = "inactive"
	}
	return nil, nil
}

func newMonitor() (*Systemd, *fakeSystemctl) {
	f := &fakeSystemctl{state: map[string]string{}}
	return NewSystemd(f.run, log.New(io.Discard, "", 0)), f
}

func TestEnsureServiceStartsAndStops(t *testing.T) {
	ctx := context.Background()
	m, f := newMonitor()

	m.On("maas-dhcpd")
	require.NoError(t, m.EnsureService(ctx, "maas-dhcpd"))
	assert.Equal(t, []string{"is-active maas-dhcpd", "start maas-dhcpd"}, f.calls)

	f.calls = nil
	require.NoError(t, m.EnsureService(ctx, "maas-dhcpd"))
	assert.Equal(t, []string{"is-active maas-dhcpd"}, f.calls)

	f.calls = nil
	m.Off("maas-dhcpd")
	require.NoError(t, m.EnsureService(ctx, "maas-dhcpd"))
	assert.Equal(t, []string{"is-active maas-dhcpd", "stop maas-dhcpd"}, f.calls)

	state, err := m.ServiceState(ctx, "maas-dhcpd", true)
	require.NoError(t, err)
	assert.Equal(t, StateOff, state.ActiveState)
}

func TestRestartRequiresOn(t *testing.T) {
	m, f := newMonitor()

	err := m.RestartService(context.Background(), "maas-dhcpd6")
	var actionErr *ServiceActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "restart", actionErr.Action)
	assert.Empty(t, f.calls)

	m.On("maas-dhcpd6")
	require.NoError(t, m.RestartService(context.Background(), "maas-dhcpd6"))
	assert.Equal(t, []string{"restart maas-dhcpd6"}, f.calls)
}

func TestActionFailure(t *testing.T) {
	m, f := newMonitor()
	f.failOn = "start"
	m.On("maas-dhcpd")

	err := m.EnsureService(context.Background(), "maas-dhcpd")
	var actionErr *ServiceActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "maas-dhcpd", actionErr.Service)
	assert.Contains(t, err.Error(), "Job for maas-dhcpd failed.")
}

func TestServiceStateCaching(t *testing.T) {
	ctx := context.Background()
	m, f := newMonitor()
	f.state["maas-dhcpd"] = "failed"

	state, err := m.ServiceState(ctx, "maas-dhcpd", false)
	require.NoError(t, err)
	assert.Equal(t, StateDead, state.ActiveState)

	f.state["maas-dhcpd"] = "active"
	state, err = m.ServiceState(ctx, "maas-dhcpd", false)
	require.NoError(t, err)
	assert.Equal(t, StateDead, state.ActiveState)

	state, err = m.ServiceState(ctx, "maas-dhcpd", true)
	require.NoError(t, err)
	assert.Equal(t, StateOn, state.ActiveState)
}
