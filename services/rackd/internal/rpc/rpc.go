// Package rpc carries rack-to-region calls over NATS request/reply. It
// provides the connection pool, per-remote client affinity and the
// deduplicating fetcher used by the boot backend.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNoResponse means the region did not answer within the channel's own
	// timeout, or nothing was subscribed to the operation.
	ErrNoResponse = errors.New("no response from region controller")
	// ErrNoConnections means no region connection became live in time.
	ErrNoConnections = errors.New("no connections available to a region controller")
)

// RemoteError is an error reported by the region while handling a call.
type RemoteError struct {
	Operation string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed on region: %s", e.Operation, e.Message)
}

// Client is a handle on one region connection.
type Client interface {
	// Ident identifies the region process behind the connection.
	Ident() string
	// LocalIdent is this rack's own identity as known to the region.
	LocalIdent() string
	Call(ctx context.Context, op Operation, args map[string]string) (map[string]string, error)
}

// Operation names a region call and the argument names it accepts.
type Operation struct {
	Name      string
	Arguments []string
}

// Filter returns the subset of params whose keys op declares. Empty values
// are dropped.
func (op Operation) Filter(params map[string]string) map[string]string {
	out := make(map[string]string, len(op.Arguments))
	for _, name := range op.Arguments {
		if v, ok := params[name]; ok && v != "" {
			out[name] = v
		}
	}
	return out
}

var (
	GetBootConfig = Operation{
		Name: "GetBootConfig",
		Arguments: []string{
			"system_id", "local_ip", "remote_ip", "arch", "subarch",
			"mac", "hardware_uuid", "bios_boot_method",
		},
	}
	MarkNodeFailed = Operation{
		Name:      "MarkNodeFailed",
		Arguments: []string{"system_id", "error_description"},
	}
)

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
