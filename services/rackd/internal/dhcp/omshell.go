package dhcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// HostMapClient edits host reservations on a running DHCP server.
type HostMapClient interface {
	Create(ctx context.Context, ip, mac string) error
	Remove(ctx context.Context, mac string) error
}

// ExternalProcessError carries the output of a failed helper process.
type ExternalProcessError struct {
	Command    string
	ReturnCode int
	Output     string
}

func (e *ExternalProcessError) Error() string {
	return fmt.Sprintf("command %s returned non-zero exit status %d: %s", e.Command, e.ReturnCode, strings.TrimSpace(e.Output))
}

// ScriptRunner feeds script to the omshell binary and returns its output
// and exit code.
type ScriptRunner func(ctx context.Context, binary, script string) (string, int, error)

func execScript(ctx context.Context, binary, script string) (string, int, error) {
	cmd := exec.CommandContext(ctx, binary)
	cmd.Stdin = strings.NewReader(script)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return out.String(), -1, err
	}
	return out.String(), 0, nil
}

// Omshell talks OMAPI to the local dhcpd through the omshell binary.
type Omshell struct {
	Binary string
	Server string
	Port   int
	Key    string
	run    ScriptRunner
}

// NewOmshell returns a client for the dhcpd listening on port with key.
func NewOmshell(binary string, port int, key string) *Omshell {
	if binary == "" {
		binary = "omshell"
	}
	return &Omshell{Binary: binary, Server: "127.0.0.1", Port: port, Key: key, run: execScript}
}

func (o *Omshell) header() string {
	return fmt.Sprintf("server %s\nport %d\nkey omapi_key %s\nconnect\n", o.Server, o.Port, o.Key)
}

// Create adds a reservation of ip for mac. A reservation that already
// exists counts as created.
func (o *Omshell) Create(ctx context.Context, ip, mac string) error {
	script := o.header() +
		"new host\n" +
		fmt.Sprintf("set ip-address = %s\n", ip) +
		fmt.Sprintf("set hardware-address = %s\n", mac) +
		"set hardware-type = 1\n" +
		fmt.Sprintf("set name = \"%s\"\n", hostName(mac)) +
		"create\n"
	out, code, err := o.run(ctx, o.Binary, script)
	if err != nil {
		return err
	}
	// omshell has no success marker; the echoed object is the best signal.
	if strings.Contains(out, "hardware-type") || strings.Contains(out, "can't open object: I/O error") {
		return nil
	}
	return &ExternalProcessError{Command: o.Binary, ReturnCode: code, Output: out}
}

// Remove deletes the reservation for mac. A missing reservation counts as
// removed.
func (o *Omshell) Remove(ctx context.Context, mac string) error {
	script := o.header() +
		"new host\n" +
		fmt.Sprintf("set name = \"%s\"\n", hostName(mac)) +
		"open\n" +
		"remove\n"
	out, code, err := o.run(ctx, o.Binary, script)
	if err != nil {
		return err
	}
	if strings.Contains(out, "obj: <null>") || strings.Contains(out, "can't open object: not found") {
		return nil
	}
	return &ExternalProcessError{Command: o.Binary, ReturnCode: code, Output: out}
}

func hostName(mac string) string {
	return strings.ReplaceAll(strings.ToLower(mac), ":", "-")
}
