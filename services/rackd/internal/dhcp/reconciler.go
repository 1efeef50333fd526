// Package dhcp keeps the local dhcpd configuration and host reservations in
// line with the state the region wants.
package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"rackd/pkg/render"
	"rackd/pkg/workers"
	"rackd/services/rackd/internal/boot"
	"rackd/services/rackd/internal/servicemon"
)

// ConfigurationError is the single failure a reconciliation reports.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string { return e.Message }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// HostMapFactory returns a host-map client for server using key.
type HostMapFactory func(server Server, key string) HostMapClient

// Reconciler applies desired states to DHCP servers. Calls for the same
// server must not overlap; calls for different servers may.
type Reconciler struct {
	Store    *StateStore
	Monitor  servicemon.Monitor
	HostMaps HostMapFactory
	Engine   *render.Engine
	Loaders  []boot.BootLoader
	Pool     *workers.Pool
	Logger   *log.Logger
}

func (r *Reconciler) logger() *log.Logger {
	if r.Logger == nil {
		return log.Default()
	}
	return r.Logger
}

// Configure moves server to desired. The stored state only changes when
// every step succeeds.
func (r *Reconciler) Configure(ctx context.Context, server Server, desired Desired) error {
	if len(desired.SharedNetworks) == 0 {
		return r.stop(ctx, server)
	}

	next := NewState(desired)
	if err := r.writeConfig(ctx, server, next); err != nil {
		return err
	}

	r.Monitor.On(server.Service)

	current := r.Store.Get(server.Service)
	switch {
	case current == nil, next.RequiresRestart(current):
		if err := r.serviceCall(ctx, server, "restart", r.Monitor.RestartService); err != nil {
			return err
		}
	default:
		remove, add, modify := next.HostDiff(current)
		if len(remove)+len(add)+len(modify) == 0 {
			if err := r.serviceCall(ctx, server, "start", r.Monitor.EnsureService); err != nil {
				return err
			}
			break
		}

		// Only a server that was already running gets incremental updates;
		// starting one loads the full new config anyway.
		before, err := r.Monitor.ServiceState(ctx, server.Service, true)
		if err != nil {
			return r.serviceFailure(server, "start", err)
		}
		if err := r.serviceCall(ctx, server, "start", r.Monitor.EnsureService); err != nil {
			return err
		}
		if before.ActiveState == servicemon.StateOn {
			if err := r.updateHosts(ctx, server, next.OMAPIKey(), remove, add, modify); err != nil {
				r.logger().Printf("WARN Failed to update all host maps. Restarting %s service to ensure host maps are in-sync.", server.Name)
				if err := r.serviceCall(ctx, server, "restart", r.Monitor.RestartService); err != nil {
					return err
				}
			}
		}
	}

	r.Store.Set(server.Service, next)
	return nil
}

func (r *Reconciler) stop(ctx context.Context, server Server) error {
	err := r.Pool.Do(ctx, func() error { return deleteFile(server.ConfigFile) })
	if err != nil {
		msg := fmt.Sprintf("Could not remove %s server configuration: %v", server.Name, err)
		r.logger().Printf("ERROR %s", msg)
		return &ConfigurationError{Message: msg, Err: err}
	}

	r.Monitor.Off(server.Service)
	if err := r.serviceCall(ctx, server, "stop", r.Monitor.EnsureService); err != nil {
		return err
	}
	r.Store.Set(server.Service, nil)
	return nil
}

func (r *Reconciler) writeConfig(ctx context.Context, server Server, state *State) error {
	config, interfaces, err := state.Config(server, r.Engine, r.Loaders)
	if err != nil {
		msg := fmt.Sprintf("Could not render %s server configuration: %v", server.Name, err)
		r.logger().Printf("ERROR %s", msg)
		return &ConfigurationError{Message: msg, Err: err}
	}

	err = r.Pool.Do(ctx, func() error {
		if err := writeFile(server.ConfigFile, []byte(config)); err != nil {
			return err
		}
		return writeFile(server.InterfacesFile, []byte(interfaces))
	})
	if err != nil {
		r.logger().Printf("ERROR Could not rewrite %s server configuration (for network interfaces %s): %v", server.Name, interfaces, err)
		return &ConfigurationError{
			Message: fmt.Sprintf("Could not rewrite %s server configuration: %s", server.Name, rootMessage(err)),
			Err:     err,
		}
	}
	return nil
}

func (r *Reconciler) serviceCall(ctx context.Context, server Server, action string, call func(context.Context, string) error) error {
	err := r.Pool.Do(ctx, func() error { return call(ctx, server.Service) })
	if err != nil {
		return r.serviceFailure(server, action, err)
	}
	return nil
}

func (r *Reconciler) serviceFailure(server Server, action string, err error) error {
	msg := fmt.Sprintf("%s server failed to %s: %v", server.Name, action, err)
	var actionErr *servicemon.ServiceActionError
	if !errors.As(err, &actionErr) {
		r.logger().Printf("ERROR %s", msg)
	}
	return &ConfigurationError{Message: msg, Err: err}
}

func (r *Reconciler) updateHosts(ctx context.Context, server Server, key string, remove, add, modify []Host) error {
	client := r.HostMaps(server, key)
	return r.Pool.Do(ctx, func() error {
		for _, h := range remove {
			if err := r.removeHostMap(ctx, client, h.MAC); err != nil {
				return err
			}
		}
		for _, h := range add {
			if err := r.createHostMap(ctx, client, h.MAC, h.IP); err != nil {
				return err
			}
		}
		for _, h := range modify {
			if err := r.removeHostMap(ctx, client, h.MAC); err != nil {
				return err
			}
			if err := r.createHostMap(ctx, client, h.MAC, h.IP); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Reconciler) removeHostMap(ctx context.Context, client HostMapClient, mac string) error {
	if err := client.Remove(ctx, mac); err != nil {
		msg := fmt.Sprintf("Could not remove host map for %s: %s", mac, hostMapMessage(err))
		r.logger().Printf("ERROR %s", msg)
		return errors.New(msg)
	}
	return nil
}

func (r *Reconciler) createHostMap(ctx context.Context, client HostMapClient, mac, ip string) error {
	if err := client.Create(ctx, ip, mac); err != nil {
		msg := fmt.Sprintf("Could not create host map for %s -> %s: %s", mac, ip, hostMapMessage(err))
		r.logger().Printf("ERROR %s", msg)
		return errors.New(msg)
	}
	return nil
}

func hostMapMessage(err error) string {
	var procErr *ExternalProcessError
	if errors.As(err, &procErr) && strings.Contains(procErr.Output, "not connected.") {
		return "The DHCP server could not be reached."
	}
	return err.Error()
}

func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
