package tftp

import (
	"context"
	"log"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Listener is a running per-address server.
type Listener interface {
	Shutdown()
}

// ListenerFactory starts a listener on ip.
type ListenerFactory func(ctx context.Context, ip string) (Listener, error)

// AddressSource lists the host's current addresses.
type AddressSource func() ([]string, error)

// ListenerSet keeps one listener per usable host address.
type ListenerSet struct {
	factory   ListenerFactory
	addresses AddressSource
	refresh   time.Duration
	logger    *log.Logger

	mu        sync.Mutex
	listeners map[string]Listener
}

func NewListenerSet(factory ListenerFactory, addresses AddressSource, refresh time.Duration, logger *log.Logger) *ListenerSet {
	if logger == nil {
		logger = log.Default()
	}
	if addresses == nil {
		addresses = HostAddresses
	}
	if refresh <= 0 {
		refresh = 45 * time.Second
	}
	return &ListenerSet{
		factory:   factory,
		addresses: addresses,
		refresh:   refresh,
		logger:    logger,
		listeners: make(map[string]Listener),
	}
}

// ServerFactory builds listeners that are TFTP servers sharing cfg.
func ServerFactory(cfg ServerConfig) ListenerFactory {
	return func(ctx context.Context, ip string) (Listener, error) {
		return Listen(ctx, ip, cfg)
	}
}

// Update starts listeners on new addresses and stops those whose address
// went away. A failure to bind one address does not affect the others.
func (l *ListenerSet) Update(ctx context.Context) error {
	addrs, err := l.addresses()
	if err != nil {
		return err
	}
	desired := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if isLinkLocal(a) {
			continue
		}
		desired[a] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for addr := range desired {
		if _, ok := l.listeners[addr]; ok {
			continue
		}
		ln, err := l.factory(ctx, addr)
		if err != nil {
			l.logger.Printf("WARN tftp: cannot serve on %s: %v", addr, err)
			continue
		}
		l.listeners[addr] = ln
		l.logger.Printf("INFO tftp: serving on %s", addr)
	}
	for addr, ln := range l.listeners {
		if _, ok := desired[addr]; ok {
			continue
		}
		ln.Shutdown()
		delete(l.listeners, addr)
		l.logger.Printf("INFO tftp: stopped serving on %s", addr)
	}
	return nil
}

// Addresses returns the addresses currently served, sorted.
func (l *ListenerSet) Addresses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.listeners))
	for addr := range l.listeners {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Run reconciles immediately and then every refresh interval until ctx is
// done, when every listener is shut down.
func (l *ListenerSet) Run(ctx context.Context, ready *atomic.Bool) error {
	if err := l.Update(ctx); err != nil {
		l.logger.Printf("WARN tftp: address scan failed: %v", err)
	}
	if ready != nil {
		ready.Store(true)
	}

	ticker := time.NewTicker(l.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-ticker.C:
			if err := l.Update(ctx); err != nil {
				l.logger.Printf("WARN tftp: address scan failed: %v", err)
			}
		}
	}
}

func (l *ListenerSet) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, ln := range l.listeners {
		ln.Shutdown()
		delete(l.listeners, addr)
	}
}

// HostAddresses lists the IP addresses configured on the host's interfaces.
func HostAddresses() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		out = append(out, ipnet.IP.String())
	}
	return out, nil
}

func isLinkLocal(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
