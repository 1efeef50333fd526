package dhcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
)

// Configurer applies a desired state to one server.
type Configurer interface {
	Configure(ctx context.Context, server Server, desired Desired) error
}

// Subscription is the bus surface the subscriber needs. fn receives each
// message with its stream sequence, 0 when unknown.
type Subscription interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, seq uint64, data []byte) error) (io.Closer, error)
}

type serverSlot struct {
	mu      sync.Mutex
	handled uint64
}

// Subscriber feeds desired states from the bus into a Configurer, one at a
// time per server. A message at or below the last handled sequence for its
// server is acked without being applied, so a redelivered failure never
// overwrites a newer state.
type Subscriber struct {
	configurer Configurer
	logger     *log.Logger
	slots      map[string]*serverSlot
}

func NewSubscriber(c Configurer, logger *log.Logger, servers ...Server) *Subscriber {
	if logger == nil {
		logger = log.Default()
	}
	s := &Subscriber{configurer: c, logger: logger, slots: make(map[string]*serverSlot, len(servers))}
	for _, server := range servers {
		s.slots[server.Service] = &serverSlot{}
	}
	return s
}

// Handle decodes one desired-state message for server and applies it.
func (s *Subscriber) Handle(ctx context.Context, server Server, seq uint64, data []byte) error {
	slot, ok := s.slots[server.Service]
	if !ok {
		return fmt.Errorf("unknown dhcp service %s", server.Service)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if seq != 0 && seq <= slot.handled {
		s.logger.Printf("WARN %s: skipping stale desired state %d, already at %d", server.Name, seq, slot.handled)
		return nil
	}

	var desired Desired
	if err := json.Unmarshal(data, &desired); err != nil {
		// Redelivery cannot fix a malformed message.
		s.logger.Printf("ERROR %s: discarding malformed desired state: %v", server.Name, err)
		slot.advance(seq)
		return nil
	}
	if err := desired.Validate(server.IPv6); err != nil {
		s.logger.Printf("ERROR %s: discarding invalid desired state: %v", server.Name, err)
		slot.advance(seq)
		return nil
	}

	if err := s.configurer.Configure(ctx, server, desired); err != nil {
		return err
	}
	slot.advance(seq)
	s.logger.Printf("INFO %s configured: %d shared networks, %d hosts", server.Name, len(desired.SharedNetworks), len(desired.Hosts))
	return nil
}

func (s *serverSlot) advance(seq uint64) {
	if seq > s.handled {
		s.handled = seq
	}
}

// Start subscribes every server to its subject under a durable consumer
// named after consumer and the service. The returned closers end the
// subscriptions.
func (s *Subscriber) Start(ctx context.Context, bus Subscription, consumer string, servers ...Server) ([]io.Closer, error) {
	var closers []io.Closer
	for _, server := range servers {
		server := server
		closer, err := bus.Subscribe(ctx, server.Subject, consumer+"-"+server.Service, func(ctx context.Context, seq uint64, data []byte) error {
			return s.Handle(ctx, server, seq, data)
		})
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, fmt.Errorf("subscribe %s: %w", server.Subject, err)
		}
		closers = append(closers, closer)
	}
	return closers, nil
}
