package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"
)

type conn interface {
	IsConnected() bool
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Close()
}

type request struct {
	Ident string            `json:"ident"`
	Args  map[string]string `json:"args"`
}

type response struct {
	Result map[string]string `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

type natsClient struct {
	ident      string
	localIdent string
	prefix     string
	timeout    time.Duration
	conn       conn
}

func (c *natsClient) Ident() string      { return c.ident }
func (c *natsClient) LocalIdent() string { return c.localIdent }

func (c *natsClient) Call(ctx context.Context, op Operation, args map[string]string) (map[string]string, error) {
	data, err := json.Marshal(request{Ident: c.localIdent, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", op.Name, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.conn.RequestWithContext(ctx, c.prefix+"."+op.Name, data)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", op.Name, ErrNoResponse)
		}
		return nil, fmt.Errorf("call %s: %w", op.Name, err)
	}

	var resp response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op.Name, err)
	}
	if resp.Error != "" {
		return nil, &RemoteError{Operation: op.Name, Message: resp.Error}
	}
	if resp.Result == nil {
		resp.Result = map[string]string{}
	}
	return resp.Result, nil
}

// PoolOptions tunes a Pool.
type PoolOptions struct {
	// LocalIdent is this rack's system id.
	LocalIdent    string
	SubjectPrefix string
	// Timeout bounds each call; it is the channel's own timeout.
	Timeout time.Duration
	// WaitAttempts and WaitInterval bound how long ClientNow waits for a
	// live connection.
	WaitAttempts uint64
	WaitInterval time.Duration
}

// Pool holds one NATS connection per region endpoint.
type Pool struct {
	opts    PoolOptions
	logger  *log.Logger
	mu      sync.RWMutex
	clients []*natsClient
	next    atomic.Uint64
}

// Dial connects to every url. Connections that are not yet reachable keep
// retrying in the background and join AllClients once connected.
func Dial(urls []string, opts PoolOptions, logger *log.Logger, natsOpts ...nats.Option) (*Pool, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one region url is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	p := newPool(opts, logger)
	for _, u := range urls {
		connOpts := append([]nats.Option{
			nats.Name("rackd " + opts.LocalIdent),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Printf("WARN region connection %s lost: %v", u, err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Printf("INFO region connection %s re-established", nc.ConnectedUrl())
			}),
		}, natsOpts...)

		nc, err := nats.Connect(u, connOpts...)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("connect %s: %w", u, err)
		}
		p.add(nc)
	}
	return p, nil
}

func newPool(opts PoolOptions, logger *log.Logger) *Pool {
	if opts.WaitAttempts == 0 {
		opts.WaitAttempts = 10
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = 500 * time.Millisecond
	}
	return &Pool{opts: opts, logger: logger}
}

func (p *Pool) add(c conn) *natsClient {
	client := &natsClient{
		ident:      uuid.NewString(),
		localIdent: p.opts.LocalIdent,
		prefix:     p.opts.SubjectPrefix,
		timeout:    p.opts.Timeout,
		conn:       c,
	}
	p.mu.Lock()
	p.clients = append(p.clients, client)
	p.mu.Unlock()
	return client
}

// AllClients returns the currently connected clients.
func (p *Pool) AllClients() []Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	live := make([]Client, 0, len(p.clients))
	for _, c := range p.clients {
		if c.conn.IsConnected() {
			live = append(live, c)
		}
	}
	return live
}

// ClientNow returns a live client, waiting a bounded time for one to
// connect. It returns ErrNoConnections when none does.
func (p *Pool) ClientNow(ctx context.Context) (Client, error) {
	var picked Client
	backoff := retry.WithMaxRetries(p.opts.WaitAttempts, retry.NewConstant(p.opts.WaitInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		live := p.AllClients()
		if len(live) == 0 {
			return retry.RetryableError(ErrNoConnections)
		}
		picked = live[p.next.Add(1)%uint64(len(live))]
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoConnections) {
			return nil, ErrNoConnections
		}
		return nil, err
	}
	return picked, nil
}

// Close closes every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.conn.Close()
	}
	p.clients = nil
}
