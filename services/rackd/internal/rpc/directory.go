package rpc

import (
	"context"
	"sync"
)

// ClientPool is the set of region connections a Directory draws from.
type ClientPool interface {
	AllClients() []Client
	ClientNow(ctx context.Context) (Client, error)
}

// Directory pins each remote boot address to one region client so that a
// machine keeps talking to the same region while that connection lives.
type Directory struct {
	pool    ClientPool
	mu      sync.Mutex
	clients map[string]Client
}

func NewDirectory(pool ClientPool) *Directory {
	return &Directory{pool: pool, clients: make(map[string]Client)}
}

// ClientFor returns the client for remoteIP. A mapping whose client has
// left the live pool is evicted and replaced.
func (d *Directory) ClientFor(ctx context.Context, remoteIP string) (Client, error) {
	if remoteIP == "" {
		return d.pool.ClientNow(ctx)
	}

	d.mu.Lock()
	existing, ok := d.clients[remoteIP]
	d.mu.Unlock()
	if ok {
		if d.live(existing) {
			return existing, nil
		}
		d.mu.Lock()
		if d.clients[remoteIP] == existing {
			delete(d.clients, remoteIP)
		}
		d.mu.Unlock()
	}

	client, err := d.pool.ClientNow(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Another request for the same address may have stored a live client
	// while this one waited on the pool.
	if current, ok := d.clients[remoteIP]; ok && current != existing && d.live(current) {
		return current, nil
	}
	d.clients[remoteIP] = client
	return client, nil
}

func (d *Directory) live(c Client) bool {
	for _, candidate := range d.pool.AllClients() {
		if candidate.Ident() == c.Ident() {
			return true
		}
	}
	return false
}
