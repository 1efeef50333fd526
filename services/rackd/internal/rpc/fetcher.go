package rpc

import (
	"context"
	"maps"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Fetcher collapses concurrent identical calls into one. Calls are
// identical when they share the client ident, the operation and every
// argument.
type Fetcher struct {
	group singleflight.Group
}

// Fetch performs op on client, or joins a call already in flight for the
// same key. Every caller gets its own copy of the result. The shared call
// is detached from the cancellation of whichever caller started it.
func (f *Fetcher) Fetch(ctx context.Context, client Client, op Operation, args map[string]string) (map[string]string, error) {
	key := fetchKey(client.Ident(), op.Name, args)
	shared := context.WithoutCancel(ctx)

	v, err, _ := f.group.Do(key, func() (any, error) {
		return client.Call(shared, op, args)
	})
	if err != nil {
		return nil, err
	}
	return maps.Clone(v.(map[string]string)), nil
}

func fetchKey(ident, op string, args map[string]string) string {
	var b strings.Builder
	b.WriteString(ident)
	b.WriteByte(0)
	b.WriteString(op)
	for _, k := range sortedKeys(args) {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(args[k])
	}
	return b.String()
}
