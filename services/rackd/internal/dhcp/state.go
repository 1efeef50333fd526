package dhcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/insomniacslk/dhcp/iana"

	"rackd/pkg/render"
	"rackd/services/rackd/internal/boot"
)

// State is a canonical, immutable snapshot of a DHCP server's configuration.
// Equal inputs in any order produce equal states.
type State struct {
	omapiKey       string
	failoverPeers  []FailoverPeer
	sharedNetworks []SharedNetwork
	hosts          map[string]Host
	interfaces     []string
	globalSnippets []Snippet
}

// NewState canonicalises d. Later hosts replace earlier ones with the same
// MAC.
func NewState(d Desired) *State {
	s := &State{
		omapiKey:       d.OMAPIKey,
		failoverPeers:  slices.Clone(d.FailoverPeers),
		sharedNetworks: cloneNetworks(d.SharedNetworks),
		hosts:          make(map[string]Host, len(d.Hosts)),
		globalSnippets: slices.Clone(d.GlobalSnippets),
	}
	sort.SliceStable(s.failoverPeers, func(i, j int) bool { return s.failoverPeers[i].Name < s.failoverPeers[j].Name })
	sort.SliceStable(s.sharedNetworks, func(i, j int) bool { return s.sharedNetworks[i].Name < s.sharedNetworks[j].Name })
	sortSnippets(s.globalSnippets)

	for _, h := range d.Hosts {
		h.MAC = strings.ToLower(h.MAC)
		h.Snippets = slices.Clone(h.Snippets)
		sortSnippets(h.Snippets)
		s.hosts[h.MAC] = h
	}

	seen := make(map[string]struct{}, len(d.Interfaces))
	for _, iface := range d.Interfaces {
		if _, dup := seen[iface.Name]; dup {
			continue
		}
		seen[iface.Name] = struct{}{}
		s.interfaces = append(s.interfaces, iface.Name)
	}
	sort.Strings(s.interfaces)
	return s
}

func cloneNetworks(in []SharedNetwork) []SharedNetwork {
	out := make([]SharedNetwork, len(in))
	for i, n := range in {
		n.Subnets = slices.Clone(n.Subnets)
		for j := range n.Subnets {
			sub := &n.Subnets[j]
			sub.DNSServers = slices.Clone(sub.DNSServers)
			sub.NTPServers = slices.Clone(sub.NTPServers)
			sub.Pools = slices.Clone(sub.Pools)
			sub.Snippets = slices.Clone(sub.Snippets)
		}
		out[i] = n
	}
	return out
}

func sortSnippets(s []Snippet) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Name < s[j].Name })
}

func (s *State) OMAPIKey() string { return s.omapiKey }

// Interfaces returns the sorted interface names.
func (s *State) Interfaces() []string { return slices.Clone(s.interfaces) }

// Hosts returns the reservations ordered by host name, then MAC.
func (s *State) Hosts() []Host {
	hosts := make([]Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Host != hosts[j].Host {
			return hosts[i].Host < hosts[j].Host
		}
		return hosts[i].MAC < hosts[j].MAC
	})
	return hosts
}

// Equal reports whether both states describe the same configuration.
func (s *State) Equal(other *State) bool {
	if s == nil || other == nil {
		return s == other
	}
	return !s.RequiresRestart(other) && same(s.hosts, other.hosts)
}

// RequiresRestart reports whether moving from other to s changes anything
// the host-map protocol cannot: the key, failover peers, shared networks,
// interfaces, global snippets or any host's snippets.
func (s *State) RequiresRestart(other *State) bool {
	return s.omapiKey != other.omapiKey ||
		!same(s.failoverPeers, other.failoverPeers) ||
		!same(s.sharedNetworks, other.sharedNetworks) ||
		!same(s.interfaces, other.interfaces) ||
		!same(s.globalSnippets, other.globalSnippets) ||
		!same(s.hostSnippets(), other.hostSnippets())
}

// hostSnippetSet is one host's snippets, keyed by MAC so that moving a
// snippet between hosts counts as a change.
type hostSnippetSet struct {
	MAC      string    `json:"mac"`
	Snippets []Snippet `json:"snippets"`
}

func (s *State) hostSnippets() []hostSnippetSet {
	var all []hostSnippetSet
	for mac, h := range s.hosts {
		if len(h.Snippets) == 0 {
			continue
		}
		all = append(all, hostSnippetSet{MAC: mac, Snippets: h.Snippets})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].MAC < all[j].MAC })
	return all
}

// HostDiff lists the reservations to remove, add and modify to go from
// other to s. Each list is ordered by MAC.
func (s *State) HostDiff(other *State) (remove, add, modify []Host) {
	for mac, h := range s.hosts {
		prev, ok := other.hosts[mac]
		switch {
		case !ok:
			add = append(add, h)
		case prev.IP != h.IP:
			modify = append(modify, h)
		}
	}
	for mac, h := range other.hosts {
		if _, ok := s.hosts[mac]; !ok {
			remove = append(remove, h)
		}
	}
	for _, list := range [][]Host{remove, add, modify} {
		sort.Slice(list, func(i, j int) bool { return list[i].MAC < list[j].MAC })
	}
	return remove, add, modify
}

type configView struct {
	OMAPIKey          string
	FailoverPeers     []FailoverPeer
	SharedNetworks    []SharedNetwork
	Hosts             []Host
	GlobalSnippets    []Snippet
	BootLoaders       []boot.BootLoader
	DefaultBootLoader string
}

// Config renders the server's configuration file and interfaces file.
// Boot loaders are only written for servers that select them.
func (s *State) Config(server Server, engine *render.Engine, loaders []boot.BootLoader) (string, string, error) {
	view := configView{
		OMAPIKey:       s.omapiKey,
		FailoverPeers:  s.failoverPeers,
		SharedNetworks: s.sharedNetworks,
		Hosts:          s.Hosts(),
		GlobalSnippets: s.globalSnippets,
	}
	if server.BootLoaders {
		for _, l := range loaders {
			if l.Arch == iana.INTEL_X86PC && view.DefaultBootLoader == "" {
				view.DefaultBootLoader = l.Filename
				continue
			}
			view.BootLoaders = append(view.BootLoaders, l)
		}
	}
	config, err := engine.Render(server.Template, view)
	if err != nil {
		return "", "", fmt.Errorf("render %s: %w", server.Template, err)
	}
	return config, strings.Join(s.interfaces, " "), nil
}

// same compares canonical JSON so nil and empty collections are equal.
func same(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(normaliseEmpty(ja), normaliseEmpty(jb))
}

func normaliseEmpty(b []byte) []byte {
	switch string(b) {
	case "null", "[]", "{}":
		return nil
	}
	return b
}
