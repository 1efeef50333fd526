package dhcp

import (
	"errors"
	"fmt"
	"net"
)

// Snippet is a named block of raw dhcpd configuration.
type Snippet struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Value       string `json:"value"`
}

type FailoverPeer struct {
	Name        string `json:"name"`
	Mode        string `json:"mode"`
	Address     string `json:"address"`
	PeerAddress string `json:"peer_address"`
}

type Pool struct {
	IPRangeLow   string `json:"ip_range_low"`
	IPRangeHigh  string `json:"ip_range_high"`
	FailoverPeer string `json:"failover_peer,omitempty"`
}

type Subnet struct {
	Subnet      string    `json:"subnet"`
	SubnetMask  string    `json:"subnet_mask,omitempty"`
	CIDR        string    `json:"subnet_cidr"`
	BroadcastIP string    `json:"broadcast_ip,omitempty"`
	RouterIP    string    `json:"router_ip,omitempty"`
	DNSServers  []string  `json:"dns_servers,omitempty"`
	NTPServers  []string  `json:"ntp_servers,omitempty"`
	DomainName  string    `json:"domain_name,omitempty"`
	Pools       []Pool    `json:"pools,omitempty"`
	Snippets    []Snippet `json:"dhcp_snippets,omitempty"`
}

type SharedNetwork struct {
	Name    string   `json:"name"`
	Subnets []Subnet `json:"subnets,omitempty"`
}

// Host is a static reservation, keyed by MAC.
type Host struct {
	Host     string    `json:"host"`
	MAC      string    `json:"mac"`
	IP       string    `json:"ip"`
	Snippets []Snippet `json:"dhcp_snippets,omitempty"`
}

type Interface struct {
	Name string `json:"name"`
}

// Desired is the configuration the region wants a DHCP server to run.
// No shared networks means the server should be stopped.
type Desired struct {
	OMAPIKey       string          `json:"omapi_key"`
	FailoverPeers  []FailoverPeer  `json:"failover_peers,omitempty"`
	SharedNetworks []SharedNetwork `json:"shared_networks,omitempty"`
	Hosts          []Host          `json:"hosts,omitempty"`
	Interfaces     []Interface     `json:"interfaces,omitempty"`
	GlobalSnippets []Snippet       `json:"global_dhcp_snippets,omitempty"`
}

// Validate checks addresses for the given family before anything is
// written.
func (d Desired) Validate(v6 bool) error {
	var errs []error
	for _, network := range d.SharedNetworks {
		for _, subnet := range network.Subnets {
			for _, pool := range subnet.Pools {
				low, err := parseIP("pool start", pool.IPRangeLow, v6)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				high, err := parseIP("pool end", pool.IPRangeHigh, v6)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if compareIP(low, high) > 0 {
					errs = append(errs, fmt.Errorf("pool %s-%s in %s is inverted", pool.IPRangeLow, pool.IPRangeHigh, network.Name))
				}
			}
		}
	}
	for _, host := range d.Hosts {
		if _, err := net.ParseMAC(host.MAC); err != nil {
			errs = append(errs, fmt.Errorf("host %s: %w", host.Host, err))
		}
		if _, err := parseIP("host "+host.Host+" address", host.IP, v6); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
