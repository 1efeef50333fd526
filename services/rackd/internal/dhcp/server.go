package dhcp

import "path/filepath"

// Server describes one managed dhcpd instance.
type Server struct {
	// Name is used in log lines and error messages, e.g. "DHCPv4".
	Name           string
	Service        string
	ConfigFile     string
	InterfacesFile string
	Template       string
	IPv6           bool
	// OMAPIPort is where the running server accepts host-map updates.
	OMAPIPort int
	// Subject carries the desired state published by the region.
	Subject string
	// BootLoaders selects whether the config renders a boot-loader block.
	BootLoaders bool
}

func DHCPv4Server(dir string) Server {
	return Server{
		Name:           "DHCPv4",
		Service:        "maas-dhcpd",
		ConfigFile:     filepath.Join(dir, "dhcpd.conf"),
		InterfacesFile: filepath.Join(dir, "dhcpd-interfaces"),
		Template:       "dhcpd.conf.tmpl",
		OMAPIPort:      7911,
		Subject:        "rackd.dhcp.v4.configure",
		BootLoaders:    true,
	}
}

func DHCPv6Server(dir string) Server {
	return Server{
		Name:           "DHCPv6",
		Service:        "maas-dhcpd6",
		ConfigFile:     filepath.Join(dir, "dhcpd6.conf"),
		InterfacesFile: filepath.Join(dir, "dhcpd6-interfaces"),
		Template:       "dhcpd6.conf.tmpl",
		IPv6:           true,
		OMAPIPort:      7912,
		Subject:        "rackd.dhcp.v6.configure",
	}
}
