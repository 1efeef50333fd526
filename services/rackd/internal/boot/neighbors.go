package boot

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// NeighborTable maps an IP address to the hardware address last seen for it.
type NeighborTable interface {
	LookupMAC(ip string) (string, bool)
}

// ProcARP reads the kernel's IPv4 neighbour cache.
type ProcARP struct {
	Path string
}

// NewProcARP returns a table over /proc/net/arp.
func NewProcARP() ProcARP {
	return ProcARP{Path: "/proc/net/arp"}
}

func (t ProcARP) LookupMAC(ip string) (string, bool) {
	f, err := os.Open(t.Path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	return scanARP(f, ip)
}

// scanARP finds ip in the /proc/net/arp text format:
// IP address, HW type, Flags, HW address, Mask, Device.
func scanARP(r io.Reader, ip string) (string, bool) {
	sc := bufio.NewScanner(r)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] != ip {
			continue
		}
		mac := strings.ToLower(fields[3])
		if mac == "00:00:00:00:00:00" {
			return "", false
		}
		return mac, true
	}
	return "", false
}
