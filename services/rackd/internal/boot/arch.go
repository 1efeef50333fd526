package boot

import "strings"

// Architecture is a fleet architecture and the names boot firmware uses for it.
type Architecture struct {
	Name        string
	Description string
	PXEAliases  []string
}

// Architectures maps firmware naming to the fleet's canonical naming.
type Architectures struct {
	list []Architecture
}

// DefaultArchitectures returns the architectures the rack can boot.
func DefaultArchitectures() *Architectures {
	return NewArchitectures(
		Architecture{Name: "i386/generic", Description: "Intel 32-bit", PXEAliases: []string{"x86", "i686"}},
		Architecture{Name: "amd64/generic", Description: "Intel 64-bit", PXEAliases: []string{"x86_64"}},
		Architecture{Name: "arm64/generic", Description: "ARM 64-bit", PXEAliases: []string{"arm", "aarch64"}},
		Architecture{Name: "armhf/generic", Description: "ARM 32-bit", PXEAliases: []string{"arm32"}},
		Architecture{Name: "ppc64el/generic", Description: "PowerPC 64 little endian", PXEAliases: []string{"ppc64le"}},
		Architecture{Name: "s390x/generic", Description: "IBM System Z"},
	)
}

func NewArchitectures(archs ...Architecture) *Architectures {
	return &Architectures{list: archs}
}

// ByPXEAlias returns the architecture firmware reports as alias.
func (a *Architectures) ByPXEAlias(alias string) (Architecture, bool) {
	for _, arch := range a.list {
		for _, candidate := range arch.PXEAliases {
			if candidate == alias {
				return arch, true
			}
		}
	}
	return Architecture{}, false
}

// Canonical translates a firmware architecture name to the fleet name
// without its subarchitecture. Unknown names pass through unchanged.
func (a *Architectures) Canonical(name string) string {
	arch, ok := a.ByPXEAlias(name)
	if !ok {
		return name
	}
	primary, _, _ := strings.Cut(arch.Name, "/")
	return primary
}
