package boot

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/insomniacslk/dhcp/iana"

	"rackd/pkg/render"
)

// BootLoader is the first-stage file handed to firmware of one architecture.
type BootLoader struct {
	Arch     iana.Arch
	Filename string
}

// ArchOctet formats the client architecture code the way dhcpd compares
// option 93.
func (l BootLoader) ArchOctet() string {
	return fmt.Sprintf("%02x:%02x", uint16(l.Arch)>>8, uint16(l.Arch)&0xff)
}

// Method recognises the config file names one family of boot firmware asks
// for and renders the matching config.
type Method interface {
	Name() string
	BIOSBootMethod() string
	BootLoaders() []BootLoader
	// Match extracts request params from a normalised file name.
	Match(fileName string) (*Params, bool)
	Render(params *Params, kp KernelParameters) (io.Reader, error)
}

const macPattern = `(?:[0-9a-fA-F]{2}[:-]){5}[0-9a-fA-F]{2}`

type templateMethod struct {
	name           string
	biosBootMethod string
	template       string
	loaders        []BootLoader
	pattern        *regexp.Regexp
	engine         *render.Engine
}

// PXELinux serves pxelinux.cfg/01-<mac> and pxelinux.cfg/default[.arch-subarch].
func PXELinux(engine *render.Engine) Method {
	return &templateMethod{
		name:           "pxe",
		biosBootMethod: "pxe",
		template:       "pxelinux.tmpl",
		loaders:        []BootLoader{{Arch: iana.INTEL_X86PC, Filename: "lpxelinux.0"}},
		pattern: regexp.MustCompile(`^/*pxelinux\.cfg/(?:01-(?P<mac>` + macPattern + `)|default(?:[.-](?P<arch>\w+)(?:-(?P<subarch>\w+))?)?)$`),
		engine:  engine,
	}
}

// GRUB serves the UEFI grub/grub.cfg-<mac> and grub/grub.cfg-default-<arch> files.
func GRUB(engine *render.Engine) Method {
	return &templateMethod{
		name:           "uefi",
		biosBootMethod: "uefi",
		template:       "grub.tmpl",
		loaders: []BootLoader{
			{Arch: iana.EFI_BC, Filename: "bootx64.efi"},
			{Arch: iana.EFI_X86_64, Filename: "bootx64.efi"},
			{Arch: iana.EFI_ARM64, Filename: "grubaa64.efi"},
		},
		pattern: regexp.MustCompile(`^/*grub/grub\.cfg-(?:(?P<mac>` + macPattern + `)|default-(?P<arch>\w+)(?:-(?P<subarch>\w+))?)$`),
		engine:  engine,
	}
}

// IPXE serves ipxe.cfg and ipxe.cfg-<mac>.
func IPXE(engine *render.Engine) Method {
	return &templateMethod{
		name:           "ipxe",
		biosBootMethod: "ipxe",
		template:       "ipxe.tmpl",
		pattern:        regexp.MustCompile(`^/*ipxe\.cfg(?:-(?P<mac>` + macPattern + `))?$`),
		engine:         engine,
	}
}

func (m *templateMethod) Name() string              { return m.name }
func (m *templateMethod) BIOSBootMethod() string    { return m.biosBootMethod }
func (m *templateMethod) BootLoaders() []BootLoader { return m.loaders }

func (m *templateMethod) Match(fileName string) (*Params, bool) {
	groups := m.pattern.FindStringSubmatch(fileName)
	if groups == nil {
		return nil, false
	}
	p := &Params{BIOSBootMethod: m.biosBootMethod}
	for i, name := range m.pattern.SubexpNames() {
		switch name {
		case "mac":
			p.MAC = normaliseMAC(groups[i])
		case "arch":
			p.Arch = groups[i]
		case "subarch":
			p.Subarch = groups[i]
		}
	}
	return p, true
}

type view struct {
	Local   bool
	Kernel  string
	Initrd  string
	BootDTB string
	Append  string
}

func (m *templateMethod) Render(params *Params, kp KernelParameters) (io.Reader, error) {
	v := view{Local: params.Purpose == PurposeLocal}
	if !v.Local {
		v.Kernel = kp.KernelPath()
		v.Initrd = kp.InitrdPath()
		v.BootDTB = kp.DTBPath()
		v.Append = kp.CommandLine()
	}
	out, err := m.engine.Render(m.template, v)
	if err != nil {
		return nil, fmt.Errorf("render %s config: %w", m.name, err)
	}
	return strings.NewReader(out), nil
}

func normaliseMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, "-", ":"))
}

// Registry is the ordered list of boot methods consulted for each request.
type Registry struct {
	methods []Method
}

// NewRegistry returns a registry consulted in the given order.
func NewRegistry(methods ...Method) *Registry {
	return &Registry{methods: methods}
}

// DefaultRegistry registers pxelinux, grub and iPXE in that order.
func DefaultRegistry(engine *render.Engine) *Registry {
	return NewRegistry(PXELinux(engine), GRUB(engine), IPXE(engine))
}

// Match returns the first method whose pattern accepts fileName.
func (r *Registry) Match(fileName string) (Method, *Params, bool) {
	for _, m := range r.methods {
		if p, ok := m.Match(fileName); ok {
			return m, p, true
		}
	}
	return nil, nil, false
}

func (r *Registry) Methods() []Method {
	return r.methods
}

// BootLoaders lists every method's loaders. The first loader registered for
// an architecture wins.
func (r *Registry) BootLoaders() []BootLoader {
	var out []BootLoader
	seen := make(map[iana.Arch]struct{})
	for _, m := range r.methods {
		for _, l := range m.BootLoaders() {
			if _, dup := seen[l.Arch]; dup {
				continue
			}
			seen[l.Arch] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}
