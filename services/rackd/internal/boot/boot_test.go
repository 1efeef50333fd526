package boot

import (
	"io"
	"strings"
	"testing"

	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rackd/pkg/render"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	engine, err := render.New()
	require.NoError(t, err)
	return DefaultRegistry(engine)
}

func TestRegistryMatch(t *testing.T) {
	reg := newRegistry(t)

	cases := []struct {
		path    string
		method  string
		mac     string
		arch    string
		subarch string
	}{
		{path: "pxelinux.cfg/01-AA-BB-CC-DD-EE-FF", method: "pxe", mac: "aa:bb:cc:dd:ee:ff"},
		{path: "/pxelinux.cfg/default", method: "pxe"},
		{path: "pxelinux.cfg/default.amd64-generic", method: "pxe", arch: "amd64", subarch: "generic"},
		{path: "grub/grub.cfg-aa:bb:cc:dd:ee:ff", method: "uefi", mac: "aa:bb:cc:dd:ee:ff"},
		{path: "grub/grub.cfg-default-amd64", method: "uefi", arch: "amd64"},
		{path: "ipxe.cfg", method: "ipxe"},
		{path: "ipxe.cfg-aa-bb-cc-dd-ee-ff", method: "ipxe", mac: "aa:bb:cc:dd:ee:ff"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			m, p, ok := reg.Match(tc.path)
			require.True(t, ok)
			assert.Equal(t, tc.method, m.Name())
			assert.Equal(t, tc.mac, p.MAC)
			assert.Equal(t, tc.arch, p.Arch)
			assert.Equal(t, tc.subarch, p.Subarch)
			assert.Equal(t, m.BIOSBootMethod(), p.BIOSBootMethod)
		})
	}

	for _, path := range []string{"lpxelinux.0", "ubuntu/amd64/generic/jammy/stable/boot-kernel", "pxelinux.cfg/C0A8000A"} {
		_, _, ok := reg.Match(path)
		assert.False(t, ok, path)
	}
}

func TestRegistryBootLoaders(t *testing.T) {
	loaders := newRegistry(t).BootLoaders()
	require.Len(t, loaders, 4)
	assert.Equal(t, iana.INTEL_X86PC, loaders[0].Arch)
	assert.Equal(t, "lpxelinux.0", loaders[0].Filename)
	assert.Equal(t, "00:00", loaders[0].ArchOctet())
	assert.Equal(t, "00:07", loaders[1].ArchOctet())
	assert.Equal(t, "00:09", loaders[2].ArchOctet())
	assert.Equal(t, "00:0b", loaders[3].ArchOctet())
}

func TestArchitecturesCanonical(t *testing.T) {
	archs := DefaultArchitectures()

	assert.Equal(t, "amd64", archs.Canonical("x86_64"))
	assert.Equal(t, "arm64", archs.Canonical("aarch64"))
	assert.Equal(t, "i386", archs.Canonical("i686"))
	assert.Equal(t, "amd64", archs.Canonical("amd64"))
	assert.Equal(t, "mips", archs.Canonical("mips"))

	_, ok := archs.ByPXEAlias("sparc")
	assert.False(t, ok)
}

func TestApplyBootConfigDefaultsKernelRelease(t *testing.T) {
	p := &Params{Arch: "amd64"}
	p.ApplyBootConfig(map[string]string{
		"osystem":  "ubuntu",
		"release":  "jammy",
		"subarch":  "generic",
		"purpose":  "xinstall",
		"hostname": "node-1",
		"arch":     "",
	})
	assert.Equal(t, "amd64", p.Arch)
	assert.Equal(t, "ubuntu", p.KernelOSystem)
	assert.Equal(t, "jammy", p.KernelRelease)
	assert.Equal(t, "xinstall", p.Purpose)
}

func TestKernelParameters(t *testing.T) {
	p := &Params{
		OSystem: "ubuntu", Release: "jammy", Arch: "amd64", Subarch: "generic",
		Label: "stable", Hostname: "node-1", Domain: "maas", XInstallPath: "squashfs",
		LocalIP: "10.0.0.1", Purpose: PurposeXInstall,
	}
	kp := NewKernelParameters(p, Endpoints{LogPort: 5247})

	assert.Equal(t, "ubuntu/amd64/generic/jammy/stable", kp.ImagePath())
	assert.Equal(t, "ubuntu/amd64/generic/jammy/stable/boot-kernel", kp.KernelPath())
	assert.Equal(t, "ubuntu/amd64/generic/jammy/stable/boot-initrd", kp.InitrdPath())
	assert.Equal(t, "", kp.DTBPath())
	assert.Equal(t, "node-1.maas", kp.FQDN())
	assert.Equal(t,
		"nomodeset ro root=squash:http://10.0.0.1/images/ubuntu/amd64/generic/jammy/stable/squashfs "+
			"ip=::::node-1:BOOTIF ip6=off overlayroot=tmpfs log_host=10.0.0.1 log_port=5247",
		kp.CommandLine())
}

func TestRenderLocalAndExecute(t *testing.T) {
	reg := newRegistry(t)
	m, _, ok := reg.Match("pxelinux.cfg/default")
	require.True(t, ok)

	local := &Params{Purpose: PurposeLocal}
	r, err := m.Render(local, NewKernelParameters(local, Endpoints{}))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(out), "LOCALBOOT 0")

	install := &Params{OSystem: "ubuntu", Release: "jammy", Arch: "amd64", Subarch: "generic", Label: "stable"}
	r, err = m.Render(install, NewKernelParameters(install, Endpoints{}))
	require.NoError(t, err)
	out, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "DEFAULT execute"))
	assert.Contains(t, string(out), "KERNEL ubuntu/amd64/generic/jammy/stable/boot-kernel")
}

func TestScanARP(t *testing.T) {
	table := `IP address       HW type     Flags       HW address            Mask     Device
10.0.0.5         0x1         0x2         AA:BB:CC:DD:EE:FF     *        eth0
10.0.0.6         0x1         0x0         00:00:00:00:00:00     *        eth0
`
	mac, ok := scanARP(strings.NewReader(table), "10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", mac)

	_, ok = scanARP(strings.NewReader(table), "10.0.0.6")
	assert.False(t, ok, "incomplete entries have no address")

	_, ok = scanARP(strings.NewReader(table), "10.0.0.7")
	assert.False(t, ok)

	_, ok = ProcARP{Path: t.TempDir() + "/missing"}.LookupMAC("10.0.0.5")
	assert.False(t, ok)
}
