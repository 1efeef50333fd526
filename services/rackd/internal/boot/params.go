package boot

import (
	"path"
	"strconv"
	"strings"
)

// Boot purposes reported by the region.
const (
	PurposeCommissioning = "commissioning"
	PurposeEnlist        = "enlist"
	PurposeInstall       = "install"
	PurposeXInstall      = "xinstall"
	PurposeLocal         = "local"
	PurposeLocalDevice   = "local-device"
	PurposePoweroff      = "poweroff"
)

// Params is the state of one boot request as it moves through resolution.
// It is owned by a single request.
type Params struct {
	Arch           string
	Subarch        string
	OSystem        string
	Release        string
	KernelOSystem  string
	KernelRelease  string
	Purpose        string
	Hostname       string
	Domain         string
	MAC            string
	SystemID       string
	HardwareUUID   string
	BIOSBootMethod string

	Label        string
	KernelLabel  string
	XInstallPath string

	LocalIP  string
	RemoteIP string
	Protocol string

	// Filled from the region's boot config.
	Kernel     string
	Initrd     string
	BootDTB    string
	PreseedURL string
	FSHost     string
	LogHost    string
	LogPort    string
	ExtraOpts  string
}

// Arguments returns the request fields in the region's argument naming.
func (p *Params) Arguments() map[string]string {
	return map[string]string{
		"system_id":        p.SystemID,
		"local_ip":         p.LocalIP,
		"remote_ip":        p.RemoteIP,
		"arch":             p.Arch,
		"subarch":          p.Subarch,
		"mac":              p.MAC,
		"hardware_uuid":    p.HardwareUUID,
		"bios_boot_method": p.BIOSBootMethod,
	}
}

// ApplyBootConfig merges the region's boot config answer into p. Kernel OS
// and release default to the booted OS and release.
func (p *Params) ApplyBootConfig(resp map[string]string) {
	set := func(dst *string, key string) {
		if v, ok := resp[key]; ok && v != "" {
			*dst = v
		}
	}
	set(&p.Arch, "arch")
	set(&p.Subarch, "subarch")
	set(&p.OSystem, "osystem")
	set(&p.Release, "release")
	set(&p.KernelOSystem, "kernel_osystem")
	set(&p.KernelRelease, "kernel_release")
	set(&p.Purpose, "purpose")
	set(&p.Hostname, "hostname")
	set(&p.Domain, "domain")
	set(&p.SystemID, "system_id")
	set(&p.Kernel, "kernel")
	set(&p.Initrd, "initrd")
	set(&p.BootDTB, "boot_dtb")
	set(&p.PreseedURL, "preseed_url")
	set(&p.FSHost, "fs_host")
	set(&p.LogHost, "log_host")
	set(&p.LogPort, "log_port")
	set(&p.ExtraOpts, "extra_opts")

	if p.KernelOSystem == "" {
		p.KernelOSystem = p.OSystem
	}
	if p.KernelRelease == "" {
		p.KernelRelease = p.Release
	}
}

// Endpoints are the rack-wide defaults for kernel command line hosts.
type Endpoints struct {
	FSHost  string
	LogHost string
	LogPort int
}

// KernelParameters is everything a boot method needs to render a config.
type KernelParameters struct {
	OSystem       string
	Arch          string
	Subarch       string
	Release       string
	KernelOSystem string
	KernelRelease string
	Label         string
	KernelLabel   string
	Purpose       string
	Hostname      string
	Domain        string
	XInstallPath  string
	Kernel        string
	Initrd        string
	BootDTB       string
	PreseedURL    string
	FSHost        string
	LogHost       string
	LogPort       string
	ExtraOpts     string
	LocalIP       string
	RemoteIP      string
	Protocol      string
}

// NewKernelParameters builds the render inputs from fully resolved params.
// Region supplied hosts win over the rack defaults.
func NewKernelParameters(p *Params, defaults Endpoints) KernelParameters {
	kp := KernelParameters{
		OSystem:       p.OSystem,
		Arch:          p.Arch,
		Subarch:       p.Subarch,
		Release:       p.Release,
		KernelOSystem: p.KernelOSystem,
		KernelRelease: p.KernelRelease,
		Label:         p.Label,
		KernelLabel:   p.KernelLabel,
		Purpose:       p.Purpose,
		Hostname:      p.Hostname,
		Domain:        p.Domain,
		XInstallPath:  p.XInstallPath,
		Kernel:        p.Kernel,
		Initrd:        p.Initrd,
		BootDTB:       p.BootDTB,
		PreseedURL:    p.PreseedURL,
		FSHost:        p.FSHost,
		LogHost:       p.LogHost,
		LogPort:       p.LogPort,
		ExtraOpts:     p.ExtraOpts,
		LocalIP:       p.LocalIP,
		RemoteIP:      p.RemoteIP,
		Protocol:      p.Protocol,
	}
	if kp.KernelOSystem == "" {
		kp.KernelOSystem = kp.OSystem
	}
	if kp.KernelRelease == "" {
		kp.KernelRelease = kp.Release
	}
	if kp.KernelLabel == "" {
		kp.KernelLabel = kp.Label
	}
	if kp.Kernel == "" {
		kp.Kernel = "boot-kernel"
	}
	if kp.Initrd == "" {
		kp.Initrd = "boot-initrd"
	}
	if kp.FSHost == "" {
		kp.FSHost = defaults.FSHost
	}
	if kp.FSHost == "" {
		kp.FSHost = p.LocalIP
	}
	if kp.LogHost == "" {
		kp.LogHost = defaults.LogHost
	}
	if kp.LogHost == "" {
		kp.LogHost = p.LocalIP
	}
	if kp.LogPort == "" && defaults.LogPort != 0 {
		kp.LogPort = strconv.Itoa(defaults.LogPort)
	}
	return kp
}

// ImagePath is the directory, relative to the boot root, of the booted image.
func (kp KernelParameters) ImagePath() string {
	return path.Join(kp.OSystem, kp.Arch, kp.Subarch, kp.Release, kp.Label)
}

func (kp KernelParameters) kernelDir() string {
	return path.Join(kp.KernelOSystem, kp.Arch, kp.Subarch, kp.KernelRelease, kp.KernelLabel)
}

// KernelPath is the kernel file relative to the boot root.
func (kp KernelParameters) KernelPath() string {
	return path.Join(kp.kernelDir(), kp.Kernel)
}

// InitrdPath is the initrd file relative to the boot root.
func (kp KernelParameters) InitrdPath() string {
	return path.Join(kp.kernelDir(), kp.Initrd)
}

// DTBPath is the device tree file, or "" when the image has none.
func (kp KernelParameters) DTBPath() string {
	if kp.BootDTB == "" {
		return ""
	}
	return path.Join(kp.kernelDir(), kp.BootDTB)
}

// FQDN joins the hostname and domain.
func (kp KernelParameters) FQDN() string {
	if kp.Domain == "" {
		return kp.Hostname
	}
	return kp.Hostname + "." + kp.Domain
}

// CommandLine is the kernel append line.
func (kp KernelParameters) CommandLine() string {
	opts := []string{"nomodeset", "ro"}
	if kp.XInstallPath != "" && kp.FSHost != "" {
		opts = append(opts, "root=squash:http://"+kp.FSHost+"/images/"+path.Join(kp.ImagePath(), kp.XInstallPath))
	}
	opts = append(opts, "ip=::::"+kp.Hostname+":BOOTIF", "ip6=off", "overlayroot=tmpfs")
	if kp.PreseedURL != "" {
		opts = append(opts, "cloud-config-url="+kp.PreseedURL)
	}
	if kp.LogHost != "" {
		opts = append(opts, "log_host="+kp.LogHost)
		if kp.LogPort != "" {
			opts = append(opts, "log_port="+kp.LogPort)
		}
	}
	if extra := strings.TrimSpace(kp.ExtraOpts); extra != "" {
		opts = append(opts, extra)
	}
	return strings.Join(opts, " ")
}
