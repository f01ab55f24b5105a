package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgpuctl/dgpuctl/internal/mode"
)

// DefaultModprobePath is where the per-mode modprobe configuration is
// written so the next boot comes up in the committed mode.
const DefaultModprobePath = "/etc/modprobe.d/dgpud.conf"

const (
	confHeader = "# Generated by dgpud - do not edit\n"

	confBlacklist = `blacklist nouveau
alias nouveau off
blacklist nvidia
blacklist nvidia_drm
blacklist nvidia_modeset
alias nvidia off
alias nvidia_drm off
alias nvidia_modeset off
`

	confNvidiaBase = `options nvidia-drm modeset=1
options nvidia NVreg_DynamicPowerManagement=0x02
`
)

// ModprobeConf renders the modprobe configuration for a target mode.
// NVIDIA-only: AMD and Intel drivers need no module options or blacklisting.
func ModprobeConf(target mode.Mode, vendor mode.Vendor, vfioIDs []string) string {
	if vendor != mode.VendorNvidia {
		return ""
	}

	var b strings.Builder
	b.WriteString(confHeader)

	switch target {
	case mode.ModeHybrid, mode.ModeAsusEgpu, mode.ModeDedicatedOnly:
		b.WriteString(confNvidiaBase)
	case mode.ModeIntegrated:
		b.WriteString(confBlacklist)
	case mode.ModeVfio:
		b.WriteString(confBlacklist)
		if len(vfioIDs) > 0 {
			fmt.Fprintf(&b, "options vfio-pci ids=%s\n", strings.Join(vfioIDs, ","))
			b.WriteString("softdep nvidia pre: vfio-pci\n")
		}
	}
	return b.String()
}

// WriteModprobeConf writes the rendered configuration atomically via a
// temporary file so a crash mid-write cannot leave a half-written conf.
func WriteModprobeConf(path string, content string) error {
	if content == "" {
		// Nothing to pin for this vendor; drop a stale conf if present.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
