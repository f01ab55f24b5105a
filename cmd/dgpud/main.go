// Package main is the entry point for the dgpud GPU mode daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/dgpuctl/dgpuctl/internal/config"
	"github.com/dgpuctl/dgpuctl/internal/dbusiface"
	"github.com/dgpuctl/dgpuctl/internal/mode"
	"github.com/dgpuctl/dgpuctl/internal/pci"
	"github.com/dgpuctl/dgpuctl/internal/power"
	"github.com/dgpuctl/dgpuctl/internal/session"
	"github.com/dgpuctl/dgpuctl/internal/store"
	"github.com/dgpuctl/dgpuctl/internal/switcher"
)

var (
	// Build-time variables
	version = "dev"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to the configuration file")
	statePath := flag.String("state", store.DefaultStatePath, "Path to the persisted state file")
	journalPath := flag.String("journal", store.DefaultJournalPath, "Path to the switch journal")
	sysfsRoot := flag.String("sysfs", pci.DefaultSysfsRoot, "Sysfs mount point")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dgpud version", version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	dbusiface.Version = version

	if err := run(logger, *configPath, *statePath, *journalPath, *sysfsRoot); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath, statePath, journalPath, sysfsRoot string) error {
	logger.Info("starting dgpud", "version", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Hardware probe. A dGPU hidden by the ASUS ACPI disable is brought
	// back before giving up on discovery.
	modules := pci.NewModprobeRunner(logger)
	gpu, err := probeGPU(sysfsRoot, modules, logger)
	if err != nil && !errors.Is(err, pci.ErrDgpuNotFound) {
		return fmt.Errorf("probe GPU: %w", err)
	}

	// The MUX and eGPU modes stage work through the dGPU's sysfs nodes, so
	// they are only offered when the dGPU itself was found.
	asus := pci.NewAsusControls(sysfsRoot)
	profile := mode.HardwareProfile{
		HasDgpu:    gpu != nil,
		HasMux:     gpu != nil && asus.HasMux(),
		HasEgpu:    gpu != nil && asus.HasEgpu(),
		VfioEnable: cfg.Vfio.Enable,
	}
	if gpu != nil {
		profile.Vendor = gpu.Vendor()
	}
	registry := mode.NewRegistry(profile, logger)

	stateStore := store.NewStateStore(statePath)
	if gpu == nil {
		// Without a dGPU only integrated is real, whatever a previous
		// install recorded.
		persisted := stateStore.Load()
		if persisted.CurrentMode != mode.ModeIntegrated {
			logger.Warn("no dGPU present, forcing integrated mode",
				"recorded", persisted.CurrentMode.String())
			persisted.CurrentMode = mode.ModeIntegrated
			persisted.RequestedMode = nil
			if err := stateStore.Commit(persisted); err != nil {
				logger.Warn("failed to rewrite state", "error", err)
			}
		}
	}

	journal, err := store.OpenJournal(journalPath)
	if err != nil {
		logger.Warn("switch journal unavailable", "error", err)
		journal = nil
	}

	// Session guard over logind, unless configured off.
	var guard switcher.SessionGuard
	var lister *session.LogindLister
	if cfg.Switch.NoLogind {
		logger.Warn("session guard disabled, disruptive switches run unguarded")
		guard = unguardedSessions{}
	} else {
		conn, err := dbus.SystemBus()
		if err != nil {
			return fmt.Errorf("connect to system bus for logind: %w", err)
		}
		lister = session.NewLogindLister(conn, logger)
		guard = session.NewGuard(lister, logger)
	}

	var hw switcher.Hardware
	if gpu != nil {
		hw = gpu
	}
	sw := switcher.New(registry, guard, hw, stateStore, journalOrNil(journal), switcherOptions(cfg), logger)
	sw.Recover()

	// Vfio mode is only kept across boots when vfio.save_on_boot is set;
	// otherwise the machine comes back up in hybrid.
	if !cfg.Vfio.SaveOnBoot && sw.CurrentMode() == mode.ModeVfio {
		logger.Info("vfio mode is not kept across boots, switching back to hybrid")
		if _, err := sw.RequestSwitch(context.Background(), mode.ModeHybrid); err != nil {
			logger.Warn("could not leave vfio mode at startup", "error", err)
		}
	}

	server := dbusiface.NewServer(sw, registry, hardwareInfo(gpu), logger)
	sw.SetModeChangedCallback(func(m mode.Mode) {
		if err := server.EmitModeChanged(m); err != nil {
			logger.Warn("failed to emit ModeChanged", "error", err)
		}
	})
	sw.SetActionRequiredCallback(func(a mode.UserAction) {
		if err := server.EmitActionRequired(a); err != nil {
			logger.Warn("failed to emit ActionRequired", "error", err)
		}
	})
	if err := server.Start(); err != nil {
		return err
	}

	if lister != nil {
		ctx := context.Background()
		if err := lister.WatchSessionEnds(func() { sw.SessionEnded(ctx) }); err != nil {
			logger.Warn("failed to watch session ends, deferred switches need explicit confirmation", "error", err)
		}
	}

	var poller *dbusiface.PowerPoller
	var powerMonitor *power.Monitor
	if gpu != nil {
		poller = dbusiface.NewPowerPoller(server, gpu, 0, logger)
		poller.Start()

		powerMonitor = power.NewMonitor(gpu, profile.Vendor == mode.VendorNvidia, logger)
		if err := powerMonitor.Start(); err != nil {
			logger.Warn("power policy monitor unavailable", "error", err)
			powerMonitor = nil
		}
	}

	watcher, err := config.NewWatcher(configPath, logger)
	if err != nil {
		logger.Warn("config hot reload unavailable", "error", err)
	} else {
		watcher.SetReloadCallback(func(newCfg *config.Config) {
			sw.UpdateOptions(switcherOptions(newCfg))
			registry.SetVfioAvailable(newCfg.Vfio.Enable)
			logger.Info("configuration reloaded",
				"vfio", newCfg.Vfio.Enable,
				"no_logind", newCfg.Switch.NoLogind,
				"always_reboot", newCfg.Switch.AlwaysReboot)
		})
		watcher.SetErrorCallback(func(err error) {
			logger.Warn("config reload rejected", "error", err)
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("failed to start config watcher", "error", err)
		}
	}

	logger.Info("dgpud ready",
		"mode", sw.CurrentMode().String(),
		"bus_name", dbusiface.BusName)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	// An in-flight switch is never interrupted: the hardware steps run to
	// their terminal state before the process exits.
	if sw.State() == switcher.StateSwitching {
		logger.Info("waiting for in-flight mode switch to finish")
		for sw.State() == switcher.StateSwitching {
			time.Sleep(200 * time.Millisecond)
		}
	}

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Warn("error stopping config watcher", "error", err)
		}
	}
	if powerMonitor != nil {
		powerMonitor.Stop()
	}
	if poller != nil {
		poller.Stop()
	}
	if err := server.Stop(); err != nil {
		logger.Warn("error stopping D-Bus server", "error", err)
	}
	if lister != nil {
		lister.Close()
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			logger.Warn("error closing journal", "error", err)
		}
	}

	logger.Info("dgpud stopped")
	return nil
}

// probeGPU discovers the dGPU, re-enabling it first if the ASUS ACPI
// disable hid it at boot.
func probeGPU(sysfsRoot string, modules pci.ModuleRunner, logger *slog.Logger) (*pci.GPU, error) {
	gpu, err := pci.NewGPU(sysfsRoot, pci.DefaultModprobePath, modules, logger)
	if err == nil || !errors.Is(err, pci.ErrDgpuNotFound) {
		return gpu, err
	}

	asus := pci.NewAsusControls(sysfsRoot)
	if !asus.HasDgpuDisable() {
		return nil, err
	}
	disabled, derr := asus.DgpuDisabled()
	if derr != nil || !disabled {
		return nil, err
	}

	logger.Info("dGPU is ACPI disabled, re-enabling for discovery")
	if err := asus.SetDgpuDisabled(false); err != nil {
		return nil, fmt.Errorf("re-enable dGPU: %w", err)
	}
	if err := pci.RescanBus(sysfsRoot); err != nil {
		return nil, fmt.Errorf("rescan after re-enable: %w", err)
	}
	return pci.NewGPU(sysfsRoot, pci.DefaultModprobePath, modules, logger)
}

func switcherOptions(cfg *config.Config) switcher.Options {
	return switcher.Options{
		Hotplug:       cfg.Switch.HotplugType,
		NoLogind:      cfg.Switch.NoLogind,
		AlwaysReboot:  cfg.Switch.AlwaysReboot,
		LogoutTimeout: cfg.Switch.LogoutTimeout.Duration(),
		VfioEnable:    cfg.Vfio.Enable,
	}
}

// journalOrNil avoids handing the switcher a typed nil.
func journalOrNil(j *store.Journal) switcher.Journal {
	if j == nil {
		return nil
	}
	return j
}

// hardwareInfo adapts an optional GPU to the read-only query surface.
func hardwareInfo(gpu *pci.GPU) dbusiface.HardwareInfo {
	if gpu == nil {
		return noDgpuInfo{}
	}
	return gpu
}

// unguardedSessions satisfies the session guard on systems without logind.
type unguardedSessions struct{}

func (unguardedSessions) RequireNoActiveSession() error { return nil }

// noDgpuInfo answers hardware queries on machines where no dGPU was found.
type noDgpuInfo struct{}

func (noDgpuInfo) Vendor() mode.Vendor       { return mode.VendorUnknown }
func (noDgpuInfo) RuntimeStatus() mode.Power { return mode.PowerUnknown }
