// Package power applies dGPU runtime power management policy based on the
// machine's power source. It reads the source from UPower and adjusts PCI
// runtime PM directly; it never drives mode transitions.
package power

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/dgpuctl/dgpuctl/internal/pci"
)

const (
	upowerName  = "org.freedesktop.UPower"
	upowerPath  = dbus.ObjectPath("/org/freedesktop/UPower")
	upowerIface = "org.freedesktop.UPower"
	propsIface  = "org.freedesktop.DBus.Properties"
)

// Policy is the runtime PM stance derived from the power source.
type Policy struct {
	// OnAC selects aggressive GPU availability over battery savings.
	OnAC bool
	// DynamicBoost keeps the dGPU awake for burst workloads. Only
	// meaningful on AC.
	DynamicBoost bool
}

// RuntimePM maps the policy to a PCI power/control value.
func (p Policy) RuntimePM() pci.RuntimePM {
	if p.OnAC && p.DynamicBoost {
		return pci.RuntimePMOn
	}
	return pci.RuntimePMAuto
}

// PMApplier is the slice of the PCI layer the monitor needs.
type PMApplier interface {
	SetRuntimePM(pci.RuntimePM) error
}

// Monitor watches the UPower OnBattery property and reapplies runtime PM on
// power source changes. A missed event is non-fatal; the next event
// corrects the stance.
type Monitor struct {
	gpu          PMApplier
	dynamicBoost bool
	logger       *slog.Logger

	conn    *dbus.Conn
	signals chan *dbus.Signal
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu      sync.Mutex
	policy  Policy
	applied bool
	running bool
}

// NewMonitor creates a power policy monitor for the given GPU.
func NewMonitor(gpu PMApplier, dynamicBoost bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		gpu:          gpu,
		dynamicBoost: dynamicBoost,
		logger:       logger,
	}
}

// Policy returns the current stance.
func (m *Monitor) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// Start reads the initial power source, applies the policy, and subscribes
// to UPower property changes.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("power monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	m.conn = conn

	onBattery, err := m.readOnBattery()
	if err != nil {
		// UPower absent on desktops and many VMs. Treat the machine as
		// mains powered and keep watching in case it appears.
		m.logger.Warn("could not read power source, assuming AC", "error", err)
		onBattery = false
	}
	m.apply(onBattery)

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(upowerPath),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("failed to subscribe to power source changes: %w", err)
	}

	m.signals = make(chan *dbus.Signal, 16)
	conn.Signal(m.signals)
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.watch()

	m.logger.Info("power policy monitor started", "on_battery", onBattery)
	return nil
}

// readOnBattery fetches org.freedesktop.UPower.OnBattery.
func (m *Monitor) readOnBattery() (bool, error) {
	variant, err := m.conn.Object(upowerName, upowerPath).GetProperty(upowerIface + ".OnBattery")
	if err != nil {
		return false, err
	}
	onBattery, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected OnBattery type %T", variant.Value())
	}
	return onBattery, nil
}

// watch processes PropertiesChanged signals until Stop.
func (m *Monitor) watch() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		case sig, ok := <-m.signals:
			if !ok {
				return
			}
			onBattery, relevant := onBatteryFromSignal(sig)
			if !relevant {
				continue
			}
			m.apply(onBattery)
		}
	}
}

// onBatteryFromSignal extracts OnBattery from a PropertiesChanged payload.
// PropertiesChanged(interface s, changed a{sv}, invalidated as)
func onBatteryFromSignal(sig *dbus.Signal) (onBattery, relevant bool) {
	if sig == nil || sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return false, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != upowerIface {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	variant, ok := changed["OnBattery"]
	if !ok {
		return false, false
	}
	value, ok := variant.Value().(bool)
	return value, ok
}

// apply recomputes the policy and pushes the runtime PM value to the GPU.
func (m *Monitor) apply(onBattery bool) {
	policy := Policy{
		OnAC:         !onBattery,
		DynamicBoost: !onBattery && m.dynamicBoost,
	}

	m.mu.Lock()
	unchanged := policy == m.policy && m.applied
	m.policy = policy
	m.mu.Unlock()

	if unchanged {
		return
	}

	pm := policy.RuntimePM()
	if err := m.gpu.SetRuntimePM(pm); err != nil {
		// The dGPU may be detached (integrated or vfio mode); the policy
		// is reapplied on the next power event.
		m.mu.Lock()
		m.applied = false
		m.mu.Unlock()
		m.logger.Warn("could not apply runtime PM policy",
			"control", string(pm), "error", err)
		return
	}
	m.mu.Lock()
	m.applied = true
	m.mu.Unlock()
	m.logger.Info("runtime PM policy applied",
		"on_ac", policy.OnAC, "control", string(pm))
}

// Stop ends the subscription and the watch goroutine.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	if m.stopCh != nil {
		close(m.stopCh)
		<-m.doneCh
	}
	if m.conn != nil {
		m.conn.RemoveSignal(m.signals)
		m.conn.Close()
	}
	m.logger.Info("power policy monitor stopped")
}
