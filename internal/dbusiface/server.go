// Package dbusiface exports the daemon's control surface on the system bus.
package dbusiface

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/dgpuctl/dgpuctl/internal/mode"
	"github.com/dgpuctl/dgpuctl/internal/switcher"
)

const (
	// BusName is the well-known name claimed on the system bus.
	BusName = "org.dgpuctl.Daemon"
	// ObjectPath is the exported object path.
	ObjectPath = dbus.ObjectPath("/org/dgpuctl/Daemon")
	// Interface is the control interface name.
	Interface = "org.dgpuctl.Daemon"
)

// Version is the daemon version reported over the bus. Overridden at link
// time by the build.
var Version = "dev"

// Controller is the slice of the switch executor the server drives.
type Controller interface {
	CurrentMode() mode.Mode
	PendingMode() mode.Mode
	PendingAction() mode.UserAction
	RequestSwitch(ctx context.Context, target mode.Mode) (switcher.Outcome, error)
	ConfirmLogout(ctx context.Context) (switcher.Outcome, error)
}

// HardwareInfo answers the read-only hardware queries.
type HardwareInfo interface {
	Vendor() mode.Vendor
	RuntimeStatus() mode.Power
}

// Server exports the daemon control interface. Read methods answer from the
// controller's snapshot state and never wait on a switch in progress.
type Server struct {
	controller Controller
	registry   *mode.Registry
	hw         HardwareInfo
	logger     *slog.Logger

	mu      sync.Mutex
	conn    *dbus.Conn
	running bool
}

// NewServer creates the control surface.
func NewServer(controller Controller, registry *mode.Registry, hw HardwareInfo, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		controller: controller,
		registry:   registry,
		hw:         hw,
		logger:     logger,
	}
}

// Start connects to the system bus, exports the object, and claims the name.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	s.conn = conn

	if err := conn.Export(s, ObjectPath, Interface); err != nil {
		return fmt.Errorf("failed to export object: %w", err)
	}

	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    Interface,
				Methods: controlMethods(),
				Signals: controlSignals(),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspectable: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken, is another instance running", BusName)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.logger.Info("D-Bus control surface started", "name", BusName, "path", string(ObjectPath))
	return nil
}

// Stop releases the bus name and closes the connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.conn != nil {
		if _, err := s.conn.ReleaseName(BusName); err != nil {
			s.logger.Warn("failed to release bus name", "error", err)
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("failed to close bus connection", "error", err)
		}
	}

	s.logger.Info("D-Bus control surface stopped")
	return nil
}

// GetMode returns the current committed mode.
// D-Bus method: GetMode() -> s
func (s *Server) GetMode() (string, *dbus.Error) {
	return s.controller.CurrentMode().String(), nil
}

// GetSupported returns the modes this machine can enter.
// D-Bus method: GetSupported() -> as
func (s *Server) GetSupported() ([]string, *dbus.Error) {
	caps := s.registry.Capabilities()
	names := make([]string, 0, len(caps))
	for _, m := range caps {
		names = append(names, m.String())
	}
	return names, nil
}

// GetVendor returns the dGPU vendor name.
// D-Bus method: GetVendor() -> s
func (s *Server) GetVendor() (string, *dbus.Error) {
	return s.hw.Vendor().String(), nil
}

// GetPower returns the dGPU power status.
// D-Bus method: GetPower() -> s
func (s *Server) GetPower() (string, *dbus.Error) {
	return s.hw.RuntimeStatus().String(), nil
}

// GetPendingMode returns the requested mode of a deferred or in-flight
// switch, or "unknown" when nothing is pending.
// D-Bus method: GetPendingMode() -> s
func (s *Server) GetPendingMode() (string, *dbus.Error) {
	return s.controller.PendingMode().String(), nil
}

// GetPendingAction returns the user action currently required.
// D-Bus method: GetPendingAction() -> s
func (s *Server) GetPendingAction() (string, *dbus.Error) {
	return s.controller.PendingAction().String(), nil
}

// SetMode requests a switch to the named mode and returns the outcome.
// D-Bus method: SetMode(s) -> s
func (s *Server) SetMode(name string) (string, *dbus.Error) {
	target, err := mode.ParseMode(name)
	if err != nil {
		return "", mapError(err)
	}

	s.logger.Info("SetMode called", "target", target.String())
	outcome, err := s.controller.RequestSwitch(context.Background(), target)
	if err != nil {
		return "", mapError(err)
	}
	return outcome.String(), nil
}

// ConfirmLogout resumes a switch that was deferred until logout.
// D-Bus method: ConfirmLogout() -> s
func (s *Server) ConfirmLogout() (string, *dbus.Error) {
	s.logger.Info("ConfirmLogout called")
	outcome, err := s.controller.ConfirmLogout(context.Background())
	if err != nil {
		return "", mapError(err)
	}
	return outcome.String(), nil
}

// GetVersion returns the daemon version.
// D-Bus method: GetVersion() -> s
func (s *Server) GetVersion() (string, *dbus.Error) {
	return Version, nil
}

func controlMethods() []introspect.Method {
	out := func(name, typ string) introspect.Arg {
		return introspect.Arg{Name: name, Type: typ, Direction: "out"}
	}
	return []introspect.Method{
		{Name: "GetMode", Args: []introspect.Arg{out("mode", "s")}},
		{Name: "GetSupported", Args: []introspect.Arg{out("modes", "as")}},
		{Name: "GetVendor", Args: []introspect.Arg{out("vendor", "s")}},
		{Name: "GetPower", Args: []introspect.Arg{out("power", "s")}},
		{Name: "GetPendingMode", Args: []introspect.Arg{out("mode", "s")}},
		{Name: "GetPendingAction", Args: []introspect.Arg{out("action", "s")}},
		{
			Name: "SetMode",
			Args: []introspect.Arg{
				{Name: "mode", Type: "s", Direction: "in"},
				out("outcome", "s"),
			},
		},
		{Name: "ConfirmLogout", Args: []introspect.Arg{out("outcome", "s")}},
		{Name: "GetVersion", Args: []introspect.Arg{out("version", "s")}},
	}
}

func controlSignals() []introspect.Signal {
	return []introspect.Signal{
		{Name: "ModeChanged", Args: []introspect.Arg{{Name: "mode", Type: "s"}}},
		{Name: "PowerChanged", Args: []introspect.Arg{{Name: "power", Type: "s"}}},
		{Name: "ActionRequired", Args: []introspect.Arg{{Name: "action", Type: "s"}}},
	}
}
