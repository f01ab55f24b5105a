package dbusiface

import (
	"fmt"

	"github.com/dgpuctl/dgpuctl/internal/mode"
)

// EmitModeChanged announces a committed mode transition. For reboot-class
// switches this is the mode the machine will be in after the next boot.
func (s *Server) EmitModeChanged(m mode.Mode) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to D-Bus")
	}

	if err := conn.Emit(ObjectPath, Interface+".ModeChanged", m.String()); err != nil {
		return fmt.Errorf("failed to emit ModeChanged signal: %w", err)
	}
	s.logger.Debug("emitted ModeChanged signal", "mode", m.String())
	return nil
}

// EmitPowerChanged announces a dGPU power status change.
func (s *Server) EmitPowerChanged(p mode.Power) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to D-Bus")
	}

	if err := conn.Emit(ObjectPath, Interface+".PowerChanged", p.String()); err != nil {
		return fmt.Errorf("failed to emit PowerChanged signal: %w", err)
	}
	s.logger.Debug("emitted PowerChanged signal", "power", p.String())
	return nil
}

// EmitActionRequired tells clients what the user must do for a transition
// to proceed.
func (s *Server) EmitActionRequired(a mode.UserAction) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to D-Bus")
	}

	if err := conn.Emit(ObjectPath, Interface+".ActionRequired", a.String()); err != nil {
		return fmt.Errorf("failed to emit ActionRequired signal: %w", err)
	}
	s.logger.Debug("emitted ActionRequired signal", "action", a.String())
	return nil
}
