package dbusiface

import (
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/dgpuctl/dgpuctl/internal/mode"
	"github.com/dgpuctl/dgpuctl/internal/session"
	"github.com/dgpuctl/dgpuctl/internal/switcher"
)

// Named errors surfaced to clients. Clients dispatch on the error name, so
// these are wire contract.
const (
	errUnsupportedMode  = Interface + ".Error.UnsupportedMode"
	errUnknownMode      = Interface + ".Error.UnknownMode"
	errSwitchInProgress = Interface + ".Error.SwitchInProgress"
	errRequiresAction   = Interface + ".Error.RequiresAction"
	errSessionsActive   = Interface + ".Error.SessionsActive"
	errNoDeferredSwitch = Interface + ".Error.NoDeferredSwitch"
	errFatal            = Interface + ".Error.Fatal"
	errSwitchFailed     = Interface + ".Error.SwitchFailed"
)

// mapError converts the daemon's typed errors into named D-Bus errors.
func mapError(err error) *dbus.Error {
	named := func(name string) *dbus.Error {
		return dbus.NewError(name, []interface{}{err.Error()})
	}

	var unsupported *mode.ErrUnsupportedMode
	var requires *switcher.ErrRequiresAction
	var hwFailed *switcher.HardwareSwitchError
	switch {
	case errors.As(err, &unsupported):
		return named(errUnsupportedMode)
	case errors.Is(err, mode.ErrParseMode):
		return named(errUnknownMode)
	case errors.Is(err, switcher.ErrSwitchInProgress):
		return named(errSwitchInProgress)
	case errors.As(err, &requires):
		return named(errRequiresAction)
	case errors.Is(err, session.ErrSessionsActive):
		return named(errSessionsActive)
	case errors.Is(err, switcher.ErrNoDeferredSwitch):
		return named(errNoDeferredSwitch)
	case errors.Is(err, switcher.ErrFatal):
		return named(errFatal)
	case errors.As(err, &hwFailed):
		return named(errSwitchFailed)
	default:
		return dbus.MakeFailedError(err)
	}
}
