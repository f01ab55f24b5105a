package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/dgpuctl/dgpuctl/internal/dbusiface"
)

// client wraps the daemon's D-Bus object.
type client struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// dialDaemon connects to the system bus and checks the daemon is present.
func dialDaemon() (*client, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	var owner string
	err = conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0,
		dbusiface.BusName).Store(&owner)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dgpud is not running (no owner for %s)", dbusiface.BusName)
	}

	return &client{
		conn: conn,
		obj:  conn.Object(dbusiface.BusName, dbusiface.ObjectPath),
	}, nil
}

func (c *client) close() {
	c.conn.Close()
}

// callString invokes a daemon method that returns a single string.
func (c *client) callString(method string, args ...interface{}) (string, error) {
	var out string
	err := c.obj.Call(dbusiface.Interface+"."+method, 0, args...).Store(&out)
	if err != nil {
		return "", friendlyError(err)
	}
	return out, nil
}

// callStrings invokes a daemon method that returns a string array.
func (c *client) callStrings(method string) ([]string, error) {
	var out []string
	err := c.obj.Call(dbusiface.Interface+"."+method, 0).Store(&out)
	if err != nil {
		return nil, friendlyError(err)
	}
	return out, nil
}

// friendlyError rewrites the daemon's named D-Bus errors for terminal output.
func friendlyError(err error) error {
	dberr, ok := err.(dbus.Error)
	if !ok {
		return err
	}
	msg := dberr.Name
	if len(dberr.Body) > 0 {
		if s, ok := dberr.Body[0].(string); ok {
			msg = s
		}
	}
	switch {
	case strings.TrimPrefix(dberr.Name, dbusiface.Interface+".Error.") == "SwitchInProgress":
		return fmt.Errorf("%s (retry once it finishes)", msg)
	case dberr.Name == "org.freedesktop.DBus.Error.AccessDenied":
		return fmt.Errorf("permission denied by bus policy: %s", msg)
	}
	return errors.New(msg)
}
