// Package session gates disruptive mode switches on active graphical logins,
// using the org.freedesktop.login1 session tracker.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	login1Bus         = "org.freedesktop.login1"
	login1Path        = "/org/freedesktop/login1"
	login1ManagerIfce = "org.freedesktop.login1.Manager"
	login1SessionIfce = "org.freedesktop.login1.Session"
)

// ErrSessionsActive is returned when a disruptive switch is requested while
// graphical sessions are logged in. The caller must log out first.
var ErrSessionsActive = errors.New("graphical sessions are active, logout required")

// Lister enumerates active graphical sessions. The production implementation
// queries logind; tests substitute a fake.
type Lister interface {
	// ActiveGraphicalSessions returns the number of graphical user sessions
	// that are active or online.
	ActiveGraphicalSessions() (int, error)
}

// Guard decides whether a disruptive switch may proceed. An error from the
// session tracker is treated as "sessions active": the guard fails safe,
// never open.
type Guard struct {
	lister Lister
	logger *slog.Logger
}

// NewGuard returns a guard over the given session lister.
func NewGuard(lister Lister, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{lister: lister, logger: logger}
}

// ActiveSessions returns the count of active graphical sessions.
func (g *Guard) ActiveSessions() (int, error) {
	return g.lister.ActiveGraphicalSessions()
}

// RequireNoActiveSession returns ErrSessionsActive when any graphical session
// is logged in, or when the tracker cannot be queried.
func (g *Guard) RequireNoActiveSession() error {
	n, err := g.lister.ActiveGraphicalSessions()
	if err != nil {
		g.logger.Warn("session tracker query failed, assuming sessions active", "error", err)
		return fmt.Errorf("%w: %v", ErrSessionsActive, err)
	}
	if n > 0 {
		return ErrSessionsActive
	}
	return nil
}

// LogindLister queries logind over the system bus.
type LogindLister struct {
	conn   *dbus.Conn
	logger *slog.Logger

	signals chan *dbus.Signal
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLogindLister returns a lister over an established system bus connection.
func NewLogindLister(conn *dbus.Conn, logger *slog.Logger) *LogindLister {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogindLister{conn: conn, logger: logger}
}

// listedSession is one entry of the ListSessions reply: (susso).
type listedSession struct {
	ID   string
	UID  uint32
	User string
	Seat string
	Path dbus.ObjectPath
}

// ActiveGraphicalSessions counts user sessions of type x11/wayland/mir in
// state active or online. Closing sessions do not count.
func (l *LogindLister) ActiveGraphicalSessions() (int, error) {
	obj := l.conn.Object(login1Bus, login1Path)

	var sessions []listedSession
	if err := obj.Call(login1ManagerIfce+".ListSessions", 0).Store(&sessions); err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	count := 0
	for _, s := range sessions {
		graphical, err := l.isActiveGraphical(s.Path)
		if err != nil {
			// A session can vanish between the listing and the property
			// read; skip it rather than failing the whole query.
			l.logger.Debug("session query failed", "session", s.ID, "error", err)
			continue
		}
		if graphical {
			count++
		}
	}
	return count, nil
}

func (l *LogindLister) isActiveGraphical(path dbus.ObjectPath) (bool, error) {
	obj := l.conn.Object(login1Bus, path)

	class, err := l.stringProp(obj, "Class")
	if err != nil {
		return false, err
	}
	if class != "user" {
		return false, nil
	}

	typ, err := l.stringProp(obj, "Type")
	if err != nil {
		return false, err
	}
	switch typ {
	case "x11", "wayland", "mir":
	default:
		return false, nil
	}

	state, err := l.stringProp(obj, "State")
	if err != nil {
		return false, err
	}
	return state == "active" || state == "online", nil
}

func (l *LogindLister) stringProp(obj dbus.BusObject, prop string) (string, error) {
	v, err := obj.GetProperty(login1SessionIfce + "." + prop)
	if err != nil {
		return "", err
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("property %s is not a string", prop)
	}
	return strings.TrimSpace(s), nil
}

// WatchSessionEnds subscribes to logind SessionRemoved signals and invokes
// the callback for each one. Used to resume a deferred switch once the last
// graphical session ends.
func (l *LogindLister) WatchSessionEnds(fn func()) error {
	if err := l.conn.AddMatchSignal(
		dbus.WithMatchInterface(login1ManagerIfce),
		dbus.WithMatchMember("SessionRemoved"),
	); err != nil {
		return fmt.Errorf("add match: %w", err)
	}

	l.signals = make(chan *dbus.Signal, 16)
	l.conn.Signal(l.signals)
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	go func() {
		defer close(l.doneCh)
		for {
			select {
			case <-l.stopCh:
				return
			case sig, ok := <-l.signals:
				if !ok {
					return
				}
				if sig.Name == login1ManagerIfce+".SessionRemoved" {
					l.logger.Debug("session removed", "body", sig.Body)
					fn()
				}
			}
		}
	}()
	return nil
}

// Close stops the session watch and releases the bus connection. Safe to call
// whether or not WatchSessionEnds ever ran, and more than once.
func (l *LogindLister) Close() {
	if l.stopCh != nil {
		close(l.stopCh)
		<-l.doneCh
		l.stopCh = nil
	}
	if l.conn != nil {
		if l.signals != nil {
			l.conn.RemoveSignal(l.signals)
			l.signals = nil
		}
		l.conn.Close()
		l.conn = nil
	}
}
