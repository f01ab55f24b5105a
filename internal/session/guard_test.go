package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	count int
	err   error
}

func (f *fakeLister) ActiveGraphicalSessions() (int, error) {
	return f.count, f.err
}

func TestGuard_NoSessions(t *testing.T) {
	g := NewGuard(&fakeLister{count: 0}, nil)
	assert.NoError(t, g.RequireNoActiveSession())
}

func TestGuard_SessionsActive(t *testing.T) {
	g := NewGuard(&fakeLister{count: 2}, nil)

	err := g.RequireNoActiveSession()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionsActive)
}

func TestGuard_TrackerErrorFailsSafe(t *testing.T) {
	// A guard that cannot see sessions must assume they exist: tearing a
	// GPU out from under a live desktop is worse than refusing a switch.
	g := NewGuard(&fakeLister{err: errors.New("logind unreachable")}, nil)

	err := g.RequireNoActiveSession()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionsActive)
}

func TestGuard_ActiveSessions(t *testing.T) {
	g := NewGuard(&fakeLister{count: 3}, nil)
	n, err := g.ActiveSessions()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestLogindLister_CloseWithoutWatch(t *testing.T) {
	// Shutdown runs Close unconditionally; it must be safe when the watch
	// never started and when called twice.
	l := NewLogindLister(nil, nil)
	l.Close()
	l.Close()
}
