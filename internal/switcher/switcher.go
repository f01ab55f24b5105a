package switcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgpuctl/dgpuctl/internal/config"
	"github.com/dgpuctl/dgpuctl/internal/mode"
	"github.com/dgpuctl/dgpuctl/internal/store"
)

// State is the switch executor's position in its lifecycle. There is exactly
// one instance process-wide and all mutations happen under the switcher's
// mutex; the blocking hardware work itself runs outside the lock so
// read-only queries never wait on a switch in progress.
type State int

const (
	// StateIdle means no transition is in progress.
	StateIdle State = iota
	// StatePending means a transition has been accepted but not started.
	StatePending
	// StateAwaitingLogout means a disruptive transition is deferred until
	// the last graphical session ends.
	StateAwaitingLogout
	// StateSwitching means hardware mutation is underway. Cancellation is
	// not supported: once begun, a transition runs to completion.
	StateSwitching
	// StateFailed means a switch failed and the rollback failed too. The
	// daemon refuses further switches until restarted and inspected, but
	// keeps serving read-only queries.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateAwaitingLogout:
		return "awaiting-logout"
	case StateSwitching:
		return "switching"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of an accepted switch request.
type Outcome int

const (
	// OutcomeApplied means the transition completed (or was an idempotent
	// no-op).
	OutcomeApplied Outcome = iota
	// OutcomePendingLogout means the transition is deferred until all
	// graphical sessions end.
	OutcomePendingLogout
	// OutcomeRebootRequired means the transition is staged and takes
	// effect on the next boot.
	OutcomeRebootRequired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomePendingLogout:
		return "pending-logout"
	case OutcomeRebootRequired:
		return "reboot-required"
	default:
		return "unknown"
	}
}

// ErrSwitchInProgress is returned when a switch request arrives while
// another transition is in flight. Callers are expected to retry.
var ErrSwitchInProgress = errors.New("another mode switch is in progress")

// ErrFatal is returned after a rollback failure: no further switches are
// accepted until the daemon is restarted and the machine inspected.
var ErrFatal = errors.New("previous switch failed and rollback did not restore the prior mode; inspect the system and restart dgpud")

// ErrNoDeferredSwitch is returned by ConfirmLogout when nothing is waiting.
var ErrNoDeferredSwitch = errors.New("no mode switch is awaiting logout")

// HardwareSwitchError reports a failed hardware operation. RolledBack is
// true when the single automatic rollback restored the prior mode.
type HardwareSwitchError struct {
	Err        error
	RolledBack bool
}

func (e *HardwareSwitchError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("mode switch failed, prior mode restored: %v", e.Err)
	}
	return fmt.Sprintf("mode switch failed: %v", e.Err)
}

func (e *HardwareSwitchError) Unwrap() error { return e.Err }

// SessionGuard gates disruptive transitions on active graphical sessions.
type SessionGuard interface {
	RequireNoActiveSession() error
}

// StateStore persists the committed mode state.
type StateStore interface {
	Load() store.PersistedConfig
	Commit(store.PersistedConfig) error
}

// Journal records attempted transitions for postmortem diagnosis. May be nil.
type Journal interface {
	NewEntryID() string
	Append(store.Entry) error
}

// Options carries the configuration the switcher needs.
type Options struct {
	Hotplug       config.HotplugType
	NoLogind      bool
	AlwaysReboot  bool
	LogoutTimeout time.Duration
	VfioEnable    bool
}

// Switcher owns the mode transition state machine. All control requests
// funnel through it; at most one logical transition is in flight at a time.
type Switcher struct {
	registry *mode.Registry
	guard    SessionGuard
	hw       Hardware
	store    StateStore
	journal  Journal
	opts     Options
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	current       mode.Mode
	pending       *mode.Mode
	pendingPlan   *Plan
	pendingAction mode.UserAction
	logoutTimer   *time.Timer

	onModeChanged    func(mode.Mode)
	onActionRequired func(mode.UserAction)
}

// New creates a Switcher. Call Recover before serving requests.
func New(registry *mode.Registry, guard SessionGuard, hw Hardware, st StateStore, journal Journal, opts Options, logger *slog.Logger) *Switcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switcher{
		registry: registry,
		guard:    guard,
		hw:       hw,
		store:    st,
		journal:  journal,
		opts:     opts,
		logger:   logger,
		state:    StateIdle,
	}
}

// UpdateOptions applies a configuration change.
func (s *Switcher) UpdateOptions(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
}

// options snapshots the current options for use outside the lock.
func (s *Switcher) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// SetModeChangedCallback sets the callback invoked after a committed
// transition.
func (s *Switcher) SetModeChangedCallback(fn func(mode.Mode)) {
	s.onModeChanged = fn
}

// SetActionRequiredCallback sets the callback invoked when a switch needs
// user intervention (logout, reboot).
func (s *Switcher) SetActionRequiredCallback(fn func(mode.UserAction)) {
	s.onActionRequired = fn
}

// Recover loads the persisted state and discards any stale pending request.
// A request left over from a previous run has no client waiting on it;
// resuming it unasked could tear down a session the user just started.
func (s *Switcher) Recover() {
	cfg := s.store.Load()

	s.mu.Lock()
	s.current = cfg.CurrentMode
	s.state = StateIdle
	s.mu.Unlock()

	if cfg.RequestedMode != nil {
		s.logger.Info("discarding stale pending mode request from previous run",
			"requested", cfg.RequestedMode.String(),
			"current", cfg.CurrentMode.String())
		cfg.RequestedMode = nil
		if err := s.store.Commit(cfg); err != nil {
			s.logger.Warn("failed to clear stale pending request", "error", err)
		}
	}

	s.logger.Info("switch executor recovered", "mode", cfg.CurrentMode.String())
}

// CurrentMode returns the last successfully applied mode. Never the one
// merely requested.
func (s *Switcher) CurrentMode() mode.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// State returns the executor state.
func (s *Switcher) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingMode returns the requested mode of an in-flight or deferred
// transition, or ModeUnknown.
func (s *Switcher) PendingMode() mode.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return mode.ModeUnknown
	}
	return *s.pending
}

// PendingAction returns the user action currently required, if any.
func (s *Switcher) PendingAction() mode.UserAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingAction
}

// RequestSwitch validates and executes a transition to the target mode.
// Requesting the current mode is an idempotent no-op. A request while
// another transition is in flight fails immediately with
// ErrSwitchInProgress rather than queuing.
func (s *Switcher) RequestSwitch(ctx context.Context, target mode.Mode) (Outcome, error) {
	if err := s.registry.Validate(target); err != nil {
		return 0, err
	}

	s.mu.Lock()
	switch {
	case s.state == StateFailed:
		s.mu.Unlock()
		return 0, ErrFatal
	case s.state == StateIdle && target == s.current:
		s.mu.Unlock()
		s.logger.Info("already in requested mode", "mode", target.String())
		return OutcomeApplied, nil
	case s.state != StateIdle:
		s.mu.Unlock()
		return 0, ErrSwitchInProgress
	case s.hw == nil:
		// No dGPU was found at startup; the registry should not be offering
		// anything beyond integrated, but a nil dereference mid-switch must
		// never be the failure mode.
		s.mu.Unlock()
		return 0, &HardwareSwitchError{Err: errors.New("no discrete GPU hardware to operate on")}
	}

	plan, err := BuildPlan(s.current, target, s.opts.Hotplug)
	if err != nil {
		s.mu.Unlock()
		var ra *ErrRequiresAction
		if errors.As(err, &ra) && s.onActionRequired != nil {
			s.onActionRequired(ra.Action)
		}
		return 0, err
	}
	if s.opts.AlwaysReboot {
		plan.RebootRequired = true
	}

	t := target
	s.state = StatePending
	s.pending = &t
	s.pendingPlan = &plan
	s.mu.Unlock()

	s.logger.Info("mode switch accepted",
		"from", plan.From.String(),
		"to", target.String(),
		"disruptive", plan.Disruptive,
		"reboot", plan.RebootRequired)

	s.persistPending(&t)

	if plan.RebootRequired {
		return s.stageForReboot(ctx, plan)
	}

	if plan.Disruptive && !s.options().NoLogind {
		if err := s.guard.RequireNoActiveSession(); err != nil {
			s.deferForLogout()
			return OutcomePendingLogout, nil
		}
	}

	return s.executeSwitch(ctx)
}

// SessionEnded is invoked on every session-end signal from the session
// tracker. If a disruptive switch is deferred and the last graphical
// session is gone, it resumes.
func (s *Switcher) SessionEnded(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateAwaitingLogout {
		s.mu.Unlock()
		return
	}
	s.disarmLogoutTimer()
	s.state = StatePending
	s.mu.Unlock()

	if err := s.guard.RequireNoActiveSession(); err != nil {
		s.deferForLogout()
		return
	}

	outcome, err := s.executeSwitch(ctx)
	if err != nil {
		s.logger.Error("deferred mode switch failed", "error", err)
		return
	}
	s.logger.Info("deferred mode switch resumed", "outcome", outcome.String())
}

// ConfirmLogout is the explicit client path for resuming a deferred switch.
// The guard is still re-verified; the confirmation is advisory.
func (s *Switcher) ConfirmLogout(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	if s.state != StateAwaitingLogout {
		s.mu.Unlock()
		return 0, ErrNoDeferredSwitch
	}
	s.disarmLogoutTimer()
	s.state = StatePending
	s.mu.Unlock()

	if err := s.guard.RequireNoActiveSession(); err != nil {
		s.deferForLogout()
		return OutcomePendingLogout, nil
	}

	return s.executeSwitch(ctx)
}

// deferForLogout parks the accepted transition until sessions end.
func (s *Switcher) deferForLogout() {
	s.mu.Lock()
	s.state = StateAwaitingLogout
	s.pendingAction = mode.ActionLogout
	s.armLogoutTimer()
	s.mu.Unlock()

	s.logger.Info("mode switch deferred until logout")
	if s.onActionRequired != nil {
		s.onActionRequired(mode.ActionLogout)
	}
}

// armLogoutTimer bounds how long a deferred switch waits. Caller holds mu.
func (s *Switcher) armLogoutTimer() {
	if s.opts.LogoutTimeout <= 0 || s.logoutTimer != nil {
		return
	}
	s.logoutTimer = time.AfterFunc(s.opts.LogoutTimeout, s.abandonDeferred)
}

// disarmLogoutTimer cancels the deferral timeout. Caller holds mu.
func (s *Switcher) disarmLogoutTimer() {
	if s.logoutTimer != nil {
		s.logoutTimer.Stop()
		s.logoutTimer = nil
	}
}

// abandonDeferred drops a deferred switch whose logout never came.
func (s *Switcher) abandonDeferred() {
	s.mu.Lock()
	if s.state != StateAwaitingLogout {
		s.mu.Unlock()
		return
	}
	var target mode.Mode
	if s.pending != nil {
		target = *s.pending
	}
	s.logoutTimer = nil
	s.pending = nil
	s.pendingPlan = nil
	s.pendingAction = mode.ActionNone
	s.state = StateIdle
	s.mu.Unlock()

	s.logger.Warn("deferred mode switch abandoned, logout timeout exceeded",
		"requested", target.String())
	s.clearPersistedPending()
	s.appendJournal(store.Entry{
		From:    s.CurrentMode().String(),
		To:      target.String(),
		Outcome: "abandoned",
	}, time.Now(), time.Now())
}

// stageForReboot runs the staging-only steps of a reboot-class transition
// (MUX position, modprobe configuration) and commits the target mode so the
// next boot comes up in it.
func (s *Switcher) stageForReboot(ctx context.Context, plan Plan) (Outcome, error) {
	started := time.Now()

	s.mu.Lock()
	s.state = StateSwitching
	s.mu.Unlock()

	for _, step := range plan.Steps {
		if err := runStep(ctx, s.hw, step, plan.To, s.logger); err != nil {
			s.logger.Error("reboot staging failed", "step", step.String(), "error", err)
			// Best effort: restore the modprobe conf for the mode we are
			// actually still in.
			if confErr := s.hw.WriteModprobeConfFor(plan.From); confErr != nil {
				s.logger.Warn("could not restore modprobe conf", "error", confErr)
			}
			s.finishTransition(plan.From, StateIdle, mode.ActionNone)
			s.clearPersistedPending()
			s.appendJournal(store.Entry{
				From: plan.From.String(), To: plan.To.String(),
				Outcome: "failed", Error: err.Error(),
			}, started, time.Now())
			return 0, &HardwareSwitchError{Err: err}
		}
	}

	s.finishTransition(plan.To, StateIdle, mode.ActionReboot)
	s.commitCurrent(plan.To)
	s.appendJournal(store.Entry{
		From: plan.From.String(), To: plan.To.String(),
		Outcome: "reboot-required",
	}, started, time.Now())

	s.logger.Info("mode staged for next boot",
		"from", plan.From.String(), "to", plan.To.String())
	if s.onActionRequired != nil {
		s.onActionRequired(mode.ActionReboot)
	}
	if s.onModeChanged != nil {
		s.onModeChanged(plan.To)
	}
	return OutcomeRebootRequired, nil
}

// executeSwitch performs the live transition. The mutex is released for the
// duration of the hardware work so read-only queries stay responsive; the
// StateSwitching value is what excludes concurrent transitions.
func (s *Switcher) executeSwitch(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	if s.pending == nil || s.pendingPlan == nil {
		s.mu.Unlock()
		return 0, ErrNoDeferredSwitch
	}
	plan := *s.pendingPlan
	target := *s.pending
	prior := s.current
	s.state = StateSwitching
	s.mu.Unlock()

	// The advisory check may be stale by now: enforce the guard immediately
	// before the first mutation to close the race with a fresh login.
	if plan.Disruptive && !s.options().NoLogind {
		if err := s.guard.RequireNoActiveSession(); err != nil {
			s.deferForLogout()
			return OutcomePendingLogout, nil
		}
	}

	started := time.Now()
	s.logger.Info("mode switch starting",
		"from", prior.String(), "to", target.String(), "steps", len(plan.Steps))

	err := s.runPlan(ctx, plan, target)
	if err == nil {
		s.finishTransition(target, StateIdle, mode.ActionNone)
		s.commitCurrent(target)
		s.appendJournal(store.Entry{
			From: prior.String(), To: target.String(), Outcome: "applied",
		}, started, time.Now())

		s.logger.Info("mode switch complete",
			"from", prior.String(), "to", target.String())
		if s.onModeChanged != nil {
			s.onModeChanged(target)
		}
		return OutcomeApplied, nil
	}

	s.logger.Error("mode switch failed, attempting rollback",
		"from", prior.String(), "to", target.String(), "error", err)

	if rbErr := s.rollback(ctx, target, prior); rbErr != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.pendingAction = mode.ActionNone
		s.mu.Unlock()

		s.logger.Error("rollback failed, refusing further switches",
			"from", prior.String(), "to", target.String(), "error", rbErr)
		s.appendJournal(store.Entry{
			From: prior.String(), To: target.String(),
			Outcome: "failed-fatal",
			Error:   fmt.Sprintf("switch: %v; rollback: %v", err, rbErr),
		}, started, time.Now())
		return 0, fmt.Errorf("%w (switch: %v, rollback: %v)", ErrFatal, err, rbErr)
	}

	s.finishTransition(prior, StateIdle, mode.ActionNone)
	s.clearPersistedPending()
	s.appendJournal(store.Entry{
		From: prior.String(), To: target.String(),
		Outcome: "rolled-back", Error: err.Error(),
	}, started, time.Now())

	s.logger.Warn("mode switch rolled back",
		"restored", prior.String(), "error", err)
	return 0, &HardwareSwitchError{Err: err, RolledBack: true}
}

// runPlan executes the staged actions and verifies the post-condition.
func (s *Switcher) runPlan(ctx context.Context, plan Plan, target mode.Mode) error {
	for _, step := range plan.Steps {
		if err := runStep(ctx, s.hw, step, target, s.logger); err != nil {
			return err
		}
	}
	return s.hw.Verify(target)
}

// rollback makes the single automatic recovery attempt: replay the reverse
// plan back to the prior mode. There is no retry beyond this; blind retries
// against kernel state risk a hung display stack.
func (s *Switcher) rollback(ctx context.Context, failed, prior mode.Mode) error {
	plan, err := BuildPlan(failed, prior, s.options().Hotplug)
	if err != nil {
		return fmt.Errorf("no rollback plan: %w", err)
	}
	s.logger.Warn("rolling back", "to", prior.String(), "steps", len(plan.Steps))
	return s.runPlan(ctx, plan, prior)
}

// finishTransition moves the machine to a terminal state under the mutex.
func (s *Switcher) finishTransition(current mode.Mode, state State, action mode.UserAction) {
	s.mu.Lock()
	s.current = current
	s.pending = nil
	s.pendingPlan = nil
	s.pendingAction = action
	s.state = state
	s.disarmLogoutTimer()
	s.mu.Unlock()
}

// persistPending records the requested mode so a crash mid-transition is
// visible at next startup.
func (s *Switcher) persistPending(target *mode.Mode) {
	cfg := s.store.Load()
	cfg.RequestedMode = target
	cfg.VfioEnable = s.options().VfioEnable
	if err := s.store.Commit(cfg); err != nil {
		s.logger.Warn("failed to persist pending mode", "error", err)
	}
}

// clearPersistedPending removes the requested mode after a terminal state.
func (s *Switcher) clearPersistedPending() {
	cfg := s.store.Load()
	cfg.RequestedMode = nil
	if err := s.store.Commit(cfg); err != nil {
		s.logger.Warn("failed to clear pending mode", "error", err)
	}
}

// commitCurrent durably records a committed transition. A commit failure is
// surfaced as a warning only: the in-memory state is ahead of disk and
// recovery-on-restart will not see this change.
func (s *Switcher) commitCurrent(m mode.Mode) {
	if err := s.store.Commit(store.PersistedConfig{
		CurrentMode: m,
		VfioEnable:  s.options().VfioEnable,
	}); err != nil {
		s.logger.Warn("state commit failed; mode change will not survive a restart",
			"mode", m.String(), "error", err)
	}
}

func (s *Switcher) appendJournal(e store.Entry, started, finished time.Time) {
	if s.journal == nil {
		return
	}
	e.ID = s.journal.NewEntryID()
	e.StartedAt = started.Unix()
	e.FinishedAt = finished.Unix()
	if err := s.journal.Append(e); err != nil {
		s.logger.Warn("failed to append journal entry", "error", err)
	}
}
