package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/puzzlectl/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	ErrTransitionFailed  = errors.New("lifecycle: transition failed")
	ErrNilHandlers       = errors.New("lifecycle: nil handlers")
)

// Handlers receives one callback per transition. A non-nil error marks the
// transition failed; see the table in New for where each failure lands.
type Handlers interface {
	OnConfigure(ctx context.Context) error
	OnActivate(ctx context.Context) error
	OnDeactivate(ctx context.Context) error
	OnCleanup(ctx context.Context) error
	OnShutdown(ctx context.Context, from State) error
	OnError(ctx context.Context, from State) error
}

// Change describes one completed transition.
type Change struct {
	Trigger Trigger
	From    State
	To      State
	Err     error
}

type transitionKey struct {
	from    State
	trigger Trigger
}

type transition struct {
	via    State
	to     State
	onFail State
	run    func(ctx context.Context, from State) error
}

// Machine is the readiness state machine. Transitions are serialized; State
// never waits on a running handler.
type Machine struct {
	handlers Handlers
	table    map[transitionKey]transition

	transMu sync.Mutex

	mu    sync.RWMutex
	state State
	last  Change
}

func New(h Handlers) (*Machine, error) {
	if h == nil {
		return nil, ErrNilHandlers
	}
	m := &Machine{handlers: h, state: Unconfigured}
	m.table = buildTable(h)
	return m, nil
}

func buildTable(h Handlers) map[transitionKey]transition {
	configure := func(ctx context.Context, _ State) error { return h.OnConfigure(ctx) }
	activate := func(ctx context.Context, _ State) error { return h.OnActivate(ctx) }
	deactivate := func(ctx context.Context, _ State) error { return h.OnDeactivate(ctx) }
	cleanup := func(ctx context.Context, _ State) error { return h.OnCleanup(ctx) }

	t := map[transitionKey]transition{
		{Unconfigured, TriggerConfigure}:  {via: Configuring, to: Inactive, onFail: ErrorProcessing, run: configure},
		{Inactive, TriggerActivate}:       {via: Activating, to: Active, onFail: ErrorProcessing, run: activate},
		{Active, TriggerDeactivate}:       {via: Deactivating, to: Inactive, onFail: Active, run: deactivate},
		{Inactive, TriggerCleanup}:        {via: CleaningUp, to: Unconfigured, onFail: ErrorProcessing, run: cleanup},
		{ErrorProcessing, TriggerCleanup}: {via: CleaningUp, to: Unconfigured, onFail: ErrorProcessing, run: h.OnError},
	}
	for _, from := range []State{Unconfigured, Inactive, Active, ErrorProcessing} {
		t[transitionKey{from, TriggerShutdown}] = transition{
			via:    ShuttingDown,
			to:     Finalized,
			onFail: Finalized,
			run:    h.OnShutdown,
		}
	}
	return t
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsActive reports whether goals may currently be admitted.
func (m *Machine) IsActive() bool {
	return m.State() == Active
}

// Last returns the most recent completed transition.
func (m *Machine) Last() Change {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Machine) Configure(ctx context.Context) error  { return m.Transition(ctx, TriggerConfigure) }
func (m *Machine) Activate(ctx context.Context) error   { return m.Transition(ctx, TriggerActivate) }
func (m *Machine) Deactivate(ctx context.Context) error { return m.Transition(ctx, TriggerDeactivate) }
func (m *Machine) Cleanup(ctx context.Context) error    { return m.Transition(ctx, TriggerCleanup) }
func (m *Machine) Shutdown(ctx context.Context) error   { return m.Transition(ctx, TriggerShutdown) }

// Transition runs the handler registered for (current state, trigger).
// Triggers with no entry fail with ErrInvalidTransition and change nothing.
func (m *Machine) Transition(ctx context.Context, trigger Trigger) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	from := m.State()
	tr, ok := m.table[transitionKey{from, trigger}]
	if !ok {
		log.Warn().
			Str("trigger", string(trigger)).
			Str("state", string(from)).
			Msg("lifecycle.Machine.Transition rejected")
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, from)
	}

	m.set(tr.via)
	err := tr.run(ctx, from)
	to := tr.to
	if err != nil {
		to = tr.onFail
	}
	m.finish(Change{Trigger: trigger, From: from, To: to, Err: err})
	if err != nil {
		return fmt.Errorf("%w: %s from %s: %w", ErrTransitionFailed, trigger, from, err)
	}
	return nil
}

// Fault moves any non-terminal state to ErrorProcessing. From there only
// cleanup (recovery) or shutdown are accepted.
func (m *Machine) Fault(cause error) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	from := m.State()
	if from == Finalized {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, TriggerFault, from)
	}
	m.finish(Change{Trigger: TriggerFault, From: from, To: ErrorProcessing, Err: cause})
	return nil
}

func (m *Machine) set(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Machine) finish(c Change) {
	m.mu.Lock()
	m.state = c.To
	m.last = c
	m.mu.Unlock()

	observability.RecordLifecycleTransition(string(c.Trigger), string(c.From), string(c.To), c.Err == nil)
	if c.Err != nil {
		log.Error().
			Str("trigger", string(c.Trigger)).
			Str("from", string(c.From)).
			Str("to", string(c.To)).
			Err(c.Err).
			Msg("lifecycle.Machine transition failed")
		return
	}
	log.Info().
		Str("trigger", string(c.Trigger)).
		Str("from", string(c.From)).
		Str("to", string(c.To)).
		Msg("lifecycle.Machine transition")
}
