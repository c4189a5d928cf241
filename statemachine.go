package cmld

import (
	"sync"

	"github.com/cmld/cmld/types"
)

// transitions enumerates the legal moves between compartment states
// (spec.md §3). An attempted transition not in this table is always a
// KindPreconditionFailed error, never a panic — a compartment's state is
// ultimately driven by external events (uevents, collaborator replies,
// operator commands) that the engine cannot fully control the ordering
// of.
var transitions = map[types.State][]types.State{
	types.StateStopped:      {types.StateSetup, types.StateStarting},
	types.StateSetup:        {types.StateStopped, types.StateStarting},
	types.StateStarting:     {types.StateBooting, types.StateStopped},
	types.StateBooting:      {types.StateRunning, types.StateStopped},
	types.StateRunning:      {types.StateFreezing, types.StateShuttingDown, types.StateRebooting},
	types.StateFreezing:     {types.StateFrozen, types.StateRunning},
	types.StateFrozen:       {types.StateRunning, types.StateShuttingDown},
	types.StateShuttingDown: {types.StateStopped, types.StateZombie},
	types.StateZombie:       {types.StateStopped},
	types.StateRebooting:    {types.StateStarting, types.StateStopped},
}

// Observer is notified synchronously on every successful transition,
// before StateMachine.Transition returns. Observers register through
// Subscribe; the hotplug coordinator does not subscribe and reads state
// through the lookup callback set with SetStateLookup instead.
type Observer func(uuid string, from, to types.State)

// StateMachine tracks one compartment's lifecycle state and validates
// transitions against the table above.
type StateMachine struct {
	mu        sync.Mutex
	uuid      string
	state     types.State
	observers []Observer
}

// NewStateMachine constructs a StateMachine starting in StateStopped.
func NewStateMachine(uuid string) *StateMachine {
	return &StateMachine{uuid: uuid, state: types.StateStopped}
}

// State returns the current state.
func (sm *StateMachine) State() types.State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Subscribe registers an observer, returning an unsubscribe function.
func (sm *StateMachine) Subscribe(obs Observer) func() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.observers = append(sm.observers, obs)
	idx := len(sm.observers) - 1
	return func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		sm.observers[idx] = nil
	}
}

// Transition moves the compartment to target if the move is legal,
// notifying observers synchronously on success.
func (sm *StateMachine) Transition(target types.State) error {
	sm.mu.Lock()
	current := sm.state
	allowed := transitions[current]
	ok := false
	for _, s := range allowed {
		if s == target {
			ok = true
			break
		}
	}
	if !ok {
		sm.mu.Unlock()
		return NewModuleError(KindPreconditionFailed, "statemachine",
			"illegal transition %s -> %s for compartment %s", current, target, sm.uuid)
	}
	sm.state = target
	observers := append([]Observer(nil), sm.observers...)
	sm.mu.Unlock()

	for _, obs := range observers {
		if obs != nil {
			obs(sm.uuid, current, target)
		}
	}
	return nil
}
