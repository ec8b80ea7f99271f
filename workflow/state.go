package workflow

import (
	"errors"
	"fmt"
	"sync"
)

// State is a node of the per-run state machine.
type State string

const (
	StateAdmitted          State = "ADMITTED"
	StateCustomerDataDone  State = "CUSTOMER_DATA_DONE"
	StateRiskAssessed      State = "RISK_ASSESSED"
	StateComplianceRunning State = "COMPLIANCE_RUNNING"
	StateAlertRunning      State = "ALERT_RUNNING"
	StateJoined            State = "JOINED"
	StateCompleted         State = "COMPLETED"
	StateDegraded          State = "DEGRADED"
	StateFailed            State = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// requires lists the states that must already have been entered before a
// state may be entered. Failed only requires that no terminal state exists.
var requires = map[State][]State{
	StateCustomerDataDone:  {StateAdmitted},
	StateRiskAssessed:      {StateCustomerDataDone},
	StateComplianceRunning: {StateRiskAssessed},
	StateAlertRunning:      {StateRiskAssessed},
	StateJoined:            {StateComplianceRunning, StateAlertRunning},
	StateCompleted:         {StateJoined},
	StateDegraded:          {StateJoined},
	StateFailed:            {StateAdmitted},
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateDegraded || s == StateFailed
}

// machine records the states a run has entered. Every state is entered at
// most once, so the transition hook fires at most once per state.
type machine struct {
	mu       sync.Mutex
	entered  map[State]bool
	order    []State
	terminal State
	onEnter  func(State)
}

func newMachine(onEnter func(State)) *machine {
	m := &machine{entered: make(map[State]bool), onEnter: onEnter}
	m.entered[StateAdmitted] = true
	m.order = append(m.order, StateAdmitted)
	return m
}

func (m *machine) enter(s State) error {
	m.mu.Lock()
	if err := m.check(s); err != nil {
		m.mu.Unlock()
		return err
	}
	m.entered[s] = true
	m.order = append(m.order, s)
	if s.terminal() {
		m.terminal = s
	}
	m.mu.Unlock()

	if m.onEnter != nil {
		m.onEnter(s)
	}
	return nil
}

func (m *machine) check(s State) error {
	if m.terminal != "" {
		return fmt.Errorf("%s after terminal %s: %w", s, m.terminal, ErrInvalidTransition)
	}
	if m.entered[s] {
		return fmt.Errorf("%s entered twice: %w", s, ErrInvalidTransition)
	}
	need, ok := requires[s]
	if !ok {
		return fmt.Errorf("unknown state %s: %w", s, ErrInvalidTransition)
	}
	for _, prev := range need {
		if !m.entered[prev] {
			return fmt.Errorf("%s requires %s: %w", s, prev, ErrInvalidTransition)
		}
	}
	return nil
}

// history returns entered states in order.
func (m *machine) history() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, len(m.order))
	copy(out, m.order)
	return out
}
