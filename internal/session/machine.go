package session

// Machine tracks one connection's state across Step calls. It is owned by a
// single connection task and is not safe for concurrent use.
type Machine struct {
	state State
	done  bool
}

func NewMachine() *Machine {
	return &Machine{state: StateConnecting}
}

func (m *Machine) State() State { return m.state }

// Done reports whether a terminal decision has been taken.
func (m *Machine) Done() bool { return m.done }

// Fire applies ev and returns the decision. After the first terminal
// decision every event is a no-op.
func (m *Machine) Fire(ev Event) Decision {
	if m.done {
		return Decision{Next: m.state}
	}
	d := Step(m.state, ev)
	m.state = d.Next
	if d.Terminal() || m.state.Terminal() {
		m.done = true
	}
	return d
}
