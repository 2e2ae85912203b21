package faults

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Capacity gives the number of subjects for the per cell and per device kinds.
type Capacity struct {
	Cells   int
	Devices int
}

// Instance is the state of one (kind, subject) pair. An inactive instance is never fatal.
type Instance struct {
	Kind      Kind      `json:"kind"`
	Subject   int       `json:"subject"`
	Active    bool      `json:"active"`
	Fatal     bool      `json:"fatal"`
	Count     uint32    `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
}

// Change describes what happened to an instance.
type Change int

const (
	Raised Change = iota
	Escalated
	Cleared
)

func (c Change) String() string {
	switch c {
	case Raised:
		return "raised"
	case Escalated:
		return "escalated"
	case Cleared:
		return "cleared"
	}
	return "unknown"
}

// Event is delivered to listeners whenever an instance is raised, becomes fatal or is cleared.
type Event struct {
	Instance Instance
	Change   Change
	At       time.Time
}

type Option func(*Registry)

// WithPolicy replaces the default escalation policy of a kind.
func WithPolicy(kind Kind, p Policy) Option {
	return func(r *Registry) {
		if kind >= 0 && kind < numKinds {
			r.policies[kind] = p
		}
	}
}

// WithListener registers a function called after every raise, escalation or clear.
func WithListener(fn func(Event)) Option {
	return func(r *Registry) {
		r.listeners = append(r.listeners, fn)
	}
}

/*
Registry is a fixed table holding one slot for every (kind, subject) pair the pack can produce.
The table is sized once from the capacity; Set and Unset never allocate. Unset clears the slot
in place.
*/
type Registry struct {
	mu        sync.RWMutex
	capacity  Capacity
	policies  [numKinds]Policy
	offsets   [numKinds + 1]int
	slots     []Instance
	warnings  [numWarnings][]bool
	lastFatal Instance
	hasFatal  bool
	listeners []func(Event)
}

func New(capacity Capacity, opts ...Option) *Registry {
	r := &Registry{
		capacity: capacity,
		policies: DefaultPolicies,
	}
	for k := Kind(0); k < numKinds; k++ {
		r.offsets[k+1] = r.offsets[k] + r.subjects(k)
	}
	r.slots = make([]Instance, r.offsets[numKinds])
	for k := Kind(0); k < numKinds; k++ {
		for s := 0; s < r.subjects(k); s++ {
			r.slots[r.offsets[k]+s] = Instance{Kind: k, Subject: s}
		}
	}
	for w := range r.warnings {
		r.warnings[w] = make([]bool, capacity.Cells)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) subjects(k Kind) int {
	switch k.Scope() {
	case ScopeCell:
		return r.capacity.Cells
	case ScopeDevice:
		return r.capacity.Devices
	}
	return 1
}

func (r *Registry) Capacity() Capacity {
	return r.capacity
}

func (r *Registry) Policy(k Kind) Policy {
	return r.policies[k]
}

func (r *Registry) slot(kind Kind, subject int) *Instance {
	if kind < 0 || kind >= numKinds || subject < 0 || subject >= r.subjects(kind) {
		return nil
	}
	return &r.slots[r.offsets[kind]+subject]
}

func (r *Registry) notify(events ...Event) {
	for _, e := range events {
		for _, fn := range r.listeners {
			fn(e)
		}
	}
}

// escalate applies the kind's policy to an active instance and reports whether it just became fatal.
func (r *Registry) escalate(inst *Instance, now time.Time) bool {
	if !inst.Active || inst.Fatal {
		return false
	}
	p := r.policies[inst.Kind]
	switch {
	case p.CountLimit > 0:
		inst.Fatal = inst.Count > p.CountLimit
	case p.Timeout != Soft:
		inst.Fatal = now.Sub(inst.FirstSeen) > p.Timeout
	}
	if inst.Fatal {
		r.lastFatal = *inst
		r.hasFatal = true
	}
	return inst.Fatal
}

/*
Set records one occurrence of the fault. The first call activates the instance with a count of
one; later calls increment the count. Count based policies are evaluated immediately.
*/
func (r *Registry) Set(kind Kind, subject int, now time.Time) Instance {
	r.mu.Lock()
	inst := r.slot(kind, subject)
	if inst == nil {
		r.mu.Unlock()
		log.WithFields(log.Fields{"kind": kind, "subject": subject}).Warn("Fault subject out of range")
		return Instance{Kind: kind, Subject: subject}
	}
	var events []Event
	if !inst.Active {
		inst.Active = true
		inst.Count = 1
		inst.FirstSeen = now
		events = append(events, Event{Instance: *inst, Change: Raised, At: now})
	} else {
		inst.Count++
	}
	if r.policies[kind].CountLimit > 0 && r.escalate(inst, now) {
		events = append(events, Event{Instance: *inst, Change: Escalated, At: now})
	}
	result := *inst
	r.mu.Unlock()
	r.notify(events...)
	return result
}

// Unset returns the instance to inactive, zeroing its count and fatal flag.
func (r *Registry) Unset(kind Kind, subject int, now time.Time) {
	r.mu.Lock()
	inst := r.slot(kind, subject)
	if inst == nil || !inst.Active {
		r.mu.Unlock()
		return
	}
	cleared := *inst
	*inst = Instance{Kind: kind, Subject: subject}
	r.mu.Unlock()
	r.notify(Event{Instance: cleared, Change: Cleared, At: now})
}

// CheckFatal evaluates the policy of one instance at now and reports whether it is fatal.
func (r *Registry) CheckFatal(kind Kind, subject int, now time.Time) bool {
	r.mu.Lock()
	inst := r.slot(kind, subject)
	if inst == nil {
		r.mu.Unlock()
		return false
	}
	escalated := r.escalate(inst, now)
	result := *inst
	r.mu.Unlock()
	if escalated {
		r.notify(Event{Instance: result, Change: Escalated, At: now})
	}
	return result.Fatal
}

/*
CheckAll evaluates every active instance at now. It returns the first fatal instance in table
order, if any.
*/
func (r *Registry) CheckAll(now time.Time) (Instance, bool) {
	r.mu.Lock()
	var events []Event
	var first Instance
	found := false
	for i := range r.slots {
		inst := &r.slots[i]
		if !inst.Active {
			continue
		}
		if r.escalate(inst, now) {
			events = append(events, Event{Instance: *inst, Change: Escalated, At: now})
		}
		if inst.Fatal && !found {
			first = *inst
			found = true
		}
	}
	r.mu.Unlock()
	r.notify(events...)
	return first, found
}

// Get returns a copy of the instance for (kind, subject).
func (r *Registry) Get(kind Kind, subject int) Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if inst := r.slot(kind, subject); inst != nil {
		return *inst
	}
	return Instance{Kind: kind, Subject: subject}
}

func (r *Registry) IsActive(kind Kind, subject int) bool {
	return r.Get(kind, subject).Active
}

// AnyFatal reports whether any instance has escalated.
func (r *Registry) AnyFatal() bool {
	_, ok := r.FatalKind()
	return ok
}

// FatalKind returns the kind of the first fatal instance in table order.
func (r *Registry) FatalKind() (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.slots {
		if r.slots[i].Fatal {
			return r.slots[i].Kind, true
		}
	}
	return 0, false
}

// LastFatal returns the most recent instance to escalate. It survives Unset for diagnostics.
func (r *Registry) LastFatal() (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastFatal, r.hasFatal
}

// VoltageFaulted reports whether the cell has an active under or over voltage fault.
func (r *Registry) VoltageFaulted(cell int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range []Kind{CellUnderVoltage, CellOverVoltage} {
		if inst := r.slot(k, cell); inst != nil && inst.Active {
			return true
		}
	}
	return false
}

// Active returns a copy of every active instance.
func (r *Registry) Active() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []Instance
	for _, inst := range r.slots {
		if inst.Active {
			active = append(active, inst)
		}
	}
	return active
}

// Reset clears every instance, warning and the last fatal record.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		r.slots[i] = Instance{Kind: r.slots[i].Kind, Subject: r.slots[i].Subject}
	}
	for w := range r.warnings {
		for i := range r.warnings[w] {
			r.warnings[w][i] = false
		}
	}
	r.lastFatal = Instance{}
	r.hasFatal = false
}
