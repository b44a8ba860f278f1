package plugin

import (
	"fmt"
	"sync"
)

// Slot names the plugin categories the core consumes.
type Slot string

const (
	SlotRuntime   Slot = "runtime"
	SlotAgent     Slot = "agent"
	SlotWorkspace Slot = "workspace"
	SlotTracker   Slot = "tracker"
	SlotSCM       Slot = "scm"
	SlotNotifier  Slot = "notifier"
)

// Registry is a typed lookup keyed by (slot, name). The host statically
// links its plugin implementations and registers them at startup; missing
// plugins fail closed: callers skip the dependent code path.
type Registry struct {
	mu      sync.RWMutex
	plugins map[Slot]map[string]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[Slot]map[string]any)}
}

// Register installs an implementation under (slot, name). The impl must
// satisfy the slot's interface; a mismatch is a programming error in the
// host and fails immediately.
func (r *Registry) Register(slot Slot, name string, impl any) error {
	ok := false
	switch slot {
	case SlotRuntime:
		_, ok = impl.(Runtime)
	case SlotAgent:
		_, ok = impl.(Agent)
	case SlotWorkspace:
		_, ok = impl.(Workspace)
	case SlotTracker:
		_, ok = impl.(Tracker)
	case SlotSCM:
		_, ok = impl.(SCM)
	case SlotNotifier:
		_, ok = impl.(Notifier)
	default:
		return fmt.Errorf("unknown plugin slot %q", slot)
	}
	if !ok {
		return fmt.Errorf("plugin %s/%s does not implement the %s interface", slot, name, slot)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.plugins[slot] == nil {
		r.plugins[slot] = make(map[string]any)
	}
	r.plugins[slot][name] = impl
	return nil
}

func (r *Registry) lookup(slot Slot, name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.plugins[slot][name]
	return impl, ok
}

// Runtime returns the named runtime plugin.
func (r *Registry) Runtime(name string) (Runtime, bool) {
	impl, ok := r.lookup(SlotRuntime, name)
	if !ok {
		return nil, false
	}
	return impl.(Runtime), true
}

// Agent returns the named agent plugin.
func (r *Registry) Agent(name string) (Agent, bool) {
	impl, ok := r.lookup(SlotAgent, name)
	if !ok {
		return nil, false
	}
	return impl.(Agent), true
}

// Workspace returns the named workspace plugin.
func (r *Registry) Workspace(name string) (Workspace, bool) {
	impl, ok := r.lookup(SlotWorkspace, name)
	if !ok {
		return nil, false
	}
	return impl.(Workspace), true
}

// Tracker returns the named tracker plugin.
func (r *Registry) Tracker(name string) (Tracker, bool) {
	impl, ok := r.lookup(SlotTracker, name)
	if !ok {
		return nil, false
	}
	return impl.(Tracker), true
}

// SCM returns the named SCM plugin.
func (r *Registry) SCM(name string) (SCM, bool) {
	impl, ok := r.lookup(SlotSCM, name)
	if !ok {
		return nil, false
	}
	return impl.(SCM), true
}

// Notifier returns the named notifier plugin.
func (r *Registry) Notifier(name string) (Notifier, bool) {
	impl, ok := r.lookup(SlotNotifier, name)
	if !ok {
		return nil, false
	}
	return impl.(Notifier), true
}
