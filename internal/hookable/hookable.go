// Package hookable provides the instrumentation seam used throughout ergot.
//
// Grounded on sarchlab/akita/v4/sim/hook.go: a Hookable object accepts Hook
// implementations that are invoked at named HookPos positions. Ergot reuses
// this verbatim pattern for packet delivery, allocation, routing and link
// lifecycle events instead of inventing a metrics library, matching the
// teacher's own hook-based (not counter-based) observability story.
package hookable

// Pos identifies a point in an object's lifecycle at which hooks fire.
type Pos struct {
	Name string
}

// Ctx carries the information available at a hook firing site.
type Ctx struct {
	Domain Hookable
	Pos    *Pos
	Item   interface{}
	Detail interface{}
}

// Hookable is implemented by any object that accepts Hooks.
type Hookable interface {
	AcceptHook(hook Hook)
	NumHooks() int
}

// Hook is invoked by a Hookable object when one of its HookPos fires.
type Hook interface {
	Func(ctx Ctx)
}

// Base provides AcceptHook/InvokeHook for embedding into core types, exactly
// as sim.HookableBase does.
type Base struct {
	hooks []Hook
}

// AcceptHook registers a hook.
func (h *Base) AcceptHook(hook Hook) {
	h.hooks = append(h.hooks, hook)
}

// NumHooks returns how many hooks are registered, so callers can skip
// building a Ctx on the hot path when nobody is listening.
func (h *Base) NumHooks() int {
	return len(h.hooks)
}

// InvokeHook triggers every registered hook with ctx.
func (h *Base) InvokeHook(ctx Ctx) {
	for _, hook := range h.hooks {
		hook.Func(ctx)
	}
}

// FuncHook adapts a plain function to the Hook interface.
type FuncHook func(ctx Ctx)

// Func implements Hook.
func (f FuncHook) Func(ctx Ctx) { f(ctx) }
