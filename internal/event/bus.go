// Package event implements the agent's named publish/subscribe registry.
//
// Dispatch is synchronous and ordered. Only handlers present when Fire
// starts are invoked, so a handler subscribing to the event it is handling
// runs on the next fire, not this one.
package event

import (
	"fmt"
	"reflect"
	"unsafe"
)

// Handler receives the fired data and the callback data it subscribed with.
type Handler func(data, cbData any)

// Reporter receives recovered handler failures.
type Reporter func(err error, src string)

// Dispatcher mirrors public events to the host.
type Dispatcher interface {
	Dispatch(name string, data any)
}

type subscriber struct {
	fn     Handler
	id     uintptr
	cbData any
	scope  any
	once   bool
}

// Bus is not safe for concurrent use; it belongs to one agent loop.
type Bus struct {
	events   map[string][]*subscriber
	report   Reporter
	dispatch Dispatcher
	flush    func()
}

// Option configures a Bus.
type Option func(*Bus)

// WithReporter sets where handler panics are reported.
func WithReporter(r Reporter) Option {
	return func(b *Bus) { b.report = r }
}

// WithDispatcher mirrors public aliases through d.
func WithDispatcher(d Dispatcher) Option {
	return func(b *Bus) { b.dispatch = d }
}

// WithFlush sets a hook run before handlers of most events are invoked.
func WithFlush(fn func()) Option {
	return func(b *Bus) { b.flush = fn }
}

// NewBus returns a Bus with the builtin events registered.
func NewBus(opts ...Option) *Bus {
	b := &Bus{events: make(map[string][]*subscriber)}
	for _, o := range opts {
		o(b)
	}
	for _, name := range Builtin {
		b.Register(name)
	}
	return b
}

// Register ensures name exists. Registering twice is a no-op.
func (b *Bus) Register(name string) {
	name = Canonical(name)
	if _, ok := b.events[name]; !ok {
		b.events[name] = nil
	}
}

// Has reports whether name is a known event.
func (b *Bus) Has(name string) bool {
	_, ok := b.events[Canonical(name)]
	return ok
}

// Handlers returns the number of handlers subscribed to name.
func (b *Bus) Handlers(name string) int {
	return len(b.events[Canonical(name)])
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*subscriber)

// CallbackData is passed back to the handler as its second argument.
func CallbackData(v any) SubscribeOption {
	return func(s *subscriber) { s.cbData = v }
}

// Scope identifies the subscribing owner. It only takes part in duplicate
// detection.
func Scope(v any) SubscribeOption {
	return func(s *subscriber) { s.scope = v }
}

// Once removes the handler after the next dispatch.
func Once() SubscribeOption {
	return func(s *subscriber) { s.once = true }
}

// Subscription is the resolved form of a set of SubscribeOptions.
type Subscription struct {
	CallbackData any
	Scope        any
	Once         bool
}

// Describe resolves opts without subscribing anything.
func Describe(opts ...SubscribeOption) Subscription {
	var s subscriber
	for _, o := range opts {
		o(&s)
	}
	return Subscription{CallbackData: s.cbData, Scope: s.scope, Once: s.once}
}

// Subscribe adds fn to name, creating the event if needed. It returns false
// when the same (fn, callback data, scope) is already subscribed.
//
// Handlers are the same when they are copies of one func value. Each
// evaluation of a method value such as p.handle, or of a closure
// expression, makes a new func value, so subscribing it twice adds it
// twice. Callers that may subscribe again keep the func value or guard
// against the second call.
func (b *Bus) Subscribe(name string, fn Handler, opts ...SubscribeOption) bool {
	if fn == nil {
		return false
	}
	name = Canonical(name)

	s := &subscriber{fn: fn, id: funcID(fn)}
	for _, o := range opts {
		o(s)
	}

	for _, h := range b.events[name] {
		if h.id == s.id && same(h.cbData, s.cbData) && same(h.scope, s.scope) {
			return false
		}
	}
	b.events[name] = append(b.events[name], s)
	return true
}

// Fire dispatches data to name's handlers. It reports false for unknown
// events, which are otherwise ignored.
func (b *Bus) Fire(name string, data any) bool {
	name = Canonical(name)
	if _, ok := b.events[name]; !ok {
		return false
	}

	if alias, ok := PublicAliases[name]; ok && b.dispatch != nil {
		b.dispatch.Dispatch(alias, data)
	}

	if b.flush != nil && !noFlush[name] {
		b.flush()
	}

	handlers := append([]*subscriber(nil), b.events[name]...)
	for i, h := range handlers {
		b.call(name, i, h, data)
	}

	var onces map[*subscriber]bool
	for _, h := range handlers {
		if h.once {
			if onces == nil {
				onces = make(map[*subscriber]bool)
			}
			onces[h] = true
		}
	}
	if onces != nil {
		cur := b.events[name]
		kept := cur[:0]
		for _, h := range cur {
			if !onces[h] {
				kept = append(kept, h)
			}
		}
		for i := len(kept); i < len(cur); i++ {
			cur[i] = nil
		}
		b.events[name] = kept
	}
	return true
}

// Disable drops every handler. Event names stay registered.
func (b *Bus) Disable() {
	for name := range b.events {
		b.events[name] = nil
	}
}

func (b *Bus) call(name string, i int, h *subscriber, data any) {
	defer func() {
		if r := recover(); r != nil && b.report != nil {
			b.report(fmt.Errorf("%v", r), fmt.Sprintf("fireEvent.%s<%d>", name, i))
		}
	}()
	h.fn(data, h.cbData)
}

// funcID identifies a func value. Two copies of the same value share an id;
// separately created closures do not.
func funcID(fn Handler) uintptr {
	return uintptr(*(*unsafe.Pointer)(unsafe.Pointer(&fn)))
}

// same compares subscription data without panicking on uncomparable
// values. Maps, slices and funcs compare by identity.
func same(a, b any) (eq bool) {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	if ta.Comparable() {
		return a == b
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Map, reflect.Func:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}
	return false
}
