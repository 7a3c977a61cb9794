package session

import "sync"

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	emitImmediately bool
	equality        any
}

// WithEmitImmediately calls the listener once with the current slice when
// subscribing, passing it as both the new and the previous value.
func WithEmitImmediately() SubscribeOption {
	return func(o *subscribeOptions) {
		o.emitImmediately = true
	}
}

// WithEquality replaces the default == comparison of selected slices.
func WithEquality[T any](equal func(a, b T) bool) SubscribeOption {
	return func(o *subscribeOptions) {
		o.equality = equal
	}
}

// Subscribe calls listener with (new, previous) whenever the slice chosen by
// selector changes. The returned func unsubscribes.
func Subscribe[T comparable](s *Store, selector func(State) T, listener func(next, prev T), opts ...SubscribeOption) func() {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	equal := func(a, b T) bool { return a == b }
	if fn, ok := o.equality.(func(a, b T) bool); ok {
		equal = fn
	}

	var mu sync.Mutex
	current := selector(s.Get())

	unsubscribe := s.addListener(func(next, _ State) {
		selected := selector(next)

		mu.Lock()
		prev := current
		if equal(selected, prev) {
			mu.Unlock()
			return
		}
		current = selected
		mu.Unlock()

		listener(selected, prev)
	})

	if o.emitImmediately {
		listener(current, current)
	}
	return unsubscribe
}
