package feed

import (
	"context"
	"sync"
)

// Subscription owns one delivery goroutine. Cancel is synchronous: once it returns, the goroutine has
// exited and no further callback will run. Cancel must not be called from inside a delivery callback.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start runs loop on its own goroutine until the subscription is cancelled or loop returns.
func Start(parent context.Context, loop func(ctx context.Context)) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	subscription := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(subscription.done)
		loop(ctx)
	}()
	return subscription
}

// Cancel stops the loop and waits for it to exit.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Watch delivers load results once immediately and again after every event on topic.
// The topic registration happens before the first load so no change between the two is lost.
func Watch[T any](
	parent context.Context,
	dispatcher *Dispatcher,
	topic string,
	load func(context.Context) (T, error),
	deliver func(T),
	onError func(error),
) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	events, cleanup := dispatcher.Subscribe(ctx, topic)

	reload := func(ctx context.Context) {
		value, err := load(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		deliver(value)
	}

	subscription := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(subscription.done)
		defer cleanup()
		reload(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				reload(ctx)
			}
		}
	}()
	return subscription
}
