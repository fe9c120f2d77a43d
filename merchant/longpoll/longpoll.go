// Package longpoll suspends poll-payment and poll-refund requests until a
// committing writer wakes them or their deadline passes.
package longpoll

import (
	"context"
	"sync"
	"time"

	"merchantd/observability"
)

// Kind separates the two notification namespaces.
type Kind string

const (
	KindOrder Kind = "order"
	KindTip   Kind = "tip"
)

// Key addresses one broadcast channel.
type Key struct {
	InstanceID string
	Kind       Kind
	ID         string
}

// OrderKey builds the key for (instance, order) payment/refund events.
func OrderKey(instanceID, orderID string) Key {
	return Key{InstanceID: instanceID, Kind: KindOrder, ID: orderID}
}

// TipKey builds the key for (instance, tip) pickup events.
func TipKey(instanceID, tipID string) Key {
	return Key{InstanceID: instanceID, Kind: KindTip, ID: tipID}
}

// Coordinator is a per-key broadcast registry. Waiters registered before a
// commit are woken by that commit; waiters registering afterwards observe the
// new state on their own re-check, because registration happens before the
// caller re-reads the store.
type Coordinator struct {
	mu      sync.Mutex
	waiters map[Key][]chan struct{}
	metrics *observability.MerchantMetrics
}

// New constructs an empty coordinator.
func New() *Coordinator {
	return &Coordinator{
		waiters: make(map[Key][]chan struct{}),
		metrics: observability.Merchant(),
	}
}

// Register adds a waiter and returns its wake channel plus a cancel func that
// must be called when the waiter is done.
func (c *Coordinator) Register(key Key) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters[key] = append(c.waiters[key], ch)
	c.mu.Unlock()
	c.metrics.LongPollStarted()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.remove(key, ch)
			c.metrics.LongPollFinished()
		})
	}
	return ch, cancel
}

func (c *Coordinator) remove(key Key, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[key]
	for i, w := range list {
		if w == ch {
			list[i] = list[len(list)-1]
			c.waiters[key] = list[:len(list)-1]
			break
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}

// Wake broadcasts to every waiter currently registered on key.
func (c *Coordinator) Wake(key Key) {
	c.mu.Lock()
	list := c.waiters[key]
	delete(c.waiters, key)
	c.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

// Wait suspends until a wake-up, the timeout, or ctx cancellation. It returns
// true when woken by a writer. A zero or negative timeout returns immediately.
func (c *Coordinator) Wait(ctx context.Context, key Key, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	ch, cancel := c.Register(key)
	defer cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
