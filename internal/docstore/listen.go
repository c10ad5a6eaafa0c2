package docstore

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Subscription is a live listener registration.
type Subscription interface {
	// Stop ends delivery. A batch already being delivered completes first.
	Stop()
}

// Listen registers fn for changes to the result set of q. The first call
// to fn carries the current snapshot as Added changes. fn runs on a
// goroutine owned by the subscription, one batch at a time, in write order.
// The subscription also ends when ctx is done.
func (c *Collection) Listen(ctx context.Context, q Query, fn func(Batch)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &listener{
		query: q,
		fn:    fn,
		ids:   make(map[string]struct{}),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		log:   c.db.log,
	}

	c.db.mu.Lock()
	initial := Batch{Initial: true, Changes: []Change{}}
	for _, d := range c.matchLocked(q) {
		l.ids[d.ID] = struct{}{}
		initial.Changes = append(initial.Changes, Change{Kind: Added, Document: d})
	}
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	l.push(initial)
	c.db.mu.Unlock()

	sub := &subscription{l: l, cancel: func() {
		c.db.mu.Lock()
		delete(c.listeners, id)
		c.db.mu.Unlock()
	}}
	go l.run()
	go func() {
		select {
		case <-ctx.Done():
			sub.Stop()
		case <-l.done:
		}
	}()
	return sub, nil
}

// notifyLocked computes the change each listener sees for one write.
func (c *Collection) notifyLocked(prev, next Document, present bool) {
	for _, l := range c.listeners {
		id := prev.ID
		if present {
			id = next.ID
		}
		_, was := l.ids[id]
		is := present && l.query.Matches(next)
		var ch Change
		switch {
		case is && was:
			ch = Change{Kind: Modified, Document: next.clone()}
		case is:
			l.ids[id] = struct{}{}
			ch = Change{Kind: Added, Document: next.clone()}
		case was:
			delete(l.ids, id)
			removed := prev
			if present {
				removed = next
			}
			ch = Change{Kind: Removed, Document: removed.clone()}
		default:
			continue
		}
		l.push(Batch{Changes: []Change{ch}})
	}
}

type listener struct {
	query Query
	fn    func(Batch)
	log   *zap.Logger

	// ids is the current result set; guarded by the DB lock.
	ids map[string]struct{}

	mu    sync.Mutex
	queue []Batch
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (l *listener) push(b Batch) {
	l.mu.Lock()
	l.queue = append(l.queue, b)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) next() (Batch, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return Batch{}, false
	}
	b := l.queue[0]
	l.queue = l.queue[1:]
	return b, true
}

func (l *listener) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			b, ok := l.next()
			if !ok {
				break
			}
			select {
			case <-l.done:
				return
			default:
			}
			l.deliver(b)
		}
	}
}

func (l *listener) deliver(b Batch) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("listener callback panicked", zap.Any("panic", r))
		}
	}()
	l.fn(b)
}

func (l *listener) stop() {
	l.once.Do(func() { close(l.done) })
}

type subscription struct {
	l      *listener
	cancel func()
	once   sync.Once
}

func (s *subscription) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.l.stop()
	})
}
