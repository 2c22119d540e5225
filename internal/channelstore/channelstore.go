// Package channelstore implements SPIRAL's channel store (C11, spec.md
// §4.5): bounded FIFO channels with blocking send/recv and non-blocking
// trySend/tryRecv variants, addressed by the handle a `channel(...)`
// expression allocates.
package channelstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/spiral-run/spiral/internal/domain"
)

// pendingSender is a blocked send waiting for buffer space or a receiver.
type pendingSender struct {
	value domain.Value
	done  chan struct{}
}

// channel is one allocated channel: a bounded FIFO of values plus FIFO
// queues of blocked receivers and senders (spec.md §4.5).
type channel struct {
	mu       sync.Mutex
	capacity int
	queue    []domain.Value
	waiters  []chan domain.Value // pending receivers, each delivered exactly one value
	senders  []*pendingSender    // pending senders, woken in FIFO order
}

// Store owns every channel allocated during one document evaluation.
type Store struct {
	mu       sync.Mutex
	channels map[string]*channel
}

// New returns an empty channel store.
func New() *Store {
	return &Store{channels: make(map[string]*channel)}
}

// Alloc allocates a new channel of the given buffer capacity (0 means
// unbuffered: every send must hand off directly to a waiting receiver or
// block) and returns its handle.
func (s *Store) Alloc(elementTag domain.Kind, capacity int) *domain.ChannelHandle {
	id := uuid.NewString()
	s.mu.Lock()
	s.channels[id] = &channel{capacity: capacity}
	s.mu.Unlock()
	return &domain.ChannelHandle{ChannelID: id, ElementTag: elementTag}
}

func (s *Store) get(id string) (*channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	return ch, ok
}

// Send implements spec.md §4.5's send(v): hand off directly to the oldest
// pending receiver if one exists; else enqueue if under capacity; else
// block until a Recv/TryRecv takes the value (directly, or by moving it into
// the buffer slot it just freed) or ctx is canceled.
func (s *Store) Send(ctx context.Context, handle *domain.ChannelHandle, v domain.Value) error {
	ch, ok := s.get(handle.ChannelID)
	if !ok {
		return domain.NewFault(domain.ErrValidationError, "unknown channel: "+handle.ChannelID, nil)
	}

	ch.mu.Lock()
	if len(ch.waiters) > 0 {
		w := ch.waiters[0]
		ch.waiters = ch.waiters[1:]
		ch.mu.Unlock()
		w <- v
		return nil
	}
	if len(ch.queue) < ch.capacity {
		ch.queue = append(ch.queue, v)
		ch.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	ch.senders = append(ch.senders, &pendingSender{value: v, done: done})
	ch.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend is Send's non-blocking variant: it never enqueues a pending
// sender, reporting false instead of blocking when the channel is full
// and no receiver is waiting.
func (s *Store) TrySend(handle *domain.ChannelHandle, v domain.Value) (bool, error) {
	ch, ok := s.get(handle.ChannelID)
	if !ok {
		return false, domain.NewFault(domain.ErrValidationError, "unknown channel: "+handle.ChannelID, nil)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.waiters) > 0 {
		w := ch.waiters[0]
		ch.waiters = ch.waiters[1:]
		w <- v
		return true, nil
	}
	if len(ch.queue) < ch.capacity {
		ch.queue = append(ch.queue, v)
		return true, nil
	}
	return false, nil
}

// Recv implements spec.md §4.5's recv(): dequeue the head value if the
// buffer is non-empty (promoting the oldest pending sender into the freed
// slot), else take a pending sender's value directly, else block until a
// sender arrives or ctx is canceled.
func (s *Store) Recv(ctx context.Context, handle *domain.ChannelHandle) (domain.Value, error) {
	ch, ok := s.get(handle.ChannelID)
	if !ok {
		return domain.Void, domain.NewFault(domain.ErrValidationError, "unknown channel: "+handle.ChannelID, nil)
	}

	ch.mu.Lock()
	if len(ch.queue) > 0 {
		v := ch.queue[0]
		ch.queue = ch.queue[1:]
		if len(ch.senders) > 0 {
			snd := ch.senders[0]
			ch.senders = ch.senders[1:]
			ch.queue = append(ch.queue, snd.value)
			close(snd.done)
		}
		ch.mu.Unlock()
		return v, nil
	}
	if len(ch.senders) > 0 {
		snd := ch.senders[0]
		ch.senders = ch.senders[1:]
		ch.mu.Unlock()
		close(snd.done)
		return snd.value, nil
	}
	w := make(chan domain.Value, 1)
	ch.waiters = append(ch.waiters, w)
	ch.mu.Unlock()

	select {
	case v := <-w:
		return v, nil
	case <-ctx.Done():
		return domain.Void, ctx.Err()
	}
}

// TryRecv is Recv's non-blocking variant.
func (s *Store) TryRecv(handle *domain.ChannelHandle) (domain.Value, bool, error) {
	ch, ok := s.get(handle.ChannelID)
	if !ok {
		return domain.Void, false, domain.NewFault(domain.ErrValidationError, "unknown channel: "+handle.ChannelID, nil)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.queue) > 0 {
		v := ch.queue[0]
		ch.queue = ch.queue[1:]
		if len(ch.senders) > 0 {
			snd := ch.senders[0]
			ch.senders = ch.senders[1:]
			ch.queue = append(ch.queue, snd.value)
			close(snd.done)
		}
		return v, true, nil
	}
	if len(ch.senders) > 0 {
		snd := ch.senders[0]
		ch.senders = ch.senders[1:]
		close(snd.done)
		return snd.value, true, nil
	}
	return domain.Void, false, nil
}
