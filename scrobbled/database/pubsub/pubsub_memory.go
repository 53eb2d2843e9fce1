package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryPubsub is an in-memory Pubsub implementation. It's an exported type
// so that our test code can do type checks.
type MemoryPubsub struct {
	mut       sync.RWMutex
	listeners map[string]map[uuid.UUID]Listener
}

func (m *MemoryPubsub) Subscribe(event string, listener Listener) (cancel func(), err error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	listeners, ok := m.listeners[event]
	if !ok {
		listeners = map[uuid.UUID]Listener{}
		m.listeners[event] = listeners
	}
	var id uuid.UUID
	for {
		id = uuid.New()
		if _, ok = listeners[id]; !ok {
			break
		}
	}
	listeners[id] = listener
	return func() {
		m.mut.Lock()
		defer m.mut.Unlock()
		listeners := m.listeners[event]
		delete(listeners, id)
	}, nil
}

func (m *MemoryPubsub) Publish(event string, message []byte) error {
	m.mut.RLock()
	defer m.mut.RUnlock()
	listeners, ok := m.listeners[event]
	if !ok {
		return nil
	}
	var wg sync.WaitGroup
	for _, listener := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listener(context.Background(), message)
		}()
	}
	wg.Wait()

	return nil
}

func (*MemoryPubsub) Close() error {
	return nil
}

func NewInMemory() Pubsub {
	return &MemoryPubsub{
		listeners: make(map[string]map[uuid.UUID]Listener),
	}
}
