package orchestrator

import "sync"

// mailbox runs submitted work one item at a time per key. Work for different
// keys runs concurrently. A key's drain goroutine exits once its queue is
// empty, so idle executions hold no goroutine.
type mailbox struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func newMailbox() *mailbox {
	return &mailbox{queues: make(map[string][]func())}
}

// submit queues fn behind any work already pending for key.
func (m *mailbox) submit(key string, fn func()) {
	m.mu.Lock()
	q, active := m.queues[key]
	m.queues[key] = append(q, fn)
	if !active {
		m.wg.Go(func() { m.drain(key) })
	}
	m.mu.Unlock()
}

func (m *mailbox) drain(key string) {
	for {
		m.mu.Lock()
		q := m.queues[key]
		if len(q) == 0 {
			delete(m.queues, key)
			m.mu.Unlock()
			return
		}
		fn := q[0]
		q[0] = nil
		m.queues[key] = q[1:]
		m.mu.Unlock()

		fn()
	}
}

// pending returns the number of keys with queued or running work.
func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// wait blocks until every drain goroutine has exited.
func (m *mailbox) wait() {
	m.wg.Wait()
}
