package tasksource

import "sync"

type subscribers struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]chan string
}

func (s *subscribers) add(buffer int) (<-chan string, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan string, buffer)
	s.mu.Lock()
	if s.subs == nil {
		s.subs = map[uint64]chan string{}
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// publish never blocks; a full subscriber misses the id. Subscribers are
// expected to resync with ListActiveTasks periodically.
func (s *subscribers) publish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- id:
		default:
		}
	}
}
