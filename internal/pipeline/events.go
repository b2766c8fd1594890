package pipeline

import "sync"

// maxPendingProgress bounds the progress events queued for one subscriber
// that stopped reading. Results are always queued.
const maxPendingProgress = 256

// subscriber queues events for one listener and feeds them to out from its
// own goroutine, so a slow reader never blocks a worker and never loses a
// job result.
type subscriber struct {
	out  chan Event
	wake chan struct{}
	quit chan struct{}

	mu       sync.Mutex
	queue    []Event
	progress int
	closing  bool
	quitOnce sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Event, 32),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go s.forward()
	return s
}

// push queues ev. A progress event replaces a queued one for the same job
// and stage, and is dropped once maxPendingProgress are waiting; push then
// reports false.
func (s *subscriber) push(ev Event) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	accepted := true
	switch {
	case ev.Result != nil:
		s.queue = append(s.queue, ev)
	case len(s.queue) > 0 && sameStage(s.queue[len(s.queue)-1], ev):
		s.queue[len(s.queue)-1] = ev
	case s.progress >= maxPendingProgress:
		accepted = false
	default:
		s.queue = append(s.queue, ev)
		s.progress++
	}
	s.mu.Unlock()
	if accepted {
		s.signal()
	}
	return accepted
}

// finish delivers what is queued and then closes out.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

// cancel closes out without delivering the rest of the queue.
func (s *subscriber) cancel() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		if ev.Result == nil {
			s.progress--
		}
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.quit:
			return
		}
	}
}

func sameStage(a, b Event) bool {
	return a.Progress != nil && b.Progress != nil &&
		a.JobID == b.JobID && a.Progress.Stage == b.Progress.Stage
}
