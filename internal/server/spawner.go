package server

import "sync"

// Spawner runs session goroutines. Go may block when the spawner is at
// capacity; Wait blocks until every spawned function has returned.
type Spawner interface {
	Go(fn func())
	Wait()
}

// NewSpawner returns an unbounded spawner for max <= 0 and a bounded one
// otherwise.
func NewSpawner(max int) Spawner {
	if max <= 0 {
		return &unboundedSpawner{}
	}
	return &boundedSpawner{slots: make(chan struct{}, max)}
}

type unboundedSpawner struct {
	wg sync.WaitGroup
}

func (s *unboundedSpawner) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *unboundedSpawner) Wait() { s.wg.Wait() }

// boundedSpawner holds at most cap(slots) functions running at once.
type boundedSpawner struct {
	wg    sync.WaitGroup
	slots chan struct{}
}

func (s *boundedSpawner) Go(fn func()) {
	s.slots <- struct{}{}
	s.wg.Add(1)
	go func() {
		defer func() {
			<-s.slots
			s.wg.Done()
		}()
		fn()
	}()
}

func (s *boundedSpawner) Wait() { s.wg.Wait() }
