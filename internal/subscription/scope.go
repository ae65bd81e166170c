package subscription

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Generation identifies one activation of a Scope. Generations only grow.
type Generation uint64

type Closer interface {
	Close()
}

// Opener opens the underlying channel. It runs at most once per generation
// and the returned Closer is closed exactly once.
type Opener func() Closer

// Scope owns at most one live subscription. Opening is deferred by a grace
// period so that an activation released right away never touches the
// network.
type Scope struct {
	name  string
	grace time.Duration

	mu     sync.Mutex
	gen    Generation
	live   bool
	timer  *time.Timer
	closer Closer
}

func NewScope(name string, grace time.Duration) *Scope {
	return &Scope{name: name, grace: grace}
}

// Activate releases the current generation, if any, and schedules open for a
// new one.
func (s *Scope) Activate(open Opener) Generation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked()
	s.gen++
	s.live = true
	gen := s.gen

	if s.grace <= 0 {
		s.closer = open()
		log.Debug().Str("scope", s.name).Uint64("generation", uint64(gen)).Msg("subscription opened")
		return gen
	}

	s.timer = time.AfterFunc(s.grace, func() {
		s.fire(gen, open)
	})
	return gen
}

func (s *Scope) fire(gen Generation, open Opener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live || s.gen != gen {
		return
	}
	s.timer = nil
	s.closer = open()
	log.Debug().Str("scope", s.name).Uint64("generation", uint64(gen)).Msg("subscription opened")
}

// Release ends generation gen. Releasing a stale generation is ignored and
// reports false.
func (s *Scope) Release(gen Generation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || !s.live {
		log.Debug().
			Str("scope", s.name).
			Uint64("generation", uint64(gen)).
			Uint64("current", uint64(s.gen)).
			Msg("ignoring stale release")
		return false
	}
	s.releaseLocked()
	return true
}

// Close releases whatever generation is current.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

// current returns the current generation and whether it is still live.
func (s *Scope) current() (Generation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen, s.live
}

// opened reports whether the current generation got past its grace period.
func (s *Scope) opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closer != nil
}

func (s *Scope) releaseLocked() {
	if !s.live {
		return
	}
	s.live = false

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.closer != nil {
		s.closer.Close()
		s.closer = nil
		log.Debug().Str("scope", s.name).Uint64("generation", uint64(s.gen)).Msg("subscription closed")
		return
	}
	log.Debug().Str("scope", s.name).Uint64("generation", uint64(s.gen)).Msg("subscription canceled before open")
}
