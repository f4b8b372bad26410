package identity

import (
	"errors"
	"math/rand/v2"
	"sync"
)

const (
	DefaultMin uint32 = 100
	DefaultMax uint32 = 65535
)

var ErrInvalidRange = errors.New("server id range is invalid")

/*
	Server owns the numeric identity this process presents to the database's
	replication subsystem. It must be unique among all replicas connected to
	the same primary. Collisions are not avoided algorithmically: when the
	database reports one the caller regenerates and retries.
*/
type Server struct {
	mu      sync.Mutex
	current uint32
	min     uint32
	max     uint32
	intn    func(n uint32) uint32
}

// New returns a Server starting at fixed, or at a random value in
// [lo, hi] when fixed is zero.
func New(fixed, lo, hi uint32) (*Server, error) {
	if lo == 0 || lo > hi {
		return nil, ErrInvalidRange
	}
	s := &Server{
		min:  lo,
		max:  hi,
		intn: rand.Uint32N,
	}
	if fixed != 0 {
		s.current = fixed
	} else {
		s.current = s.random()
	}
	return s, nil
}

func (s *Server) Current() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Regenerate picks a new uniformly random id. It only affects streams
// opened afterwards; the caller tears down the current stream first.
func (s *Server) Regenerate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.random()
	return s.current
}

func (s *Server) random() uint32 {
	return s.min + s.intn(s.max-s.min+1)
}
