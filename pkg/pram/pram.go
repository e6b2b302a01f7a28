// Package pram implements the Post-Randomization Method applied to
// categorical codes when the safe file is written.
package pram

import (
	"encoding/binary"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/utils/sampling"
)

// NoBandWidth disables the bandwidth window
const NoBandWidth = -1

const unset = -1

// Spec is the PRAM specification of one variable
type Spec struct {
	// Retain holds, per valid code index, the percentage (0..100) of
	// records that keep their code
	Retain []int

	// BandWidth limits a replacement to codes within [idx-bw, idx+bw],
	// or NoBandWidth
	BandWidth int

	closed bool
}

// NewSpec creates a specification for nValid codes with every retention
// percentage still unset
func NewSpec(nValid, bandWidth int) (*Spec, error) {
	if nValid < 1 {
		return nil, fmt.Errorf("pram needs at least one valid code")
	}
	if bandWidth != NoBandWidth && bandWidth < 1 {
		return nil, fmt.Errorf("invalid bandwidth %d", bandWidth)
	}
	s := &Spec{Retain: make([]int, nValid), BandWidth: bandWidth}
	for i := range s.Retain {
		s.Retain[i] = unset
	}
	return s, nil
}

// SetRetention sets the percentage of records keeping code index idx
func (s *Spec) SetRetention(idx, pct int) error {
	if s.closed {
		return fmt.Errorf("pram specification is closed")
	}
	if idx < 0 || idx >= len(s.Retain) {
		return fmt.Errorf("code index %d out of range [0,%d)", idx, len(s.Retain))
	}
	if pct < 0 || pct > 100 {
		return fmt.Errorf("retention %d out of range 0..100", pct)
	}
	s.Retain[idx] = pct
	return nil
}

// Close checks that every code received a percentage
func (s *Spec) Close() error {
	for i, p := range s.Retain {
		if p == unset {
			return fmt.Errorf("no retention for code index %d", i)
		}
	}
	s.closed = true
	return nil
}

// Closed reports whether the specification is complete
func (s *Spec) Closed() bool {
	return s.closed
}

// Apply returns the published code index for valid code index idx
func (s *Spec) Apply(idx int, src *Source) int {
	n := len(s.Retain)
	if idx < 0 || idx >= n {
		panic(fmt.Sprintf("pram: code index %d out of range [0,%d)", idx, n))
	}
	if src.Intn(100) < s.Retain[idx] {
		return idx
	}
	lo, hi := 0, n-1
	if s.BandWidth != NoBandWidth {
		lo = max(lo, idx-s.BandWidth)
		hi = min(hi, idx+s.BandWidth)
	}
	if hi == lo {
		return idx
	}
	j := lo + src.Intn(hi-lo)
	if j >= idx {
		j++
	}
	return j
}

// Source is the random stream used for PRAM draws, record shuffling and
// weight noise. A keyed source replays the same stream.
type Source struct {
	prng *sampling.KeyedPRNG
	buf  [8]byte
}

// NewSource returns a source keyed by seed, or a randomly keyed one when
// seed is empty
func NewSource(seed string) (*Source, error) {
	var (
		prng *sampling.KeyedPRNG
		err  error
	)
	if seed == "" {
		prng, err = sampling.NewPRNG()
	} else {
		prng, err = sampling.NewKeyedPRNG([]byte(seed))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create random source: %w", err)
	}
	return &Source{prng: prng}, nil
}

// Uint64 returns the next 64 random bits
func (s *Source) Uint64() uint64 {
	if _, err := s.prng.Read(s.buf[:]); err != nil {
		panic(fmt.Sprintf("pram: random source: %v", err))
	}
	return binary.LittleEndian.Uint64(s.buf[:])
}

// Intn returns a uniform integer in [0,n)
func (s *Source) Intn(n int) int {
	if n <= 0 {
		panic("pram: Intn with non-positive bound")
	}
	bound := uint64(n)
	limit := ^uint64(0) - ^uint64(0)%bound
	for {
		x := s.Uint64()
		if x < limit {
			return int(x % bound)
		}
	}
}

// Float64 returns a uniform value in [0,1)
func (s *Source) Float64() float64 {
	return float64(s.Uint64()>>11) / (1 << 53)
}
