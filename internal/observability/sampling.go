package observability

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// SampleRate is a 1-in-N sampler for a named operation, matching spec §4.13:
// search 1:10, embed 1:5, prefetch 1:10; warn/error are never sampled.
type SampleRate struct {
	every uint64
	n     uint64
}

// NewSampleRate builds a sampler that lets through 1 call out of every n.
// n <= 1 means "never sample" (always let through).
func NewSampleRate(n int) *SampleRate {
	if n < 1 {
		n = 1
	}
	return &SampleRate{every: uint64(n)}
}

// Allow reports whether the current call should be logged at info level.
func (s *SampleRate) Allow() bool {
	if s == nil || s.every <= 1 {
		return true
	}
	c := atomic.AddUint64(&s.n, 1)
	return c%s.every == 0
}

var (
	SampleSearch   = NewSampleRate(10)
	SampleEmbed    = NewSampleRate(5)
	SamplePrefetch = NewSampleRate(10)
)

// LogSampled writes at Info level only when the sampler allows it; Warn/Error
// level events should use the logger directly and bypass this entirely, per
// the "warn/error never sampled" rule.
func LogSampled(logger *zerolog.Logger, sampler *SampleRate, op string) *zerolog.Event {
	if !sampler.Allow() {
		return nil
	}
	ev := logger.Info().Str("op", op)
	return ev
}
