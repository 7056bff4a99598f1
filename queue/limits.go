package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit defines per-job-name rate limiting and concurrency.
type Limit struct {
	// Name is the job name the limit applies to.
	Name string

	// MaxConcurrency limits how many jobs with this name may run at once.
	// Zero means no limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained starts per second. Zero disables
	// rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst size. Defaults to 1 if RateLimit
	// is set but RateBurst is zero.
	RateBurst int
}

type limitState struct {
	limit   Limit
	limiter *rate.Limiter
	active  int
}

// Limiter gates job starts by name. It is safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	states map[string]*limitState
}

// NewLimiter creates a Limiter. Names without a Limit are never gated.
func NewLimiter(limits ...Limit) *Limiter {
	l := &Limiter{states: make(map[string]*limitState, len(limits))}
	for _, lim := range limits {
		l.states[lim.Name] = newLimitState(lim)
	}
	return l
}

func newLimitState(lim Limit) *limitState {
	st := &limitState{limit: lim}
	if lim.RateLimit > 0 {
		burst := lim.RateBurst
		if burst <= 0 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(lim.RateLimit), burst)
	}
	return st
}

// Acquire reports whether a job named name may start now. When it returns
// true the caller MUST call Release once the job ends.
func (l *Limiter) Acquire(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.states[name]
	if st == nil {
		return true
	}
	if st.limit.MaxConcurrency > 0 && st.active >= st.limit.MaxConcurrency {
		return false
	}
	if st.limiter != nil && !st.limiter.Allow() {
		return false
	}
	st.active++
	return true
}

// Release ends a job started with Acquire.
func (l *Limiter) Release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st := l.states[name]; st != nil && st.active > 0 {
		st.active--
	}
}

// Set installs or replaces the limit for lim.Name, keeping the active count.
func (l *Limiter) Set(lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := newLimitState(lim)
	if existing := l.states[lim.Name]; existing != nil {
		st.active = existing.active
	}
	l.states[lim.Name] = st
}

// Active returns how many jobs named name are running.
func (l *Limiter) Active(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st := l.states[name]; st != nil {
		return st.active
	}
	return 0
}
