// Package governor implements the Rate/Flood Governor (spec §4.3):
// per-account leaky-bucket admission, flood-wait tracking, and jittered
// exponential backoff for the accounts and operation classes the
// Scheduler drives work through.
package governor

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// OpClass identifies a pacing profile (§4.3's "operation-class jitter
// defaults"): messages, invitations, discovery.
type OpClass string

const (
	OpMessages    OpClass = "messages"
	OpInvitations OpClass = "invitations"
	OpDiscovery   OpClass = "discovery"
)

// jitterProfile carries the base delay range and variance for one op-class.
type jitterProfile struct {
	min, max time.Duration
	variance float64
}

var defaultProfiles = map[OpClass]jitterProfile{
	OpMessages:    {200 * time.Millisecond, 800 * time.Millisecond, 0.3},
	OpInvitations: {120 * time.Second, 600 * time.Second, 0.3},
	OpDiscovery:   {1 * time.Second, 3 * time.Second, 0.3},
}

// Admission is the result of Admit: either Ok, or RetryAfter(Δ).
type Admission struct {
	Ok         bool
	RetryAfter time.Duration
}

// accountState is the per-account bucket plus backoff bookkeeping.
type accountState struct {
	limiter       *rate.Limiter
	nextEligible  time.Time
	attempts      map[OpClass]int
}

// Governor tracks per-account rate state. Zero value is not usable; use New.
type Governor struct {
	mu       sync.Mutex
	accounts map[int64]*accountState

	bucketRate  rate.Limit
	bucketBurst int
	profiles    map[OpClass]jitterProfile
	rng         *rand.Rand
}

// Config parameterises bucket sizing; zero values take the §4.3 defaults
// (30 ops / 60s).
type Config struct {
	BucketOpsPerWindow int
	Window             time.Duration
}

// New builds a Governor. rngSeed lets tests get deterministic jitter;
// production callers should pass time.Now().UnixNano().
func New(cfg Config, rngSeed int64) *Governor {
	if cfg.BucketOpsPerWindow == 0 {
		cfg.BucketOpsPerWindow = 30
	}
	if cfg.Window == 0 {
		cfg.Window = 60 * time.Second
	}
	perSecond := rate.Limit(float64(cfg.BucketOpsPerWindow) / cfg.Window.Seconds())

	return &Governor{
		accounts:    make(map[int64]*accountState),
		bucketRate:  perSecond,
		bucketBurst: cfg.BucketOpsPerWindow,
		profiles:    defaultProfiles,
		rng:         rand.New(rand.NewSource(rngSeed)),
	}
}

func (g *Governor) stateFor(accountID int64) *accountState {
	st, ok := g.accounts[accountID]
	if !ok {
		st = &accountState{
			limiter:  rate.NewLimiter(g.bucketRate, g.bucketBurst),
			attempts: make(map[OpClass]int),
		}
		g.accounts[accountID] = st
	}
	return st
}

// Admit is non-blocking: it reports Ok if the account may act now, or
// RetryAfter(Δ) otherwise — either because next-eligible-at hasn't passed
// or the token bucket is empty.
func (g *Governor) Admit(accountID int64, op OpClass) Admission {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.stateFor(accountID)
	now := time.Now()

	if now.Before(st.nextEligible) {
		return Admission{Ok: false, RetryAfter: st.nextEligible.Sub(now)}
	}

	r := st.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Admission{Ok: false, RetryAfter: time.Second}
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.Cancel()
		return Admission{Ok: false, RetryAfter: delay}
	}
	return Admission{Ok: true}
}

// OnFloodWait sets next-eligible-at = now + Δ + jitter and bumps the
// attempt counter for the flood-wait's implicit op-class (messages, the
// only class flood-waits are observed on in practice).
func (g *Governor) OnFloodWait(accountID int64, delta time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.stateFor(accountID)
	jitter := g.jitterFor(OpMessages)
	st.nextEligible = time.Now().Add(delta + jitter)
	st.attempts[OpMessages]++
}

// OnSuccess resets the attempt counter for op on accountID.
func (g *Governor) OnSuccess(accountID int64, op OpClass) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stateFor(accountID).attempts[op] = 0
}

// NextBackoff returns base × 2^attempt, bounded by cap, times a jitter
// factor in [1−v, 1+v] — the §4.3 backoff sequence — for the current
// attempt count on (accountID, op), without mutating state.
func (g *Governor) NextBackoff(accountID int64, op OpClass, base, cap time.Duration, variance float64) time.Duration {
	g.mu.Lock()
	attempt := g.stateFor(accountID).attempts[op]
	g.mu.Unlock()

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > cap {
			d = cap
			break
		}
	}
	factor := 1 - variance + g.rng.Float64()*2*variance
	return time.Duration(float64(d) * factor)
}

// Pace returns a jittered delay for op's configured base range, for
// timing-obfuscation sleeps (invitation delays, inter-message pacing,
// discovery request spacing) per §4.3.
func (g *Governor) Pace(op OpClass) time.Duration {
	return g.jitterFor(op)
}

func (g *Governor) jitterFor(op OpClass) time.Duration {
	p, ok := g.profiles[op]
	if !ok {
		p = jitterProfile{min: 200 * time.Millisecond, max: 800 * time.Millisecond, variance: 0.3}
	}
	span := p.max - p.min
	base := p.min
	if span > 0 {
		base += time.Duration(g.rng.Float64() * float64(span))
	}
	factor := 1 - p.variance + g.rng.Float64()*2*p.variance
	return time.Duration(float64(base) * factor)
}
