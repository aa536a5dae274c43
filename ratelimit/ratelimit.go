package ratelimit

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/databendcloud/sync-dispatch/config"
	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
)

// Window admits at most Limit calls in any span of Length.
type Window struct {
	Limit  int
	Length time.Duration
}

var DefaultWindow = Window{Limit: 15, Length: 60 * time.Second}

// Store keeps the call timestamps of every key. CompareAndAppend must be atomic: the
// count of live entries and the append of now happen as one step, also across processes
// when the store is shared.
type Store interface {
	CompareAndAppend(ctx context.Context, key string, now time.Time, w Window) (bool, error)
}

// Limiter is a sliding-window admission gate for outbound provider calls keyed by api id.
type Limiter struct {
	store   Store
	def     Window
	windows map[string]Window
	clock   clock.Clock
}

func NewLimiter(store Store, def Window, windows map[string]Window, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if def.Limit <= 0 || def.Length <= 0 {
		def = DefaultWindow
	}
	if windows == nil {
		windows = map[string]Window{}
	}
	return &Limiter{store: store, def: def, windows: windows, clock: clk}
}

// FromConfig builds the per-api windows of cfg over store.
func FromConfig(cfg *config.Config, store Store, clk clock.Clock) *Limiter {
	windows := make(map[string]Window, len(cfg.RateLimits))
	for apiID, rl := range cfg.RateLimits {
		windows[apiID] = Window{Limit: rl.Limit, Length: rl.Window.Duration}
	}
	def := Window{Limit: cfg.DefaultRateLimit.Limit, Length: cfg.DefaultRateLimit.Window.Duration}
	return NewLimiter(store, def, windows, clk)
}

func (l *Limiter) WindowFor(apiID string) Window {
	if w, ok := l.windows[apiID]; ok {
		return w
	}
	return l.def
}

func key(apiID string) string {
	return "ratelimit:api:" + apiID
}

// TryAcquire never blocks: it reports whether a call against apiID may go out now and
// records it when it may.
func (l *Limiter) TryAcquire(ctx context.Context, apiID string) (bool, error) {
	ok, err := l.store.CompareAndAppend(ctx, key(apiID), l.clock.Now(), l.WindowFor(apiID))
	if err != nil {
		return false, terr.Wrapf(&terr.SourceUnavailable, "rate limit store: %v", err)
	}
	return ok, nil
}

// Invoke runs action only when the window of apiID has room.
func (l *Limiter) Invoke(ctx context.Context, apiID string, action func(ctx context.Context) error) error {
	ok, err := l.TryAcquire(ctx, apiID)
	if err != nil {
		return err
	}
	if !ok {
		w := l.WindowFor(apiID)
		logrus.WithField("api", apiID).Debugf("rate limited, %d calls per %s used up", w.Limit, w.Length)
		return terr.Wrapf(&terr.RateLimitExceeded, "api %s allows %d calls per %s", apiID, w.Limit, w.Length)
	}
	return action(ctx)
}
