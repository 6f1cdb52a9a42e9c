// Caches never read the time on their own; they consult a Clock for every expiration decision.
// Production code uses the wall clock while tests drive a virtual clock forward by hand, which makes TTL behavior
// deterministic without sleeping.

package clock

import (
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"

	"github.com/nobletooth/kvcache/pkg/utils"
)

// Clock supplies the current time to caches and builds tickers for background reapers.
type Clock interface {
	// Now returns the current time. Consecutive calls never go backwards.
	Now() time.Time
	// Ticker returns a ticker firing every `d` according to this clock.
	Ticker(d time.Duration) *bclock.Ticker
}

// Wall returns the real-time clock.
func Wall() Clock { return bclock.New() }

// Virtual is a manually advanced clock for tests. It is safe for concurrent use.
type Virtual struct { // Implements Clock.
	mux  sync.Mutex // Serializes Advance calls so time is monotonic.
	mock *bclock.Mock
}

var _ Clock = (*Virtual)(nil)

// NewVirtual returns a virtual clock frozen at `start`.
func NewVirtual(start time.Time) *Virtual {
	mock := bclock.NewMock()
	mock.Set(start)
	return &Virtual{mock: mock}
}

func (v *Virtual) Now() time.Time { return v.mock.Now() }

func (v *Virtual) Ticker(d time.Duration) *bclock.Ticker { return v.mock.Ticker(d) }

// Advance moves the clock forward by `d`, firing any ticker whose deadline is crossed.
func (v *Virtual) Advance(d time.Duration) {
	if d < 0 {
		utils.RaiseInvariant("clock", "negative_advance", "Virtual clock cannot move backwards.", "delta", d)
		return
	}
	v.mux.Lock()
	defer v.mux.Unlock()
	v.mock.Add(d)
}
