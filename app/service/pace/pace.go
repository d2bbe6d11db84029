// Package pace computes humanized delivery delays: an estimate of how
// long a human would take to read the inbound turn and type the reply,
// plus bounded random jitter so the timing never looks mechanical.
package pace

import (
	"math/rand"
	"time"

	"github.com/samber/lo"

	"github.com/pablioRichardy/agentle/app/config"
	"github.com/pablioRichardy/agentle/app/service/batch"
)

// Plan is the delay budget of a single reply. Computed once per
// batch+reply pair, immutable.
type Plan struct {
	Read   time.Duration
	Typing time.Duration
	Send   time.Duration
	Total  time.Duration

	JitterApplied bool
}

// Rand is the randomness source for jitter. *rand.Rand satisfies it;
// tests pin it to a fixed value.
type Rand interface {
	Float64() float64
}

func NewRand() Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Compute builds the delay plan for a closed batch and its reply. The
// jitter component is re-drawn on every call; read and typing delays
// are deterministic in the inputs, floored and capped per config, and
// non-decreasing in message length. An empty reply still pays the
// typing floor so nothing is ever sent instantly. A non-positive speed
// falls back to the floor instead of dividing by zero.
func Compute(b *batch.Batch, reply string, bot config.Bot, rnd Rand) Plan {
	floor := bot.DelayFloor()
	ceil := bot.DelayCap()

	read := floor
	if bot.ReadingSpeedWPM > 0 {
		read = time.Duration(float64(b.Words()) / bot.ReadingSpeedWPM * float64(time.Minute))
	}
	read = lo.Clamp(read, floor, ceil)

	typing := floor
	if bot.TypingSpeedCPS > 0 {
		typing = time.Duration(float64(len([]rune(reply))) / bot.TypingSpeedCPS * float64(time.Second))
	}
	typing = lo.Clamp(typing, floor, ceil)

	jitterSpan := bot.JitterMax() - bot.JitterMin()
	jitter := bot.JitterMin() + time.Duration(rnd.Float64()*float64(jitterSpan))

	return Plan{
		Read:          read,
		Typing:        typing,
		Send:          jitter,
		Total:         read + typing + jitter,
		JitterApplied: jitter > 0,
	}
}
