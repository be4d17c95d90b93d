package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

var log = slog.Default()

// StallThreshold is how long a poll may spin before it logs a stall warning.
var StallThreshold = 10 * time.Second

// stallLimiter allows one stall warning per category every 30s.
var stallLimiter = catrate.NewLimiter(map[time.Duration]int{
	30 * time.Second: 1,
})

// Poll calls fn until it returns a slot or ctx is done, waiting between
// attempts according to backoff. name labels stall warnings, which are
// rate limited per name.
func Poll(ctx context.Context, name string, backoff shmem.Backoff, fn func() (types.SlotID, bool)) (types.SlotID, error) {
	start := time.Now()
	warned := false

	for attempt := 0; ; attempt++ {
		if id, ok := fn(); ok {
			return id, nil
		}
		if err := ctx.Err(); err != nil {
			return -1, err
		}

		if !warned && time.Since(start) > StallThreshold {
			warned = true
			if _, ok := stallLimiter.Allow(name); ok {
				log.Warn("Slot poll stalled", "poll", name, "waited", time.Since(start).Round(time.Millisecond))
			}
		}

		backoff.Wait(attempt)
	}
}
