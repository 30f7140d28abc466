package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
)

// StartReporter launches a goroutine that logs a one-line summary every
// interval while anything changed. It stops when ctx is cancelled.
func StartReporter(ctx context.Context, c *Collector, every time.Duration) {
	if c == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		var prev summary
		for {
			select {
			case <-ticker.C:
				cur := c.summary()
				if cur != prev {
					pterm.DefaultLogger.Info(cur.String())
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type summary struct {
	participants int64
	streams      int64
	reconnects   int64
	dropped      int64
}

func (c *Collector) summary() summary {
	return summary{
		participants: c.participantN.Load(),
		streams:      c.streamN.Load(),
		reconnects:   c.reconnects.Load(),
		dropped:      c.dropped.Load(),
	}
}

func (s summary) String() string {
	return fmt.Sprintf("Peers: %2d | Streams: %2d | Reconnects: %d | Dropped: %d",
		s.participants, s.streams, s.reconnects, s.dropped)
}
