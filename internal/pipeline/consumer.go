package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/candor-ai/candor/internal/observe"
	"github.com/candor-ai/candor/internal/session"
)

// ConsumerConfig tunes the queue-draining loop.
type ConsumerConfig struct {
	// Poll is the queue wait per iteration. Defaults to 150ms.
	Poll time.Duration
	// HighWater is the occupancy fraction that triggers a proactive drain.
	// Defaults to 0.8.
	HighWater float64
	// LowWater is the occupancy fraction drained down to. Defaults to 0.5.
	LowWater float64
	// MaxDropsPerPass caps how many frames one drain pass discards.
	// Defaults to 3.
	MaxDropsPerPass int
	// DrainBackoff is slept after repeated consecutive drops so one flooded
	// session cannot starve the others. Defaults to 50ms.
	DrainBackoff time.Duration
	// DrainBackoffAfter is the consecutive-drop count that triggers the
	// backoff. Defaults to 5.
	DrainBackoffAfter int
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Poll <= 0 {
		c.Poll = 150 * time.Millisecond
	}
	if c.HighWater <= 0 || c.HighWater > 1 {
		c.HighWater = 0.8
	}
	if c.LowWater <= 0 || c.LowWater >= c.HighWater {
		c.LowWater = 0.5
	}
	if c.MaxDropsPerPass <= 0 {
		c.MaxDropsPerPass = 3
	}
	if c.DrainBackoff <= 0 {
		c.DrainBackoff = 50 * time.Millisecond
	}
	if c.DrainBackoffAfter <= 0 {
		c.DrainBackoffAfter = 5
	}
}

// Consumer is the single task per session that drains the audio queue and
// feeds the Segmenter. It is the sole mutator of the segmenter state.
type Consumer struct {
	seg     *Segmenter
	sess    *session.Session
	cfg     ConsumerConfig
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewConsumer builds a Consumer over the session's queue.
func NewConsumer(sess *session.Session, seg *Segmenter, cfg ConsumerConfig, metrics *observe.Metrics) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		seg:     seg,
		sess:    sess,
		cfg:     cfg,
		log:     slog.Default().With("session_id", sess.SID, "source", string(sess.Source)),
		metrics: metrics,
	}
}

// Run drains the queue until ctx is cancelled, then flushes any open segment
// as a final. Returns ctx.Err().
func (c *Consumer) Run(ctx context.Context, cb Callbacks) error {
	q := c.sess.AudioQ
	highWater := int(float64(q.Cap()) * c.cfg.HighWater)
	lowWater := int(float64(q.Cap()) * c.cfg.LowWater)
	consecutiveDrains := 0

	for {
		if ctx.Err() != nil {
			// Use a fresh short-lived context so the flush recognition is
			// not already cancelled.
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 6*time.Second)
			c.seg.Flush(fctx, cb)
			cancel()
			return ctx.Err()
		}

		// Proactive drain: when the receiver outruns recognition, shed load
		// before latency builds up. At most MaxDropsPerPass frames go per
		// pass; repeated drops trigger a short backoff.
		if occ := q.Len(); occ >= highWater && highWater > 0 {
			dropped := 0
			for q.Len() > lowWater && dropped < c.cfg.MaxDropsPerPass {
				if _, ok := q.TryPop(); !ok {
					break
				}
				dropped++
			}
			if dropped > 0 {
				consecutiveDrains += dropped
				c.log.Warn("audio queue over high-water mark, dropped frames",
					"dropped", dropped, "occupancy", occ)
				if c.metrics != nil {
					c.metrics.RecordFramesDropped(ctx, int64(dropped), "drain")
				}
				if consecutiveDrains >= c.cfg.DrainBackoffAfter {
					time.Sleep(c.cfg.DrainBackoff)
					consecutiveDrains = 0
				}
			} else {
				consecutiveDrains = 0
			}
		}

		frame, ok := q.Pop(ctx, c.cfg.Poll)
		if !ok {
			continue
		}
		consecutiveDrains = 0
		c.seg.ProcessFrame(ctx, frame, cb)
	}
}
