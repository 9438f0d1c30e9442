package iec104

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCyclicInterval is the period between cyclic broadcasts.
const DefaultCyclicInterval = 5 * time.Second

// tickerFunc returns a tick channel and its stop function.
type tickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// CyclicBroadcaster pushes the whole cache to every registered client with
// cause cyclic once per interval. A client whose write fails is removed
// from the registry and closed.
type CyclicBroadcaster struct {
	cache    *DataPointCache
	registry *ClientRegistry
	interval time.Duration
	metrics  *Metrics

	newTicker tickerFunc
}

// NewCyclicBroadcaster returns a broadcaster. A non-positive interval uses
// DefaultCyclicInterval.
func NewCyclicBroadcaster(cache *DataPointCache, registry *ClientRegistry, interval time.Duration, metrics *Metrics) *CyclicBroadcaster {
	if interval <= 0 {
		interval = DefaultCyclicInterval
	}
	return &CyclicBroadcaster{
		cache:     cache,
		registry:  registry,
		interval:  interval,
		metrics:   metrics,
		newTicker: realTicker,
	}
}

// Run broadcasts on every tick until ctx is done. The first round happens one
// interval after Run starts.
func (b *CyclicBroadcaster) Run(ctx context.Context) {
	ticks, stop := b.newTicker(b.interval)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"component": "broadcaster",
		"interval":  b.interval.String(),
	}).Info("Cyclic broadcaster started")

	for {
		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"component": "broadcaster",
				"action":    "shutdown",
			}).Debug("Stopping cyclic broadcaster")
			return
		case <-ticks:
			b.BroadcastOnce()
		}
	}
}

// BroadcastOnce sends one round and returns the number of clients that
// received every frame.
func (b *CyclicBroadcaster) BroadcastOnce() int {
	start := time.Now()
	clients := b.registry.Snapshot()
	if len(clients) == 0 {
		b.metrics.BroadcastCycle(time.Since(start))
		return 0
	}

	points := b.cache.GetAll()
	frames := make([][]byte, 0, len(points))
	for _, p := range points {
		if asdu := EncodeASDU(p, CauseCyclic); asdu != nil {
			frames = append(frames, EncodeFrame(asdu))
		}
	}

	delivered := 0
	for _, c := range clients {
		if err := sendAll(c, frames); err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "broadcaster",
				"action":    "send",
				"client_id": c.ID.String(),
				"error":     err,
			}).Warn("Cyclic send failed, dropping client")
			b.registry.Remove(c)
			_ = c.Close()
			continue
		}
		delivered++
	}

	b.metrics.BroadcastCycle(time.Since(start))
	logrus.WithFields(logrus.Fields{
		"component": "broadcaster",
		"action":    "cycle",
		"clients":   delivered,
		"points":    len(frames),
	}).Debug("Cyclic broadcast complete")
	return delivered
}

func sendAll(w FrameWriter, frames [][]byte) error {
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			return err
		}
	}
	return nil
}
