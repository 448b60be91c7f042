package metrics

import (
	"sync"
	"time"
)

// StatsSource reports registry sizes
type StatsSource interface {
	TrackedCount() int
	FailingCount() int
}

// Collector periodically copies registry sizes into gauges
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect() {
	ServicesTracked.Set(float64(c.source.TrackedCount()))
	ServicesFailing.Set(float64(c.source.FailingCount()))
}
