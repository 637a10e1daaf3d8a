package metrics

import (
	"context"
	"time"

	"grimm.is/ruleplane/internal/logging"
)

// SectionStats is a point-in-time view of one section chain.
type SectionStats struct {
	Section string
	Pending int
	Active  int
	Dirty   bool
}

// ZoneStats is a point-in-time view of one zone's reference count.
type ZoneStats struct {
	Name     string
	RefCount int
}

// Source supplies the gauges sampled by the Collector.
type Source interface {
	SectionStats() []SectionStats
	ZoneStats() []ZoneStats
}

// Collector periodically copies chain and zone gauges into the registry.
type Collector struct {
	registry *Registry
	source   Source
	logger   *logging.Logger
	interval time.Duration
}

// NewCollector creates a collector sampling source every interval.
func NewCollector(source Source, logger *logging.Logger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Collector{
		registry: Get(),
		source:   source,
		logger:   logger.WithComponent("metrics"),
		interval: interval,
	}
}

// Run samples until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample.
func (c *Collector) Collect() {
	for _, s := range c.source.SectionStats() {
		c.registry.ChainLength.WithLabelValues(s.Section, "pending").Set(float64(s.Pending))
		c.registry.ChainLength.WithLabelValues(s.Section, "active").Set(float64(s.Active))
		dirty := 0.0
		if s.Dirty {
			dirty = 1
		}
		c.registry.SectionDirty.WithLabelValues(s.Section).Set(dirty)
	}

	// Zones dropped by a reload would otherwise keep their last value.
	c.registry.ZoneReferences.Reset()
	for _, z := range c.source.ZoneStats() {
		c.registry.ZoneReferences.WithLabelValues(z.Name).Set(float64(z.RefCount))
	}
	c.logger.Debug("metrics sampled")
}
