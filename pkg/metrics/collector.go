package metrics

import (
	"time"

	"github.com/enascvm/admiral/pkg/storage"
	"github.com/enascvm/admiral/pkg/types"
)

// Collector periodically derives gauges from the document store
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
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
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTaskMetrics()
	c.collectVolumeMetrics()
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := storage.LoadAll[types.Task](c.store, storage.KindTask)
	if err != nil {
		return
	}

	TasksTotal.Reset()
	for _, task := range tasks {
		TasksTotal.WithLabelValues(task.Kind, string(task.Stage)).Inc()
	}
}

func (c *Collector) collectVolumeMetrics() {
	volumes, err := storage.LoadAll[types.Volume](c.store, storage.KindVolume)
	if err != nil {
		return
	}

	VolumesTotal.Reset()
	for _, v := range volumes {
		VolumesTotal.WithLabelValues(string(v.PowerState)).Inc()
	}
}
