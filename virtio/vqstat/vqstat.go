// Package vqstat exports virtqueue accounting as Prometheus metrics.
package vqstat

import (
	"strconv"

	"github.com/c35s/vring/virtio/virtq"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector reads Stats from a set of queues on every scrape.
type Collector struct {
	queues func() []*virtq.Queue

	size     *prometheus.Desc
	free     *prometheus.Desc
	inflight *prometheus.Desc
	pending  *prometheus.Desc

	enqueued   *prometheus.Desc
	completed  *prometheus.Desc
	kicks      *prometheus.Desc
	suppressed *prometheus.Desc
	full       *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// New returns a collector for the queues returned by queues, which is called
// on every scrape so it can follow a device through reset and reattach. Each
// series is labelled with the queue's name and index.
func New(namespace string, queues func() []*virtq.Queue) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "virtqueue", name),
			help,
			[]string{"queue", "index"},
			nil)
	}

	return &Collector{
		queues: queues,

		size:     desc("descriptors", "Number of descriptors in the queue."),
		free:     desc("free_descriptors", "Descriptors on the free list."),
		inflight: desc("inflight_descriptors", "Descriptors reserved or committed and not yet dequeued."),
		pending:  desc("pending_return_descriptors", "Descriptors dequeued and not yet returned to the free list."),

		enqueued:   desc("enqueued_total", "Chains made available to the device."),
		completed:  desc("completed_total", "Chains dequeued from the used ring."),
		kicks:      desc("kicks_total", "Notifications sent to the device."),
		suppressed: desc("kicks_suppressed_total", "Notifications skipped because the device asked."),
		full:       desc("full_total", "Reservations refused for lack of descriptors."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.size, c.free, c.inflight, c.pending,
		c.enqueued, c.completed, c.kicks, c.suppressed, c.full,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, q := range c.queues() {
		s := q.Stats()
		labels := []string{q.Name(), strconv.Itoa(q.Index())}

		gauge := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
		}

		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
		}

		gauge(c.size, s.Size)
		gauge(c.free, s.Free)
		gauge(c.inflight, s.InFlight)
		gauge(c.pending, s.PendingReturn)

		counter(c.enqueued, s.Enqueued)
		counter(c.completed, s.Completed)
		counter(c.kicks, s.Kicks)
		counter(c.suppressed, s.KicksSuppressed)
		counter(c.full, s.Full)
	}
}
