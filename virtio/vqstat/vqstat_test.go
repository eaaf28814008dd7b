package vqstat_test

import (
	"testing"

	"github.com/c35s/vring/virtio/dma"
	"github.com/c35s/vring/virtio/virtq"
	"github.com/c35s/vring/virtio/vqstat"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCollector(t *testing.T) {
	arena, err := dma.NewHeapArena(1<<16, 0x100000)
	if err != nil {
		t.Fatal(err)
	}

	q, err := virtq.New(1, 8, virtq.Config{
		Alloc:  arena,
		Format: virtq.Modern,
		Name:   "tx",
		Kick:   func() error { return nil },
	})

	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		head, err := q.Reserve(2)
		if err != nil {
			t.Fatal(err)
		}

		q.LoadP(head, 0x1000, 16, false)
		q.LoadP(head, 0x2000, 16, true)

		if err := q.Commit(head, true); err != nil {
			t.Fatal(err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(vqstat.New("vring", func() []*virtq.Queue {
		return []*virtq.Queue{q}
	}))

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	got := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if labels := labelMap(m); labels["queue"] != "tx" || labels["index"] != "1" {
				t.Errorf("%s: labels %v", mf.GetName(), labels)
			}

			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				got[mf.GetName()] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				got[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	want := map[string]float64{
		"vring_virtqueue_descriptors":                8,
		"vring_virtqueue_free_descriptors":           4,
		"vring_virtqueue_inflight_descriptors":       4,
		"vring_virtqueue_pending_return_descriptors": 0,
		"vring_virtqueue_enqueued_total":             2,
		"vring_virtqueue_completed_total":            0,
		"vring_virtqueue_kicks_total":                2,
		"vring_virtqueue_kicks_suppressed_total":     0,
		"vring_virtqueue_full_total":                 0,
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metrics (-want +got):\n%s", diff)
	}
}

func labelMap(m *dto.Metric) map[string]string {
	labels := make(map[string]string)
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}

	return labels
}
