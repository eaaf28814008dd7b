package virtq_test

import (
	"testing"

	"github.com/c35s/vring/virtio/virtq"
)

func TestNeedEvent(t *testing.T) {
	tests := []struct {
		event, new, old uint16
		want            bool
	}{
		{0, 1, 0, true},
		{0, 2, 1, false},
		{4, 5, 4, true},
		{4, 4, 3, false},
		{4, 9, 2, true},
		{0xffff, 0, 0xfffe, true},
		{0xffff, 1, 0, false},
	}

	for _, tt := range tests {
		if got := virtq.NeedEvent(tt.event, tt.new, tt.old); got != tt.want {
			t.Errorf("NeedEvent(%d, %d, %d) = %v, want %v", tt.event, tt.new, tt.old, got, tt.want)
		}
	}
}

func TestKickSuppression(t *testing.T) {
	t.Run("event idx", func(t *testing.T) {
		p := newPair(t, 8, virtq.Config{Format: virtq.Modern, EventIdx: true})

		p.enqueue(t, segs(1)...)
		if p.kicks != 1 {
			t.Fatalf("kicks %d != 1", p.kicks)
		}

		// the device hasn't moved avail_event, so it already knows
		p.enqueue(t, segs(1)...)
		if p.kicks != 1 {
			t.Fatalf("kicks %d != 1", p.kicks)
		}

		for i := 0; i < 2; i++ {
			p.complete(t, 0)
		}

		p.enqueue(t, segs(1)...)
		if p.kicks != 2 {
			t.Fatalf("kicks %d != 2", p.kicks)
		}

		s := p.q.Stats()
		if s.Kicks != 2 || s.KicksSuppressed != 1 {
			t.Errorf("kicks=%d suppressed=%d", s.Kicks, s.KicksSuppressed)
		}
	})

	t.Run("no notify flag", func(t *testing.T) {
		p := newPair(t, 8, virtq.Config{Format: virtq.Modern})

		p.dev.SuppressNotify(true)
		p.enqueue(t, segs(1)...)
		if p.kicks != 0 {
			t.Fatalf("kicks %d != 0", p.kicks)
		}

		p.dev.SuppressNotify(false)
		p.enqueue(t, segs(1)...)
		if p.kicks != 1 {
			t.Fatalf("kicks %d != 1", p.kicks)
		}
	})

	t.Run("batched", func(t *testing.T) {
		p := newPair(t, 8, virtq.Config{Format: virtq.Modern})

		for i := 0; i < 3; i++ {
			head, err := p.q.Reserve(1)
			if err != nil {
				t.Fatal(err)
			}

			p.q.Load(head, segs(1)...)
			if err := p.q.Commit(head, false); err != nil {
				t.Fatal(err)
			}
		}

		if p.kicks != 0 {
			t.Fatalf("kicks %d != 0", p.kicks)
		}

		for i := 0; i < 2; i++ {
			if err := p.q.Notify(); err != nil {
				t.Fatal(err)
			}
		}

		if p.kicks != 1 {
			t.Errorf("kicks %d != 1", p.kicks)
		}
	})
}

// TestIntrSuppression checks that the device notifies exactly when the
// driver's used_event asks it to.
func TestIntrSuppression(t *testing.T) {
	p := newPair(t, 8, virtq.Config{Format: virtq.Modern, EventIdx: true})

	drain := func() {
		t.Helper()

		if _, err := p.q.Drain(func(virtq.Used) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("start", func(t *testing.T) {
		if p.q.StartIntr() {
			t.Error("pending completions on an idle queue")
		}

		p.enqueue(t, segs(1)...)

		ev, ok := p.q.UsedEvent()
		if !ok || ev != p.q.Stats().UsedIdx {
			t.Errorf("used_event %d != used idx %d", ev, p.q.Stats().UsedIdx)
		}

		p.complete(t, 0)
		if p.notifys != 1 {
			t.Errorf("notifications %d != 1", p.notifys)
		}

		drain()
	})

	t.Run("far", func(t *testing.T) {
		p.notifys = 0

		for i := 0; i < 4; i++ {
			p.enqueue(t, segs(1)...)
		}

		if p.q.PostponeIntrFar() {
			t.Fatal("pending completions before the device ran")
		}

		for i := 1; i <= 4; i++ {
			p.complete(t, 0)

			want := 0
			if i == 4 {
				want = 1
			}

			if p.notifys != want {
				t.Fatalf("after %d completions: notifications %d != %d", i, p.notifys, want)
			}
		}

		drain()
	})

	t.Run("postpone", func(t *testing.T) {
		p.notifys = 0

		for i := 0; i < 4; i++ {
			p.enqueue(t, segs(1)...)
		}

		p.complete(t, 0)
		p.notifys = 0

		// one completion is already waiting
		if !p.q.PostponeIntr(1) {
			t.Error("PostponeIntr(1) missed a waiting completion")
		}

		if p.q.PostponeIntr(2) {
			t.Error("PostponeIntr(2) reported an unreached event")
		}

		p.complete(t, 0)
		if p.notifys != 1 {
			t.Errorf("notifications %d != 1", p.notifys)
		}

		for i := 0; i < 2; i++ {
			p.complete(t, 0)
		}

		drain()
	})

	t.Run("smart", func(t *testing.T) {
		p.notifys = 0

		for i := 0; i < 4; i++ {
			p.enqueue(t, segs(1)...)
		}

		if p.q.PostponeIntrSmart() {
			t.Fatal("pending completions before the device ran")
		}

		// 3/4 of 4 in flight
		for i := 1; i <= 4; i++ {
			p.complete(t, 0)

			want := 0
			if i >= 3 {
				want = 1
			}

			if p.notifys != want {
				t.Fatalf("after %d completions: notifications %d != %d", i, p.notifys, want)
			}
		}

		drain()
	})

	t.Run("stop", func(t *testing.T) {
		p.notifys = 0
		p.q.StopIntr()

		for i := 0; i < 8; i++ {
			p.enqueue(t, segs(1)...)
			p.complete(t, 0)
			drain()
		}

		if p.notifys != 0 {
			t.Errorf("notifications %d != 0", p.notifys)
		}

		p.enqueue(t, segs(1)...)
		p.complete(t, 0)

		if !p.q.StartIntr() {
			t.Error("StartIntr missed a waiting completion")
		}

		drain()
	})
}

func TestIntrFlag(t *testing.T) {
	p := newPair(t, 8, virtq.Config{Format: virtq.Legacy})

	if _, ok := p.q.UsedEvent(); ok {
		t.Error("used_event exists without event indices")
	}

	p.q.StopIntr()
	p.enqueue(t, segs(1)...)
	p.complete(t, 0)

	if p.notifys != 0 {
		t.Errorf("notifications %d != 0", p.notifys)
	}

	if !p.q.StartIntr() {
		t.Error("StartIntr missed a waiting completion")
	}

	p.enqueue(t, segs(1)...)
	p.complete(t, 0)

	if p.notifys != 1 {
		t.Errorf("notifications %d != 1", p.notifys)
	}
}

func TestSmartPostponeClamp(t *testing.T) {
	p := newPair(t, 8, virtq.Config{
		Format:        virtq.Modern,
		EventIdx:      true,
		SmartPostpone: func(inflight int) int { return inflight * 10 },
	})

	for i := 0; i < 2; i++ {
		p.enqueue(t, segs(1)...)
	}

	p.q.PostponeIntrSmart()

	ev, _ := p.q.UsedEvent()
	if ev != 1 {
		t.Errorf("used_event %d != 1", ev)
	}
}

func TestPostponeIntrClamp(t *testing.T) {
	p := newPair(t, 8, virtq.Config{Format: virtq.Modern, EventIdx: true})

	for i := 0; i < 2; i++ {
		p.enqueue(t, segs(1)...)
	}

	if p.q.PostponeIntr(1<<16 + 1) {
		t.Error("postponing past the queue reported a waiting completion")
	}

	ev, _ := p.q.UsedEvent()
	if ev != 7 {
		t.Errorf("used_event %d != 7", ev)
	}

	p.complete(t, 0)

	if p.notifys != 0 {
		t.Errorf("notifications %d != 0", p.notifys)
	}
}
