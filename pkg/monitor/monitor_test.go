package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// sample reads one series from the default registry; label is matched against
// any label value, or ignored when empty.
func sample(t *testing.T, name, label string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := label == ""
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					matched = true
				}
			}
			if !matched {
				continue
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestWindowDropsOldestWhenFull(t *testing.T) {
	m := NewMonitor("test_full", 3, 60000)
	now := time.Now().UnixMilli()
	for i, ok := range []bool{false, true, true, true} {
		m.insert(&task{sTime: now - int64(i+1)*10, lTime: now, success: ok}, now)
	}
	avg, rate, n := m.GetStats()
	if n != 3 || rate != 1 {
		t.Fatalf("count=%d rate=%v, want 3 and 1", n, rate)
	}
	if avg != 30 {
		t.Fatalf("avg = %v, want 30", avg)
	}
}

func TestWindowExpiresOldSamples(t *testing.T) {
	m := NewMonitor("test_expiry", 10, 1000)
	m.insert(&task{sTime: 0, lTime: 100, success: true}, 100)
	m.insert(&task{sTime: 0, lTime: 200, success: false}, 200)
	m.insert(&task{sTime: 5000, lTime: 5010, success: true}, 5010)
	avg, rate, n := m.GetStats()
	if n != 1 || rate != 1 || avg != 10 {
		t.Fatalf("stats = %v %v %d", avg, rate, n)
	}
}

func TestCompleteTaskNeverBlocks(t *testing.T) {
	m := NewMonitor("test_nonblocking", 2, 60000)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.CompleteTask(NewTask(), true)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CompleteTask blocked without a running consumer")
	}

	var nilMon *Monitor
	nilMon.CompleteTask(NewTask(), true)
}

func TestRunAndCollect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMonitor("test_collect", 10, 60000)
	m.Run(ctx)
	m.CompleteTask(NewTask(), true)
	m.CompleteTask(NewTask(), false)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, _, n := m.GetStats(); n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("samples were not consumed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	CollectMetrics()
	if got := sample(t, "pushrelay_monitor_success_rate", "test_collect"); got != 0.5 {
		t.Fatalf("success rate gauge = %v", got)
	}
}

func TestObservePushCountsResults(t *testing.T) {
	okBefore := sample(t, "pushrelay_emits_total", "ok")
	failedBefore := sample(t, "pushrelay_emits_total", "failed")
	reqBefore := sample(t, "pushrelay_push_requests_total", "")

	ObservePush(2, 3)

	if d := sample(t, "pushrelay_emits_total", "ok") - okBefore; d != 2 {
		t.Fatalf("ok emits delta = %v", d)
	}
	if d := sample(t, "pushrelay_emits_total", "failed") - failedBefore; d != 1 {
		t.Fatalf("failed emits delta = %v", d)
	}
	if d := sample(t, "pushrelay_push_requests_total", "") - reqBefore; d != 1 {
		t.Fatalf("push requests delta = %v", d)
	}
}
