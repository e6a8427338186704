package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type task struct {
	sTime   int64
	lTime   int64
	success bool
}

// Monitor keeps a bounded sliding window of completed tasks and reports the
// average duration and success ratio over it.
type Monitor struct {
	name           string
	tasks          []task
	count          int
	headindex      int
	tailindex      int
	maxLen         int
	windowdur      int64
	totalTimeCount int64
	successCount   int64
	rwmu           sync.RWMutex
	insertChan     chan *task
}

// NewMonitor creates a monitor holding at most maxLen samples no older than
// windowdur milliseconds. The monitor is registered for prometheus export.
func NewMonitor(name string, maxLen int, windowdur int64) *Monitor {
	if maxLen <= 0 {
		maxLen = 1000
	}
	m := &Monitor{
		name:       name,
		tasks:      make([]task, maxLen),
		maxLen:     maxLen,
		windowdur:  windowdur,
		insertChan: make(chan *task, maxLen),
	}
	registerMonitor(m)
	return m
}

func NewTask() *task {
	return &task{sTime: time.Now().UnixMilli()}
}

// CompleteTask records t. It never blocks: when the insert queue is full the
// sample is dropped.
func (m *Monitor) CompleteTask(t *task, success bool) {
	if m == nil || t == nil {
		return
	}
	t.lTime = time.Now().UnixMilli()
	t.success = success
	select {
	case m.insertChan <- t:
	default:
	}
}

func (m *Monitor) Name() string { return m.name }

func (m *Monitor) GetStats() (avgTime float64, successRate float64, count int) {
	m.rwmu.RLock()
	defer m.rwmu.RUnlock()
	if m.count == 0 {
		return 0, 0, 0
	}
	avgTime = float64(m.totalTimeCount) / float64(m.count)
	successRate = float64(m.successCount) / float64(m.count)
	count = m.count
	return
}

// Run consumes completed tasks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				zap.L().Info("monitor exiting", zap.String("monitor", m.name))
				return
			case t := <-m.insertChan:
				m.insert(t, time.Now().UnixMilli())
			}
		}
	}()
}

func (m *Monitor) insert(t *task, now int64) {
	m.rwmu.Lock()
	defer m.rwmu.Unlock()

	// expire samples outside the window
	for m.count > 0 {
		oldest := &m.tasks[m.headindex]
		if now-oldest.lTime < m.windowdur {
			break
		}
		m.dropOldest()
	}
	if m.count == m.maxLen {
		m.dropOldest()
	}

	m.tasks[m.tailindex] = *t
	m.tailindex = (m.tailindex + 1) % m.maxLen
	m.count++
	m.totalTimeCount += t.lTime - t.sTime
	if t.success {
		m.successCount++
	}
}

func (m *Monitor) dropOldest() {
	oldest := &m.tasks[m.headindex]
	m.totalTimeCount -= oldest.lTime - oldest.sTime
	if oldest.success {
		m.successCount--
	}
	m.headindex = (m.headindex + 1) % m.maxLen
	m.count--
}
