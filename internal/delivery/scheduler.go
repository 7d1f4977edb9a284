package delivery

import (
	"sync"
	"time"
)

// Scheduler 以訊息 ID 追蹤可取消的延遲工作
type Scheduler struct {
	mu      sync.Mutex
	delay   time.Duration
	timers  map[string]*time.Timer
	stopped bool
	running sync.WaitGroup
}

// NewScheduler 創建排程器
func NewScheduler(delay time.Duration) *Scheduler {
	return &Scheduler{
		delay:  delay,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule 在 delay 後執行 fn；同一 ID 重複排程會取代前一個
// 排程器停止後回傳 false
func (s *Scheduler) Schedule(id string, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if prev, ok := s.timers[id]; ok {
		prev.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		if s.stopped || s.timers[id] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.running.Add(1)
		s.mu.Unlock()

		defer s.running.Done()
		fn()
	})
	s.timers[id] = t
	return true
}

// Cancel 取消尚未觸發的工作，已在執行中的不受影響
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	return t.Stop()
}

// Pending 尚未觸發的工作數
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop 取消所有尚未觸發的工作並等待執行中的完成
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.running.Wait()
}
