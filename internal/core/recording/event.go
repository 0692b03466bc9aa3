package recording

import (
	"sync"
	"time"
)

// MergeEvent 合并进度事件
type MergeEvent struct {
	MeetingID  string      `json:"meeting_id"`
	ProcessID  string      `json:"process_id"`
	Kind       MergeKind   `json:"kind"`
	Status     MergeStatus `json:"status"`
	Chunks     int         `json:"chunks"`
	OutputPath string      `json:"output_path,omitempty"`
	Error      string      `json:"error,omitempty"`
	At         time.Time   `json:"at"`
}

// Broker 进程内发布订阅，订阅者缓冲区满时丢弃事件
type Broker struct {
	m    sync.RWMutex
	subs map[string]map[chan MergeEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan MergeEvent]struct{})}
}

// Subscribe 订阅会话事件，meetingID 为空订阅全部
// 返回的函数用于取消订阅，可重复调用
func (b *Broker) Subscribe(meetingID string) (<-chan MergeEvent, func()) {
	ch := make(chan MergeEvent, 64)
	b.m.Lock()
	set, ok := b.subs[meetingID]
	if !ok {
		set = make(map[chan MergeEvent]struct{})
		b.subs[meetingID] = set
	}
	set[ch] = struct{}{}
	b.m.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.m.Lock()
			defer b.m.Unlock()
			delete(b.subs[meetingID], ch)
			if len(b.subs[meetingID]) == 0 {
				delete(b.subs, meetingID)
			}
			close(ch)
		})
	}
}

func (b *Broker) Publish(e MergeEvent) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.m.RLock()
	defer b.m.RUnlock()
	for _, key := range []string{e.MeetingID, ""} {
		for ch := range b.subs[key] {
			select {
			case ch <- e:
			default:
			}
		}
	}
}
