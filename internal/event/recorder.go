package event

import "sync"

// Emission 一次被記錄的推送
type Emission struct {
	Room   string
	Except string
	Name   string
	Data   interface{}
}

// Recorder 記錄所有推送的 Broadcaster，供單元測試檢查事件
type Recorder struct {
	mu        sync.Mutex
	emissions []Emission
}

// NewRecorder 創建 Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(e Emission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions = append(r.emissions, e)
}

// EmitToRoom implements Broadcaster.
func (r *Recorder) EmitToRoom(room, name string, payload interface{}) {
	r.record(Emission{Room: room, Name: name, Data: payload})
}

// EmitToRoomExcept implements Broadcaster.
func (r *Recorder) EmitToRoomExcept(room, exceptSessionID, name string, payload interface{}) {
	r.record(Emission{Room: room, Except: exceptSessionID, Name: name, Data: payload})
}

// EmitToUser implements Broadcaster.
func (r *Recorder) EmitToUser(userID, name string, payload interface{}) {
	r.record(Emission{Room: UserRoom(userID), Name: name, Data: payload})
}

// EmitToAllExcept implements Broadcaster.
func (r *Recorder) EmitToAllExcept(userID, name string, payload interface{}) {
	r.record(Emission{Room: "*", Except: userID, Name: name, Data: payload})
}

// All 回傳目前所有記錄的副本
func (r *Recorder) All() []Emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Emission, len(r.emissions))
	copy(out, r.emissions)
	return out
}

// Named 依事件名稱過濾
func (r *Recorder) Named(name string) []Emission {
	var out []Emission
	for _, e := range r.All() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset 清空記錄
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions = nil
}
