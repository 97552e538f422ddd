package scanner

import (
	"sync"

	"elm327-scanner/common"
)

// State представляет шаг конечного автомата сканирования
type State string

const (
	StateIdle            State = "idle"
	StateConnecting      State = "connecting"
	StateInitializing    State = "initializing"
	StateReadingCodes    State = "reading_codes"
	StateReadingLiveData State = "reading_live_data"
	StateReadingIdentity State = "reading_identity"
	StateSummarizing     State = "summarizing"
	StateDone            State = "done"
	StateSimulatedScan   State = "simulated_scan"
)

// Listener получает изменения ConnectionState
type Listener func(common.ConnectionState)

type subscriber struct {
	id int
	fn Listener
}

// stateHub владеет ConnectionState одного Scanner. Слушатели вызываются
// синхронно в публикующей горутине, вне блокировки
type stateHub struct {
	mu        sync.Mutex
	state     common.ConnectionState
	listeners []subscriber
	nextID    int
}

func (h *stateHub) subscribe(fn Listener) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.listeners = append(h.listeners, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, s := range h.listeners {
				if s.id == id {
					h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (h *stateHub) snapshot() common.ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyState(h.state)
}

// update применяет fn к состоянию и рассылает копию каждому слушателю
func (h *stateHub) update(fn func(*common.ConnectionState)) {
	h.mu.Lock()
	fn(&h.state)
	st := copyState(h.state)
	listeners := make([]subscriber, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()

	for _, l := range listeners {
		l.fn(st)
	}
}

func copyState(st common.ConnectionState) common.ConnectionState {
	if st.Device != nil {
		d := *st.Device
		st.Device = &d
	}
	return st
}
