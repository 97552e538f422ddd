package bluetooth

import (
	"context"
	"log"
	"os"
	"sync"

	"elm327-scanner/common"
)

var logger = log.New(os.Stdout, "[Bluetooth-Adapter] ", log.LstdFlags|log.Lshortfile)

const defaultFragmentQueueSize = 128

// Device представляет найденного кандидата в адаптеры
type Device struct {
	ID   string
	Name string
	RSSI int

	handle interface{} // Адрес, зависящий от транспорта
}

// Link представляет открытое соединение с одним адаптером. Полученные байты
// попадают в Fragments в порядке прихода. Соединение без канала уведомлений
// возвращает nil из Fragments, его нужно опрашивать через Read после каждого Write
type Link interface {
	Write(ctx context.Context, p []byte) error
	Fragments() <-chan []byte
	Read(ctx context.Context) ([]byte, error)
	Info() common.DeviceInfo
	Close() error
}

// Transport владеет беспроводной сессией с одним адаптером
type Transport interface {
	Name() string
	Discover(ctx context.Context) (Device, error)
	Connect(ctx context.Context, dev Device) (Link, error)
	IsConnected() bool
	Disconnect() error
}

// fragmentQueue представляет ограниченную очередь, при переполнении отбрасывает самый старый фрагмент
type fragmentQueue struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func newFragmentQueue(size int) *fragmentQueue {
	if size <= 0 {
		size = defaultFragmentQueueSize
	}
	return &fragmentQueue{ch: make(chan []byte, size)}
}

func (q *fragmentQueue) push(p []byte) {
	if len(p) == 0 {
		return
	}
	frag := append([]byte(nil), p...)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	select {
	case q.ch <- frag:
	default:
		logger.Printf("Warning: fragment queue full (cap %d), dropping oldest fragment", cap(q.ch))
		select {
		case <-q.ch:
		default:
		}
		select {
		case q.ch <- frag:
		default:
		}
	}
}

func (q *fragmentQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
