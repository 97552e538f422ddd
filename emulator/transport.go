package emulator

import (
	"context"
	"sync"

	"elm327-scanner/bluetooth"
	"elm327-scanner/common"
)

// Transport выдает эмулируемые соединения по одному
type Transport struct {
	// FailDiscover заставляет Discover падать, как при отсутствии адаптера
	FailDiscover bool

	vehicle Vehicle
	opts    []Option

	mu   sync.Mutex
	link *Link
}

func NewTransport(v Vehicle, opts ...Option) *Transport {
	return &Transport{vehicle: v, opts: opts}
}

func (t *Transport) Name() string {
	return "emulator"
}

func (t *Transport) Discover(ctx context.Context) (bluetooth.Device, error) {
	if err := ctx.Err(); err != nil {
		return bluetooth.Device{}, err
	}
	if t.FailDiscover {
		return bluetooth.Device{}, &common.ConnectionError{Stage: "discovery", Err: common.ErrNotSupported}
	}
	return bluetooth.Device{ID: "emulator", Name: "ELM327 Emulator", RSSI: -40}, nil
}

func (t *Transport) Connect(ctx context.Context, dev bluetooth.Device) (bluetooth.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link != nil {
		t.link.Close()
	}
	t.link = New(t.vehicle, t.opts...)
	logger.Printf("Emulated adapter connected (%s)", dev.Name)
	return t.link, nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link == nil {
		return false
	}
	t.link.mu.Lock()
	defer t.link.mu.Unlock()
	return !t.link.closed
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link == nil {
		return nil
	}
	err := t.link.Close()
	t.link = nil
	return err
}

// Link возвращает текущее эмулируемое соединение или nil без подключения
func (t *Transport) Link() *Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link
}
