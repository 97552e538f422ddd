package bluetooth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"elm327-scanner/common"

	"go.bug.st/serial"
)

const defaultSerialReadTimeout = 100 * time.Millisecond

// SerialConfig представляет конфигурацию транспорта через последовательный порт
// (USB адаптеры или SPP порт, который ОС показывает как COMx / tty.*)
type SerialConfig struct {
	Port      string `mapstructure:"port"`
	BaudRate  int    `mapstructure:"baud_rate"`
	QueueSize int    `mapstructure:"queue_size"`
}

// DefaultSerialConfig возвращает 38400 бод, заводскую скорость ELM327
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate:  38400,
		QueueSize: defaultFragmentQueueSize,
	}
}

// SerialTransport работает с адаптером через последовательный порт
type SerialTransport struct {
	config SerialConfig

	mu   sync.RWMutex
	link *streamLink
}

func NewSerialTransport(config SerialConfig) *SerialTransport {
	return &SerialTransport{config: config}
}

func (t *SerialTransport) Name() string {
	return "serial"
}

// Discover берет настроенный порт или единственный порт в системе
func (t *SerialTransport) Discover(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	if t.config.Port != "" {
		return Device{ID: t.config.Port, Name: "ELM327 (" + t.config.Port + ")", handle: t.config.Port}, nil
	}

	ports, err := serial.GetPortsList()
	if err != nil {
		return Device{}, &common.ConnectionError{Stage: "discover", Err: fmt.Errorf("list serial ports: %w", err)}
	}
	switch len(ports) {
	case 0:
		return Device{}, &common.ConnectionError{Stage: "discover", Err: fmt.Errorf("no serial ports found")}
	case 1:
		return Device{ID: ports[0], Name: "ELM327 (" + ports[0] + ")", handle: ports[0]}, nil
	default:
		return Device{}, &common.ConnectionError{Stage: "discover", Err: fmt.Errorf("several serial ports found %v, set transport.serial.port", ports)}
	}
}

func (t *SerialTransport) Connect(ctx context.Context, dev Device) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.config.BaudRate <= 0 {
		return nil, &common.ConnectionError{Stage: "connect", Err: fmt.Errorf("invalid serial baud rate: %d", t.config.BaudRate)}
	}
	name, _ := dev.handle.(string)
	if name == "" {
		name = t.config.Port
	}

	port, err := serial.Open(name, &serial.Mode{
		BaudRate: t.config.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, &common.ConnectionError{Stage: "connect", Err: fmt.Errorf("open serial port %q: %w", name, err)}
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()
		return nil, &common.ConnectionError{Stage: "connect", Err: err}
	}
	_ = port.ResetInputBuffer()
	_ = port.ResetOutputBuffer()

	info := common.DeviceInfo{DeviceID: name, Name: dev.Name, Protocol: common.ProtocolAuto}
	link := newStreamLink(port, info, t.config.QueueSize, 0)

	t.mu.Lock()
	t.link = link
	t.mu.Unlock()
	logger.Printf("Serial port %s opened at %d bps", name, t.config.BaudRate)
	return link, nil
}

func (t *SerialTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.link != nil && !t.link.isClosed()
}

func (t *SerialTransport) Disconnect() error {
	t.mu.Lock()
	link := t.link
	t.link = nil
	t.mu.Unlock()
	if link == nil {
		return nil
	}
	return link.Close()
}
