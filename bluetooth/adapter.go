package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"elm327-scanner/common"

	"golang.org/x/sys/unix"
)

// Config представляет конфигурацию RFCOMM транспорта (классический Bluetooth SPP)
type Config struct {
	DevicePath   string        `mapstructure:"device_path"`   // Например "/dev/rfcomm0", создается через `rfcomm bind`
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // Таймаут на одну запись
	QueueSize    int           `mapstructure:"queue_size"`    // Емкость очереди фрагментов
}

// DefaultConfig возвращает конфигурацию RFCOMM по умолчанию
func DefaultConfig() Config {
	return Config{
		DevicePath:   "/dev/rfcomm0",
		WriteTimeout: 1 * time.Second,
		QueueSize:    defaultFragmentQueueSize,
	}
}

// RFCOMMTransport работает с адаптером, привязанным к tty стеком Bluetooth ОС
type RFCOMMTransport struct {
	config   Config
	connMu   sync.RWMutex
	link     *streamLink
	openFunc func(path string) (io.ReadWriteCloser, error)
}

// NewRFCOMMTransport создает RFCOMM транспорт
func NewRFCOMMTransport(config Config) *RFCOMMTransport {
	return &RFCOMMTransport{config: config, openFunc: openTTY}
}

func (t *RFCOMMTransport) Name() string {
	return "rfcomm"
}

// Discover проверяет, что привязанный файл устройства существует
func (t *RFCOMMTransport) Discover(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	if _, err := os.Stat(t.config.DevicePath); os.IsNotExist(err) {
		return Device{}, &common.ConnectionError{
			Stage: "discover",
			Err:   fmt.Errorf("device %s does not exist. Please run 'sudo rfcomm bind' first", t.config.DevicePath),
		}
	}
	return Device{ID: t.config.DevicePath, Name: "ELM327 (RFCOMM)", handle: t.config.DevicePath}, nil
}

// Connect открывает tty и запускает цикл чтения
func (t *RFCOMMTransport) Connect(ctx context.Context, dev Device) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, _ := dev.handle.(string)
	if path == "" {
		path = t.config.DevicePath
	}

	logger.Printf("Attempting to connect to %s", path)
	conn, err := t.openFunc(path)
	if err != nil {
		return nil, &common.ConnectionError{Stage: "connect", Err: err}
	}

	info := common.DeviceInfo{DeviceID: path, Name: dev.Name, Protocol: common.ProtocolAuto}
	link := newStreamLink(conn, info, t.config.QueueSize, t.config.WriteTimeout)

	t.connMu.Lock()
	t.link = link
	t.connMu.Unlock()
	logger.Println("Bluetooth connection established")
	return link, nil
}

func (t *RFCOMMTransport) IsConnected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.link != nil && !t.link.isClosed()
}

func (t *RFCOMMTransport) Disconnect() error {
	t.connMu.Lock()
	link := t.link
	t.link = nil
	t.connMu.Unlock()
	if link == nil {
		return nil
	}
	return link.Close()
}

func openTTY(path string) (io.ReadWriteCloser, error) {
	file, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", path, err)
	}
	return file, nil
}

// streamLink превращает поток байтов во фрагменты, как у уведомлений
type streamLink struct {
	info         common.DeviceInfo
	conn         io.ReadWriteCloser
	queue        *fragmentQueue
	writeTimeout time.Duration
	writeMu      sync.Mutex
	stopChan     chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

func newStreamLink(conn io.ReadWriteCloser, info common.DeviceInfo, queueSize int, writeTimeout time.Duration) *streamLink {
	l := &streamLink{
		info:         info,
		conn:         conn,
		queue:        newFragmentQueue(queueSize),
		writeTimeout: writeTimeout,
		stopChan:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l
}

func (l *streamLink) Info() common.DeviceInfo {
	return l.info
}

func (l *streamLink) Fragments() <-chan []byte {
	return l.queue.ch
}

// Read возвращает следующий фрагмент из очереди
func (l *streamLink) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frag, ok := <-l.queue.ch:
		if !ok {
			return nil, common.ErrLinkClosed
		}
		return frag, nil
	}
}

// Write отправляет p как есть. Дедлайн записи ставится, если поток его поддерживает
func (l *streamLink) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.isClosed() {
		return common.ErrLinkClosed
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if d, ok := l.conn.(interface{ SetWriteDeadline(time.Time) error }); ok && l.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	if _, err := l.conn.Write(p); err != nil {
		logger.Printf("Write error: %v", err)
		return fmt.Errorf("write to %s: %w", l.info.DeviceID, err)
	}
	return nil
}

func (l *streamLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopChan)
		err = l.conn.Close()
		l.wg.Wait()
		l.queue.close()
		logger.Println("Bluetooth connection closed")
	})
	return err
}

func (l *streamLink) isClosed() bool {
	select {
	case <-l.stopChan:
		return true
	default:
	}
	l.queue.mu.Lock()
	defer l.queue.mu.Unlock()
	return l.queue.closed
}

// readLoop пересылает прочитанные байты без изменений, без разбиения на кадры
func (l *streamLink) readLoop() {
	defer l.wg.Done()
	logger.Println("Starting Bluetooth read loop")

	buf := make([]byte, 256)
	for {
		select {
		case <-l.stopChan:
			logger.Println("Read loop stopped")
			return
		default:
		}

		n, err := l.conn.Read(buf)
		if n > 0 {
			l.queue.push(buf[:n])
		}
		if err != nil {
			if l.isClosed() {
				return
			}
			if !errors.Is(err, io.EOF) {
				logger.Printf("Read error: %v", err)
			}
			// Поток закрыт, освобождаем всех, кто ждет фрагменты
			l.queue.close()
			return
		}
	}
}
