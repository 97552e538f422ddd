package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"elm327-scanner/common"

	"tinygo.org/x/bluetooth"
)

const (
	defaultBLEScanTimeout   = 10 * time.Second
	defaultBLESubscribeWait = 8 * time.Second
	bleWriteChunk           = 20 // Полезная нагрузка ATT MTU по умолчанию
	blePollBufferSize       = 512
)

// BLEConfig представляет конфигурацию GATT транспорта
type BLEConfig struct {
	AdapterID   string        `mapstructure:"adapter_id"`   // Например "hci1", только Linux
	Address     string        `mapstructure:"address"`      // Необязательно, ограничивает поиск одним устройством
	NameFilters []string      `mapstructure:"name_filters"` // По умолчанию DeviceFilters
	ScanTimeout time.Duration `mapstructure:"scan_timeout"`
	QueueSize   int           `mapstructure:"queue_size"`
}

// DefaultBLEConfig возвращает конфигурацию BLE по умолчанию
func DefaultBLEConfig() BLEConfig {
	return BLEConfig{
		NameFilters: append([]string(nil), DeviceFilters...),
		ScanTimeout: defaultBLEScanTimeout,
		QueueSize:   defaultFragmentQueueSize,
	}
}

// BLETransport подключается к адаптерам класса ELM327 через Bluetooth Low Energy
type BLETransport struct {
	config  BLEConfig
	adapter *bluetooth.Adapter

	mu   sync.RWMutex
	link *bleLink
}

func NewBLETransport(config BLEConfig) *BLETransport {
	if len(config.NameFilters) == 0 {
		config.NameFilters = append([]string(nil), DeviceFilters...)
	}
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = defaultBLEScanTimeout
	}
	return &BLETransport{
		config:  config,
		adapter: resolveAdapter(config.AdapterID),
	}
}

func (t *BLETransport) Name() string {
	return "ble"
}

// Discover сканирует, пока не появится устройство с подходящим по фильтру именем
func (t *BLETransport) Discover(ctx context.Context) (Device, error) {
	if err := enableAdapter(t.adapter); err != nil {
		return Device{}, fmt.Errorf("%w: enable bluetooth adapter: %v", common.ErrNotSupported, err)
	}
	if err := stopScan(t.adapter); err != nil {
		logger.Printf("Warning: failed to reset scan state: %v", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, t.config.ScanTimeout)
	defer cancel()

	want := strings.ToUpper(strings.TrimSpace(t.config.Address))
	foundCh := make(chan bluetooth.ScanResult, 1)
	scanErrCh := make(chan error, 1)

	logger.Printf("Scanning for adapters (filters %v, timeout %v)", t.config.NameFilters, t.config.ScanTimeout)
	go func() {
		scanErrCh <- scanAdapter(func() error {
			return t.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
				if !MatchesFilter(result.LocalName(), t.config.NameFilters) {
					return
				}
					if want != "" && strings.ToUpper(result.Address.String()) != want {
					return
				}
				select {
				case foundCh <- result:
					_ = a.StopScan()
				default:
				}
			})
		}, func() error { return t.adapter.StopScan() })
	}()

	var (
		result bluetooth.ScanResult
		found  bool
	)
	select {
	case result = <-foundCh:
		found = true
	case <-scanCtx.Done():
		_ = stopScan(t.adapter)
	}

	if err := <-scanErrCh; err != nil && !isBenignStopScanError(err) {
		return Device{}, &common.ConnectionError{Stage: "discover", Err: fmt.Errorf("scan bluetooth devices: %w", err)}
	}
	if !found {
		if err := ctx.Err(); err != nil {
			return Device{}, err
		}
		return Device{}, &common.ConnectionError{Stage: "discover", Err: errors.New("no OBD-II adapter found nearby")}
	}

	logger.Printf("Found device: %s (%s) RSSI %d", result.LocalName(), result.Address.String(), result.RSSI)
	return Device{
		ID:     result.Address.String(),
		Name:   result.LocalName(),
		RSSI:   int(result.RSSI),
		handle: result.Address,
	}, nil
}

// ListDevices сканирует весь таймаут сканирования и возвращает каждое
// подходящее устройство один раз, в порядке обнаружения
func (t *BLETransport) ListDevices(ctx context.Context) ([]Device, error) {
	if err := enableAdapter(t.adapter); err != nil {
		return nil, fmt.Errorf("%w: enable bluetooth adapter: %v", common.ErrNotSupported, err)
	}
	if err := stopScan(t.adapter); err != nil {
		logger.Printf("Warning: failed to reset scan state: %v", err)
	}

	var (
		mu    sync.Mutex
		order []string
		seen  = make(map[string]Device)
	)
	scanErrCh := make(chan error, 1)
	go func() {
		scanErrCh <- scanAdapter(func() error {
			return t.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
				if !MatchesFilter(result.LocalName(), t.config.NameFilters) {
					return
				}
				id := result.Address.String()
				mu.Lock()
				defer mu.Unlock()
				if _, ok := seen[id]; !ok {
					order = append(order, id)
				}
				seen[id] = Device{ID: id, Name: result.LocalName(), RSSI: int(result.RSSI), handle: result.Address}
			})
		}, func() error { return t.adapter.StopScan() })
	}()

	scanCtx, cancel := context.WithTimeout(ctx, t.config.ScanTimeout)
	defer cancel()
	<-scanCtx.Done()
	_ = stopScan(t.adapter)
	if err := <-scanErrCh; err != nil && !isBenignStopScanError(err) {
		return nil, &common.ConnectionError{Stage: "discover", Err: fmt.Errorf("scan bluetooth devices: %w", err)}
	}

	mu.Lock()
	defer mu.Unlock()
	devices := make([]Device, 0, len(order))
	for _, id := range order {
		devices = append(devices, seen[id])
	}
	return devices, nil
}

// Connect привязывается к первому известному профилю сервиса, который есть у устройства
func (t *BLETransport) Connect(ctx context.Context, dev Device) (Link, error) {
	addr, ok := dev.handle.(bluetooth.Address)
	if !ok {
		return nil, &common.ConnectionError{Stage: "connect", Err: fmt.Errorf("device %q was not discovered over BLE", dev.ID)}
	}

	logger.Printf("Connecting to %s %s", dev.Name, dev.ID)
	device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, &common.ConnectionError{Stage: "connect", Err: fmt.Errorf("connect to %s: %w", dev.Name, err)}
	}

	link, err := t.bindProfile(ctx, device, dev)
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}

	t.mu.Lock()
	t.link = link
	t.mu.Unlock()
	return link, nil
}

func (t *BLETransport) bindProfile(ctx context.Context, device bluetooth.Device, dev Device) (*bleLink, error) {
	for _, p := range serviceProfiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		services, err := device.DiscoverServices([]bluetooth.UUID{p.Service})
		if err != nil || len(services) == 0 {
			continue
		}
		chars, err := services[0].DiscoverCharacteristics(nil)
		if err != nil {
			logger.Printf("Service %s: characteristic discovery failed: %v", p.Name, err)
			continue
		}

		var writeChar, notifyChar *bluetooth.DeviceCharacteristic
		for i := range chars {
			if chars[i].UUID() == p.Write && writeChar == nil {
				writeChar = &chars[i]
			}
			if chars[i].UUID() == p.Notify && notifyChar == nil {
				notifyChar = &chars[i]
			}
		}
		if writeChar == nil {
			continue
		}

		link := &bleLink{
			info: common.DeviceInfo{
				DeviceID:       dev.ID,
				Name:           dev.Name,
				Protocol:       common.ProtocolAuto,
				SignalStrength: dev.RSSI,
			},
			device: device,
			write:  *writeChar,
			closed: make(chan struct{}),
		}

		if notifyChar != nil {
			queue := newFragmentQueue(t.config.QueueSize)
			err := enableNotificationsWithTimeout(ctx, *notifyChar, queue.push, defaultBLESubscribeWait)
			if err == nil {
				link.notify = notifyChar
				link.queue = queue
				logger.Printf("Bound service %s with notifications", p.Name)
				return link, nil
			}
			logger.Printf("Service %s: notifications unavailable (%v), falling back to polling", p.Name, err)
			link.poll = *notifyChar
		} else {
			link.poll = *writeChar
			logger.Printf("Service %s has no notify characteristic, polling mode", p.Name)
		}
		return link, nil
	}
	return nil, &common.ConnectionError{Stage: "service resolution", Err: common.ErrServiceNotFound}
}

func (t *BLETransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.link != nil && !t.link.isClosed()
}

func (t *BLETransport) Disconnect() error {
	t.mu.Lock()
	link := t.link
	t.link = nil
	t.mu.Unlock()
	if link == nil {
		return nil
	}
	return link.Close()
}

type bleLink struct {
	info   common.DeviceInfo
	device bluetooth.Device
	write  bluetooth.DeviceCharacteristic
	notify *bluetooth.DeviceCharacteristic
	poll   bluetooth.DeviceCharacteristic
	queue  *fragmentQueue // nil в режиме опроса

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *bleLink) Info() common.DeviceInfo {
	return l.info
}

func (l *bleLink) Fragments() <-chan []byte {
	if l.queue == nil {
		return nil
	}
	return l.queue.ch
}

// Write отправляет p кусками размером с MTU
func (l *bleLink) Write(ctx context.Context, p []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	for len(p) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.isClosed() {
			return common.ErrLinkClosed
		}
		n := len(p)
		if n > bleWriteChunk {
			n = bleWriteChunk
		}
		if _, err := l.write.WriteWithoutResponse(p[:n]); err != nil {
			return fmt.Errorf("write characteristic: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// Read выполняет одно чтение характеристики. Имеет смысл только в режиме опроса
func (l *bleLink) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.isClosed() {
		return nil, common.ErrLinkClosed
	}
	buf := make([]byte, blePollBufferSize)
	n, err := l.poll.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read characteristic: %w", err)
	}
	return buf[:n], nil
}

func (l *bleLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.notify != nil {
			if nerr := l.notify.EnableNotifications(nil); nerr != nil {
				logger.Printf("Warning: disable notifications failed: %v", nerr)
			}
		}
		if l.queue != nil {
			l.queue.close()
		}
		err = l.device.Disconnect()
		logger.Printf("Disconnected from %s", l.info.Name)
	})
	return err
}

func (l *bleLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func enableNotificationsWithTimeout(ctx context.Context, char bluetooth.DeviceCharacteristic, callback func([]byte), wait time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- char.EnableNotifications(callback)
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("subscribe timed out after %s", wait)
	}
}
