// Package scanner проводит диагностическое сканирование в одной сессии с
// адаптером и публикует его прогресс
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"elm327-scanner/bluetooth"
	"elm327-scanner/common"
	"elm327-scanner/elm327"
)

var logger = log.New(os.Stdout, "[Scanner] ", log.LstdFlags|log.Lshortfile)

// Config настраивает инициализацию сессии и симуляцию
type Config struct {
	Correlator elm327.Options     `mapstructure:"correlator"`
	Init       elm327.InitOptions `mapstructure:"init"`
	// SimulatedStepDelay задает паузы симуляции, чтобы она выглядела как настоящее сканирование
	SimulatedStepDelay time.Duration `mapstructure:"simulated_step_delay"`
}

func DefaultConfig() Config {
	return Config{
		Correlator:         elm327.DefaultOptions(),
		Init:               elm327.DefaultInitOptions(),
		SimulatedStepDelay: 150 * time.Millisecond,
	}
}

type session struct {
	link       bluetooth.Link
	correlator *elm327.Correlator
	device     common.DeviceInfo
	protocol   common.LineProtocol
}

// Scanner представляет конечный автомат сканирования для одного транспорта
type Scanner struct {
	transport bluetooth.Transport
	config    Config
	hub       stateHub

	mu       sync.Mutex
	session  *session
	scanning bool
	state    State
}

// New создает Scanner. transport может быть nil, тогда каждое сканирование
// выполняется в режиме симуляции
func New(transport bluetooth.Transport, config Config) *Scanner {
	return &Scanner{
		transport: transport,
		config:    config,
		state:     StateIdle,
		hub:       stateHub{state: common.ConnectionState{Step: "Idle"}},
	}
}

// Subscribe подписывает fn на каждое изменение ConnectionState и возвращает
// функцию для отписки
func (s *Scanner) Subscribe(fn Listener) func() {
	return s.hub.subscribe(fn)
}

// ConnectionState возвращает копию текущего состояния
func (s *Scanner) ConnectionState() common.ConnectionState {
	return s.hub.snapshot()
}

// State возвращает текущий шаг конечного автомата
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected проверяет, есть ли живая сессия с адаптером
func (s *Scanner) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedLocked()
}

func (s *Scanner) connectedLocked() bool {
	return s.session != nil && s.transport != nil && s.transport.IsConnected()
}

func (s *Scanner) setState(st State, progress int, step string) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.hub.update(func(cs *common.ConnectionState) {
		cs.Progress = progress
		cs.Step = step
		cs.Error = ""
	})
}

// Connect находит адаптер, открывает соединение и инициализирует адаптер.
// Повторное подключение ничего не делает
func (s *Scanner) Connect(ctx context.Context) error {
	if s.transport == nil {
		return &common.ConnectionError{Stage: "discovery", Err: common.ErrNotSupported}
	}

	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return common.ErrScanInProgress
	}
	if s.connectedLocked() {
		s.mu.Unlock()
		return nil
	}
	s.scanning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	sess, err := s.open(ctx)
	if err != nil {
		logger.Printf("Connection failed: %v", err)
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		s.hub.update(func(cs *common.ConnectionState) {
			*cs = common.ConnectionState{Step: "Idle", Error: err.Error()}
		})
		return err
	}

	s.mu.Lock()
	s.session = sess
	s.state = StateIdle
	s.mu.Unlock()

	device := sess.device
	s.hub.update(func(cs *common.ConnectionState) {
		*cs = common.ConnectionState{Connected: true, Device: &device, Step: "Connected"}
	})
	logger.Printf("Connected to %s (%s, protocol %s, firmware %s)", device.Name, device.DeviceID, device.Protocol, device.FirmwareVersion)
	return nil
}

func (s *Scanner) open(ctx context.Context) (*session, error) {
	s.setState(StateConnecting, 0, fmt.Sprintf("Searching for adapter (%s)", s.transport.Name()))
	dev, err := s.transport.Discover(ctx)
	if err != nil {
		return nil, err
	}

	s.setState(StateConnecting, 5, "Connecting to "+dev.Name)
	link, err := s.transport.Connect(ctx, dev)
	if err != nil {
		return nil, err
	}

	s.setState(StateInitializing, 10, "Initializing adapter")
	corr := elm327.NewCorrelator(link, s.config.Correlator)
	protocol, err := elm327.Initialize(ctx, corr, s.config.Init)
	if err != nil {
		corr.Close()
		if derr := s.transport.Disconnect(); derr != nil {
			logger.Printf("Warning: disconnect after failed init: %v", derr)
		}
		return nil, err
	}

	info := link.Info()
	info.Protocol = protocol
	info.FirmwareVersion = elm327.ReadFirmware(ctx, corr)
	if info.SignalStrength == 0 {
		info.SignalStrength = dev.RSSI
	}
	return &session{link: link, correlator: corr, device: info, protocol: protocol}, nil
}

// Disconnect закрывает сессию с адаптером
func (s *Scanner) Disconnect() error {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.state = StateIdle
	s.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.correlator.Close()
	err := s.transport.Disconnect()
	s.hub.update(func(cs *common.ConnectionState) {
		*cs = common.ConnectionState{Step: "Disconnected"}
	})
	logger.Println("Disconnected")
	return err
}

// strategy заполняет тело ScanResult. step публикует состояние, в которое
// входит, и возвращает ошибку контекста, если она есть
type strategy interface {
	name() string
	run(ctx context.Context, req common.ScanRequest, step stepFunc) (*common.ScanResult, error)
}

type stepFunc func(st State, progress int, label string) error

// Scan выполняет одно сканирование. При открытой сессии с адаптером
// сканирование настоящее, иначе симулированное. При ошибке возвращается
// *common.ScanError без результата
func (s *Scanner) Scan(ctx context.Context, req common.ScanRequest) (*common.ScanResult, error) {
	if req.ScanType == "" {
		req.ScanType = common.ScanQuick
	}
	if !req.ScanType.Valid() {
		return nil, fmt.Errorf("unknown scan type %q", req.ScanType)
	}

	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return nil, common.ErrScanInProgress
	}
	s.scanning = true
	var strat strategy
	if s.connectedLocked() {
		strat = &realScan{session: s.session}
	} else {
		if s.session != nil {
			logger.Println("Warning: adapter session lost, scan will be simulated")
			s.session.correlator.Close()
			s.session = nil
		}
		strat = &simulatedScan{delay: s.config.SimulatedStepDelay}
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.state = StateIdle
		s.mu.Unlock()
	}()

	logger.Printf("Starting %s scan (%s)", req.ScanType, strat.name())
	s.hub.update(func(cs *common.ConnectionState) {
		cs.Scanning = true
		cs.Progress = 0
		cs.Step = "Starting scan"
		cs.Error = ""
	})

	current := StateIdle
	step := func(st State, progress int, label string) error {
		current = st
		s.setState(st, progress, label)
		return ctx.Err()
	}

	start := time.Now()
	result, err := strat.run(ctx, req, step)
	if err != nil {
		var scanErr *common.ScanError
		if !errors.As(err, &scanErr) {
			scanErr = &common.ScanError{State: string(current), Err: err}
		}
		logger.Printf("Scan failed: %v", scanErr)
		s.hub.update(func(cs *common.ConnectionState) {
			cs.Scanning = false
			cs.Progress = 0
			cs.Step = "Idle"
			cs.Error = scanErr.Error()
		})
		return nil, scanErr
	}

	result.ScanID = uuid.NewString()
	result.ScanType = req.ScanType
	result.VehicleInfo = req.VehicleInfo
	result.CheckinID = req.CheckinID
	result.BudgetID = req.BudgetID
	result.Timestamp = time.Now().UTC()
	result.ScanDuration = elapsedMillis(start)

	s.setState(StateDone, 100, "Scan complete")
	s.hub.update(func(cs *common.ConnectionState) {
		cs.Scanning = false
	})
	logger.Printf("Scan %s complete: %d codes, %d readings, health %s, %d ms",
		result.ScanID, len(result.DiagnosticCodes), len(result.LiveData), result.Summary.OverallHealth, result.ScanDuration)
	return result, nil
}

// elapsedMillis округляет вверх и никогда не дает меньше 1 мс для завершенного сканирования
func elapsedMillis(start time.Time) int64 {
	ms := int64((time.Since(start) + time.Millisecond - 1) / time.Millisecond)
	return max(ms, 1)
}
