package common

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotSupported означает, что на платформе нет рабочего транспорта
	ErrNotSupported = errors.New("transport not supported on this platform")
	// ErrServiceNotFound означает, что ни один известный сервис адаптера не ответил
	ErrServiceNotFound = errors.New("no known adapter service found")
	// ErrLinkClosed возвращается ожидающей команде, если соединение закрылось
	ErrLinkClosed = errors.New("link closed")
	// ErrNotConnected возвращается, если операции нужна открытая сессия
	ErrNotConnected = errors.New("not connected")
	// ErrScanInProgress отклоняет второе одновременное сканирование в одной сессии
	ErrScanInProgress = errors.New("scan already in progress")
)

// ConnectionError оборачивает ошибки поиска, подключения и инициализации
type ConnectionError struct {
	Stage string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed during %s: %v", e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError возвращается, если команда не получила данных до дедлайна
type TimeoutError struct {
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %v", e.Command, e.After)
}

// DecodeError отмечает один испорченный элемент данных
type DecodeError struct {
	Item string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Item, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ScanError прерывает сканирование. State указывает шаг, на котором оно упало
type ScanError struct {
	State string
	Err   error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan failed in %s: %v", e.State, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// IsTimeout проверяет, является ли err ошибкой TimeoutError или оборачивает ее
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
