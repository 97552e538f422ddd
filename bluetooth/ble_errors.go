package bluetooth

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

func isDBusErrorName(err error, want string) bool {
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) && dbusErrPtr != nil && dbusErrPtr.Name == want {
		return true
	}

	var dbusErr dbus.Error
	return errors.As(err, &dbusErr) && dbusErr.Name == want
}

// isBenignStopScanError отсеивает ошибки, которые BlueZ и другие стеки
// возвращают, если сканирование уже закончилось
func isBenignStopScanError(err error) bool {
	if err == nil {
		return true
	}
	if isDBusErrorName(err, "org.bluez.Error.NotReady") {
		return true
	}
	if isDBusErrorName(err, "org.bluez.Error.Failed") && strings.Contains(strings.ToLower(err.Error()), "no discovery started") {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cancel") ||
		strings.Contains(msg, "stopped") ||
		strings.Contains(msg, "not scanning") ||
		strings.Contains(msg, "no scan in progress")
}

// isScanInProgressError проверяет отказ в сканировании из-за того, что адаптер
// занят другим поиском, возможно из другого процесса
func isScanInProgressError(err error) bool {
	if err == nil {
		return false
	}
	if isDBusErrorName(err, "org.bluez.Error.InProgress") {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no scan in progress") {
		return false
	}
	return strings.Contains(msg, "already in progress") ||
		strings.Contains(msg, "already scanning") ||
		strings.Contains(msg, "operation in progress")
}

// scanAdapter запускает одно блокирующее сканирование. Если сканирование уже
// идет, оно останавливается и запускается еще один раз
func scanAdapter(scan func() error, stop func() error) error {
	err := scan()
	if !isScanInProgressError(err) {
		return err
	}
	logger.Printf("Scan already in progress, restarting it: %v", err)
	if stopErr := stop(); stopErr != nil && !isBenignStopScanError(stopErr) {
		return fmt.Errorf("stop running scan: %w", stopErr)
	}
	return scan()
}

func stopScan(adapter *bluetooth.Adapter) error {
	if err := adapter.StopScan(); err != nil && !isBenignStopScanError(err) {
		return err
	}
	return nil
}

func enableAdapter(adapter *bluetooth.Adapter) error {
	if err := adapter.Enable(); err != nil {
		if isBenignEnableError(err) {
			return nil
		}
		return err
	}
	return nil
}

// В Windows RoInitialize(S_FALSE) приходит как "Incorrect function.", если COM
// уже инициализирован
func isBenignEnableError(err error) bool {
	if err == nil || runtime.GOOS != "windows" {
		return false
	}
	msg := strings.TrimSpace(strings.ToLower(err.Error()))
	return msg == "incorrect function" || msg == "incorrect function."
}
