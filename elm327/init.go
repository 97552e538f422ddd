package elm327

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"elm327-scanner/common"
)

// Sender отправляет одну команду и возвращает ее ответ
type Sender interface {
	SendWith(ctx context.Context, command string, opts CommandOptions) (string, error)
}

// InitOptions настраивает последовательность инициализации
type InitOptions struct {
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	ResetDelay  time.Duration `mapstructure:"reset_delay"`
}

// DefaultInitOptions возвращает 200 мс между шагами и 1 с после сброса
func DefaultInitOptions() InitOptions {
	return InitOptions{
		SettleDelay: 200 * time.Millisecond,
		ResetDelay:  1 * time.Second,
	}
}

// InitCommands содержит команды инициализации перед запросом протокола
var InitCommands = []string{
	"ATZ",   // Полный сброс
	"ATE0",  // Отключить эхо
	"ATL0",  // Отключить перевод строки
	"ATS0",  // Отключить пробелы
	"ATH0",  // Отключить заголовки
	"ATSP0", // Автоматический выбор протокола
}

// ProtocolQuery запрашивает номер активного протокола
const ProtocolQuery = "ATDPN"

// Initialize сбрасывает адаптер, настраивает его и возвращает выбранный
// протокол. Ошибка на любом шаге прерывает инициализацию с ConnectionError
func Initialize(ctx context.Context, s Sender, opts InitOptions) (common.LineProtocol, error) {
	logger.Println("Initializing ELM327...")

	for i, cmd := range InitCommands {
		logger.Printf("Sending init command %d/%d: %s", i+1, len(InitCommands), cmd)
		resp, err := s.SendWith(ctx, cmd, CommandOptions{})
		if err != nil {
			return common.ProtocolAuto, &common.ConnectionError{Stage: "initialize " + cmd, Err: err}
		}
		if IsNegative(resp) {
			return common.ProtocolAuto, &common.ConnectionError{Stage: "initialize " + cmd, Err: fmt.Errorf("adapter rejected command: %q", strings.TrimSpace(resp))}
		}

		delay := opts.SettleDelay
		if cmd == "ATZ" {
			delay = opts.ResetDelay
		}
		if err := sleep(ctx, delay); err != nil {
			return common.ProtocolAuto, &common.ConnectionError{Stage: "initialize " + cmd, Err: err}
		}
	}

	resp, err := s.SendWith(ctx, ProtocolQuery, CommandOptions{})
	if err != nil {
		return common.ProtocolAuto, &common.ConnectionError{Stage: "initialize " + ProtocolQuery, Err: err}
	}
	protocol := ParseProtocol(resp)
	logger.Printf("ELM327 initialization completed, protocol %s", protocol)
	return protocol, nil
}

// ParseProtocol переводит ответ ATDPN ("A6", "3", ...) в LineProtocol
func ParseProtocol(resp string) common.LineProtocol {
	lines := Lines(resp, ProtocolQuery)
	if len(lines) == 0 {
		return common.ProtocolAuto
	}
	num := strings.ToUpper(lines[len(lines)-1])
	if len(num) == 2 && num[0] == 'A' {
		num = num[1:]
	}
	if len(num) != 1 {
		return common.ProtocolAuto
	}

	switch num[0] {
	case '6', '7', '8', '9', 'A', 'B', 'C':
		return common.ProtocolCAN
	case '3':
		return common.ProtocolISO9141
	case '4', '5':
		return common.ProtocolKWP
	default:
		return common.ProtocolAuto
	}
}

var versionPattern = regexp.MustCompile(`v\d+(\.\d+)*[a-zA-Z]?`)

// ReadFirmware запрашивает идентификацию адаптера. При ошибке возвращает ""
func ReadFirmware(ctx context.Context, s Sender) string {
	resp, err := s.SendWith(ctx, "ATI", CommandOptions{AllowPartial: true})
	if err != nil {
		logger.Printf("Warning: no answer to ATI: %v", err)
		return ""
	}
	lines := Lines(resp, "ATI")
	if len(lines) == 0 {
		return ""
	}
	id := lines[len(lines)-1]
	if v := versionPattern.FindString(id); v != "" {
		return v
	}
	return id
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
