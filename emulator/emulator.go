// Package emulator реализует ELM327 в памяти, который отвечает на AT и OBD
// команды сканера по заданному описанию автомобиля
package emulator

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"elm327-scanner/common"
)

var logger = log.New(os.Stdout, "[ELM327-Emulator] ", log.LstdFlags|log.Lshortfile)

// Vehicle описывает, что сообщает эмулируемый автомобиль
type Vehicle struct {
	Protocol     byte // Цифра ATDPN, '6' = ISO 15765-4 CAN 11/500
	VIN          string
	ActiveCodes  []string
	PendingCodes []string
	Modules      int
	PIDs         map[byte][]byte // Байты данных режима 01 для каждого PID
}

// DefaultVehicle представляет прогретый бензиновый автомобиль на холостом ходу
// с одним сохраненным и одним ожидающим кодом
func DefaultVehicle() Vehicle {
	return Vehicle{
		Protocol:     '6',
		VIN:          "1G1JC5444R7252367",
		ActiveCodes:  []string{"P0133"},
		PendingCodes: []string{"P0133", "P0171"},
		Modules:      2,
		PIDs: map[byte][]byte{
			0x04: {0x33},       // 20 %
			0x05: {0x7B},       // 83 °C
			0x06: {0x80},       // 0 %
			0x07: {0x84},       // 3.1 %
			0x0B: {0x21},       // 33 kPa
			0x0C: {0x0C, 0x80}, // 800 rpm
			0x0D: {0x00},       // 0 km/h
			0x0E: {0x8C},       // 6°
			0x0F: {0x3C},       // 20 °C
			0x10: {0x01, 0x90}, // 4 g/s
			0x11: {0x26},       // 14.9 %
			0x2F: {0x99},       // 60 %
			0x33: {0x65},       // 101 kPa
			0x42: {0x37, 0x14}, // 14.1 V
		},
	}
}

// Option настраивает Link
type Option func(*Link)

// WithFragmentSize делит каждый ответ на куски по n байт, как это делают уведомления BLE
func WithFragmentSize(n int) Option {
	return func(l *Link) { l.fragmentSize = n }
}

// WithPolling убирает канал уведомлений, ответы забираются через Read
func WithPolling() Option {
	return func(l *Link) { l.polling = true }
}

// WithSilent оставляет перечисленные команды без ответа
func WithSilent(commands ...string) Option {
	return func(l *Link) {
		for _, c := range commands {
			l.silent[strings.ToUpper(c)] = true
		}
	}
}

// WithUnterminated отвечает на перечисленные команды без приглашения
func WithUnterminated(commands ...string) Option {
	return func(l *Link) {
		for _, c := range commands {
			l.unterminated[strings.ToUpper(c)] = true
		}
	}
}

// Link представляет соединение с эмулируемым адаптером
type Link struct {
	vehicle      Vehicle
	fragmentSize int
	polling      bool
	silent       map[string]bool
	unterminated map[string]bool

	mu      sync.Mutex
	echo    bool
	spaces  bool
	pending strings.Builder // Недописанный текст команды
	pollBuf []byte
	written []string
	closed  bool

	queue chan []byte
}

// New создает Link для v
func New(v Vehicle, opts ...Option) *Link {
	l := &Link{
		vehicle:      v,
		silent:       map[string]bool{},
		unterminated: map[string]bool{},
		echo:         true,
		spaces:       true,
		queue:        make(chan []byte, 256),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Link) Info() common.DeviceInfo {
	return common.DeviceInfo{DeviceID: "emulator", Name: "ELM327 Emulator", Protocol: common.ProtocolAuto}
}

func (l *Link) Fragments() <-chan []byte {
	if l.polling {
		return nil
	}
	return l.queue
}

// Read возвращает все ответы с момента прошлого Read
func (l *Link) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, common.ErrLinkClosed
	}
	out := l.pollBuf
	l.pollBuf = nil
	return out, nil
}

// Written возвращает полученные на данный момент команды
func (l *Link) Written() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.written...)
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	return nil
}

// Write принимает байты команд, каждый возврат каретки завершает команду
func (l *Link) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return common.ErrLinkClosed
	}

	for _, b := range p {
		if b != '\r' {
			l.pending.WriteByte(b)
			continue
		}
		cmd := l.pending.String()
		l.pending.Reset()
		l.handle(cmd)
	}
	return nil
}

func (l *Link) handle(raw string) {
	cmd := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""))
	l.written = append(l.written, cmd)
	if l.silent[cmd] {
		return
	}

	var out strings.Builder
	if l.echo {
		out.WriteString(raw + "\r")
	}
	for _, line := range l.answer(cmd) {
		out.WriteString(line + "\r")
	}
	if !l.unterminated[cmd] {
		out.WriteString("\r>")
	}
	l.emit([]byte(out.String()))
}

func (l *Link) emit(reply []byte) {
	if l.polling {
		l.pollBuf = append(l.pollBuf, reply...)
		return
	}
	size := l.fragmentSize
	if size <= 0 {
		size = len(reply)
	}
	for len(reply) > 0 {
		n := size
		if n > len(reply) {
			n = len(reply)
		}
		select {
		case l.queue <- append([]byte(nil), reply[:n]...):
		default:
			logger.Printf("Warning: emulator queue full, dropping %d bytes", n)
		}
		reply = reply[n:]
	}
}

func (l *Link) answer(cmd string) []string {
	switch {
	case cmd == "ATZ":
		l.echo, l.spaces = true, true
		return []string{"", "ELM327 v1.5"}
	case cmd == "ATI":
		return []string{"ELM327 v1.5"}
	case cmd == "ATE0":
		l.echo = false
		return []string{"OK"}
	case cmd == "ATE1":
		l.echo = true
		return []string{"OK"}
	case cmd == "ATS0":
		l.spaces = false
		return []string{"OK"}
	case cmd == "ATS1":
		l.spaces = true
		return []string{"OK"}
	case cmd == "ATDPN":
		return []string{"A" + string(l.vehicle.Protocol)}
	case strings.HasPrefix(cmd, "AT"):
		return []string{"OK"}
	case cmd == "03":
		return l.codeReply(0x43, l.vehicle.ActiveCodes)
	case cmd == "07":
		return l.codeReply(0x47, l.vehicle.PendingCodes)
	case cmd == "04":
		l.vehicle.ActiveCodes = nil
		l.vehicle.PendingCodes = nil
		return []string{"44"}
	case cmd == "0100":
		n := l.vehicle.Modules
		if n <= 0 {
			n = 1
		}
		lines := make([]string, n)
		for i := range lines {
			lines[i] = l.hex(0x41, 0x00, 0xBE, 0x3F, 0xA8, 0x13)
		}
		return lines
	case cmd == "0902":
		return l.vinReply()
	case len(cmd) == 4 && strings.HasPrefix(cmd, "01"):
		var pid byte
		if _, err := fmt.Sscanf(cmd[2:], "%02X", &pid); err != nil {
			return []string{"?"}
		}
		data, ok := l.vehicle.PIDs[pid]
		if !ok {
			return []string{"NO DATA"}
		}
		return []string{l.hex(append([]byte{0x41, pid}, data...)...)}
	default:
		return []string{"?"}
	}
}

func (l *Link) isCAN() bool {
	return strings.IndexByte("6789ABC", l.vehicle.Protocol) >= 0
}

func (l *Link) codeReply(mode byte, codes []string) []string {
	raw := make([]byte, 0, len(codes)*2)
	for _, c := range codes {
		w, err := EncodeDTC(c)
		if err != nil {
			continue
		}
		raw = append(raw, byte(w>>8), byte(w))
	}

	if l.isCAN() {
		return []string{l.hex(append([]byte{mode, byte(len(raw) / 2)}, raw...)...)}
	}
	// Старые протоколы: три кода на строку, дополнение нулями
	for len(raw) == 0 || len(raw)%6 != 0 {
		raw = append(raw, 0x00, 0x00)
	}
	var lines []string
	for i := 0; i < len(raw); i += 6 {
		lines = append(lines, l.hex(append([]byte{mode}, raw[i:i+6]...)...))
	}
	return lines
}

func (l *Link) vinReply() []string {
	if l.vehicle.VIN == "" {
		return []string{"NO DATA"}
	}
	payload := append([]byte{0x49, 0x02, 0x01}, []byte(l.vehicle.VIN)...)

	if !l.isCAN() {
		// Пять кадров по 4 байта, первый дополнен
		data := append([]byte{0, 0, 0}, []byte(l.vehicle.VIN)...)
		var lines []string
		for i := 0; i+4 <= len(data); i += 4 {
			lines = append(lines, l.hex(append([]byte{0x49, 0x02, byte(i/4 + 1)}, data[i:i+4]...)...))
		}
		return lines
	}

	lines := []string{fmt.Sprintf("%03X", len(payload))}
	for i, idx := 0, 0; i < len(payload); idx++ {
		n := 7
		if idx == 0 {
			n = 6
		}
		if i+n > len(payload) {
			n = len(payload) - i
		}
		prefix := fmt.Sprintf("%X:", idx%16)
		if l.spaces {
			prefix += " "
		}
		lines = append(lines, prefix+l.hex(payload[i:i+n]...))
		i += n
	}
	return lines
}

func (l *Link) hex(b ...byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	sep := ""
	if l.spaces {
		sep = " "
	}
	return strings.Join(parts, sep)
}

// EncodeDTC упаковывает пятисимвольный код в два байта
func EncodeDTC(code string) (uint16, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 5 {
		return 0, fmt.Errorf("invalid trouble code %q", code)
	}
	prefix := strings.IndexByte("PCBU", code[0])
	if prefix < 0 || code[1] < '0' || code[1] > '3' {
		return 0, fmt.Errorf("invalid trouble code %q", code)
	}
	var rest uint16
	if _, err := fmt.Sscanf(code[2:], "%03X", &rest); err != nil {
		return 0, fmt.Errorf("invalid trouble code %q: %v", code, err)
	}
	return uint16(prefix)<<14 | uint16(code[1]-'0')<<12 | rest, nil
}
