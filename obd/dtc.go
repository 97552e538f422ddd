package obd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"elm327-scanner/common"
	"elm327-scanner/elm327"
)

const (
	activeCodesCmd  = "03"
	pendingCodesCmd = "07"
	clearCodesCmd   = "04"
)

var dtcPrefixes = [4]byte{'P', 'C', 'B', 'U'}

// DecodeWord превращает слово кода неисправности из 4 hex цифр в пятисимвольную
// форму, например "0133" -> "P0133", "C035" -> "U0035"
func DecodeWord(word string) (string, error) {
	if len(word) != 4 {
		return "", &common.DecodeError{Item: "trouble code " + word, Err: fmt.Errorf("expected 4 hex digits")}
	}
	word = strings.ToUpper(word)
	if _, err := strconv.ParseUint(word, 16, 16); err != nil {
		return "", &common.DecodeError{Item: "trouble code " + word, Err: err}
	}
	nibble, _ := strconv.ParseUint(word[:1], 16, 8)
	return fmt.Sprintf("%c%d%s", dtcPrefixes[nibble>>2], nibble&0x3, word[1:]), nil
}

// ParseTroubleCodes декодирует ответ режима 03/07. echo задает положительный
// режим ответа ("43" или "47"). Однострочные CAN ответы несут байт количества
// после режима, многокадровые начинаются со строки длины в байтах и номеров
// кадров "N:", старые протоколы кладут три слова на строку с дополнением нулями.
// Декодируются только сообщения, начинающиеся с echo. Отрицательные ответы и
// испорченные строки логируются и пропускаются, остальные коды сохраняются
func ParseTroubleCodes(raw, command, echo string) ([]string, error) {
	if elm327.IsNegative(raw) {
		if strings.Contains(strings.ToUpper(raw), "NO DATA") {
			return nil, nil
		}
		return nil, fmt.Errorf("adapter rejected %s: %q", command, strings.TrimSpace(raw))
	}

	var (
		messages []string
		frames   strings.Builder
		total    int
	)
	for _, line := range elm327.Lines(raw, command) {
		compact := strings.ToUpper(strings.ReplaceAll(line, " ", ""))
		switch {
		case len(compact) == 3 && isHex(compact):
			n, _ := strconv.ParseUint(compact, 16, 16)
			total = int(n) * 2
		case len(compact) >= 2 && compact[1] == ':':
			frames.WriteString(compact[2:])
		default:
			messages = append(messages, compact)
		}
	}
	if frames.Len() > 0 {
		data := frames.String()
		if total > 0 && len(data) > total {
			data = data[:total]
		}
		messages = append(messages, data)
	}

	var codes []string
	seen := make(map[string]bool)
	for _, msg := range messages {
		if strings.HasPrefix(msg, "7F") {
			logger.Printf("Negative response to %s skipped: %s", command, msg)
			continue
		}
		if !strings.HasPrefix(msg, echo) {
			logger.Printf("Line without %s echo in %s response skipped: %q", echo, command, msg)
			continue
		}
		msg = msg[len(echo):]
		if !isHex(msg) {
			logger.Printf("Non-hex %s payload skipped: %q", command, msg)
			continue
		}
		if len(msg)%4 == 2 {
			// Байт количества CAN
			msg = msg[2:]
		}
		for i := 0; i+4 <= len(msg); i += 4 {
			word := msg[i : i+4]
			if word == "0000" {
				continue
			}
			code, err := DecodeWord(word)
			if err != nil {
				logger.Printf("Trouble code word skipped: %v", err)
				continue
			}
			if !seen[code] {
				seen[code] = true
				codes = append(codes, code)
			}
		}
	}
	return codes, nil
}

// ReadTroubleCodes читает активные, затем ожидающие коды. Ожидающий код,
// который также активен, попадает в отчет один раз как активный
func ReadTroubleCodes(ctx context.Context, s Sender) ([]common.TroubleCode, error) {
	active, err := readCodes(ctx, s, activeCodesCmd, "43")
	if err != nil {
		return nil, err
	}
	pending, err := readCodes(ctx, s, pendingCodesCmd, "47")
	if err != nil {
		return nil, err
	}

	result := make([]common.TroubleCode, 0, len(active)+len(pending))
	seen := make(map[string]bool, len(active))
	for _, code := range active {
		seen[code] = true
		result = append(result, Describe(code, common.StatusActive))
	}
	for _, code := range pending {
		if seen[code] {
			continue
		}
		seen[code] = true
		result = append(result, Describe(code, common.StatusPending))
	}

	logger.Printf("Read %d trouble codes (%d active, %d pending)", len(result), len(active), len(result)-len(active))
	return result, nil
}

func readCodes(ctx context.Context, s Sender, command, echo string) ([]string, error) {
	resp, err := s.SendWith(ctx, command, elm327.CommandOptions{})
	if err != nil {
		return nil, fmt.Errorf("read trouble codes (%s): %w", command, err)
	}
	codes, err := ParseTroubleCodes(resp, command, echo)
	if err != nil {
		return nil, fmt.Errorf("read trouble codes (%s): %w", command, err)
	}
	return codes, nil
}

// ClearTroubleCodes отправляет режим 04, стирая сохраненные коды и стоп-кадры
func ClearTroubleCodes(ctx context.Context, s Sender) error {
	resp, err := s.SendWith(ctx, clearCodesCmd, elm327.CommandOptions{})
	if err != nil {
		return fmt.Errorf("clear trouble codes: %w", err)
	}
	if elm327.IsNegative(resp) || !strings.Contains(elm327.Compact(resp, clearCodesCmd), "44") {
		return fmt.Errorf("clear trouble codes: unexpected response %q", strings.TrimSpace(resp))
	}
	logger.Println("Trouble codes cleared")
	return nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
