package elm327

import (
	"strings"
)

// Отрицательные ответы, которые адаптер шлет вместо данных
var negativeReplies = []string{
	"NO DATA",
	"ERROR",
	"UNABLE TO CONNECT",
	"STOPPED",
	"?",
}

// Lines разбивает сырой ответ на значимые строки. Приглашение, пустые строки,
// эхо команды и сообщения поиска протокола удаляются
func Lines(raw, command string) []string {
	raw = strings.ReplaceAll(raw, string(prompt), "")
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })

	echo := normalize(command)
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		line := strings.TrimSpace(f)
		switch {
		case line == "":
			continue
		case echo != "" && normalize(line) == echo:
			continue
		case strings.HasPrefix(line, "SEARCHING"):
			continue
		case strings.HasPrefix(line, "BUS INIT"):
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Compact склеивает Lines и убирает пробелы, оставляя чистый hex для ответов с данными
func Compact(raw, command string) string {
	return normalize(strings.Join(Lines(raw, command), ""))
}

// IsNegative проверяет, что в ответе нет полезных данных
func IsNegative(raw string) bool {
	upper := strings.ToUpper(raw)
	for _, n := range negativeReplies {
		if n == "?" {
			if strings.TrimSpace(strings.ReplaceAll(upper, string(prompt), "")) == "?" {
				return true
			}
			continue
		}
		if strings.Contains(upper, n) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}
