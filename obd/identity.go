package obd

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"elm327-scanner/common"
	"elm327-scanner/elm327"
)

const (
	vinCmd         = "0902"
	supportedPIDs  = "0100"
	vinLength      = 17
	vinYearIndex   = 9
	vinYearLetters = "ABCDEFGHJKLMNPRSTVWXY"
)

// ParseVIN извлекает VIN из ответа режима 09 PID 02. Возвращает "",
// если печатных символов меньше 17
func ParseVIN(raw string) string {
	if elm327.IsNegative(raw) {
		return ""
	}

	var payload strings.Builder
	for _, line := range elm327.Lines(raw, vinCmd) {
		compact := strings.ToUpper(strings.ReplaceAll(line, " ", ""))
		switch {
		case len(compact) == 3 && isHex(compact):
			// Длина ISO-TP в байтах
			continue
		case len(compact) >= 2 && compact[1] == ':':
			frame := compact[2:]
			if compact[0] == '0' {
				frame = strings.TrimPrefix(frame, "490201")
			}
			payload.WriteString(frame)
		case strings.HasPrefix(compact, "4902") && len(compact) >= 6:
			// Старые протоколы: 49 02 <seq> d1 d2 d3 d4
			payload.WriteString(compact[6:])
		default:
			payload.WriteString(strings.TrimPrefix(compact, "490201"))
		}
	}

	data := payload.String()
	if len(data)%2 == 1 {
		data = data[:len(data)-1]
	}
	decoded, err := hex.DecodeString(data)
	if err != nil {
		logger.Printf("Warning: malformed VIN payload %q: %v", data, err)
		return ""
	}

	var vin strings.Builder
	for _, b := range decoded {
		if b > 0x20 && b < 0x7F {
			vin.WriteByte(b)
		}
	}
	s := vin.String()
	if len(s) < vinLength {
		return ""
	}
	return s[len(s)-vinLength:]
}

// CountModules считает ответы "41 00" на запрос 0100, по одному на каждый
// ответивший блок управления
func CountModules(raw string) int {
	if elm327.IsNegative(raw) {
		return 0
	}
	n := 0
	for _, line := range elm327.Lines(raw, supportedPIDs) {
		compact := strings.ToUpper(strings.ReplaceAll(line, " ", ""))
		if len(compact) > 2 && compact[1] == ':' {
			compact = compact[2:]
		}
		if strings.HasPrefix(compact, "4100") {
			n++
		}
	}
	return n
}

// ReadIdentity читает VIN и считает ответившие модули. Ошибки обоих чтений
// не фатальны: без VIN поле остается пустым, а число модулей равно 1
func ReadIdentity(ctx context.Context, s Sender, protocol common.LineProtocol) (common.VehicleIdentity, error) {
	id := common.VehicleIdentity{ModuleCount: 1, Protocol: protocol}

	resp, err := s.SendWith(ctx, vinCmd, elm327.CommandOptions{AllowPartial: true})
	switch {
	case err != nil && fatal(ctx, err):
		return id, err
	case err != nil:
		logger.Printf("Warning: VIN not available: %v", err)
	default:
		id.VIN = ParseVIN(resp)
	}

	resp, err = s.SendWith(ctx, supportedPIDs, elm327.CommandOptions{AllowPartial: true})
	switch {
	case err != nil && fatal(ctx, err):
		return id, err
	case err != nil:
		logger.Printf("Warning: module count not available: %v", err)
	default:
		if n := CountModules(resp); n > 0 {
			id.ModuleCount = n
		}
	}

	if id.VIN != "" {
		id.Manufacturer = Manufacturer(id.VIN)
		id.ModelYear = ModelYear(id.VIN, time.Now())
	}
	logger.Printf("Vehicle identity: VIN=%q modules=%d", id.VIN, id.ModuleCount)
	return id, nil
}

var manufacturers = map[string]string{
	"1G1": "Chevrolet",
	"1G":  "General Motors",
	"1FA": "Ford",
	"1F":  "Ford",
	"1HG": "Honda",
	"1N":  "Nissan",
	"2T":  "Toyota",
	"3VW": "Volkswagen",
	"4T":  "Toyota",
	"5YJ": "Tesla",
	"JH":  "Honda",
	"JN":  "Nissan",
	"JT":  "Toyota",
	"KMH": "Hyundai",
	"KNA": "Kia",
	"SAL": "Land Rover",
	"VF1": "Renault",
	"VF3": "Peugeot",
	"WAU": "Audi",
	"WBA": "BMW",
	"WDB": "Mercedes-Benz",
	"WDD": "Mercedes-Benz",
	"WVW": "Volkswagen",
	"WV":  "Volkswagen",
	"XTA": "Lada",
	"YV1": "Volvo",
	"ZFA": "Fiat",
}

// Manufacturer определяет производителя по WMI, пробуя сначала три,
// затем два символа
func Manufacturer(vin string) string {
	if len(vin) < 3 {
		return ""
	}
	if m, ok := manufacturers[vin[:3]]; ok {
		return m
	}
	return manufacturers[vin[:2]]
}

// ModelYear декодирует 10-ю позицию VIN. Для Северной Америки 30-летний цикл
// выбирается по 7-й позиции (цифра: 1980-2009, буква: 2010-2039), для остальных
// берется самый поздний год не позже следующего
func ModelYear(vin string, now time.Time) int {
	if len(vin) != vinLength {
		return 0
	}
	c := vin[vinYearIndex]
	var year int
	switch {
	case c >= '1' && c <= '9':
		year = 2001 + int(c-'1')
	default:
		i := strings.IndexByte(vinYearLetters, c)
		if i < 0 {
			return 0
		}
		year = 1980 + i
	}
	if vin[0] >= '1' && vin[0] <= '5' {
		if p7 := vin[6]; p7 < '0' || p7 > '9' {
			year += 30
		}
		return year
	}
	for year+30 <= now.Year()+1 {
		year += 30
	}
	return year
}
