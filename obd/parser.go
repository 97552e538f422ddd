package obd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"elm327-scanner/common"
	"elm327-scanner/elm327"
)

var logger = log.New(os.Stdout, "[OBD-Parser] ", log.LstdFlags|log.Lshortfile)

// Sender реализуется *elm327.Correlator
type Sender = elm327.Sender

// PIDDecoder переводит байты данных ответа режима 01 в физическое значение
type PIDDecoder func(data []byte) (float64, error)

// Parameter представляет один отслеживаемый параметр
type Parameter struct {
	PID    byte
	Metric string
	Unit   string
	Bytes  int
	Range  *common.Range
	Decode PIDDecoder
}

// Command возвращает запрос режима 01, например "010C"
func (p Parameter) Command() string {
	return fmt.Sprintf("01%02X", p.PID)
}

func rng(min, max float64) *common.Range {
	return &common.Range{Min: min, Max: max}
}

// Parameters содержит фиксированную таблицу параметров, читаемых в этом порядке
var Parameters = []Parameter{
	{PID: 0x04, Metric: "engine_load", Unit: "%", Bytes: 1, Range: rng(0, 80), Decode: decodeEngineLoad},
	{PID: 0x05, Metric: "coolant_temperature", Unit: "°C", Bytes: 1, Range: rng(75, 105), Decode: decodeCoolantTemp},
	{PID: 0x06, Metric: "short_term_fuel_trim_1", Unit: "%", Bytes: 1, Range: rng(-10, 10), Decode: decodeFuelTrim},
	{PID: 0x07, Metric: "long_term_fuel_trim_1", Unit: "%", Bytes: 1, Range: rng(-10, 10), Decode: decodeFuelTrim},
	{PID: 0x0A, Metric: "fuel_pressure", Unit: "kPa", Bytes: 1, Range: rng(250, 450), Decode: decodeFuelPressure},
	{PID: 0x0B, Metric: "intake_manifold_pressure", Unit: "kPa", Bytes: 1, Range: rng(20, 105), Decode: decodeSingleByte},
	{PID: 0x0C, Metric: "engine_rpm", Unit: "rpm", Bytes: 2, Range: rng(600, 6500), Decode: decodeRPM},
	{PID: 0x0D, Metric: "vehicle_speed", Unit: "km/h", Bytes: 1, Decode: decodeSingleByte},
	{PID: 0x0E, Metric: "timing_advance", Unit: "°", Bytes: 1, Range: rng(-10, 40), Decode: decodeTimingAdvance},
	{PID: 0x0F, Metric: "intake_air_temperature", Unit: "°C", Bytes: 1, Range: rng(-20, 60), Decode: decodeTemperature},
	{PID: 0x10, Metric: "mass_air_flow", Unit: "g/s", Bytes: 2, Range: rng(2, 250), Decode: decodeMAF},
	{PID: 0x11, Metric: "throttle_position", Unit: "%", Bytes: 1, Range: rng(0, 100), Decode: decodePercent},
	{PID: 0x2F, Metric: "fuel_level", Unit: "%", Bytes: 1, Range: rng(10, 100), Decode: decodePercent},
	{PID: 0x33, Metric: "barometric_pressure", Unit: "kPa", Bytes: 1, Range: rng(70, 110), Decode: decodeSingleByte},
	{PID: 0x42, Metric: "control_module_voltage", Unit: "V", Bytes: 2, Range: rng(12, 14.8), Decode: decodeVoltage},
	{PID: 0x5C, Metric: "oil_temperature", Unit: "°C", Bytes: 1, Range: rng(80, 120), Decode: decodeTemperature},
}

var parametersByPID = func() map[byte]Parameter {
	m := make(map[byte]Parameter, len(Parameters))
	for _, p := range Parameters {
		m[p.PID] = p
	}
	return m
}()

// LookupParameter возвращает запись таблицы для pid
func LookupParameter(pid byte) (Parameter, bool) {
	p, ok := parametersByPID[pid]
	return p, ok
}

func expectBytes(pid byte, data []byte, n int) error {
	if len(data) != n {
		return fmt.Errorf("PID %02X: expected %d bytes, got %d", pid, n, len(data))
	}
	return nil
}

// decodeRPM: ((A * 256) + B) / 4
func decodeRPM(data []byte) (float64, error) {
	if err := expectBytes(0x0C, data, 2); err != nil {
		return 0, err
	}
	return (float64(data[0])*256 + float64(data[1])) / 4, nil
}

// decodeTemperature: A - 40
func decodeTemperature(data []byte) (float64, error) {
	if err := expectBytes(0x05, data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]) - 40, nil
}

func decodeCoolantTemp(data []byte) (float64, error) {
	return decodeTemperature(data)
}

// decodePercent: A * 100 / 255
func decodePercent(data []byte) (float64, error) {
	if err := expectBytes(0x11, data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]) * 100 / 255, nil
}

func decodeEngineLoad(data []byte) (float64, error) {
	return decodePercent(data)
}

// decodeFuelTrim: (A - 128) * 100 / 128
func decodeFuelTrim(data []byte) (float64, error) {
	if err := expectBytes(0x06, data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) - 128) * 100 / 128, nil
}

// decodeFuelPressure: A * 3
func decodeFuelPressure(data []byte) (float64, error) {
	if err := expectBytes(0x0A, data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]) * 3, nil
}

// decodeSingleByte: A
func decodeSingleByte(data []byte) (float64, error) {
	if err := expectBytes(0x0D, data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]), nil
}

// decodeTimingAdvance: A / 2 - 64
func decodeTimingAdvance(data []byte) (float64, error) {
	if err := expectBytes(0x0E, data, 1); err != nil {
		return 0, err
	}
	return float64(data[0])/2 - 64, nil
}

// decodeMAF: ((A * 256) + B) / 100
func decodeMAF(data []byte) (float64, error) {
	if err := expectBytes(0x10, data, 2); err != nil {
		return 0, err
	}
	return (float64(data[0])*256 + float64(data[1])) / 100, nil
}

// decodeVoltage: ((A * 256) + B) / 1000
func decodeVoltage(data []byte) (float64, error) {
	if err := expectBytes(0x42, data, 2); err != nil {
		return 0, err
	}
	return (float64(data[0])*256 + float64(data[1])) / 1000, nil
}

// warningMargin задает долю от границы, на которую значение может выйти
// за нее, прежде чем стать критическим
const warningMargin = 0.10

// Classify оценивает значение относительно нормального диапазона. До 10 % за
// границей это warning, дальше critical
func Classify(value float64, r *common.Range) common.ReadingStatus {
	if r == nil {
		return common.ReadingNormal
	}
	if value >= r.Min && value <= r.Max {
		return common.ReadingNormal
	}
	low := r.Min - math.Abs(r.Min)*warningMargin
	high := r.Max + math.Abs(r.Max)*warningMargin
	if value >= low && value <= high {
		return common.ReadingWarning
	}
	return common.ReadingCritical
}

// ExtractData находит эхо "41 <pid>" в ответе и возвращает n следующих за ним
// байтов данных
func ExtractData(response string, pid byte, n int) ([]byte, error) {
	compact := elm327.Compact(response, fmt.Sprintf("01%02X", pid))
	echo := fmt.Sprintf("41%02X", pid)
	i := strings.Index(compact, echo)
	if i < 0 {
		return nil, &common.DecodeError{Item: "PID " + echo[2:], Err: fmt.Errorf("no %s echo in %q", echo, compact)}
	}
	hexData := compact[i+len(echo):]
	if len(hexData) < n*2 {
		return nil, &common.DecodeError{Item: "PID " + echo[2:], Err: fmt.Errorf("response too short: %q", compact)}
	}

	data := make([]byte, n)
	for j := 0; j < n; j++ {
		val, err := strconv.ParseUint(hexData[j*2:j*2+2], 16, 8)
		if err != nil {
			return nil, &common.DecodeError{Item: "PID " + echo[2:], Err: fmt.Errorf("invalid hex data %s: %v", hexData[j*2:j*2+2], err)}
		}
		data[j] = byte(val)
	}
	return data, nil
}

// ParseResponse декодирует один ответ режима 01, например "41 0C 1A F0"
func ParseResponse(response string) (common.LiveReading, error) {
	compact := elm327.Compact(response, "")
	if len(compact) < 6 || !strings.HasPrefix(compact, "41") {
		return common.LiveReading{}, &common.DecodeError{Item: "response", Err: fmt.Errorf("invalid response format: %s", response)}
	}
	pid64, err := strconv.ParseUint(compact[2:4], 16, 8)
	if err != nil {
		return common.LiveReading{}, &common.DecodeError{Item: "response", Err: fmt.Errorf("invalid PID format: %s", compact[2:4])}
	}
	param, ok := LookupParameter(byte(pid64))
	if !ok {
		return common.LiveReading{}, &common.DecodeError{Item: "response", Err: fmt.Errorf("unsupported PID: %s", compact[2:4])}
	}
	return decodeParameter(param, response)
}

func decodeParameter(p Parameter, response string) (common.LiveReading, error) {
	data, err := ExtractData(response, p.PID, p.Bytes)
	if err != nil {
		return common.LiveReading{}, err
	}
	value, err := p.Decode(data)
	if err != nil {
		return common.LiveReading{}, &common.DecodeError{Item: p.Metric, Err: err}
	}
	return common.LiveReading{
		Parameter:   p.Metric,
		PID:         fmt.Sprintf("%02X", p.PID),
		Value:       value,
		Unit:        p.Unit,
		NormalRange: p.Range,
		Status:      Classify(value, p.Range),
	}, nil
}

// ReadLiveData опрашивает каждый параметр таблицы. Параметры, на которые
// автомобиль не отвечает или отвечает мусором, пропускаются
func ReadLiveData(ctx context.Context, s Sender) ([]common.LiveReading, error) {
	readings := make([]common.LiveReading, 0, len(Parameters))
	for _, p := range Parameters {
		resp, err := s.SendWith(ctx, p.Command(), elm327.CommandOptions{AllowPartial: true})
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			logger.Printf("Skipping %s: %v", p.Metric, err)
			continue
		}
		if elm327.IsNegative(resp) {
			continue
		}
		reading, err := decodeParameter(p, resp)
		if err != nil {
			logger.Printf("Skipping %s: %v", p.Metric, err)
			continue
		}
		readings = append(readings, reading)
	}
	logger.Printf("Read %d of %d live parameters", len(readings), len(Parameters))
	return readings, nil
}

// fatal отделяет ошибки уровня сессии от ошибок отдельных параметров
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, common.ErrLinkClosed)
}
