package obd

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"elm327-scanner/common"
	"elm327-scanner/elm327"
	"elm327-scanner/emulator"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name        string
		response    string
		expectedPID string
		expectedVal float64
		expectError bool
	}{
		{
			name:        "RPM parsing",
			response:    "41 0C 1A F0",
			expectedPID: "0C",
			expectedVal: 1724, // ((26 * 256) + 240) / 4
		},
		{
			name:        "Vehicle speed without spaces",
			response:    "410D32\r\r>",
			expectedPID: "0D",
			expectedVal: 50,
		},
		{
			name:        "Coolant temperature with echo",
			response:    "0105\r41 05 5A\r\r>",
			expectedPID: "05",
			expectedVal: 50, // 0x5A - 40
		},
		{
			name:        "Module voltage",
			response:    "41 42 37 14",
			expectedPID: "42",
			expectedVal: 14.1,
		},
		{
			name:        "Invalid response format",
			response:    "INVALID",
			expectError: true,
		},
		{
			name:        "Response too short",
			response:    "41 0C",
			expectError: true,
		},
		{
			name:        "Unsupported PID",
			response:    "41 FF 12 34",
			expectError: true,
		},
		{
			name:        "Missing data byte",
			response:    "41 0C 1A",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reading, err := ParseResponse(tt.response)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error for response %q", tt.response)
				}
				var decErr *common.DecodeError
				if err != nil && !errors.As(err, &decErr) {
					t.Errorf("Expected DecodeError, got %T", err)
				}
				return
			}

			if err != nil {
				t.Errorf("Unexpected error for response %q: %v", tt.response, err)
				return
			}

			if reading.PID != tt.expectedPID {
				t.Errorf("Expected PID %s, got %s", tt.expectedPID, reading.PID)
			}

			if math.Abs(reading.Value-tt.expectedVal) > 0.001 {
				t.Errorf("Expected value %.3f, got %.3f", tt.expectedVal, reading.Value)
			}
		})
	}
}

func TestDecoders(t *testing.T) {
	tests := []struct {
		name     string
		decode   PIDDecoder
		data     []byte
		expected float64
		hasError bool
	}{
		{"rpm", decodeRPM, []byte{0x0F, 0xA0}, 1000, false},
		{"rpm short", decodeRPM, []byte{0x1A}, 0, true},
		{"rpm long", decodeRPM, []byte{0x1A, 0xF0, 0x00}, 0, true},
		{"temperature min", decodeTemperature, []byte{0x00}, -40, false},
		{"temperature max", decodeTemperature, []byte{0xFF}, 215, false},
		{"percent full", decodePercent, []byte{0xFF}, 100, false},
		{"percent half", decodePercent, []byte{0x80}, 50.196, false},
		{"percent empty data", decodePercent, []byte{}, 0, true},
		{"fuel trim zero", decodeFuelTrim, []byte{0x80}, 0, false},
		{"fuel trim lean", decodeFuelTrim, []byte{0x00}, -100, false},
		{"fuel pressure", decodeFuelPressure, []byte{0x64}, 300, false},
		{"timing advance", decodeTimingAdvance, []byte{0x8C}, 6, false},
		{"mass air flow", decodeMAF, []byte{0x01, 0x90}, 4, false},
		{"voltage", decodeVoltage, []byte{0x30, 0xD4}, 12.5, false},
		{"speed", decodeSingleByte, []byte{0xFF}, 255, false},
		{"speed wrong length", decodeSingleByte, []byte{0x32, 0x00}, 0, true},
	}

	for _, tt := range tests {
		result, err := tt.decode(tt.data)

		if tt.hasError {
			if err == nil {
				t.Errorf("%s: expected error for data %v", tt.name, tt.data)
			}
			continue
		}

		if err != nil {
			t.Errorf("%s: unexpected error for data %v: %v", tt.name, tt.data, err)
			continue
		}

		if math.Abs(result-tt.expected) > 0.001 {
			t.Errorf("%s: expected %.3f, got %.3f for data %v", tt.name, tt.expected, result, tt.data)
		}
	}
}

func TestClassify(t *testing.T) {
	rpm, _ := LookupParameter(0x0C)     // 600..6500
	coolant, _ := LookupParameter(0x05) // 75..105
	trim, _ := LookupParameter(0x06)    // -10..10

	tests := []struct {
		name     string
		value    float64
		r        *common.Range
		expected common.ReadingStatus
	}{
		{"rpm at min", 600, rpm.Range, common.ReadingNormal},
		{"rpm idle", 800, rpm.Range, common.ReadingNormal},
		{"rpm 5% low", 570, rpm.Range, common.ReadingWarning},
		{"rpm 9% low", 545, rpm.Range, common.ReadingWarning},
		{"rpm 16% low", 500, rpm.Range, common.ReadingCritical},
		{"rpm 9% high", 7100, rpm.Range, common.ReadingWarning},
		{"rpm 12% high", 7300, rpm.Range, common.ReadingCritical},
		{"coolant warm", 90, coolant.Range, common.ReadingNormal},
		{"coolant 6.7% low", 70, coolant.Range, common.ReadingWarning},
		{"coolant 9% low", 68, coolant.Range, common.ReadingWarning},
		{"coolant 20% low", 60, coolant.Range, common.ReadingCritical},
		{"coolant 9% high", 115, coolant.Range, common.ReadingWarning},
		{"coolant 11% high", 117, coolant.Range, common.ReadingCritical},
		{"trim lean", -10.5, trim.Range, common.ReadingWarning},
		{"trim very lean", -12, trim.Range, common.ReadingCritical},
		{"no range", 250, nil, common.ReadingNormal},
	}

	for _, tt := range tests {
		if got := Classify(tt.value, tt.r); got != tt.expected {
			t.Errorf("%s: Classify(%v) = %s, expected %s", tt.name, tt.value, got, tt.expected)
		}
	}
}

// Любое значение внутри диапазона нормальное, а дальше 10 % за границей
// критическое, для всей таблицы параметров
func TestClassifyBoundsForAllParameters(t *testing.T) {
	for _, p := range Parameters {
		if p.Range == nil {
			continue
		}
		r := p.Range
		mid := (r.Min + r.Max) / 2
		for _, v := range []float64{r.Min, mid, r.Max} {
			if got := Classify(v, r); got != common.ReadingNormal {
				t.Errorf("%s: Classify(%v) = %s, expected normal", p.Metric, v, got)
			}
		}
		below := r.Min - math.Abs(r.Min)*0.11 - 0.01
		above := r.Max + math.Abs(r.Max)*0.11 + 0.01
		for _, v := range []float64{below, above} {
			if got := Classify(v, r); got != common.ReadingCritical {
				t.Errorf("%s: Classify(%v) = %s, expected critical", p.Metric, v, got)
			}
		}
	}
}

func TestParameterTable(t *testing.T) {
	if len(Parameters) != 16 {
		t.Fatalf("Expected 16 parameters, got %d", len(Parameters))
	}

	seen := make(map[byte]bool)
	for _, p := range Parameters {
		if seen[p.PID] {
			t.Errorf("Duplicate PID %02X", p.PID)
		}
		seen[p.PID] = true

		if p.Metric == "" || p.Unit == "" || p.Decode == nil {
			t.Errorf("Incomplete entry for PID %02X", p.PID)
		}
		if p.Range != nil && p.Range.Min >= p.Range.Max {
			t.Errorf("Bad range for %s: %+v", p.Metric, *p.Range)
		}
	}

	p, ok := LookupParameter(0x0C)
	if !ok || p.Command() != "010C" {
		t.Errorf("Expected engine_rpm with command 010C, got %+v", p)
	}
}

func newEmulatorSession(t *testing.T, v emulator.Vehicle, opts ...emulator.Option) (*elm327.Correlator, *emulator.Link) {
	t.Helper()
	link := emulator.New(v, opts...)
	c := elm327.NewCorrelator(link, elm327.Options{Timeout: 200 * time.Millisecond, PollDelay: 5 * time.Millisecond})
	t.Cleanup(func() {
		c.Close()
		link.Close()
	})
	return c, link
}

func TestReadLiveData(t *testing.T) {
	c, _ := newEmulatorSession(t, emulator.DefaultVehicle(), emulator.WithFragmentSize(5))

	readings, err := ReadLiveData(context.Background(), c)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Давление топлива и температуру масла автомобиль по умолчанию не сообщает
	if len(readings) != 14 {
		t.Fatalf("Expected 14 readings, got %d", len(readings))
	}

	byName := make(map[string]common.LiveReading)
	for _, r := range readings {
		byName[r.Parameter] = r
	}

	if _, ok := byName["fuel_pressure"]; ok {
		t.Error("Expected fuel_pressure to be omitted")
	}

	rpm := byName["engine_rpm"]
	if rpm.Value != 800 || rpm.Status != common.ReadingNormal || rpm.Unit != "rpm" {
		t.Errorf("Unexpected engine_rpm reading: %+v", rpm)
	}

	speed := byName["vehicle_speed"]
	if speed.NormalRange != nil || speed.Status != common.ReadingNormal {
		t.Errorf("Expected vehicle_speed without range, got %+v", speed)
	}
}

func TestReadLiveDataSkipsSilentPIDs(t *testing.T) {
	c, _ := newEmulatorSession(t, emulator.DefaultVehicle(), emulator.WithSilent("010C", "0105"))

	readings, err := ReadLiveData(context.Background(), c)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(readings) != 12 {
		t.Errorf("Expected 12 readings, got %d", len(readings))
	}
}

func TestReadLiveDataClosedLink(t *testing.T) {
	c, link := newEmulatorSession(t, emulator.DefaultVehicle())
	link.Close()

	_, err := ReadLiveData(context.Background(), c)
	if !errors.Is(err, common.ErrLinkClosed) {
		t.Errorf("Expected ErrLinkClosed, got %v", err)
	}
}
