package scanner

import (
	"context"
	"time"

	"elm327-scanner/common"
	"elm327-scanner/obd"
)

type realScan struct {
	session *session
}

func (r *realScan) name() string { return "adapter " + r.session.device.DeviceID }

func (r *realScan) run(ctx context.Context, req common.ScanRequest, step stepFunc) (*common.ScanResult, error) {
	corr := r.session.correlator
	codes := []common.TroubleCode{}
	live := []common.LiveReading{}

	if req.ScanType == common.ScanClear {
		if err := step(StateReadingCodes, 15, "Clearing trouble codes"); err != nil {
			return nil, err
		}
		if err := obd.ClearTroubleCodes(ctx, corr); err != nil {
			return nil, err
		}
	}

	if req.ScanType != common.ScanLiveOnly {
		if err := step(StateReadingCodes, 25, "Reading trouble codes"); err != nil {
			return nil, err
		}
		read, err := obd.ReadTroubleCodes(ctx, corr)
		if err != nil {
			return nil, err
		}
		codes = read
	}

	if req.WantsLiveData() {
		if err := step(StateReadingLiveData, 50, "Reading live data"); err != nil {
			return nil, err
		}
		read, err := obd.ReadLiveData(ctx, corr)
		if err != nil {
			return nil, err
		}
		live = read
	}

	if err := step(StateReadingIdentity, 75, "Reading vehicle identity"); err != nil {
		return nil, err
	}
	identity, err := obd.ReadIdentity(ctx, corr, r.session.protocol)
	if err != nil {
		return nil, err
	}

	if err := step(StateSummarizing, 90, "Generating summary"); err != nil {
		return nil, err
	}
	return &common.ScanResult{
		DeviceInfo:      r.session.device,
		DiagnosticCodes: codes,
		LiveData:        live,
		Identity:        identity,
		Summary:         obd.Summarize(codes),
	}, nil
}

// simulatedResponses декодируются обычным парсером, поэтому у симулированных
// значений те же единицы, диапазоны и классификация, что у настоящих
var simulatedResponses = []string{
	"41 0C 0C 80", // 800 rpm
	"41 05 7B",    // 83 °C
	"41 04 33",    // 20 %
	"41 0D 00",    // 0 km/h
	"41 11 26",    // 14.9 %
	"41 42 37 14", // 14.1 V
	"41 2F 99",    // 60 %
}

const simulatedVIN = "1HGCM82633A004352"

// simulatedScan создает детерминированный результат без адаптера
type simulatedScan struct {
	delay time.Duration
}

func (sim *simulatedScan) name() string { return "simulated" }

func (sim *simulatedScan) run(ctx context.Context, req common.ScanRequest, step stepFunc) (*common.ScanResult, error) {
	pause := func(st State, progress int, label string) error {
		if err := step(st, progress, "Simulated: "+label); err != nil {
			return err
		}
		if sim.delay <= 0 {
			return nil
		}
		t := time.NewTimer(sim.delay)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := pause(StateSimulatedScan, 10, "Connecting to simulator"); err != nil {
		return nil, err
	}

	codes := []common.TroubleCode{}
	switch req.ScanType {
	case common.ScanQuick:
		codes = append(codes, obd.Describe("P0133", common.StatusActive))
	case common.ScanFull:
		codes = append(codes,
			obd.Describe("P0133", common.StatusActive),
			obd.Describe("P0420", common.StatusPending))
	}
	if err := pause(StateSimulatedScan, 35, "Reading trouble codes"); err != nil {
		return nil, err
	}

	live := []common.LiveReading{}
	if req.WantsLiveData() {
		for _, resp := range simulatedResponses {
			reading, err := obd.ParseResponse(resp)
			if err != nil {
				return nil, err
			}
			live = append(live, reading)
		}
		if err := pause(StateSimulatedScan, 65, "Reading live data"); err != nil {
			return nil, err
		}
	}

	if err := pause(StateSimulatedScan, 90, "Reading vehicle identity"); err != nil {
		return nil, err
	}
	identity := common.VehicleIdentity{
		VIN:          simulatedVIN,
		ModuleCount:  1,
		Protocol:     common.ProtocolAuto,
		Manufacturer: obd.Manufacturer(simulatedVIN),
		ModelYear:    obd.ModelYear(simulatedVIN, time.Now()),
	}

	return &common.ScanResult{
		DeviceInfo: common.DeviceInfo{
			DeviceID:        common.SimulatorDeviceID,
			Name:            "OBD-II Simulator",
			Protocol:        common.ProtocolAuto,
			FirmwareVersion: "simulated",
		},
		DiagnosticCodes: codes,
		LiveData:        live,
		Identity:        identity,
		Summary:         obd.Summarize(codes),
		Simulated:       true,
	}, nil
}
