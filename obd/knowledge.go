package obd

import "elm327-scanner/common"

// CostCurrency задает валюту всех оценок
const CostCurrency = "USD"

type codeInfo struct {
	description string
	severity    common.Severity
	system      common.System
	causes      []string
	actions     []string
}

// knowledge только читается после инициализации
var knowledge = map[string]codeInfo{
	"P0101": {
		description: "Mass Air Flow Circuit Range/Performance",
		severity:    common.SeverityWarning,
		system:      common.SystemEngine,
		causes:      []string{"Dirty or faulty MAF sensor", "Intake air leak", "Clogged air filter"},
		actions:     []string{"Clean MAF sensor", "Inspect intake for leaks", "Replace air filter"},
	},
	"P0113": {
		description: "Intake Air Temperature Sensor Circuit High",
		severity:    common.SeverityInfo,
		system:      common.SystemEngine,
		causes:      []string{"Disconnected IAT sensor", "Open circuit in sensor wiring"},
		actions:     []string{"Check IAT connector", "Test sensor resistance"},
	},
	"P0117": {
		description: "Engine Coolant Temperature Circuit Low",
		severity:    common.SeverityWarning,
		system:      common.SystemCooling,
		causes:      []string{"Shorted ECT sensor", "Damaged sensor wiring"},
		actions:     []string{"Test ECT sensor", "Inspect wiring harness"},
	},
	"P0128": {
		description: "Coolant Thermostat Below Regulating Temperature",
		severity:    common.SeverityWarning,
		system:      common.SystemCooling,
		causes:      []string{"Thermostat stuck open", "Faulty coolant temperature sensor", "Low coolant level"},
		actions:     []string{"Replace thermostat", "Check coolant level", "Test ECT sensor"},
	},
	"P0133": {
		description: "O2 Sensor Circuit Slow Response (Bank 1 Sensor 1)",
		severity:    common.SeverityWarning,
		system:      common.SystemEmissions,
		causes:      []string{"Aged oxygen sensor", "Exhaust leak before sensor", "Wiring fault"},
		actions:     []string{"Replace upstream O2 sensor", "Inspect exhaust manifold for leaks"},
	},
	"P0171": {
		description: "System Too Lean (Bank 1)",
		severity:    common.SeverityWarning,
		system:      common.SystemFuel,
		causes:      []string{"Vacuum leak", "Weak fuel pump", "Clogged fuel injectors", "Dirty MAF sensor"},
		actions:     []string{"Smoke test intake for vacuum leaks", "Check fuel pressure", "Clean MAF sensor"},
	},
	"P0172": {
		description: "System Too Rich (Bank 1)",
		severity:    common.SeverityWarning,
		system:      common.SystemFuel,
		causes:      []string{"Leaking injector", "Faulty fuel pressure regulator", "Faulty O2 sensor"},
		actions:     []string{"Check fuel pressure", "Inspect injectors", "Test O2 sensor"},
	},
	"P0300": {
		description: "Random/Multiple Cylinder Misfire Detected",
		severity:    common.SeverityCritical,
		system:      common.SystemIgnition,
		causes:      []string{"Worn spark plugs", "Faulty ignition coils", "Vacuum leak", "Low fuel pressure"},
		actions:     []string{"Replace spark plugs", "Test ignition coils", "Check fuel pressure"},
	},
	"P0301": {
		description: "Cylinder 1 Misfire Detected",
		severity:    common.SeverityCritical,
		system:      common.SystemIgnition,
		causes:      []string{"Faulty spark plug or coil on cylinder 1", "Leaking injector", "Low compression"},
		actions:     []string{"Swap coil to confirm", "Replace spark plug", "Run compression test"},
	},
	"P0302": {
		description: "Cylinder 2 Misfire Detected",
		severity:    common.SeverityCritical,
		system:      common.SystemIgnition,
		causes:      []string{"Faulty spark plug or coil on cylinder 2", "Leaking injector", "Low compression"},
		actions:     []string{"Swap coil to confirm", "Replace spark plug", "Run compression test"},
	},
	"P0335": {
		description: "Crankshaft Position Sensor A Circuit",
		severity:    common.SeverityCritical,
		system:      common.SystemEngine,
		causes:      []string{"Failed crankshaft sensor", "Damaged reluctor ring", "Wiring fault"},
		actions:     []string{"Replace crankshaft position sensor", "Inspect wiring"},
	},
	"P0401": {
		description: "Exhaust Gas Recirculation Flow Insufficient",
		severity:    common.SeverityWarning,
		system:      common.SystemEmissions,
		causes:      []string{"Clogged EGR passages", "Faulty EGR valve"},
		actions:     []string{"Clean EGR passages", "Test EGR valve"},
	},
	"P0420": {
		description: "Catalyst System Efficiency Below Threshold (Bank 1)",
		severity:    common.SeverityWarning,
		system:      common.SystemEmissions,
		causes:      []string{"Worn catalytic converter", "Faulty downstream O2 sensor", "Exhaust leak"},
		actions:     []string{"Test downstream O2 sensor", "Inspect exhaust for leaks", "Replace catalytic converter"},
	},
	"P0442": {
		description: "Evaporative Emission System Leak Detected (Small Leak)",
		severity:    common.SeverityInfo,
		system:      common.SystemEmissions,
		causes:      []string{"Loose fuel cap", "Cracked EVAP hose"},
		actions:     []string{"Tighten or replace fuel cap", "Smoke test EVAP system"},
	},
	"P0455": {
		description: "Evaporative Emission System Leak Detected (Large Leak)",
		severity:    common.SeverityInfo,
		system:      common.SystemEmissions,
		causes:      []string{"Missing fuel cap", "Disconnected EVAP hose", "Faulty purge valve"},
		actions:     []string{"Check fuel cap", "Inspect EVAP lines", "Test purge valve"},
	},
	"P0500": {
		description: "Vehicle Speed Sensor Malfunction",
		severity:    common.SeverityWarning,
		system:      common.SystemTransmission,
		causes:      []string{"Failed speed sensor", "Damaged wiring"},
		actions:     []string{"Replace vehicle speed sensor", "Inspect wiring"},
	},
	"P0562": {
		description: "System Voltage Low",
		severity:    common.SeverityWarning,
		system:      common.SystemElectrical,
		causes:      []string{"Weak battery", "Failing alternator", "Corroded battery terminals"},
		actions:     []string{"Test battery and charging system", "Clean terminals"},
	},
	"P0700": {
		description: "Transmission Control System Malfunction",
		severity:    common.SeverityCritical,
		system:      common.SystemTransmission,
		causes:      []string{"Fault stored in transmission control module"},
		actions:     []string{"Read transmission module codes", "Check transmission fluid"},
	},
	"C0035": {
		description: "Left Front Wheel Speed Sensor Circuit",
		severity:    common.SeverityCritical,
		system:      common.SystemBrakes,
		causes:      []string{"Failed wheel speed sensor", "Damaged tone ring", "Wiring fault"},
		actions:     []string{"Replace wheel speed sensor", "Inspect tone ring and wiring"},
	},
	"B0100": {
		description: "Electronic Frontal Sensor 1 Circuit",
		severity:    common.SeverityCritical,
		system:      common.SystemBody,
		causes:      []string{"Faulty airbag sensor", "Connector corrosion"},
		actions:     []string{"Inspect airbag sensor circuit", "Service restraint system"},
	},
	"U0100": {
		description: "Lost Communication With ECM/PCM A",
		severity:    common.SeverityCritical,
		system:      common.SystemNetwork,
		causes:      []string{"CAN bus wiring fault", "ECM power or ground failure"},
		actions:     []string{"Check CAN bus wiring", "Verify ECM power and ground"},
	},
}

var genericCode = codeInfo{
	description: "Unknown fault code",
	severity:    common.SeverityWarning,
	system:      common.SystemOther,
	causes:      []string{"Manufacturer specific or uncatalogued fault"},
	actions:     []string{"Consult service documentation", "Have the vehicle inspected by a technician"},
}

var costBands = map[common.Severity]common.CostEstimate{
	common.SeverityCritical: {Min: 500, Max: 2500, Currency: CostCurrency},
	common.SeverityWarning:  {Min: 150, Max: 800, Currency: CostCurrency},
	common.SeverityInfo:     {Min: 50, Max: 200, Currency: CostCurrency},
}

// EstimateCost возвращает диапазон стоимости ремонта для уровня серьезности
func EstimateCost(s common.Severity) common.CostEstimate {
	if c, ok := costBands[s]; ok {
		return c
	}
	return costBands[common.SeverityWarning]
}

// Describe собирает полную запись для кода. Неизвестные коды получают общую
// запись уровня warning
func Describe(code string, status common.CodeStatus) common.TroubleCode {
	info, ok := knowledge[code]
	if !ok {
		info = genericCode
	}
	return common.TroubleCode{
		Code:               code,
		Description:        info.description,
		Severity:           info.severity,
		Category:           Category(code),
		System:             info.system,
		Status:             status,
		PossibleCauses:     append([]string(nil), info.causes...),
		RecommendedActions: append([]string(nil), info.actions...),
		EstimatedCost:      EstimateCost(info.severity),
	}
}

// Category называет семейство подсистем по первому символу кода
func Category(code string) string {
	if code == "" {
		return "unknown"
	}
	switch code[0] {
	case 'P':
		return "powertrain"
	case 'C':
		return "chassis"
	case 'B':
		return "body"
	case 'U':
		return "network"
	}
	return "unknown"
}
