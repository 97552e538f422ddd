package common

import "time"

// LineProtocol представляет протокол шины автомобиля, выбранный адаптером
type LineProtocol string

const (
	ProtocolAuto    LineProtocol = "AUTO"
	ProtocolCAN     LineProtocol = "ISO 15765-4 CAN"
	ProtocolISO9141 LineProtocol = "ISO 9141-2"
	ProtocolKWP     LineProtocol = "ISO 14230-4 KWP"
)

// SimulatorDeviceID помечает результаты, полученные без реального адаптера
const SimulatorDeviceID = "simulator"

// DeviceInfo описывает адаптер, к которому привязана сессия
type DeviceInfo struct {
	DeviceID        string       `json:"deviceId"`
	Name            string       `json:"name"`
	Protocol        LineProtocol `json:"protocol"`
	FirmwareVersion string       `json:"firmwareVersion"`
	SignalStrength  int          `json:"signalStrength"` // RSSI, дБм
}

// ConnectionState представляет наблюдаемое состояние сессии
type ConnectionState struct {
	Connected bool        `json:"connected"`
	Scanning  bool        `json:"scanning"`
	Device    *DeviceInfo `json:"device,omitempty"`
	Progress  int         `json:"progress"`
	Step      string      `json:"step"`
	Error     string      `json:"error,omitempty"`
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type System string

const (
	SystemEngine       System = "engine"
	SystemTransmission System = "transmission"
	SystemEmissions    System = "emissions"
	SystemFuel         System = "fuel"
	SystemIgnition     System = "ignition"
	SystemCooling      System = "cooling"
	SystemElectrical   System = "electrical"
	SystemBrakes       System = "brakes"
	SystemBody         System = "body"
	SystemNetwork      System = "network"
	SystemOther        System = "other"
)

type CodeStatus string

const (
	StatusActive  CodeStatus = "active"
	StatusPending CodeStatus = "pending"
)

// CostEstimate представляет диапазон стоимости ремонта
type CostEstimate struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Currency string  `json:"currency"`
}

// TroubleCode представляет декодированный DTC, дополненный из базы знаний
type TroubleCode struct {
	Code               string       `json:"code"`
	Description        string       `json:"description"`
	Severity           Severity     `json:"severity"`
	Category           string       `json:"category"`
	System             System       `json:"system"`
	Status             CodeStatus   `json:"status"`
	PossibleCauses     []string     `json:"possibleCauses"`
	RecommendedActions []string     `json:"recommendedActions"`
	EstimatedCost      CostEstimate `json:"estimatedCost"`
}

type ReadingStatus string

const (
	ReadingNormal   ReadingStatus = "normal"
	ReadingWarning  ReadingStatus = "warning"
	ReadingCritical ReadingStatus = "critical"
)

// Range представляет нормальный рабочий диапазон, границы включены
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// LiveReading представляет одно декодированное значение датчика
type LiveReading struct {
	Parameter   string        `json:"parameter"`
	PID         string        `json:"pid"`
	Value       float64       `json:"value"`
	Unit        string        `json:"unit"`
	NormalRange *Range        `json:"normalRange,omitempty"`
	Status      ReadingStatus `json:"status"`
}

// VehicleIdentity содержит то, что автомобиль сообщает о себе
type VehicleIdentity struct {
	VIN          string       `json:"vin,omitempty"`
	ModuleCount  int          `json:"moduleCount"`
	Protocol     LineProtocol `json:"protocol"`
	Manufacturer string       `json:"manufacturer,omitempty"`
	ModelYear    int          `json:"modelYear,omitempty"`
}

// VehicleInfo содержит данные о сканировании от вызывающей стороны
type VehicleInfo struct {
	Plate string `json:"plate,omitempty"`
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Year  int    `json:"year,omitempty"`
	VIN   string `json:"vin,omitempty"`
}

type Health string

const (
	HealthExcellent Health = "excellent"
	HealthGood      Health = "good"
	HealthFair      Health = "fair"
	HealthPoor      Health = "poor"
	HealthCritical  Health = "critical"
)

// Summary вычисляется по кодам неисправностей сканирования
type Summary struct {
	TotalCodes         int              `json:"totalCodes"`
	BySeverity         map[Severity]int `json:"bySeverity"`
	BySystem           map[System]int   `json:"bySystem"`
	OverallHealth      Health           `json:"overallHealth"`
	CriticalIssues     []string         `json:"criticalIssues"`
	RecommendedActions []string         `json:"recommendedActions"`
}

type ScanType string

const (
	ScanQuick    ScanType = "quick"
	ScanFull     ScanType = "full"
	ScanLiveOnly ScanType = "live_only"
	ScanClear    ScanType = "clear"
)

// Valid проверяет, является ли t одним из известных типов сканирования
func (t ScanType) Valid() bool {
	switch t {
	case ScanQuick, ScanFull, ScanLiveOnly, ScanClear:
		return true
	}
	return false
}

// ScanRequest представляет запрос на сканирование от потребителя
type ScanRequest struct {
	VehicleInfo     *VehicleInfo `json:"vehicleInfo,omitempty"`
	ScanType        ScanType     `json:"scanType"`
	IncludeLiveData *bool        `json:"includeLiveData,omitempty"`
	CheckinID       string       `json:"checkinId,omitempty"`
	BudgetID        string       `json:"budgetId,omitempty"`
}

// WantsLiveData решает, читать ли параметры в реальном времени. Явно заданный
// IncludeLiveData важнее типа сканирования
func (r ScanRequest) WantsLiveData() bool {
	if r.IncludeLiveData != nil {
		return *r.IncludeLiveData
	}
	return r.ScanType == ScanFull || r.ScanType == ScanLiveOnly
}

// ScanResult представляет неизменяемый итог одного завершенного сканирования
type ScanResult struct {
	ScanID          string          `json:"scanId"`
	ScanType        ScanType        `json:"scanType"`
	DeviceInfo      DeviceInfo      `json:"deviceInfo"`
	DiagnosticCodes []TroubleCode   `json:"diagnosticCodes"`
	LiveData        []LiveReading   `json:"liveData"`
	VehicleInfo     *VehicleInfo    `json:"vehicleInfo,omitempty"`
	Identity        VehicleIdentity `json:"identity"`
	Summary         Summary         `json:"summary"`
	ScanDuration    int64           `json:"scanDuration"` // Миллисекунды
	Timestamp       time.Time       `json:"timestamp"`
	CheckinID       string          `json:"checkinId,omitempty"`
	BudgetID        string          `json:"budgetId,omitempty"`
	Simulated       bool            `json:"simulated"`
}

// CommandMessage представляет конверт MQTT запроса на сканирование
type CommandMessage struct {
	CorrelationID string      `json:"correlation_id"`
	Scan          ScanRequest `json:"scan"`
}

// CommandResponse представляет ответ на CommandMessage
type CommandResponse struct {
	CorrelationID string      `json:"correlation_id"`
	Status        string      `json:"status"` // "success", "error"
	Result        interface{} `json:"result"`
	Error         string      `json:"error,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}
