package bluetooth

import (
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// DeviceFilters содержит префиксы имен известных BLE адаптеров класса ELM327.
// Устройства, не подходящие ни под один, не подключаются
var DeviceFilters = []string{
	"OBD",
	"OBDII",
	"ELM327",
	"V-LINK",
	"VEEPEAK",
	"Vgate",
	"IOS-Vlink",
	"KONNWEI",
	"OBDLink",
	"Viecar",
}

// serviceProfile связывает GATT сервис с характеристиками команд (write) и
// ответов (notify). Write и Notify могут совпадать
type serviceProfile struct {
	Name    string
	Service bluetooth.UUID
	Write   bluetooth.UUID
	Notify  bluetooth.UUID
}

// serviceProfiles перебираются по порядку при подключении
var serviceProfiles = []serviceProfile{
	{
		Name:    "FFF0",
		Service: bluetooth.New16BitUUID(0xFFF0),
		Write:   bluetooth.New16BitUUID(0xFFF2),
		Notify:  bluetooth.New16BitUUID(0xFFF1),
	},
	{
		Name:    "FFE0",
		Service: bluetooth.New16BitUUID(0xFFE0),
		Write:   bluetooth.New16BitUUID(0xFFE1),
		Notify:  bluetooth.New16BitUUID(0xFFE1),
	},
	{
		Name:    "18F0",
		Service: bluetooth.New16BitUUID(0x18F0),
		Write:   bluetooth.New16BitUUID(0x2AF1),
		Notify:  bluetooth.New16BitUUID(0x2AF0),
	},
	{
		Name:    "E7810A71",
		Service: mustParseUUID("e7810a71-73ae-499d-8c15-faa9aef0c3f2"),
		Write:   mustParseUUID("bef8d6c9-9c21-4c9e-b632-bd58c1009f9f"),
		Notify:  mustParseUUID("bef8d6c9-9c21-4c9e-b632-bd58c1009f9f"),
	},
}

func mustParseUUID(raw string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(strings.TrimSpace(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid bluetooth UUID %q: %v", raw, err))
	}
	return uuid
}

// MatchesFilter проверяет, начинается ли имя с одного из фильтров.
// Регистр не учитывается, пустое имя не подходит никогда
func MatchesFilter(name string, filters []string) bool {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	for _, f := range filters {
		f = strings.ToUpper(strings.TrimSpace(f))
		if f != "" && strings.HasPrefix(name, f) {
			return true
		}
	}
	return false
}
