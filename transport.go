package main

import (
	"fmt"
	"strings"

	"elm327-scanner/bluetooth"
	"elm327-scanner/emulator"
)

var transportKinds = []string{"ble", "rfcomm", "serial", "emulator"}

func buildTransport(config TransportConfig) (bluetooth.Transport, error) {
	switch strings.ToLower(config.Kind) {
	case "ble", "":
		return bluetooth.NewBLETransport(config.BLE), nil
	case "rfcomm":
		return bluetooth.NewRFCOMMTransport(config.RFCOMM), nil
	case "serial":
		return bluetooth.NewSerialTransport(config.Serial), nil
	case "emulator":
		return emulator.NewTransport(emulator.DefaultVehicle()), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want one of %s)", config.Kind, strings.Join(transportKinds, ", "))
	}
}
