//go:build !linux

package bluetooth

import "tinygo.org/x/bluetooth"

// Собственные ID адаптеров есть только в Linux (BlueZ)
func resolveAdapter(_ string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
