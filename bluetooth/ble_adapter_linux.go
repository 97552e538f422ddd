//go:build linux

package bluetooth

import (
	"strings"

	"tinygo.org/x/bluetooth"
)

func resolveAdapter(adapterID string) *bluetooth.Adapter {
	trimmed := strings.TrimSpace(adapterID)
	if trimmed == "" {
		return bluetooth.DefaultAdapter
	}
	return bluetooth.NewAdapter(trimmed)
}
