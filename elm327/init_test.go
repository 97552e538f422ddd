package elm327

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elm327-scanner/common"
)

func adapterReplies(protocol string) func(cmd string) []string {
	return func(cmd string) []string {
		switch cmd {
		case "ATZ":
			return []string{"\r\rELM327 v1.5\r\r>"}
		case ProtocolQuery:
			return []string{protocol + "\r\r>"}
		case "ATI":
			return []string{"ELM327 v2.1\r\r>"}
		default:
			return []string{"OK\r\r>"}
		}
	}
}

func TestInitialize(t *testing.T) {
	link := newScriptLink(adapterReplies("A6"))
	c := NewCorrelator(link, fastOptions())
	defer c.Close()

	protocol, err := Initialize(context.Background(), c, InitOptions{})
	require.NoError(t, err)
	assert.Equal(t, common.ProtocolCAN, protocol)
	assert.Equal(t, append(append([]string(nil), InitCommands...), ProtocolQuery), link.Written())
}

func TestInitializeRejected(t *testing.T) {
	link := newScriptLink(func(cmd string) []string {
		if cmd == "ATS0" {
			return []string{"?\r\r>"}
		}
		return []string{"OK\r\r>"}
	})
	c := NewCorrelator(link, fastOptions())
	defer c.Close()

	_, err := Initialize(context.Background(), c, InitOptions{})
	var connErr *common.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "initialize ATS0", connErr.Stage)
	assert.Equal(t, []string{"ATZ", "ATE0", "ATL0", "ATS0"}, link.Written())
}

func TestInitializeTimeout(t *testing.T) {
	c := NewCorrelator(newScriptLink(nil), fastOptions())
	defer c.Close()

	_, err := Initialize(context.Background(), c, InitOptions{})
	var connErr *common.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, common.IsTimeout(err))
}

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		resp string
		want common.LineProtocol
	}{
		{"A6\r\r>", common.ProtocolCAN},
		{"6", common.ProtocolCAN},
		{"AB", common.ProtocolCAN},
		{"3\r>", common.ProtocolISO9141},
		{"A3", common.ProtocolISO9141},
		{"4", common.ProtocolKWP},
		{"A5", common.ProtocolKWP},
		{"ATDPN\r1\r>", common.ProtocolAuto},
		{"0", common.ProtocolAuto},
		{"", common.ProtocolAuto},
		{"?", common.ProtocolAuto},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseProtocol(tt.resp), "%q", tt.resp)
	}
}

func TestReadFirmware(t *testing.T) {
	c := NewCorrelator(newScriptLink(adapterReplies("6")), fastOptions())
	defer c.Close()
	assert.Equal(t, "v2.1", ReadFirmware(context.Background(), c))

	silent := NewCorrelator(newScriptLink(nil), fastOptions())
	defer silent.Close()
	assert.Equal(t, "", ReadFirmware(context.Background(), silent))

	odd := NewCorrelator(newScriptLink(func(string) []string { return []string{"OBDII to RS232\r>"} }), fastOptions())
	defer odd.Close()
	assert.Equal(t, "OBDII to RS232", ReadFirmware(context.Background(), odd))
}

func TestLines(t *testing.T) {
	raw := "0902\rSEARCHING...\r014\r0: 49 02 01 31 47 31\r1: 4A 43 35 34 34 34 52\r\r>"
	assert.Equal(t, []string{"014", "0: 49 02 01 31 47 31", "1: 4A 43 35 34 34 34 52"}, Lines(raw, "0902"))

	assert.Equal(t, []string{"41 00 BE 3F A8 13"}, Lines("BUS INIT: ...OK\r\n41 00 BE 3F A8 13\r\n>", "0100"))
	assert.Empty(t, Lines("\r\r>", "03"))
}

func TestCompact(t *testing.T) {
	assert.Equal(t, "410C1AF0", Compact("010C\r41 0C 1A F0\r\r>", "010C"))
	assert.Equal(t, "43010133", Compact("43 01 01 33\r>", ""))
}

func TestIsNegative(t *testing.T) {
	for _, raw := range []string{"NO DATA\r>", "CAN ERROR", "SEARCHING...\rUNABLE TO CONNECT\r>", "STOPPED", "?\r>", "no data"} {
		assert.True(t, IsNegative(raw), "%q", raw)
	}
	for _, raw := range []string{"41 0C 1A F0\r>", "OK", "", "43 00\r>"} {
		assert.False(t, IsNegative(raw), "%q", raw)
	}
}
