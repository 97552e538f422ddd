package emulator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elm327-scanner/common"
)

// collect вычитывает все накопленное в очереди в одну строку
func collect(l *Link) string {
	var sb strings.Builder
	for {
		select {
		case frag := <-l.queue:
			sb.Write(frag)
		default:
			return sb.String()
		}
	}
}

func send(t *testing.T, l *Link, cmd string) string {
	t.Helper()
	require.NoError(t, l.Write(context.Background(), []byte(cmd+"\r")))
	return collect(l)
}

func TestEchoAndSpaces(t *testing.T) {
	l := New(DefaultVehicle())

	assert.Equal(t, "010C\r41 0C 0C 80\r\r>", send(t, l, "010C"))

	send(t, l, "ATE0")
	send(t, l, "ATS0")
	assert.Equal(t, "410C0C80\r\r>", send(t, l, "010C"))

	send(t, l, "ATZ")
	assert.Contains(t, send(t, l, "010D"), "41 0D 00")
}

func TestAnswers(t *testing.T) {
	l := New(DefaultVehicle())
	send(t, l, "ATE0")

	assert.Equal(t, "A6\r\r>", send(t, l, "ATDPN"))
	assert.Equal(t, "NO DATA\r\r>", send(t, l, "010A"))
	assert.Equal(t, "?\r\r>", send(t, l, "22F190"))
	assert.Equal(t, "43 01 01 33\r\r>", send(t, l, "03"))
	assert.Equal(t, "47 02 01 33 01 71\r\r>", send(t, l, "07"))
	assert.Equal(t, strings.Repeat("41 00 BE 3F A8 13\r", 2)+"\r>", send(t, l, "0100"))

	assert.Equal(t, "44\r\r>", send(t, l, "04"))
	assert.Equal(t, "43 00\r\r>", send(t, l, "03"))
}

func TestLegacyCodeFrames(t *testing.T) {
	v := DefaultVehicle()
	v.Protocol = '3'
	l := New(v)
	send(t, l, "ATE0")

	assert.Equal(t, "43 01 33 00 00 00 00\r\r>", send(t, l, "03"))
}

func TestCANVINFrames(t *testing.T) {
	l := New(DefaultVehicle())
	send(t, l, "ATE0")

	reply := send(t, l, "0902")
	lines := strings.Split(strings.TrimSuffix(reply, "\r\r>"), "\r")
	require.Len(t, lines, 4)
	assert.Equal(t, "014", lines[0])
	assert.Equal(t, "0: 49 02 01 31 47 31", lines[1])
	assert.True(t, strings.HasPrefix(lines[3], "2: "))
}

func TestFragmentSize(t *testing.T) {
	l := New(DefaultVehicle(), WithFragmentSize(3))
	require.NoError(t, l.Write(context.Background(), []byte("ATI\r")))

	var frags []string
	for {
		select {
		case f := <-l.queue:
			assert.LessOrEqual(t, len(f), 3)
			frags = append(frags, string(f))
			continue
		default:
		}
		break
	}
	assert.Equal(t, "ATI\rELM327 v1.5\r\r>", strings.Join(frags, ""))
}

func TestSilentAndUnterminated(t *testing.T) {
	l := New(DefaultVehicle(), WithSilent("03"), WithUnterminated("07"))
	send(t, l, "ATE0")

	assert.Empty(t, send(t, l, "03"))
	assert.Equal(t, "47 02 01 33 01 71\r", send(t, l, "07"))
	assert.Equal(t, []string{"ATE0", "03", "07"}, l.Written())
}

func TestPollingLink(t *testing.T) {
	l := New(DefaultVehicle(), WithPolling())
	assert.Nil(t, l.Fragments())

	require.NoError(t, l.Write(context.Background(), []byte("ATE0\r0105\r")))
	out, err := l.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ATE0\rOK\r\r>41 05 7B\r\r>", string(out))

	out, err = l.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestClosedLink(t *testing.T) {
	l := New(DefaultVehicle())
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Write(context.Background(), []byte("ATZ\r")), common.ErrLinkClosed)
	_, err := l.Read(context.Background())
	assert.ErrorIs(t, err, common.ErrLinkClosed)
}

func TestEncodeDTC(t *testing.T) {
	tests := []struct {
		code string
		want uint16
	}{
		{"P0133", 0x0133},
		{"C0035", 0x4035},
		{"B1234", 0x9234},
		{"U0100", 0xC100},
		{"p0420", 0x0420},
	}
	for _, tt := range tests {
		got, err := EncodeDTC(tt.code)
		require.NoError(t, err, tt.code)
		assert.Equal(t, tt.want, got, tt.code)
	}

	for _, bad := range []string{"X0133", "P4133", "P01", "P0G33"} {
		_, err := EncodeDTC(bad)
		assert.Error(t, err, bad)
	}
}

func TestTransport(t *testing.T) {
	tr := NewTransport(DefaultVehicle())
	assert.False(t, tr.IsConnected())

	dev, err := tr.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -40, dev.RSSI)

	link, err := tr.Connect(context.Background(), dev)
	require.NoError(t, err)
	assert.True(t, tr.IsConnected())
	assert.Same(t, tr.Link(), link)

	require.NoError(t, tr.Disconnect())
	assert.False(t, tr.IsConnected())
	assert.Nil(t, tr.Link())

	tr.FailDiscover = true
	_, err = tr.Discover(context.Background())
	assert.ErrorIs(t, err, common.ErrNotSupported)
}
