package diag

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"testing"

	"github.com/bassosimone/iotest"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/fdmproxy/internal/protocol"
)

var testRoutes = map[protocol.Direction]Route{
	protocol.DirTelemetry: {
		Src: netip.MustParseAddrPort("127.0.0.1:9006"),
		Dst: netip.MustParseAddrPort("127.0.0.1:9003"),
	},
	protocol.DirActuation: {
		Src: netip.MustParseAddrPort("127.0.0.1:9002"),
		Dst: netip.MustParseAddrPort("127.0.0.1:9007"),
	},
}

func TestCaptureWritesUDPPackets(t *testing.T) {
	w := &bufferCloser{}
	c := NewCapture(w, testRoutes)

	pkt := protocol.TelemetryPacket{Timestamp: 1}
	telemetry := protocol.EncodeTelemetry(&pkt)
	actuation := protocol.EncodeActuation(&protocol.ActuationPacket{MotorSpeed: []float32{1, 2, 3, 4}})

	c.Tap(protocol.DirTelemetry, telemetry)
	c.Tap(protocol.DirActuation, actuation)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close must be idempotent")
	assert.True(t, w.closed)
	assert.Zero(t, c.Dropped())

	r, err := pcapgo.NewReader(bytes.NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())

	expect := []struct {
		payload []byte
		src     uint16
		dst     uint16
	}{
		{telemetry, 9006, 9003},
		{actuation, 9002, 9007},
	}
	for _, want := range expect {
		data, _, err := r.ReadPacketData()
		require.NoError(t, err)

		packet := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		require.True(t, ok, "packet must decode as UDP")
		assert.Equal(t, layers.UDPPort(want.src), udp.SrcPort)
		assert.Equal(t, layers.UDPPort(want.dst), udp.DstPort)
		assert.Equal(t, want.payload, []byte(udp.Payload))
	}

	_, _, err = r.ReadPacketData()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCaptureTapCopiesPayload(t *testing.T) {
	w := &bufferCloser{}
	c := NewCapture(w, testRoutes)

	payload := []byte{1, 2, 3, 4}
	c.Tap(protocol.DirActuation, payload)
	payload[0] = 0xff
	require.NoError(t, c.Close())

	r, err := pcapgo.NewReader(bytes.NewReader(w.Bytes()))
	require.NoError(t, err)
	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data[len(data)-4:])
}

func TestCaptureCloseJoinsErrors(t *testing.T) {
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func([]byte) (int, error) {
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}

	c := NewCapture(wc, testRoutes)
	err := c.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, writeErr)
	assert.ErrorIs(t, err, closeErr)
}

func TestCaptureDropsWhenQueueFull(t *testing.T) {
	gate := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			<-gate
			return len(b), nil
		},
		CloseFunc: func() error {
			return nil
		},
	}

	// The writer is stuck on the file header, so nothing leaves the queue.
	c := NewCapture(wc, testRoutes)
	for range cap(c.queue) + 3 {
		c.Tap(protocol.DirActuation, []byte{0})
	}
	assert.Equal(t, uint64(3), c.Dropped())

	close(gate)
	require.NoError(t, c.Close())
}
