package diag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/1ureka/fdmproxy/internal/protocol"
)

// captureSnapLen is large enough for a full actuation datagram plus headers.
const captureSnapLen = 65535

// Route is the pair of endpoints written into the synthesized IPv4/UDP
// headers for one relay direction.
type Route struct {
	Src netip.AddrPort
	Dst netip.AddrPort
}

// captured is one forwarded datagram waiting to be written.
type captured struct {
	dir     protocol.Direction
	at      time.Time
	payload []byte
}

// Capture writes every forwarded datagram to a pcap file as a raw IPv4/UDP
// packet, so the relayed traffic can be inspected with wireshark.
type Capture struct {
	cancel  context.CancelFunc
	dropped atomic.Uint64
	errch   chan error
	queue   chan captured
	once    sync.Once
	routes  map[protocol.Direction]Route
	wc      io.WriteCloser
}

// OpenCapture creates the pcap file at path.
func OpenCapture(path string, routes map[protocol.Direction]Route) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file %s: %w", path, err)
	}
	return NewCapture(f, routes), nil
}

// NewCapture starts a capture writing to wc. The capture owns wc.
func NewCapture(wc io.WriteCloser, routes map[protocol.Direction]Route) *Capture {
	ctx, cancel := context.WithCancel(context.Background())
	const manyPackets = 4096
	c := &Capture{
		cancel: cancel,
		errch:  make(chan error, 1),
		queue:  make(chan captured, manyPackets),
		routes: routes,
		wc:     wc,
	}
	go c.saveLoop(ctx)
	return c
}

// Tap queues a copy of payload. When the queue is full the datagram is
// counted as dropped.
func (c *Capture) Tap(dir protocol.Direction, payload []byte) {
	snap := captured{dir: dir, at: time.Now(), payload: append([]byte(nil), payload...)}
	select {
	case c.queue <- snap:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns the number of datagrams lost to a full queue.
func (c *Capture) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Capture) saveLoop(ctx context.Context) {
	w := pcapgo.NewWriter(c.wc)
	if err := w.WriteFileHeader(captureSnapLen, layers.LinkTypeRaw); err != nil {
		c.errch <- err
		return
	}

	// Drain whatever is queued before exiting.
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case snap := <-c.queue:
					if err := c.save(w, snap); err != nil {
						c.errch <- err
						return
					}
				default:
					c.errch <- nil
					return
				}
			}

		case snap := <-c.queue:
			if err := c.save(w, snap); err != nil {
				c.errch <- err
				return
			}
		}
	}
}

func (c *Capture) save(w *pcapgo.Writer, snap captured) error {
	route := c.routes[snap.dir]

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(route.Src.Addr().AsSlice()),
		DstIP:    net.IP(route.Dst.Addr().AsSlice()),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(route.Src.Port()),
		DstPort: layers.UDPPort(route.Dst.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(snap.payload)); err != nil {
		return fmt.Errorf("failed to serialize %s datagram: %w", snap.dir, err)
	}

	data := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     snap.at,
		CaptureLength: len(data),
		Length:        len(data),
	}
	return w.WritePacket(ci, data)
}

// Close stops the writer goroutine after it drains the queue and closes the
// capture file.
func (c *Capture) Close() (err error) {
	c.once.Do(func() {
		c.cancel()
		err1 := <-c.errch
		err2 := c.wc.Close()
		err = errors.Join(err1, err2)
	})
	return
}
