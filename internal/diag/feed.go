package diag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/1ureka/fdmproxy/internal/protocol"
	"github.com/1ureka/fdmproxy/internal/util"
)

// Tuning constants.
const (
	feedQueueSize  = 256 // datagrams waiting to be decoded and broadcast
	feedClientSize = 64  // encoded frames waiting per websocket client
	feedWriteWait  = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is the msgpack message sent to feed clients for every forwarded
// datagram. Telemetry frames carry the packet as the controller saw it.
type Frame struct {
	Seq       uint64                    `msgpack:"seq"`
	Kind      string                    `msgpack:"kind"`
	Received  int64                     `msgpack:"recv_ns"`
	Size      int                       `msgpack:"size"`
	Telemetry *protocol.TelemetryPacket `msgpack:"telemetry,omitempty"`
	Motors    []float32                 `msgpack:"motors,omitempty"`
}

// Feed broadcasts forwarded datagrams to websocket clients on /ws.
type Feed struct {
	listener net.Listener
	server   *http.Server

	queue      chan captured
	register   chan *feedClient
	unregister chan *feedClient
	clients    map[*feedClient]struct{}
	seq        uint64
	dropped    atomic.Uint64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// ListenFeed starts the feed's HTTP server on addr.
func ListenFeed(addr string) (*Feed, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start feed server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		listener:   listener,
		queue:      make(chan captured, feedQueueSize),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		clients:    make(map[*feedClient]struct{}),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWS)
	f.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		_ = f.server.Serve(listener)
	}()
	go f.run(ctx)

	return f, nil
}

// Addr returns the address the feed is listening on.
func (f *Feed) Addr() net.Addr {
	return f.listener.Addr()
}

// Dropped returns the number of datagrams lost to a full queue.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// Tap queues a copy of payload for broadcast without blocking.
func (f *Feed) Tap(dir protocol.Direction, payload []byte) {
	snap := captured{dir: dir, at: time.Now(), payload: append([]byte(nil), payload...)}
	select {
	case f.queue <- snap:
	default:
		f.dropped.Add(1)
	}
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, feedClientSize)}
	select {
	case f.register <- c:
	case <-f.done:
		conn.Close()
		return
	}
	util.LogDebug("feed client connected from %s", conn.RemoteAddr())

	go c.writeLoop()
	c.readLoop()

	select {
	case f.unregister <- c:
	case <-f.done:
	}
}

// run owns the client set: it registers, unregisters and broadcasts.
func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			for c := range f.clients {
				close(c.send)
			}
			return

		case c := <-f.register:
			f.clients[c] = struct{}{}

		case c := <-f.unregister:
			if _, ok := f.clients[c]; ok {
				delete(f.clients, c)
				close(c.send)
			}

		case snap := <-f.queue:
			msg, err := f.encode(snap)
			if err != nil {
				util.LogDebug("feed dropped %s datagram: %v", snap.dir, err)
				continue
			}
			for c := range f.clients {
				select {
				case c.send <- msg:
				default:
				}
			}
		}
	}
}

func (f *Feed) encode(snap captured) ([]byte, error) {
	f.seq++
	frame := Frame{
		Seq:      f.seq,
		Kind:     snap.dir.String(),
		Received: snap.at.UnixNano(),
		Size:     len(snap.payload),
	}

	switch snap.dir {
	case protocol.DirTelemetry:
		pkt, err := protocol.DecodeTelemetry(snap.payload)
		if err != nil {
			return nil, err
		}
		frame.Telemetry = &pkt
	case protocol.DirActuation:
		pkt, err := protocol.DecodeActuation(snap.payload)
		if err != nil {
			return nil, err
		}
		frame.Motors = pkt.MotorSpeed
	}

	return msgpack.Marshal(&frame)
}

// readLoop discards client messages and returns once the connection fails.
func (c *feedClient) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *feedClient) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "relay stopped"),
		time.Now().Add(feedWriteWait))
}

// Close stops the server and disconnects every client.
func (f *Feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()
		<-f.done
		err = f.server.Close()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	})
	return err
}
