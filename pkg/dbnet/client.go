package dbnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config describes a controller endpoint. Zero fields take the package
// defaults, which match AMiT's factory settings.
type Config struct {
	// Addr is the controller's UDP endpoint. A zero port means DefaultPort.
	Addr netip.AddrPort

	// StationAddr is the controller's 5-bit station address (0 means
	// DefaultStationAddr).
	StationAddr uint8

	// ClientAddr is our 5-bit address on the bus (0 means DefaultClientAddr).
	ClientAddr uint8

	// Password is the 32-bit shared secret configured in the controller
	// project. The factory default is 0.
	Password uint32

	// Timeout bounds each exchange, including transparent key-sync retries
	// (0 means DefaultTimeout).
	Timeout time.Duration

	// ScanMaxVariables bounds catalog enumeration (0 means
	// DefaultScanMaxVariables).
	ScanMaxVariables int

	// ScanMaxFailures is the consecutive-failure bound that terminates
	// catalog enumeration (0 means DefaultScanMaxFailures).
	ScanMaxFailures int

	// ScanPace is the delay between enumeration probes (0 means
	// DefaultScanPace).
	ScanPace time.Duration
}

// Client is a DB-Net/IP session with one controller. It owns a connected UDP
// socket and serializes exchanges: the protocol has no request cookie, so
// exactly one request may be in flight at a time, and responses are matched
// to it positionally.
type Client struct {
	// Logger, if set before the client is used, receives protocol-level debug
	// logs. Defaults to a disabled logger.
	Logger zerolog.Logger

	station uint8
	client  uint8
	passwd  uint32
	timeout time.Duration

	scanMaxVars int
	scanMaxFail int
	scanPace    time.Duration

	// mu serializes exchanges and guards txid/key. This is a correctness
	// invariant, not a throughput knob: a response cannot be matched to
	// anything but the sole outstanding request.
	mu   sync.Mutex
	txid uint32
	key  uint32

	cmu     sync.Mutex
	conn    *net.UDPConn // nil once the serve loop exits
	closing bool
	serve   <-chan struct{}
	pending chan<- []byte
	mon     map[chan<- MonitorPacket]struct{}

	metrics struct {
		rx_count, rx_bytes struct {
			resp     atomic.Uint64
			key_sync atomic.Uint64
			dropped  atomic.Uint64
		}
		tx_count, tx_bytes struct {
			read        atomic.Uint64
			write       atomic.Uint64
			read_memory atomic.Uint64
		}
		tx_err_count struct {
			conn atomic.Uint64
		}
		exchange_count struct {
			success atomic.Uint64
			timeout atomic.Uint64
		}
	}
}

type txKind int

const (
	txRead txKind = iota
	txWrite
	txReadMemory
)

// Dial connects to the controller at cfg.Addr and starts the receive loop.
// The returned client must be closed with Close.
func Dial(cfg Config) (*Client, error) {
	addr := cfg.Addr
	if addr.Port() == 0 {
		addr = netip.AddrPortFrom(addr.Addr(), DefaultPort)
	}

	c := &Client{
		Logger:      zerolog.Nop(),
		station:     cfg.StationAddr,
		client:      cfg.ClientAddr,
		passwd:      cfg.Password,
		timeout:     cfg.Timeout,
		scanMaxVars: cfg.ScanMaxVariables,
		scanMaxFail: cfg.ScanMaxFailures,
		scanPace:    cfg.ScanPace,
		txid:        1,
		mon:         make(map[chan<- MonitorPacket]struct{}),
	}
	if c.station == 0 {
		c.station = DefaultStationAddr
	}
	if c.client == 0 {
		c.client = DefaultClientAddr
	}
	if c.timeout == 0 {
		c.timeout = DefaultTimeout
	}
	if c.scanMaxVars == 0 {
		c.scanMaxVars = DefaultScanMaxVariables
	}
	if c.scanMaxFail == 0 {
		c.scanMaxFail = DefaultScanMaxFailures
	}
	if c.scanPace == 0 {
		c.scanPace = DefaultScanPace
	}

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("%w: connect to controller: %v", ErrTransport, err)
	}

	serve := make(chan struct{})
	c.conn = conn
	c.serve = serve
	go c.serveLoop(conn, serve)
	return c, nil
}

// serveLoop reads datagrams from conn and hands each to the pending
// correlator, if any. A datagram with no correlator registered is a late or
// unsolicited response and is dropped.
func (c *Client) serveLoop(conn *net.UDPConn, serve chan<- struct{}) {
	defer close(serve)

	for {
		// the buffer can't be reused: the correlator hands it to the caller
		buf := make([]byte, 1500)

		n, err := conn.Read(buf)
		if err != nil {
			c.cmu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.cmu.Unlock()
			return
		}

		c.cmu.Lock()
		pending := c.pending
		c.cmu.Unlock()

		if pending == nil {
			c.metrics.rx_count.dropped.Add(1)
			c.metrics.rx_bytes.dropped.Add(uint64(n))
			continue
		}
		select {
		case pending <- buf[:n]:
		default:
			c.metrics.rx_count.dropped.Add(1)
			c.metrics.rx_bytes.dropped.Add(uint64(n))
		}
	}
}

// Close closes the socket and waits for the receive loop to exit. Operations
// in flight and issued afterwards fail with ErrNotConnected.
func (c *Client) Close() {
	var serve <-chan struct{}

	c.cmu.Lock()
	if c.conn != nil {
		c.closing = true
		c.conn.Close()
		serve = c.serve
	}
	c.cmu.Unlock()

	if serve != nil {
		<-serve
	}
}

// LocalAddr gets the local address of the socket, if still open.
func (c *Client) LocalAddr() net.Addr {
	var a net.Addr

	c.cmu.Lock()
	if c.conn != nil {
		a = c.conn.LocalAddr()
	}
	c.cmu.Unlock()

	return a
}

// TestConnection checks that the controller answers by reading WID 4000 as an
// Int16. The value is discarded; only reachability matters.
func (c *Client) TestConnection(ctx context.Context) error {
	resp, err := c.sendReceive(ctx, readFrame(c.station, c.client, catalogWIDMin, Int16), txRead, "read wid=4000")
	if err != nil {
		return err
	}
	if _, _, _, _, err := parseResponse(resp); err != nil {
		return err
	}
	return nil
}

// sendReceive wraps inner in an envelope, encrypts it, transmits it, and
// waits for the response datagram, which it decrypts and strips to the inner
// frame. Key-sync responses are absorbed: the server-supplied key is adopted
// and the same inner frame is re-sent with a fresh transaction id, all within
// the one deadline. The session key echoed by every response is retained for
// the next exchange.
func (c *Client) sendReceive(ctx context.Context, inner []byte, kind txKind, desc string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		c.cmu.Lock()
		conn, closing := c.conn, c.closing
		c.cmu.Unlock()
		if conn == nil || closing {
			return nil, ErrNotConnected
		}

		tx, key := c.txid, c.key
		c.txid++

		fcs := checksum(inner[4 : 4+int(inner[1])])

		msg := make([]byte, headerSize+len(inner))
		binary.LittleEndian.PutUint32(msg[0:], tx)
		binary.LittleEndian.PutUint32(msg[6:], key)
		msg[14] = uint8(len(inner) - 6)
		copy(msg[headerSize:], inner)
		cryptInner(msg)
		binary.LittleEndian.PutUint32(msg[10:], headerChecksum(c.passwd, tx, key, fcs))

		ch := make(chan []byte, 1)
		c.cmu.Lock()
		c.pending = ch
		c.cmu.Unlock()

		c.Logger.Debug().Uint32("tx", tx).Uint32("key", key).Int("len", len(msg)).Msg("sending request")
		if _, err := conn.Write(msg); err != nil {
			c.clearPending()
			c.metrics.tx_err_count.conn.Add(1)
			return nil, fmt.Errorf("%w: send request: %v", ErrTransport, err)
		}
		c.countTx(kind, len(msg))
		c.monitorSend(false, desc, inner)

		var resp []byte
		select {
		case resp = <-ch:
		case <-timer.C:
			c.clearPending()
			c.metrics.exchange_count.timeout.Add(1)
			return nil, ErrTimeout
		case <-ctx.Done():
			c.clearPending()
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				c.metrics.exchange_count.timeout.Add(1)
				err = fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			return nil, err
		case <-c.serve:
			c.clearPending()
			return nil, ErrNotConnected
		}
		c.clearPending()

		if len(resp) < headerSize {
			return nil, fmt.Errorf("%w: datagram shorter than envelope (%d bytes)", ErrMalformedFrame, len(resp))
		}

		c.key = binary.LittleEndian.Uint32(resp[6:])

		if binary.LittleEndian.Uint16(resp[4:]) == typeKeySync {
			c.metrics.rx_count.key_sync.Add(1)
			c.metrics.rx_bytes.key_sync.Add(uint64(len(resp)))
			c.Logger.Debug().Uint32("key", c.key).Msg("key sync received, retrying")
			c.monitorSend(true, fmt.Sprintf("key_sync key=0x%08x", c.key), nil)
			continue
		}

		if int(resp[14])+6 > len(resp)-headerSize {
			return nil, fmt.Errorf("%w: inner length %d overruns datagram (%d bytes)", ErrMalformedFrame, resp[14], len(resp))
		}

		c.metrics.rx_count.resp.Add(1)
		c.metrics.rx_bytes.resp.Add(uint64(len(resp)))
		c.metrics.exchange_count.success.Add(1)

		cryptInner(resp)
		innerResp := resp[headerSize:]
		c.monitorSend(true, desc, innerResp)
		return innerResp, nil
	}
}

func (c *Client) clearPending() {
	c.cmu.Lock()
	c.pending = nil
	c.cmu.Unlock()
}

func (c *Client) countTx(kind txKind, n int) {
	switch kind {
	case txRead:
		c.metrics.tx_count.read.Add(1)
		c.metrics.tx_bytes.read.Add(uint64(n))
	case txWrite:
		c.metrics.tx_count.write.Add(1)
		c.metrics.tx_bytes.write.Add(uint64(n))
	case txReadMemory:
		c.metrics.tx_count.read_memory.Add(1)
		c.metrics.tx_bytes.read_memory.Add(uint64(n))
	}
}

// WritePrometheus writes prometheus text metrics to w.
func (c *Client) WritePrometheus(w io.Writer) {
	fmt.Fprintln(w, `dbnet_rx_count{type="resp"}`, c.metrics.rx_count.resp.Load())
	fmt.Fprintln(w, `dbnet_rx_count{type="key_sync"}`, c.metrics.rx_count.key_sync.Load())
	fmt.Fprintln(w, `dbnet_rx_count{type="dropped"}`, c.metrics.rx_count.dropped.Load())
	fmt.Fprintln(w, `dbnet_rx_bytes{type="resp"}`, c.metrics.rx_bytes.resp.Load())
	fmt.Fprintln(w, `dbnet_rx_bytes{type="key_sync"}`, c.metrics.rx_bytes.key_sync.Load())
	fmt.Fprintln(w, `dbnet_rx_bytes{type="dropped"}`, c.metrics.rx_bytes.dropped.Load())
	fmt.Fprintln(w, `dbnet_tx_count{type="read"}`, c.metrics.tx_count.read.Load())
	fmt.Fprintln(w, `dbnet_tx_count{type="write"}`, c.metrics.tx_count.write.Load())
	fmt.Fprintln(w, `dbnet_tx_count{type="read_memory"}`, c.metrics.tx_count.read_memory.Load())
	fmt.Fprintln(w, `dbnet_tx_bytes{type="read"}`, c.metrics.tx_bytes.read.Load())
	fmt.Fprintln(w, `dbnet_tx_bytes{type="write"}`, c.metrics.tx_bytes.write.Load())
	fmt.Fprintln(w, `dbnet_tx_bytes{type="read_memory"}`, c.metrics.tx_bytes.read_memory.Load())
	fmt.Fprintln(w, `dbnet_tx_err_count{cause="conn"}`, c.metrics.tx_err_count.conn.Load())
	fmt.Fprintln(w, `dbnet_exchange_count{result="success"}`, c.metrics.exchange_count.success.Load())
	fmt.Fprintln(w, `dbnet_exchange_count{result="timeout"}`, c.metrics.exchange_count.timeout.Load())
}
