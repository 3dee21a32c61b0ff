package stream

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// Mode is the stream transport.
type Mode uint8

// Transport modes.
const (
	ModeTCP Mode = iota
	ModeUDP
	ModeMulticast
	ModeBroadcast
)

func (m Mode) String() string {
	switch m {
	case ModeTCP:
		return "tcp"
	case ModeUDP:
		return "udp"
	case ModeMulticast:
		return "multicast"
	case ModeBroadcast:
		return "broadcast"
	}
	return fmt.Sprintf("unknown(%d)", uint8(m))
}

// ParseMode parses a transport mode name.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "tcp":
		return ModeTCP, nil
	case "udp":
		return ModeUDP, nil
	case "multicast":
		return ModeMulticast, nil
	case "broadcast":
		return ModeBroadcast, nil
	}
	return 0, fmt.Errorf("unknown mode: %q", name)
}

// Connectionless reports whether the mode has no per-client session.
// The server re-sends metadata and config periodically on these modes
// so late joiners can synchronize.
func (m Mode) Connectionless() bool {
	return m != ModeTCP
}

// PacketConn sends and receives packets over a single transport.
type PacketConn interface {
	WritePacket(p Packet) error
	ReadPacket() (Packet, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// tcpPacketConn frames packets with a u32 length prefix.
type tcpPacketConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newTCPPacketConn(conn net.Conn) *tcpPacketConn {
	return &tcpPacketConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *tcpPacketConn) WritePacket(p Packet) error {
	wire := p.MarshalBinary()
	if len(wire) > maxWireLength {
		return fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(wire))
	}

	// Single write so concurrent senders can't interleave frames.
	buf := make([]byte, 4+len(wire))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(wire)))
	copy(buf[4:], wire)

	_, err := c.conn.Write(buf)
	return err
}

func (c *tcpPacketConn) ReadPacket() (Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return Packet{}, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < packetHeaderSize || length > maxWireLength {
		return Packet{}, fmt.Errorf("%w: length %d", ErrInvalidPacket, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return Packet{}, err
	}
	return UnmarshalPacket(buf)
}

func (c *tcpPacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *tcpPacketConn) Close() error {
	return c.conn.Close()
}

// udpPacketConn sends each packet as a single datagram. The send
// destination is resolved per write, the server uses this to follow
// the most recently greeted peer.
type udpPacketConn struct {
	conn net.PacketConn
	dst  func() net.Addr
	buf  []byte
}

func newUDPPacketConn(conn net.PacketConn, dst func() net.Addr) *udpPacketConn {
	return &udpPacketConn{
		conn: conn,
		dst:  dst,
		buf:  make([]byte, 65536),
	}
}

func (c *udpPacketConn) WritePacket(p Packet) error {
	dst := c.dst()
	if dst == nil {
		return fmt.Errorf("write packet: no peer")
	}
	_, err := c.conn.WriteTo(p.MarshalBinary(), dst)
	return err
}

func (c *udpPacketConn) ReadPacket() (Packet, error) {
	n, _, err := c.conn.ReadFrom(c.buf)
	if err != nil {
		return Packet{}, err
	}
	return UnmarshalPacket(c.buf[:n])
}

func (c *udpPacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *udpPacketConn) Close() error {
	return c.conn.Close()
}

func staticAddr(addr net.Addr) func() net.Addr {
	return func() net.Addr { return addr }
}

// Dial opens the client side of a stream transport. Datagram modes
// bind a local socket and read whatever arrives on it.
func Dial(ctx context.Context, mode Mode, addr string) (PacketConn, error) {
	switch mode {
	case ModeTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return newTCPPacketConn(conn), nil

	case ModeUDP:
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, err
		}
		conn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return nil, err
		}
		return newUDPPacketConn(conn, staticAddr(raddr)), nil

	case ModeMulticast:
		gaddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, err
		}
		if !gaddr.IP.IsMulticast() {
			return nil, fmt.Errorf("%v: not a multicast address", gaddr.IP)
		}
		conn, err := net.ListenMulticastUDP("udp", nil, gaddr)
		if err != nil {
			return nil, err
		}
		return newUDPPacketConn(conn, staticAddr(nil)), nil

	case ModeBroadcast:
		baddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, err
		}
		conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", baddr.Port))
		if err != nil {
			return nil, err
		}
		return newUDPPacketConn(conn, staticAddr(nil)), nil
	}
	return nil, fmt.Errorf("unknown mode: %v", mode)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// enableBroadcast sets SO_BROADCAST so the socket may send to
// broadcast addresses.
func enableBroadcast(conn net.PacketConn) error {
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		return fmt.Errorf("not a udp socket")
	}

	raw, err := udpConn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
