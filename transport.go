package vici

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"
)

// Transport is the byte-oriented, full-duplex, closable capability the
// multiplexer reads framed packets from and writes them to (spec section
// 4.2). Any io.ReadWriteCloser qualifies; net.Conn satisfies it directly.
type Transport interface {
	io.ReadWriteCloser
}

// DialUnix connects to a strongSwan vici Unix domain stream socket
// (typically /run/charon.vici; spec section 6.3) and returns a Client
// running over it.
func DialUnix(ctx context.Context, path string) (*Client, error) {
	return dialUnixWithOptions(ctx, path, nil, nil)
}

// DialTCP connects to addr over TCP (no TLS, no authentication; intended
// for tunnelled use per spec section 6.3) and returns a Client running
// over it.
func DialTCP(ctx context.Context, addr string) (*Client, error) {
	return dialTCPWithOptions(ctx, addr, nil, nil)
}

func dialUnixWithOptions(ctx context.Context, path string, log *logger, rec *recorder) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, ioErr(err)
	}
	return NewClientWithOptions(conn, log, rec), nil
}

func dialTCPWithOptions(ctx context.Context, addr string, log *logger, rec *recorder) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ioErr(err)
	}
	return NewClientWithOptions(conn, log, rec), nil
}

// DialUnixTimeout is a convenience wrapper around DialUnix for callers
// that prefer a plain timeout over a context.
func DialUnixTimeout(path string, timeout time.Duration) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return DialUnix(ctx, path)
}

// writePacket writes p to t as a complete, length-prefixed frame. The
// multiplexer is the only caller, and it never interleaves two calls to
// writePacket on the same Transport (spec section 4.2, 5).
func writePacket(t Transport, p *packet) error {
	buf, err := p.encode()
	if err != nil {
		return err
	}
	if _, err := t.Write(buf); err != nil {
		return ioErr(err)
	}
	return nil
}

// readPacket reads the next length-prefixed frame off t and decodes it.
func readPacket(t Transport) (*packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(t, lenBuf[:]); err != nil {
		return nil, ioErr(err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(t, body); err != nil {
			return nil, ioErr(err)
		}
	}

	return decodeBody(body)
}
