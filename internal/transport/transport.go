// Package transport implements the datagram socket transport of spec §6.1:
// every server binds a name of the form "{scheme}:///{server-name}" so
// peers can address it. The scheme is always "unixgram" in this
// implementation (a real kernel would bind an abstract or device-backed
// namespace; a Unix-domain datagram socket is the closest portable analog,
// the same kind of address a control-plane service reaches for when dialing
// "unix://" rather than a TCP endpoint.
package transport

import (
	"net"
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// MaxDatagram bounds a single message (envelope + payload). 64 KiB comfortably
// covers the largest READ/WRITE response this I/O plane produces.
const MaxDatagram = 64 * 1024

// Addr parses a "{scheme}:///{path}" server name into the filesystem path
// backing the Unix datagram socket.
func Addr(name string) (string, error) {
	const prefix = "unixgram://"
	if !strings.HasPrefix(name, prefix) {
		return "", xerrors.Errorf("transport: address %q missing %q scheme", name, prefix)
	}
	path := strings.TrimPrefix(name, prefix)
	if path == "" {
		return "", xerrors.Errorf("transport: address %q has empty path", name)
	}
	return path, nil
}

// Endpoint is a bound datagram socket playing the role of one server in the
// I/O plane (spec §5: single-threaded cooperative loop, the only
// suspension point being a blocking receive on this socket).
type Endpoint struct {
	name string
	conn *net.UnixConn
}

// Bind creates (or replaces) the named socket and starts listening on it.
func Bind(name string) (*Endpoint, error) {
	path, err := Addr(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(parentDir(path), 0755); err != nil {
		return nil, xerrors.Errorf("transport: creating socket directory: %w", err)
	}
	os.Remove(path) // stale socket from a prior run; ignore ENOENT
	laddr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", laddr)
	if err != nil {
		return nil, xerrors.Errorf("transport: binding %q: %w", name, err)
	}
	return &Endpoint{name: name, conn: conn}, nil
}

func parentDir(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "."
	}
	return path[:i]
}

// Close releases the socket and removes its backing file.
func (e *Endpoint) Close() error {
	path, _ := Addr(e.name)
	err := e.conn.Close()
	if path != "" {
		os.Remove(path)
	}
	return err
}

// Receive blocks until a datagram arrives, returning its payload and the
// address of the sender (useful for replying). Per spec §5, this is the
// server loop's only blocking suspension point.
func (e *Endpoint) Receive() (payload []byte, from *net.UnixAddr, err error) {
	buf := make([]byte, MaxDatagram)
	n, addr, err := e.conn.ReadFromUnix(buf)
	if err != nil {
		return nil, nil, xerrors.Errorf("transport: receive on %s: %w", e.name, err)
	}
	return buf[:n], addr, nil
}

// Reply sends payload back to the peer that sent a prior Receive, addressed
// by the UnixAddr that Receive returned (the dgram equivalent of "respond on
// the same logical path", spec §4.1).
func (e *Endpoint) Reply(payload []byte, to *net.UnixAddr) error {
	_, err := e.conn.WriteToUnix(payload, to)
	if err != nil {
		return xerrors.Errorf("transport: reply on %s: %w", e.name, err)
	}
	return nil
}

// Client is a lightweight sender bound to no particular name of its own,
// used by servers that only originate requests toward one fixed peer (e.g.
// a filesystem server talking to SDEV, or a driver talking to SDEV).
type Client struct {
	conn *net.UnixConn
	peer string
}

// Dial connects to a named server for request/response exchange.
func Dial(name string) (*Client, error) {
	path, err := Addr(name)
	if err != nil {
		return nil, err
	}
	raddr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, raddr)
	if err != nil {
		return nil, xerrors.Errorf("transport: dialing %q: %w", name, err)
	}
	return &Client{conn: conn, peer: name}, nil
}

// Send writes payload to the dialed peer.
func (c *Client) Send(payload []byte) error {
	if _, err := c.conn.Write(payload); err != nil {
		return xerrors.Errorf("transport: send to %s: %w", c.peer, err)
	}
	return nil
}

// Receive blocks for one reply from the dialed peer.
func (c *Client) Receive() ([]byte, error) {
	buf := make([]byte, MaxDatagram)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, xerrors.Errorf("transport: receive from %s: %w", c.peer, err)
	}
	return buf[:n], nil
}

// Close releases the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
