//go:build linux || darwin || freebsd

package connections

import (
	"net"

	"golang.org/x/sys/unix"
)

const maxSoMaxConn = 500

type Connection struct {
	fd         int
	localAddr  *unix.SockaddrInet4
	remoteAddr *unix.SockaddrInet4
}

func (c *Connection) Read(buf []byte) (int, error) {
	n, err := unix.Read(c.fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *Connection) Write(buf []byte) (int, error) {
	n, err := unix.Write(c.fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *Connection) Close() error {
	return unix.Close(c.fd)
}

func (c *Connection) RemoteAddr() net.Addr {
	return toTCPAddr(c.remoteAddr)
}

func (c *Connection) LocalAddr() net.Addr {
	return toTCPAddr(c.localAddr)
}

func (c *Connection) RawFd() int {
	return c.fd
}

type Listener struct {
	conn *Connection
}

func (l *Listener) Accept() (IConnection, error) {
	socket, sa, err := unix.Accept(l.conn.fd)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(socket)

	if err = unix.SetNonblock(socket, true); err != nil {
		_ = unix.Close(socket)
		return nil, err
	}

	remote, _ := sa.(*unix.SockaddrInet4)
	return &Connection{
		fd:         socket,
		localAddr:  l.conn.localAddr,
		remoteAddr: remote,
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return toTCPAddr(l.conn.localAddr)
}

func (l *Listener) RawFd() int {
	return l.conn.fd
}

func (l *Listener) Close() error {
	return unix.Close(l.conn.fd)
}

// Listen opens a non-blocking ipv4 tcp listener. Port 0 picks a free port,
// readable through Addr.
func Listen(addr [4]byte, port int) (IListener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)

	fail := func(err error) (IListener, error) {
		_ = unix.Close(fd)
		return nil, err
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail(err)
	}
	if err = unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: addr}); err != nil {
		return fail(err)
	}
	if err = unix.Listen(fd, maxSoMaxConn); err != nil {
		return fail(err)
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		return fail(err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail(err)
	}
	laddr, _ := sa.(*unix.SockaddrInet4)

	return &Listener{
		conn: &Connection{
			fd:        fd,
			localAddr: laddr,
		},
	}, nil
}

func toTCPAddr(sa *unix.SockaddrInet4) net.Addr {
	if sa == nil {
		return &net.TCPAddr{}
	}
	return &net.TCPAddr{
		IP:   net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]),
		Port: sa.Port,
	}
}
