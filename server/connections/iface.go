package connections

import (
	"io"
	"net"
)

type IListener interface {
	// Accept never blocks; it returns EAGAIN when no connection is pending.
	Accept() (IConnection, error)
	Addr() net.Addr
	RawFd() int
	io.Closer
}

type IConnection interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	RawFd() int
}
