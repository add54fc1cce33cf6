//go:build !linux && !darwin && !freebsd

package probe

import (
	"errors"
	"net/netip"
	"time"

	"github.com/tkjaer/mtrng/internal/codec"
)

type rawConn struct{}

func listen(codec.Family) (*rawConn, error) {
	return nil, errors.New("raw ICMP sockets are not supported on this platform")
}

func (*rawConn) SetTTL(int) error { return errors.ErrUnsupported }

func (*rawConn) WriteTo([]byte, netip.Addr) error { return errors.ErrUnsupported }

func (*rawConn) ReadFrom([]byte) (int, netip.Addr, error) { return 0, netip.Addr{}, ErrWouldBlock }

func (*rawConn) Wait(time.Duration) error { return nil }

func (*rawConn) Close() error { return nil }

func pollConns([]Conn, time.Duration) (bool, error) { return false, nil }
