//go:build linux

// Package ipc mirrors telemetry samples to an external ML analyzer over a
// connected UNIX datagram socket. Delivery is strictly best effort: the
// socket is non-blocking, a slow or absent peer drops datagrams, and a
// broken peer can never stall or crash the detection pipeline.
package ipc

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jnesss/cpu-guardian/telemetry"
)

// Publisher wraps one connected SOCK_DGRAM descriptor. The zero value is
// unusable; call Dial.
type Publisher struct {
	fd       int
	path     string
	logSend  sync.Once
	sent     uint64
	droppedN uint64
}

// Dial creates a non-blocking UNIX datagram endpoint connected to path.
// Connecting up front lets Send omit the destination address; it also
// fails when nothing is bound at path, so an absent peer is reported here.
func Dial(path string) (*Publisher, error) {
	if path == "" {
		return nil, fmt.Errorf("ipc: empty socket path")
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("ipc: socket: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ipc: set nonblock: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ipc: connect %s: %w (ML engine not running yet?)", path, err)
	}

	log.Printf("[ipc] connected to ML engine at %s", path)
	return &Publisher{fd: fd, path: path}, nil
}

// Send serializes the sample into the fixed wire layout and issues one
// non-blocking datagram. Would-block and no-peer conditions drop silently;
// any other error class is logged once for the publisher's lifetime.
func (p *Publisher) Send(s *telemetry.Sample) bool {
	var buf [telemetry.WireSize]byte
	telemetry.EncodeWire(s, &buf)

	err := unix.Send(p.fd, buf[:], unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.ECONNREFUSED {
			p.droppedN++
			return false
		}
		p.logSend.Do(func() {
			log.Printf("[ipc] send failed: %v", err)
		})
		p.droppedN++
		return false
	}

	p.sent++
	return true
}

// Stats returns sent and dropped datagram counts.
func (p *Publisher) Stats() (sent, dropped uint64) {
	return p.sent, p.droppedN
}

// Close releases the descriptor. Safe on a nil publisher.
func (p *Publisher) Close() {
	if p == nil || p.fd < 0 {
		return
	}
	unix.Close(p.fd)
	p.fd = -1
}
