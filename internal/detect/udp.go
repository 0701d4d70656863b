package detect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/posefusion/internal/monitoring"
)

// DefaultUDPReadBuffer is the socket receive buffer requested by UDPSource.
const DefaultUDPReadBuffer = 1 << 20

// UDPSource receives detection frames as UDP datagrams. A datagram may carry
// several newline-separated frames.
type UDPSource struct {
	Address string
	RcvBuf  int
	Stats   Stats

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewUDPSource returns a source listening on address (host:port).
func NewUDPSource(address string) *UDPSource {
	return &UDPSource{Address: address, RcvBuf: DefaultUDPReadBuffer}
}

// Listen binds the socket. Run calls it when needed; calling it first lets
// the caller learn the bound address.
func (s *UDPSource) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.LocalAddr(), nil
	}

	addr, err := net.ResolveUDPAddr("udp", s.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if s.RcvBuf > 0 {
		if err := conn.SetReadBuffer(s.RcvBuf); err != nil {
			monitoring.Logf("[UDP] warning: failed to set receive buffer to %d: %v", s.RcvBuf, err)
		}
	}
	s.conn = conn
	return conn.LocalAddr(), nil
}

// Run reads datagrams until ctx is cancelled.
func (s *UDPSource) Run(ctx context.Context, fn Handler) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	monitoring.Logf("[UDP] listening for detections on %s", addr)
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// A short deadline lets the loop notice cancellation.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("UDP read failed: %w", err)
		}
		decodeLines("UDP", buf[:n], &s.Stats, fn)
	}
}
