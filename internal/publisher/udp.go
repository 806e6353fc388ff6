package publisher

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/walleye/internal/timeutil"
)

// errorLogInterval throttles repeated send failure logs.
const errorLogInterval = 5 * time.Second

// Conn is the part of *net.UDPConn the publisher writes to.
type Conn interface {
	Write(b []byte) (int, error)
	Close() error
}

// UDPStats counts datagrams sent and failed.
type UDPStats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
	Bytes  uint64 `json:"bytes"`
}

// UDPPublisher sends each datagram as one UDP packet to the robot.
type UDPPublisher struct {
	conn    Conn
	address string
	clock   timeutil.Clock

	mu         sync.Mutex
	tap        Tap
	stats      UDPStats
	unlogged   uint64
	lastErr    error
	lastLogged time.Time
}

// DialUDP connects to the robot at host:port.
func DialUDP(host string, port int, clock timeutil.Clock) (*UDPPublisher, error) {
	address := net.JoinHostPort(host, fmt.Sprint(port))
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve robot address %s: %w", address, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial robot %s: %w", address, err)
	}
	logf("publishing datagrams to %s", address)
	return NewUDPPublisher(conn, address, clock), nil
}

// NewUDPPublisher wraps an existing connection.
func NewUDPPublisher(conn Conn, address string, clock timeutil.Clock) *UDPPublisher {
	return &UDPPublisher{conn: conn, address: address, clock: clock}
}

// SetTap installs an observer for every sent payload. nil removes it.
func (p *UDPPublisher) SetTap(t Tap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tap = t
}

// Address returns the robot address.
func (p *UDPPublisher) Address() string { return p.address }

// LocalAddr returns the local end of the connection, or nil when the
// connection does not expose one.
func (p *UDPPublisher) LocalAddr() *net.UDPAddr {
	la, ok := p.conn.(interface{ LocalAddr() net.Addr })
	if !ok {
		return nil
	}
	addr, _ := la.LocalAddr().(*net.UDPAddr)
	return addr
}

// Stats returns a snapshot of the send counters.
func (p *UDPPublisher) Stats() UDPStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Publish sends d. An empty datagram is not sent.
func (p *UDPPublisher) Publish(ctx context.Context, d Datagram) error {
	if len(d) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("encode datagram: %w", err)
	}
	_, err = p.conn.Write(payload)
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.stats.Failed++
		p.unlogged++
		p.lastErr = err
		if now.Sub(p.lastLogged) >= errorLogInterval {
			logf("dropped %d datagrams to %s (latest: %v)", p.unlogged, p.address, p.lastErr)
			p.unlogged = 0
			p.lastLogged = now
		}
		return fmt.Errorf("send datagram: %w", err)
	}
	p.stats.Sent++
	p.stats.Bytes += uint64(len(payload))
	if p.tap != nil {
		if err := p.tap.Record(payload, now); err != nil {
			logf("datagram capture failed: %v", err)
		}
	}
	return nil
}

// Close closes the connection.
func (p *UDPPublisher) Close() error { return p.conn.Close() }
