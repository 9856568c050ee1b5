package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zurustar/p2pregistrar/internal/logging"
)

// UDPTransport handles UDP transport for SIP messages
type UDPTransport struct {
	conn     *net.UDPConn
	handler  MessageHandler
	logger   logging.Logger
	running  bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewUDPTransport creates a new UDP transport handler
func NewUDPTransport(logger logging.Logger) *UDPTransport {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &UDPTransport{
		logger: logger,
	}
}

// Start starts the UDP listener on host:port. An empty host listens on all
// interfaces; port 0 picks a free port.
func (u *UDPTransport) Start(host string, port int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		return fmt.Errorf("UDP transport already running")
	}

	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP port %d: %w", port, err)
	}

	u.conn = conn
	u.running = true
	u.stopChan = make(chan struct{})

	u.wg.Add(1)
	go u.receiveMessages(conn, u.stopChan)

	u.logger.Info("UDP transport listening", logging.AddressField("local", conn.LocalAddr().String()))
	return nil
}

// Stop stops the UDP transport
func (u *UDPTransport) Stop() error {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return nil
	}

	u.running = false
	close(u.stopChan)

	var err error
	if u.conn != nil {
		err = u.conn.Close()
	}
	u.mu.Unlock()

	u.wg.Wait()
	return err
}

// SendMessage sends a raw SIP message over UDP
func (u *UDPTransport) SendMessage(data []byte, addr net.Addr) error {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if !u.running || u.conn == nil {
		return fmt.Errorf("UDP transport not running")
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("invalid address type for UDP transport: %T", addr)
	}

	if _, err := u.conn.WriteToUDP(data, udpAddr); err != nil {
		return fmt.Errorf("failed to send UDP message: %w", err)
	}
	return nil
}

// RegisterHandler registers a message handler for incoming messages
func (u *UDPTransport) RegisterHandler(handler MessageHandler) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = handler
}

// receiveMessages reads datagrams until the transport is stopped. Handlers
// are expected to return quickly; the dispatcher queues the real work.
func (u *UDPTransport) receiveMessages(conn *net.UDPConn, stop <-chan struct{}) {
	defer u.wg.Done()

	buffer := make([]byte, 65536) // Maximum UDP packet size

	for {
		select {
		case <-stop:
			return
		default:
		}

		// Set read timeout to allow periodic checking of stop signal
		_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			u.logger.Warn("UDP read failed", logging.ErrorField(err))
			continue
		}

		u.mu.RLock()
		handler := u.handler
		u.mu.RUnlock()

		if n == 0 || handler == nil {
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		if err := handler.HandleMessage(data, "UDP", addr); err != nil {
			u.logger.Warn("Failed to handle UDP message",
				logging.AddressField("remote", addr.String()),
				logging.ErrorField(err))
		}
	}
}

// IsRunning returns true if the UDP transport is running
func (u *UDPTransport) IsRunning() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.running
}

// LocalAddr returns the local address of the UDP connection
func (u *UDPTransport) LocalAddr() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn != nil {
		return u.conn.LocalAddr()
	}
	return nil
}
