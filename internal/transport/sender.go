package transport

import (
	"fmt"
	"net"
	"strconv"

	"github.com/zurustar/p2pregistrar/internal/logging"
	"github.com/zurustar/p2pregistrar/internal/parser"
)

// Sender serializes messages and delivers them to the next local hop
type Sender struct {
	conn   PacketSender
	parser parser.MessageParser
	logger logging.Logger
}

// NewSender creates a sender writing through conn
func NewSender(conn PacketSender, p parser.MessageParser, logger logging.Logger) *Sender {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Sender{conn: conn, parser: p, logger: logger}
}

// Send serializes msg and writes it to the address picked by Destination
func (s *Sender) Send(msg *parser.SIPMessage) error {
	msg.Lock()
	data, err := s.parser.Serialize(msg)
	var dest string
	if err == nil {
		dest, err = Destination(msg)
	}
	msg.Unlock()
	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return fmt.Errorf("failed to resolve destination %s: %w", dest, err)
	}

	s.logger.Debug("Sending message",
		logging.FirstLineField(msg.FirstLine()),
		logging.AddressField("destination", addr.String()))
	return s.conn.SendMessage(data, addr)
}

// Destination returns host:port for msg. Responses follow the topmost Via,
// honouring received and rport. Requests go to the topmost Route when one is
// present and to the Request-URI otherwise.
func Destination(msg *parser.SIPMessage) (string, error) {
	if msg.IsResponse() {
		via, err := parser.ParseVia(msg.GetHeader(parser.HeaderVia))
		if err != nil {
			return "", fmt.Errorf("response without usable Via: %w", err)
		}
		host, port := via.Host, via.Port
		if received, ok := via.Param("received"); ok && received != "" {
			host = received
		}
		if rport, ok := via.Param("rport"); ok && rport != "" {
			if p, err := strconv.Atoi(rport); err == nil && p > 0 && p <= 65535 {
				port = p
			}
		}
		return net.JoinHostPort(host, strconv.Itoa(port)), nil
	}

	target := msg.GetRequestURI()
	if route := msg.GetHeader(parser.HeaderRoute); route != "" {
		target = route
	}
	host, port, err := parser.URIHostPort(target)
	if err != nil {
		return "", fmt.Errorf("request without usable target: %w", err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
