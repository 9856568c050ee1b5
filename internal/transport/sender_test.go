package transport

import (
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/zurustar/p2pregistrar/internal/parser"
)

type capturingConn struct {
	mu    sync.Mutex
	data  [][]byte
	addrs []net.Addr
}

func (c *capturingConn) SendMessage(data []byte, addr net.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, data)
	c.addrs = append(c.addrs, addr)
	return nil
}

func TestDestination(t *testing.T) {
	response := func(via string) *parser.SIPMessage {
		msg := parser.NewResponseMessage(parser.StatusOK, "OK")
		msg.AddHeader(parser.HeaderVia, via)
		msg.AddHeader(parser.HeaderVia, "SIP/2.0/UDP 172.16.0.1:5060;branch=z9hG4bKlower")
		return msg
	}
	request := func(uri string, routes ...string) *parser.SIPMessage {
		msg := parser.NewRequestMessage(parser.MethodINVITE, uri)
		for _, r := range routes {
			msg.AddHeader(parser.HeaderRoute, r)
		}
		return msg
	}

	tests := []struct {
		name      string
		msg       *parser.SIPMessage
		expected  string
		expectErr bool
	}{
		{"response to sent-by", response("SIP/2.0/UDP 192.168.1.1:5070;branch=z9hG4bK1"), "192.168.1.1:5070", false},
		{"response default port", response("SIP/2.0/UDP 192.168.1.1;branch=z9hG4bK1"), "192.168.1.1:5060", false},
		{"response honours received and rport", response("SIP/2.0/UDP 10.0.0.5:5060;branch=z9hG4bK1;received=203.0.113.7;rport=40000"), "203.0.113.7:40000", false},
		{"response ignores empty rport", response("SIP/2.0/UDP 10.0.0.5:5062;rport;branch=z9hG4bK1"), "10.0.0.5:5062", false},
		{"request to Request-URI", request("sip:bob@192.168.1.2:5080"), "192.168.1.2:5080", false},
		{"request to top Route", request("sip:bob@192.168.1.2:5080", "<sip:10.0.0.1:5090;lr>", "<sip:10.0.0.2;lr>"), "10.0.0.1:5090", false},
		{"response without Via", parser.NewResponseMessage(parser.StatusOK, "OK"), "", true},
		{"request with tel URI", request("tel:+4412345"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest, err := Destination(tt.msg)
			if tt.expectErr {
				if err == nil {
					t.Errorf("Expected error, got %s", dest)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if dest != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, dest)
			}
		})
	}
}

func TestSender_Send(t *testing.T) {
	conn := &capturingConn{}
	sender := NewSender(conn, parser.NewParser(), nil)

	msg := parser.NewRequestMessage(parser.MethodBYE, "sip:bob@127.0.0.1:5099")
	msg.AddHeader(parser.HeaderVia, "SIP/2.0/UDP 127.0.0.1:5060;branch=z9hG4bKs")
	msg.AddHeader(parser.HeaderCallID, "c1")

	if err := sender.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(conn.data) != 1 {
		t.Fatalf("Expected 1 datagram, got %d", len(conn.data))
	}
	if conn.addrs[0].String() != "127.0.0.1:5099" {
		t.Errorf("Unexpected destination %s", conn.addrs[0])
	}
	if !strings.HasPrefix(string(conn.data[0]), "BYE sip:bob@127.0.0.1:5099 SIP/2.0\r\n") {
		t.Errorf("Unexpected payload %q", conn.data[0])
	}

	if err := sender.Send(parser.NewResponseMessage(parser.StatusOK, "OK")); err == nil {
		t.Error("Expected error for response without Via")
	}
}
