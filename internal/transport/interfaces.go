package transport

import (
	"net"
)

// MessageHandler defines the interface for handling incoming SIP messages
type MessageHandler interface {
	HandleMessage(data []byte, transport string, addr net.Addr) error
}

// PacketSender writes raw datagrams to a peer
type PacketSender interface {
	SendMessage(data []byte, addr net.Addr) error
}
