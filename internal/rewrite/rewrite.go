// Package rewrite adds and removes the routing headers this registrar owns.
// Every function takes the message lock for the duration of its change.
package rewrite

import (
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zurustar/p2pregistrar/internal/parser"
)

// BranchMagicCookie starts every RFC 3261 branch parameter
const BranchMagicCookie = "z9hG4bK"

// Rewriter knows the address this registrar is reached on
type Rewriter struct {
	host string
	port int
}

// New creates a rewriter for the local address host:port
func New(host string, port int) *Rewriter {
	return &Rewriter{host: host, port: port}
}

func (r *Rewriter) hostPort() string {
	return net.JoinHostPort(r.host, strconv.Itoa(r.port))
}

// Branch derives the branch token of our hop from the transaction msg
// belongs to: the Request-URI, our address and the incoming top Via branch.
// An INVITE, its CANCEL and the ACK of a non-2xx answer share the incoming
// branch and therefore get the same token. Without an RFC 3261 branch the
// Call-ID, CSeq number and From tag identify the transaction instead.
// The caller must hold the message lock.
func (r *Rewriter) Branch(msg *parser.SIPMessage) string {
	key := []string{msg.GetRequestURI(), r.hostPort()}

	incoming := ""
	if via, err := parser.ParseVia(msg.GetHeader(parser.HeaderVia)); err == nil {
		incoming = via.Branch()
	}
	if strings.HasPrefix(incoming, BranchMagicCookie) {
		key = append(key, incoming)
	} else {
		seq, _, _ := strings.Cut(strings.TrimSpace(msg.GetHeader(parser.HeaderCSeq)), " ")
		key = append(key, msg.CallID(), seq, parser.Tag(msg.GetHeader(parser.HeaderFrom)))
	}

	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.Join(key, "\n")))
	return BranchMagicCookie + strings.ReplaceAll(id.String(), "-", "")
}

// AddVia puts our own Via on top of msg
func (r *Rewriter) AddVia(msg *parser.SIPMessage) {
	msg.Lock()
	via := parser.SIPVersion + "/UDP " + r.hostPort() + ";branch=" + r.Branch(msg)
	msg.PrependHeader(parser.HeaderVia, via)
	msg.Unlock()
}

// AddRecordRoute puts a loose-routing Record-Route to us on top of msg
func (r *Rewriter) AddRecordRoute(msg *parser.SIPMessage) {
	msg.Lock()
	msg.PrependHeader(parser.HeaderRecordRoute, "<sip:"+r.hostPort()+";lr>")
	msg.Unlock()
}

// RemoveVia removes the topmost Via if, and only if, it is ours. Deeper Vias
// are never inspected.
func (r *Rewriter) RemoveVia(msg *parser.SIPMessage) bool {
	msg.Lock()
	defer msg.Unlock()

	via, err := parser.ParseVia(msg.GetHeader(parser.HeaderVia))
	if err != nil {
		return false
	}
	if !strings.EqualFold(via.Host, r.host) || via.Port != r.port {
		return false
	}
	return msg.RemoveFirstHeader(parser.HeaderVia)
}

// StripTopRoute removes the topmost Route, if any
func StripTopRoute(msg *parser.SIPMessage) bool {
	msg.Lock()
	defer msg.Unlock()
	return msg.RemoveFirstHeader(parser.HeaderRoute)
}

// PrependRoute puts a loose Route to uri in front of any existing route set
func PrependRoute(msg *parser.SIPMessage, uri string) {
	uri = parser.AddressOf(uri)
	if !hasParam(uri, "lr") {
		uri += ";lr"
	}
	route := "<" + uri + ">"
	msg.Lock()
	msg.PrependHeader(parser.HeaderRoute, route)
	msg.Unlock()
}

func hasParam(uri, name string) bool {
	params := strings.Split(uri, ";")
	for _, p := range params[1:] {
		key, _, _ := strings.Cut(p, "=")
		if strings.EqualFold(strings.TrimSpace(key), name) {
			return true
		}
	}
	return false
}
