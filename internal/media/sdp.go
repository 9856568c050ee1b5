package media

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/zurustar/p2pregistrar/internal/logging"
	"github.com/zurustar/p2pregistrar/internal/overlay"
	"github.com/zurustar/p2pregistrar/internal/parser"
)

// ContentTypeSDP is the body type the SDP processor acts on
const ContentTypeSDP = "application/sdp"

// RelayTable stores the media relay bindings of a registration. BindMediaRelay
// reports false when aor is not registered here.
type RelayTable interface {
	BindMediaRelay(aor, media, address string) bool
}

// SDPProcessor validates and normalises SDP bodies and records, for the
// locally registered party, where each media stream is received.
type SDPProcessor struct {
	relays RelayTable
	logger logging.Logger
}

// NewSDPProcessor creates a processor recording bindings into relays
func NewSDPProcessor(relays RelayTable, logger logging.Logger) *SDPProcessor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &SDPProcessor{relays: relays, logger: logger}
}

// BeforeSendToOverlay rejects unparsable SDP so it never leaves this node
func (p *SDPProcessor) BeforeSendToOverlay(msg *parser.SIPMessage) error {
	return p.process(msg, true)
}

// AfterSentToOverlay logs where the session description went
func (p *SDPProcessor) AfterSentToOverlay(msg *parser.SIPMessage, pipe overlay.Pipe) {
	if !hasSDP(msg) {
		return
	}
	p.logger.Debug("SDP forwarded",
		logging.CallIDField(msg.CallID()),
		logging.StringField("peer", pipe.Descriptor().Peer))
}

// BeforeDeliverLocally normalises SDP arriving from the overlay
func (p *SDPProcessor) BeforeDeliverLocally(msg *parser.SIPMessage) error {
	return p.process(msg, false)
}

func (p *SDPProcessor) process(msg *parser.SIPMessage, outbound bool) error {
	msg.Lock()
	defer msg.Unlock()

	if !hasSDP(msg) {
		return nil
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(msg.Body); err != nil {
		return fmt.Errorf("invalid SDP body: %w", err)
	}

	if p.relays != nil {
		if aor := localParty(msg, outbound); aor != "" {
			for media, address := range Endpoints(desc) {
				p.relays.BindMediaRelay(aor, media, address)
			}
		}
	}

	body, err := desc.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode SDP: %w", err)
	}
	msg.Body = body
	msg.SetHeader(parser.HeaderContentLength, strconv.Itoa(len(body)))
	return nil
}

// localParty is the registered user a message belongs to on this node: the
// sender of outgoing requests and the recipient of incoming ones. Responses
// travel the other way.
func localParty(msg *parser.SIPMessage, outbound bool) string {
	if msg.IsRequest() == outbound {
		return msg.FromAddress()
	}
	return msg.ToAddress()
}

func hasSDP(msg *parser.SIPMessage) bool {
	if len(msg.Body) == 0 {
		return false
	}
	contentType, _, _ := strings.Cut(msg.GetHeader(parser.HeaderContentType), ";")
	return strings.EqualFold(strings.TrimSpace(contentType), ContentTypeSDP)
}

// Endpoints maps each media kind of desc to the address:port it is received
// on. Media-level connection lines override the session-level one; disabled
// streams (port 0) are skipped.
func Endpoints(desc *sdp.SessionDescription) map[string]string {
	endpoints := make(map[string]string)
	for _, md := range desc.MediaDescriptions {
		port := md.MediaName.Port.Value
		if port == 0 {
			continue
		}
		conn := md.ConnectionInformation
		if conn == nil {
			conn = desc.ConnectionInformation
		}
		if conn == nil || conn.Address == nil {
			continue
		}
		if _, seen := endpoints[md.MediaName.Media]; seen {
			continue
		}
		endpoints[md.MediaName.Media] = net.JoinHostPort(conn.Address.Address, strconv.Itoa(port))
	}
	return endpoints
}
