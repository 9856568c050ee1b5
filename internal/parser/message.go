package parser

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// SIP Methods
const (
	MethodINVITE    = "INVITE"
	MethodACK       = "ACK"
	MethodBYE       = "BYE"
	MethodCANCEL    = "CANCEL"
	MethodREGISTER  = "REGISTER"
	MethodOPTIONS   = "OPTIONS"
	MethodINFO      = "INFO"
	MethodPRACK     = "PRACK"
	MethodUPDATE    = "UPDATE"
	MethodSUBSCRIBE = "SUBSCRIBE"
	MethodNOTIFY    = "NOTIFY"
	MethodREFER     = "REFER"
	MethodMESSAGE   = "MESSAGE"
)

// SIP Response Codes used by the registrar and proxy
const (
	StatusTrying                      = 100
	StatusRinging                     = 180
	StatusSessionProgress             = 183
	StatusOK                          = 200
	StatusBadRequest                  = 400
	StatusForbidden                   = 403
	StatusNotFound                    = 404
	StatusMethodNotAllowed            = 405
	StatusRequestTimeout              = 408
	StatusTemporarilyUnavailable      = 480
	StatusCallTransactionDoesNotExist = 481
	StatusLoopDetected                = 482
	StatusTooManyHops                 = 483
	StatusBusyHere                    = 486
	StatusRequestTerminated           = 487
	StatusNotAcceptableHere           = 488
	StatusServerInternalError         = 500
	StatusNotImplemented              = 501
	StatusBadGateway                  = 502
	StatusServiceUnavailable          = 503
	StatusServerTimeout               = 504
	StatusDecline                     = 603
)

// SIP Version
const SIPVersion = "SIP/2.0"

// Common SIP Headers
const (
	HeaderVia           = "Via"
	HeaderFrom          = "From"
	HeaderTo            = "To"
	HeaderCallID        = "Call-ID"
	HeaderCSeq          = "CSeq"
	HeaderMaxForwards   = "Max-Forwards"
	HeaderContact       = "Contact"
	HeaderExpires       = "Expires"
	HeaderRoute         = "Route"
	HeaderRecordRoute   = "Record-Route"
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderUserAgent     = "User-Agent"
	HeaderServer        = "Server"
	HeaderAllow         = "Allow"
	HeaderSupported     = "Supported"
	HeaderRequire       = "Require"
	HeaderSubject       = "Subject"
)

var reasonPhrases = map[int]string{
	StatusTrying:                      "Trying",
	StatusRinging:                     "Ringing",
	StatusSessionProgress:             "Session Progress",
	StatusOK:                          "OK",
	StatusBadRequest:                  "Bad Request",
	StatusForbidden:                   "Forbidden",
	StatusNotFound:                    "Not Found",
	StatusMethodNotAllowed:            "Method Not Allowed",
	StatusRequestTimeout:              "Request Timeout",
	StatusTemporarilyUnavailable:      "Temporarily Unavailable",
	StatusCallTransactionDoesNotExist: "Call/Transaction Does Not Exist",
	StatusLoopDetected:                "Loop Detected",
	StatusTooManyHops:                 "Too Many Hops",
	StatusBusyHere:                    "Busy Here",
	StatusRequestTerminated:           "Request Terminated",
	StatusNotAcceptableHere:           "Not Acceptable Here",
	StatusServerInternalError:         "Server Internal Error",
	StatusNotImplemented:              "Not Implemented",
	StatusBadGateway:                  "Bad Gateway",
	StatusServiceUnavailable:          "Service Unavailable",
	StatusServerTimeout:               "Server Time-out",
	StatusDecline:                     "Decline",
}

// SIPMessage represents a complete SIP message. Header values are kept in
// arrival order; multi-value headers hold one entry per comma-separated value.
type SIPMessage struct {
	StartLine StartLine
	Headers   map[string][]string
	Body      []byte
	Transport string
	Source    net.Addr

	mu sync.Mutex
}

// StartLine interface for request and status lines
type StartLine interface {
	String() string
	IsRequest() bool
}

// RequestLine represents a SIP request line
type RequestLine struct {
	Method     string
	RequestURI string
	Version    string
}

func (r *RequestLine) String() string {
	return r.Method + " " + r.RequestURI + " " + r.Version
}

func (r *RequestLine) IsRequest() bool {
	return true
}

// StatusLine represents a SIP status line
type StatusLine struct {
	Version      string
	StatusCode   int
	ReasonPhrase string
}

func (s *StatusLine) String() string {
	return s.Version + " " + strconv.Itoa(s.StatusCode) + " " + s.ReasonPhrase
}

func (s *StatusLine) IsRequest() bool {
	return false
}

// NewSIPMessage creates a new SIP message
func NewSIPMessage() *SIPMessage {
	return &SIPMessage{
		Headers: make(map[string][]string),
	}
}

// NewRequestMessage creates a new SIP request message
func NewRequestMessage(method, requestURI string) *SIPMessage {
	msg := NewSIPMessage()
	msg.StartLine = &RequestLine{
		Method:     method,
		RequestURI: requestURI,
		Version:    SIPVersion,
	}
	return msg
}

// NewResponseMessage creates a new SIP response message
func NewResponseMessage(statusCode int, reasonPhrase string) *SIPMessage {
	msg := NewSIPMessage()
	msg.StartLine = &StatusLine{
		Version:      SIPVersion,
		StatusCode:   statusCode,
		ReasonPhrase: reasonPhrase,
	}
	return msg
}

// Lock acquires the per-message header lock. Header rewriting that may race
// with a concurrent cancellation holds it.
func (m *SIPMessage) Lock() { m.mu.Lock() }

// Unlock releases the per-message header lock.
func (m *SIPMessage) Unlock() { m.mu.Unlock() }

// AddHeader appends a header value
func (m *SIPMessage) AddHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string][]string)
	}
	m.Headers[name] = append(m.Headers[name], value)
}

// PrependHeader inserts a header value in front of the existing values
func (m *SIPMessage) PrependHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string][]string)
	}
	values := make([]string, 0, len(m.Headers[name])+1)
	values = append(values, value)
	m.Headers[name] = append(values, m.Headers[name]...)
}

// RemoveFirstHeader drops the topmost value of a header and reports whether
// one was removed. The header disappears once its last value is gone.
func (m *SIPMessage) RemoveFirstHeader(name string) bool {
	values := m.Headers[name]
	if len(values) == 0 {
		return false
	}
	if len(values) == 1 {
		delete(m.Headers, name)
		return true
	}
	m.Headers[name] = append([]string(nil), values[1:]...)
	return true
}

// SetHeader sets a header value, replacing any existing values
func (m *SIPMessage) SetHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string][]string)
	}
	m.Headers[name] = []string{value}
}

// GetHeader returns the first value of a header
func (m *SIPMessage) GetHeader(name string) string {
	if values, exists := m.Headers[name]; exists && len(values) > 0 {
		return values[0]
	}
	return ""
}

// GetHeaders returns all values of a header
func (m *SIPMessage) GetHeaders(name string) []string {
	if values, exists := m.Headers[name]; exists {
		return values
	}
	return nil
}

// HasHeader checks if a header exists
func (m *SIPMessage) HasHeader(name string) bool {
	_, exists := m.Headers[name]
	return exists
}

// RemoveHeader removes a header from the message
func (m *SIPMessage) RemoveHeader(name string) {
	delete(m.Headers, name)
}

// IsRequest returns true if the message is a request
func (m *SIPMessage) IsRequest() bool {
	return m.StartLine != nil && m.StartLine.IsRequest()
}

// IsResponse returns true if the message is a response
func (m *SIPMessage) IsResponse() bool {
	return m.StartLine != nil && !m.StartLine.IsRequest()
}

// GetMethod returns the method for request messages
func (m *SIPMessage) GetMethod() string {
	if req, ok := m.StartLine.(*RequestLine); ok {
		return req.Method
	}
	return ""
}

// GetStatusCode returns the status code for response messages
func (m *SIPMessage) GetStatusCode() int {
	if resp, ok := m.StartLine.(*StatusLine); ok {
		return resp.StatusCode
	}
	return 0
}

// GetReasonPhrase returns the reason phrase for response messages
func (m *SIPMessage) GetReasonPhrase() string {
	if resp, ok := m.StartLine.(*StatusLine); ok {
		return resp.ReasonPhrase
	}
	return ""
}

// GetRequestURI returns the request URI for request messages
func (m *SIPMessage) GetRequestURI() string {
	if req, ok := m.StartLine.(*RequestLine); ok {
		return req.RequestURI
	}
	return ""
}

// CallID returns the Call-ID header value
func (m *SIPMessage) CallID() string {
	return m.GetHeader(HeaderCallID)
}

// FromAddress returns the URI of the From header without display name or parameters
func (m *SIPMessage) FromAddress() string {
	return AddressOf(m.GetHeader(HeaderFrom))
}

// ToAddress returns the URI of the To header without display name or parameters
func (m *SIPMessage) ToAddress() string {
	return AddressOf(m.GetHeader(HeaderTo))
}

// ToTag returns the tag parameter of the To header, empty outside a dialog
func (m *SIPMessage) ToTag() string {
	return Tag(m.GetHeader(HeaderTo))
}

// CSeqMethod returns the method part of the CSeq header
func (m *SIPMessage) CSeqMethod() string {
	parts := strings.Fields(m.GetHeader(HeaderCSeq))
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// FirstLine is the start line as written on the wire, used as log context
func (m *SIPMessage) FirstLine() string {
	if m.StartLine == nil {
		return ""
	}
	return m.StartLine.String()
}

// Clone creates a deep copy of the SIP message
func (m *SIPMessage) Clone() *SIPMessage {
	clone := &SIPMessage{
		Headers:   make(map[string][]string, len(m.Headers)),
		Body:      make([]byte, len(m.Body)),
		Transport: m.Transport,
		Source:    m.Source,
	}
	copy(clone.Body, m.Body)

	for name, values := range m.Headers {
		clone.Headers[name] = append([]string(nil), values...)
	}

	switch line := m.StartLine.(type) {
	case *RequestLine:
		l := *line
		clone.StartLine = &l
	case *StatusLine:
		l := *line
		clone.StartLine = &l
	}

	return clone
}

// GetReasonPhraseForCode returns the standard reason phrase for a status code
func GetReasonPhraseForCode(code int) string {
	if phrase, ok := reasonPhrases[code]; ok {
		return phrase
	}
	return fmt.Sprintf("Unknown Status Code %d", code)
}

// IsValidMethod checks if a method is valid
func IsValidMethod(method string) bool {
	switch method {
	case MethodINVITE, MethodACK, MethodBYE, MethodCANCEL, MethodREGISTER,
		MethodOPTIONS, MethodINFO, MethodPRACK, MethodUPDATE, MethodSUBSCRIBE,
		MethodNOTIFY, MethodREFER, MethodMESSAGE:
		return true
	default:
		return false
	}
}

// IsValidStatusCode checks if a status code is valid
func IsValidStatusCode(code int) bool {
	return code >= 100 && code <= 699
}

// NewResponse builds a response to req carrying the headers a response must
// echo: every Via in order, From, To, Call-ID and CSeq. An empty reason uses
// the standard phrase for the code.
func NewResponse(req *SIPMessage, statusCode int, reason string) *SIPMessage {
	if reason == "" {
		reason = GetReasonPhraseForCode(statusCode)
	}
	resp := NewResponseMessage(statusCode, reason)
	for _, header := range []string{HeaderVia, HeaderFrom, HeaderTo, HeaderCallID, HeaderCSeq} {
		if values := req.GetHeaders(header); len(values) > 0 {
			resp.Headers[header] = append([]string(nil), values...)
		}
	}
	resp.SetHeader(HeaderContentLength, "0")
	resp.Transport = req.Transport
	resp.Source = req.Source
	return resp
}
