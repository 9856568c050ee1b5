package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MessageParser defines the interface for parsing and serializing SIP messages
type MessageParser interface {
	Parse(data []byte) (*SIPMessage, error)
	Serialize(msg *SIPMessage) ([]byte, error)
	Validate(msg *SIPMessage) error
}

// Parser implements the MessageParser interface
type Parser struct{}

// NewParser creates a new SIP message parser
func NewParser() *Parser {
	return &Parser{}
}

// canonicalNames maps lower-cased long and compact header names to the form
// the rest of the code looks headers up by.
var canonicalNames = map[string]string{
	"via":            HeaderVia,
	"v":              HeaderVia,
	"from":           HeaderFrom,
	"f":              HeaderFrom,
	"to":             HeaderTo,
	"t":              HeaderTo,
	"call-id":        HeaderCallID,
	"i":              HeaderCallID,
	"cseq":           HeaderCSeq,
	"max-forwards":   HeaderMaxForwards,
	"contact":        HeaderContact,
	"m":              HeaderContact,
	"expires":        HeaderExpires,
	"route":          HeaderRoute,
	"record-route":   HeaderRecordRoute,
	"content-type":   HeaderContentType,
	"c":              HeaderContentType,
	"content-length": HeaderContentLength,
	"l":              HeaderContentLength,
	"user-agent":     HeaderUserAgent,
	"server":         HeaderServer,
	"allow":          HeaderAllow,
	"supported":      HeaderSupported,
	"k":              HeaderSupported,
	"require":        HeaderRequire,
	"subject":        HeaderSubject,
	"s":              HeaderSubject,
}

// headerOrder is the order Serialize writes well-known headers in
var headerOrder = []string{
	HeaderVia,
	HeaderRoute,
	HeaderRecordRoute,
	HeaderMaxForwards,
	HeaderTo,
	HeaderFrom,
	HeaderCallID,
	HeaderCSeq,
	HeaderContact,
	HeaderExpires,
	HeaderAllow,
	HeaderSupported,
	HeaderRequire,
	HeaderUserAgent,
	HeaderServer,
	HeaderSubject,
	HeaderContentType,
}

// Parse parses a SIP message from raw bytes
func (p *Parser) Parse(data []byte) (*SIPMessage, error) {
	if len(data) == 0 {
		return nil, errors.New("empty message data")
	}

	reader := bufio.NewReader(bytes.NewReader(data))

	startLine, err := p.parseStartLine(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start line: %w", err)
	}

	headers, err := p.parseHeaders(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse headers: %w", err)
	}

	body, err := p.parseBody(reader, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to parse body: %w", err)
	}

	return &SIPMessage{
		StartLine: startLine,
		Headers:   headers,
		Body:      body,
	}, nil
}

// parseStartLine parses the first line of a SIP message
func (p *Parser) parseStartLine(reader *bufio.Reader) (StartLine, error) {
	line, err := p.readLine(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read start line: %w", err)
	}

	parts := strings.Fields(line)
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid start line format: %s", line)
	}

	// Response line: SIP/2.0 200 OK
	if strings.HasPrefix(parts[0], "SIP/") {
		statusCode, err := strconv.Atoi(parts[1])
		if err != nil || !IsValidStatusCode(statusCode) {
			return nil, fmt.Errorf("invalid status code: %s", parts[1])
		}
		return &StatusLine{
			Version:      parts[0],
			StatusCode:   statusCode,
			ReasonPhrase: strings.Join(parts[2:], " "),
		}, nil
	}

	// Request line: INVITE sip:user@example.com SIP/2.0
	method := parts[0]
	if !IsValidMethod(method) {
		return nil, fmt.Errorf("invalid method: %s", method)
	}
	if parts[2] != SIPVersion {
		return nil, fmt.Errorf("unsupported SIP version: %s", parts[2])
	}
	return &RequestLine{
		Method:     method,
		RequestURI: parts[1],
		Version:    parts[2],
	}, nil
}

// parseHeaders parses SIP headers up to the empty separator line
func (p *Parser) parseHeaders(reader *bufio.Reader) (map[string][]string, error) {
	headers := make(map[string][]string)
	var lastHeaderName string

	for {
		line, err := p.readLine(reader)
		if err != nil {
			if errors.Is(err, io.EOF) && line == "" {
				// header block not terminated, accept what we have
				return headers, nil
			}
			return nil, fmt.Errorf("failed to read header line: %w", err)
		}

		if line == "" {
			break
		}

		// Header folding: continuation lines start with space or tab
		if line[0] == ' ' || line[0] == '\t' {
			if lastHeaderName == "" {
				return nil, errors.New("header continuation without previous header")
			}
			lastIndex := len(headers[lastHeaderName]) - 1
			headers[lastHeaderName][lastIndex] += " " + strings.TrimSpace(line)
			continue
		}

		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("invalid header format: %s", line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			return nil, fmt.Errorf("empty header name: %s", line)
		}

		name = p.canonicalName(name)
		lastHeaderName = name

		if p.isMultiValueHeader(name) {
			headers[name] = append(headers[name], p.parseMultiValueHeader(value)...)
		} else {
			headers[name] = append(headers[name], value)
		}
	}

	return headers, nil
}

// parseBody reads exactly Content-Length bytes of body
func (p *Parser) parseBody(reader *bufio.Reader, headers map[string][]string) ([]byte, error) {
	values := headers[HeaderContentLength]
	if len(values) == 0 {
		rest, err := io.ReadAll(reader)
		if err != nil {
			return nil, err
		}
		if len(rest) == 0 {
			return nil, nil
		}
		return rest, nil
	}

	contentLength, err := strconv.Atoi(values[0])
	if err != nil {
		return nil, fmt.Errorf("invalid Content-Length: %s", values[0])
	}
	if contentLength < 0 {
		return nil, fmt.Errorf("negative Content-Length: %d", contentLength)
	}
	if contentLength == 0 {
		return nil, nil
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}

// readLine reads a line from the reader, handling CRLF line endings
func (p *Parser) readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if errors.Is(err, io.EOF) && line != "" {
		return line, nil
	}
	return line, err
}

func (p *Parser) canonicalName(name string) string {
	if canonical, ok := canonicalNames[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// isMultiValueHeader checks if a header can have multiple comma-separated values
func (p *Parser) isMultiValueHeader(name string) bool {
	switch name {
	case HeaderVia, HeaderContact, HeaderRoute, HeaderRecordRoute,
		HeaderAllow, HeaderSupported, HeaderRequire:
		return true
	default:
		return false
	}
}

// parseMultiValueHeader splits on commas outside quotes and angle brackets
func (p *Parser) parseMultiValueHeader(value string) []string {
	var values []string
	var current strings.Builder
	inQuotes := false
	inAngleBrackets := false

	flush := func() {
		if val := strings.TrimSpace(current.String()); val != "" {
			values = append(values, val)
		}
		current.Reset()
	}

	for _, char := range value {
		switch {
		case char == '"':
			inQuotes = !inQuotes
		case char == '<' && !inQuotes:
			inAngleBrackets = true
		case char == '>' && !inQuotes:
			inAngleBrackets = false
		case char == ',' && !inQuotes && !inAngleBrackets:
			flush()
			continue
		}
		current.WriteRune(char)
	}
	flush()

	return values
}

// Validate checks the headers every proxied message must carry
func (p *Parser) Validate(msg *SIPMessage) error {
	if msg == nil {
		return errors.New("message is nil")
	}
	if msg.StartLine == nil {
		return errors.New("start line is missing")
	}

	for _, header := range []string{HeaderVia, HeaderFrom, HeaderTo, HeaderCallID, HeaderCSeq} {
		if !msg.HasHeader(header) {
			return fmt.Errorf("required header missing: %s", header)
		}
	}

	cseqParts := strings.Fields(msg.GetHeader(HeaderCSeq))
	if len(cseqParts) != 2 {
		return fmt.Errorf("invalid CSeq format: %s", msg.GetHeader(HeaderCSeq))
	}
	if _, err := strconv.ParseUint(cseqParts[0], 10, 32); err != nil {
		return fmt.Errorf("invalid CSeq number: %s", cseqParts[0])
	}
	if msg.IsRequest() && cseqParts[1] != msg.GetMethod() {
		return fmt.Errorf("CSeq method (%s) does not match request method (%s)",
			cseqParts[1], msg.GetMethod())
	}

	return nil
}

// Serialize converts a SIP message back to wire format. Content-Length is
// always written last and always reflects the body actually carried.
func (p *Parser) Serialize(msg *SIPMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	if msg.StartLine == nil {
		return nil, errors.New("start line is missing")
	}

	var buffer bytes.Buffer
	buffer.WriteString(msg.StartLine.String())
	buffer.WriteString("\r\n")

	writeHeader := func(name string, values []string) {
		for _, value := range values {
			buffer.WriteString(name)
			buffer.WriteString(": ")
			buffer.WriteString(value)
			buffer.WriteString("\r\n")
		}
	}

	written := make(map[string]bool, len(msg.Headers))
	for _, name := range headerOrder {
		if values, exists := msg.Headers[name]; exists {
			writeHeader(name, values)
			written[name] = true
		}
	}
	for name, values := range msg.Headers {
		if !written[name] && name != HeaderContentLength {
			writeHeader(name, values)
		}
	}
	writeHeader(HeaderContentLength, []string{strconv.Itoa(len(msg.Body))})

	buffer.WriteString("\r\n")
	buffer.Write(msg.Body)

	return buffer.Bytes(), nil
}
