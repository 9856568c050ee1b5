package parser

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is the SIP port assumed when a URI or Via omits one
const DefaultPort = 5060

// AddressOf strips the display name, angle brackets and header parameters
// from a name-addr or addr-spec, returning the bare URI.
//
//	"Alice" <sip:alice@p2p.org;transport=udp>;tag=88 -> sip:alice@p2p.org;transport=udp
//	sip:bob@p2p.org;tag=1                          -> sip:bob@p2p.org
func AddressOf(value string) string {
	value = strings.TrimSpace(value)
	if start := strings.Index(value, "<"); start >= 0 {
		end := strings.Index(value[start:], ">")
		if end < 0 {
			return strings.TrimSpace(value[start+1:])
		}
		return value[start+1 : start+end]
	}
	if idx := strings.Index(value, ";"); idx >= 0 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

// Tag returns the tag parameter of a From or To header value
func Tag(value string) string {
	return headerParam(value, "tag")
}

// headerParam looks a parameter up outside the angle-bracketed URI
func headerParam(value, name string) string {
	if idx := strings.LastIndex(value, ">"); idx >= 0 {
		value = value[idx+1:]
	} else if idx := strings.Index(value, ";"); idx >= 0 {
		value = value[idx:]
	} else {
		return ""
	}
	for _, param := range strings.Split(value, ";") {
		key, val, _ := strings.Cut(strings.TrimSpace(param), "=")
		if strings.EqualFold(key, name) {
			return val
		}
	}
	return ""
}

// URIHostPort extracts host and port from a sip or sips URI. A missing port
// yields DefaultPort.
func URIHostPort(uri string) (string, int, error) {
	uri = AddressOf(uri)
	switch {
	case strings.HasPrefix(uri, "sip:"):
		uri = uri[4:]
	case strings.HasPrefix(uri, "sips:"):
		uri = uri[5:]
	default:
		return "", 0, fmt.Errorf("unsupported URI scheme: %s", uri)
	}

	if idx := strings.Index(uri, "@"); idx >= 0 {
		uri = uri[idx+1:]
	}
	if idx := strings.IndexAny(uri, ";?"); idx >= 0 {
		uri = uri[:idx]
	}
	return splitHostPort(uri)
}

func splitHostPort(hostport string) (string, int, error) {
	if hostport == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	host, portStr, found := strings.Cut(hostport, ":")
	if !found {
		return host, DefaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port number: %s", portStr)
	}
	return host, port, nil
}

// Via is a parsed Via header value
type Via struct {
	Transport string
	Host      string
	Port      int
	Params    []string
}

// ParseVia parses a single Via header value such as
// "SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK776;rport".
func ParseVia(value string) (*Via, error) {
	parts := strings.Fields(value)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid Via header format: %s", value)
	}
	protocol := strings.Split(parts[0], "/")
	if len(protocol) != 3 {
		return nil, fmt.Errorf("invalid protocol part in Via header: %s", parts[0])
	}

	sentBy := strings.Join(parts[1:], "")
	var params []string
	if idx := strings.Index(sentBy, ";"); idx >= 0 {
		for _, p := range strings.Split(sentBy[idx+1:], ";") {
			if p = strings.TrimSpace(p); p != "" {
				params = append(params, p)
			}
		}
		sentBy = sentBy[:idx]
	}

	host, port, err := splitHostPort(sentBy)
	if err != nil {
		return nil, fmt.Errorf("invalid Via sent-by %q: %w", sentBy, err)
	}

	return &Via{
		Transport: strings.ToUpper(protocol[2]),
		Host:      host,
		Port:      port,
		Params:    params,
	}, nil
}

// Param returns the value of a Via parameter and whether it is present
func (v *Via) Param(name string) (string, bool) {
	for _, p := range v.Params {
		key, val, _ := strings.Cut(p, "=")
		if strings.EqualFold(key, name) {
			return val, true
		}
	}
	return "", false
}

// Branch returns the branch parameter
func (v *Via) Branch() string {
	branch, _ := v.Param("branch")
	return branch
}

func (v *Via) String() string {
	var b strings.Builder
	b.WriteString(SIPVersion)
	b.WriteString("/")
	b.WriteString(v.Transport)
	b.WriteString(" ")
	b.WriteString(v.Host)
	b.WriteString(":")
	b.WriteString(strconv.Itoa(v.Port))
	for _, p := range v.Params {
		b.WriteString(";")
		b.WriteString(p)
	}
	return b.String()
}
