// Package enode parses and renders node descriptors of the form
//
//	enode://<hex identity>@<host>[:<port>][?discport=<port>]
//
// The port after the host is the RPC (TCP) port and also the discovery (UDP) port unless
// discport overrides the latter. When the port is omitted both default to endpoint.DefaultPort.
// A descriptor without the "@<host>" part names an identity with no known location.
package enode

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"peerdisc/datamodel/endpoint"
	"peerdisc/nodeid"
)

const Scheme = "enode"

const queryDiscPort = "discport"

// FormatError is returned for every malformed descriptor.
type FormatError struct {
	Descriptor string
	Reason     string
	Err        error // Underlying cause, may be nil
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid node descriptor %q: %s: %v", e.Descriptor, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid node descriptor %q: %s", e.Descriptor, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatError(descriptor, reason string, err error) *FormatError {
	return &FormatError{Descriptor: descriptor, Reason: reason, Err: err}
}

// Parse splits a descriptor into the node identity and its endpoint. The endpoint is nil when
// the descriptor has no host. All failures are *FormatError.
func Parse(descriptor string) (nodeid.ID, *endpoint.Endpoint, error) {
	var id nodeid.ID

	// url.Parse lowercases the scheme, so check the raw prefix
	if !strings.HasPrefix(descriptor, Scheme+"://") {
		return id, nil, formatError(descriptor, fmt.Sprintf("scheme must be %q", Scheme), nil)
	}
	if strings.ContainsRune(descriptor, '#') {
		return id, nil, formatError(descriptor, "unexpected fragment", nil)
	}

	u, err := url.Parse(descriptor)
	if err != nil {
		return id, nil, formatError(descriptor, "malformed URL", err)
	}
	if u.Opaque != "" || u.Path != "" || u.RawPath != "" {
		return id, nil, formatError(descriptor, "unexpected path", nil)
	}

	// The identity is checked as written; url.Parse would have percent-decoded it
	authority := rawAuthority(descriptor)
	at := strings.LastIndexByte(authority, '@')

	// Bare identity: enode://<hex>
	if at < 0 {
		if authority == "" {
			return id, nil, formatError(descriptor, "missing node identity", nil)
		}
		id, err = nodeid.FromHex(authority)
		if err != nil {
			return id, nil, formatError(descriptor, "missing node identity", err)
		}
		return id, nil, nil
	}

	userinfo := authority[:at]
	if strings.ContainsRune(userinfo, ':') {
		return id, nil, formatError(descriptor, "unexpected password in identity", nil)
	}
	if userinfo == "" {
		return id, nil, formatError(descriptor, "missing node identity", nil)
	}
	id, err = nodeid.FromHex(userinfo)
	if err != nil {
		return id, nil, formatError(descriptor, "invalid node identity", err)
	}

	// No host means no location
	if u.Host == "" {
		return id, nil, nil
	}

	host := u.Hostname()
	if host == "" {
		return id, nil, formatError(descriptor, "invalid host", nil)
	}

	tcpPort := uint16(endpoint.DefaultPort)
	if strings.HasSuffix(u.Host, ":") {
		return id, nil, formatError(descriptor, "invalid port", errors.New("empty port"))
	}
	if p := u.Port(); p != "" {
		tcpPort, err = parsePort(p)
		if err != nil {
			return id, nil, formatError(descriptor, "invalid port", err)
		}
	}

	udpPort := tcpPort
	switch vals := u.Query()[queryDiscPort]; len(vals) {
	case 0:
	case 1:
		udpPort, err = parsePort(vals[0])
		if err != nil {
			return id, nil, formatError(descriptor, "invalid discport", err)
		}
	default:
		return id, nil, formatError(descriptor, "repeated discport", nil)
	}

	ep := endpoint.New(host, udpPort, tcpPort)
	return id, &ep, nil
}

// rawAuthority returns the authority of a descriptor known to start with the scheme, as written.
func rawAuthority(descriptor string) string {
	rest := descriptor[len(Scheme)+len("://"):]
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(p), nil
}

// MustParse is like Parse but panics on error. Meant for static tables and tests.
func MustParse(descriptor string) (nodeid.ID, *endpoint.Endpoint) {
	id, ep, err := Parse(descriptor)
	if err != nil {
		panic(err)
	}
	return id, ep
}

// Format renders the canonical descriptor for id and an optional endpoint.
// The port is always written; discport only when it differs from the TCP port.
func Format(id nodeid.ID, ep *endpoint.Endpoint) string {
	u := url.URL{Scheme: Scheme}
	if ep == nil {
		u.Host = id.String()
		return u.String()
	}
	u.User = url.User(id.String())
	u.Host = net.JoinHostPort(ep.Address, strconv.Itoa(int(ep.TCPPort)))
	if ep.UDPPort != ep.TCPPort {
		u.RawQuery = url.Values{queryDiscPort: []string{strconv.Itoa(int(ep.UDPPort))}}.Encode()
	}
	return u.String()
}
