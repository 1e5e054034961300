package endpoint

import (
	"net"
	"strconv"
)

// DefaultPort is the well-known discovery port used when a descriptor carries none.
const DefaultPort = 30303

// Endpoint is where a peer can be reached. It is a value type: two endpoints are the same if all fields match.
type Endpoint struct {
	Address string `cbor:"1,keyasint" json:"address" yaml:"address"` // Host name or IP literal, without brackets
	UDPPort uint16 `cbor:"2,keyasint" json:"udp" yaml:"udp"`         // Discovery (datagram) port
	TCPPort uint16 `cbor:"3,keyasint" json:"tcp" yaml:"tcp"`         // RPC (stream) port
}

func New(address string, udpPort, tcpPort uint16) Endpoint {
	return Endpoint{Address: address, UDPPort: udpPort, TCPPort: tcpPort}
}

func (e Endpoint) Equal(other Endpoint) bool {
	return e == other
}

// TCPAddr returns the dial string for the RPC port.
func (e Endpoint) TCPAddr() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(int(e.TCPPort)))
}

// UDPAddr returns the dial string for the discovery port.
func (e Endpoint) UDPAddr() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(int(e.UDPPort)))
}

func (e Endpoint) String() string {
	if e.UDPPort == e.TCPPort {
		return e.TCPAddr()
	}
	return e.TCPAddr() + "/udp:" + strconv.Itoa(int(e.UDPPort))
}

// Ptr returns a pointer to a copy of e. Handy where an optional endpoint is expected.
func (e Endpoint) Ptr() *Endpoint {
	return &e
}

// Equal compares two optional endpoints. Two unset endpoints are equal.
func Equal(a, b *Endpoint) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
