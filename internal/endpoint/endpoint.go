// Package endpoint models the broker's one piece of network awareness: the
// address a peer's session was observed from, rendered as a wire Path.
//
// The broker never dials peers directly — it only ever reports back
// addresses it has itself observed, which is why the connect paths inject
// this value rather than trusting whatever a caller claims its own address
// is.
package endpoint

import (
	"net"
	"strconv"
)

// Category mirrors the wire Path.category enum.
type Category int

const (
	Local Category = iota
	Internet
	BrokerOrigin
)

func (c Category) String() string {
	switch c {
	case Local:
		return "local"
	case Internet:
		return "internet"
	case BrokerOrigin:
		return "broker-origin"
	default:
		return "unknown"
	}
}

// Path is a single network path a peer might be reached at.
type Path struct {
	Category Category
	IPAddr   string
}

// Endpoint is the broker's observation of where a connected peer's session
// is coming from: an IP plus the port it was seen on.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

// AsPath renders this Endpoint as a wire Path under the given category.
func (e Endpoint) AsPath(cat Category) Path {
	return Path{Category: cat, IPAddr: e.String()}
}
