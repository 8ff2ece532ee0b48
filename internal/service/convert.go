package service

import (
	"github.com/carrierlabs/shadowbroker/internal/endpoint"
	"github.com/carrierlabs/shadowbroker/internal/shadow"
	"github.com/carrierlabs/shadowbroker/internal/stats"
	"github.com/carrierlabs/shadowbroker/internal/wire"
)

func toWirePaths(paths []endpoint.Path) []wire.Path {
	out := make([]wire.Path, len(paths))
	for i, p := range paths {
		out[i] = wire.Path{Category: wire.PathCategory(p.Category), IPAddr: p.IPAddr}
	}
	return out
}

func fromWirePaths(paths []wire.Path) []endpoint.Path {
	out := make([]endpoint.Path, len(paths))
	for i, p := range paths {
		out[i] = endpoint.Path{Category: endpoint.Category(p.Category), IPAddr: p.IPAddr}
	}
	return out
}

func eventToWireChange(ev shadow.Event) *wire.SubscribeChange {
	return &wire.SubscribeChange{
		Kind:     wire.ChangeKind(ev.Kind),
		Identity: ev.Identity.Bytes(),
		XAddr:    ev.XAddr,
	}
}

// subscribeSender writes one event to a subscribe response stream.
func subscribeSender(stream BrokerSubscribeServer) func(shadow.Event) error {
	return func(ev shadow.Event) error {
		return stream.Send(eventToWireChange(ev))
	}
}

// publishSender writes one event to a publish response stream. publish's
// response stream only ever carries Supersede; any other event kind
// reaching a publisher's own sink would be a bug in internal/shadow, so it
// is dropped rather than sent malformed.
func publishSender(stream BrokerPublishServer) func(shadow.Event) error {
	return func(ev shadow.Event) error {
		if ev.Kind != shadow.EventSupersede {
			return nil
		}
		return stream.Send(&wire.PublishChange{})
	}
}

func statsDumpToWire(d stats.Dump) *wire.StatsDump {
	out := &wire.StatsDump{Epoch: d.Epoch, Routes: make(map[uint64]wire.RouteCounter, len(d.Routes))}
	for route, c := range d.Routes {
		out.Routes[route] = wire.RouteCounter{
			PacketsSent: c.PacketsSent,
			BytesSent:   c.BytesSent,
			PacketsRecv: c.PacketsRecv,
			BytesRecv:   c.BytesRecv,
		}
	}
	return out
}
