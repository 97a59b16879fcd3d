package engine

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

type counters struct {
	sent         atomic.Uint64
	received     atomic.Uint64
	dropped      atomic.Uint64
	encodeErrors atomic.Uint64
	sendErrors   atomic.Uint64
	handshakes   atomic.Uint64
	timeouts     atomic.Uint64
}

// Stats holds packet statistics since the engine was created.
type Stats struct {
	PacketsSent  uint64 `json:"packets_sent"`
	PacketsRecv  uint64 `json:"packets_recv"`
	Dropped      uint64 `json:"dropped"`
	EncodeErrors uint64 `json:"encode_errors"`
	SendErrors   uint64 `json:"send_errors"`
	Handshakes   uint64 `json:"handshakes"`
	Timeouts     uint64 `json:"timeouts"`
}

// Stats returns current packet statistics
func (e *Engine) Stats() Stats {
	return Stats{
		PacketsSent:  e.stats.sent.Load(),
		PacketsRecv:  e.stats.received.Load(),
		Dropped:      e.stats.dropped.Load(),
		EncodeErrors: e.stats.encodeErrors.Load(),
		SendErrors:   e.stats.sendErrors.Load(),
		Handshakes:   e.stats.handshakes.Load(),
		Timeouts:     e.stats.timeouts.Load(),
	}
}

func (s Stats) MarshalZerologObject(ev *zerolog.Event) {
	ev.Uint64("sent", s.PacketsSent).
		Uint64("recv", s.PacketsRecv).
		Uint64("dropped", s.Dropped).
		Uint64("encode_errors", s.EncodeErrors).
		Uint64("send_errors", s.SendErrors).
		Uint64("handshakes", s.Handshakes).
		Uint64("timeouts", s.Timeouts)
}
