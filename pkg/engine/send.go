package engine

import (
	"fmt"
	"net"

	"slimetracker-go/pkg/netbuf"
	"slimetracker-go/pkg/protocol"
	"slimetracker-go/pkg/protocol/spec"
)

type encodeFunc func(buf *netbuf.Buffer, counter uint64) error

// send encodes one packet stamped with the current counter and transmits it
// to addr, or to the bound peer when addr is nil. The counter advances only
// once the packet has been encoded; an overflow drops the packet without
// consuming a number.
func (e *Engine) send(pt spec.PacketType, addr *net.UDPAddr, encode encodeFunc) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if err := encode(e.buf, e.counter); err != nil {
		e.stats.encodeErrors.Add(1)
		e.log.Error().Err(err).Stringer("type", pt).Msg("Engine: cannot encode packet")
		return fmt.Errorf("engine: encode %s: %w", pt, err)
	}
	e.counter++
	return e.transmit(pt, addr, e.buf.Bytes())
}

// transmit hands payload to the transport. Callers hold sendMu.
func (e *Engine) transmit(pt spec.PacketType, addr *net.UDPAddr, payload []byte) error {
	var err error
	if addr != nil {
		err = e.transport.SendTo(payload, addr)
	} else {
		err = e.transport.Send(payload)
	}
	if err != nil {
		e.stats.sendErrors.Add(1)
		e.log.Warn().Err(err).Stringer("type", pt).Msg("Engine: send failed")
		return fmt.Errorf("engine: send %s: %w", pt, err)
	}
	e.stats.sent.Add(1)
	e.dump("tx", addr, payload)
	e.record(false, addr, payload)
	return nil
}

func (e *Engine) sendHandshake() error {
	return e.send(spec.TypeHandshake, nil, func(buf *netbuf.Buffer, counter uint64) error {
		return protocol.WriteHandshake(buf, counter, e.cfg.Device)
	})
}

func (e *Engine) sendHeartbeat() error {
	return e.send(spec.TypeHeartbeat, nil, protocol.WriteHeartbeat)
}

// echo sends the ping back byte for byte to whoever sent it. The bytes go
// out as received, so a ping larger than the encode buffer is still echoed;
// it consumes a counter value like any other outbound message.
func (e *Engine) echo(payload []byte, addr *net.UDPAddr) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	e.counter++
	return e.transmit(spec.TypePingPong, addr, payload)
}

func (e *Engine) sendSensorInfo(id uint8) error {
	return e.send(spec.TypeSensorInfo, nil, func(buf *netbuf.Buffer, counter uint64) error {
		return protocol.WriteSensorInfo(buf, counter, id, spec.SensorOK, e.cfg.Device.IMUType)
	})
}

func (e *Engine) sendAccel(id uint8, x, y, z float32) error {
	return e.send(spec.TypeAccel, nil, func(buf *netbuf.Buffer, counter uint64) error {
		return protocol.WriteAccel(buf, counter, id, x, y, z)
	})
}

// SendBattery reports the battery voltage and charge level in [0,1].
func (e *Engine) SendBattery(voltage, level float32) error {
	if !e.IsConnected() {
		return ErrNotConnected
	}
	return e.send(spec.TypeBatteryLevel, nil, func(buf *netbuf.Buffer, counter uint64) error {
		return protocol.WriteBatteryLevel(buf, counter, voltage, level)
	})
}

// SendSignalStrength reports the link RSSI in dBm.
func (e *Engine) SendSignalStrength(rssi int8) error {
	if !e.IsConnected() {
		return ErrNotConnected
	}
	return e.send(spec.TypeSignalStrength, nil, func(buf *netbuf.Buffer, counter uint64) error {
		return protocol.WriteSignalStrength(buf, counter, rssi)
	})
}
