// Package machine derives a stable hardware address for the tracker from a
// per-host machine id, so that the tracking server recognises the same
// device across restarts.
package machine

import (
	"encoding/binary"
	"fmt"
	"net"
)

var hashKey = [16]byte{0xd3, 0x1e, 0x48, 0xfa, 0x90, 0xfe, 0x4b, 0x4c, 0x9d, 0xaf, 0xd5, 0xd7, 0xa1, 0xb1, 0x2e, 0x8a}

func notSipHash24(key []byte, seed [16]byte) uint64 {
	v0 := binary.LittleEndian.Uint64(seed[0:8])
	v1 := binary.LittleEndian.Uint64(seed[8:16])
	v2 := v0 ^ 0x736f6d6570736575
	v3 := v1 ^ 0x646f72616e646f6d

	round := func() {
		v0 += v1
		v2 += v3
		v1 = (v1 << 13) | (v1 >> (64 - 13))
		v3 = (v3 << 15) | (v3 >> (64 - 15))
		v0 ^= v3
		v2 ^= v1
		v1 += v2
		v3 += v0
		v2 = (v2 << 5) | (v2 >> (64 - 5))
		v0 = (v0 << 10) | (v0 >> (64 - 10))
		v3 ^= v1
		v2 ^= v0
	}
	for _, k := range key {
		v3 ^= uint64(k)
		round()
	}
	round()

	return v0 ^ v1 ^ v2 ^ v3
}

// DeriveHardwareAddr hashes machineID and nodeID into a unicast, locally
// administered 6-byte address.
func DeriveHardwareAddr(machineID []byte, nodeID string) net.HardwareAddr {
	data := append(append([]byte(nil), machineID...), nodeID...)
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], notSipHash24(data, hashKey))

	mac := net.HardwareAddr(sum[:6])
	mac[0] |= 0x02 // locally administered
	mac[0] &= 0xfe // unicast
	return mac
}

// HardwareAddr derives the address for nodeID on this host.
func HardwareAddr(nodeID string) (net.HardwareAddr, error) {
	id, err := GetMachineID()
	if err != nil {
		return nil, fmt.Errorf("error generating hardware address: %w", err)
	}
	return DeriveHardwareAddr(id, nodeID), nil
}
