package node

import (
	"sync"

	"slimetracker-go/pkg/sensor"
)

const (
	cellFull  = 4.2
	cellEmpty = 3.3
	// dischargeStep is the charge lost per report.
	dischargeStep = 0.002
)

// batteryModel is a placeholder single-cell LiPo that drains linearly and
// starts over when empty.
type batteryModel struct {
	mu    sync.Mutex
	level float32
}

func newBatteryModel() *batteryModel {
	return &batteryModel{level: 1}
}

func (b *batteryModel) next() (voltage, level float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	level = b.level
	b.level -= dischargeStep
	if b.level < 0 {
		b.level = 1
	}
	return cellEmpty + (cellFull-cellEmpty)*level, level
}

// rssi is a placeholder signal strength between -70 and -40 dBm.
func rssi(src sensor.Source) int8 {
	return int8(-70 + int(src.Float32()*30))
}
