package services

import "streamperf/internal/core/domain"

const megabyte = 1 << 20

// PressureThresholds classify heap usage by ratio to the heap limit and by
// absolute size. The worse of the two classifications wins.
type PressureThresholds struct {
	RatioMedium   float64
	RatioHigh     float64
	RatioCritical float64
	AbsMedium     uint64 // bytes
	AbsHigh       uint64 // bytes
}

func DefaultPressureThresholds() PressureThresholds {
	return PressureThresholds{
		RatioMedium:   0.5,
		RatioHigh:     0.75,
		RatioCritical: 0.9,
		AbsMedium:     100 * megabyte,
		AbsHigh:       200 * megabyte,
	}
}

// ClassifyPressure maps a heap reading to a pressure level
func ClassifyPressure(t PressureThresholds, s domain.MemoryStats) domain.MemoryPressure {
	byRatio := domain.PressureLow
	if s.HeapLimit > 0 {
		ratio := float64(s.HeapUsed) / float64(s.HeapLimit)
		switch {
		case ratio >= t.RatioCritical:
			byRatio = domain.PressureCritical
		case ratio >= t.RatioHigh:
			byRatio = domain.PressureHigh
		case ratio >= t.RatioMedium:
			byRatio = domain.PressureMedium
		}
	}

	byAbs := domain.PressureLow
	switch {
	case t.AbsHigh > 0 && s.HeapUsed >= t.AbsHigh:
		byAbs = domain.PressureHigh
	case t.AbsMedium > 0 && s.HeapUsed >= t.AbsMedium:
		byAbs = domain.PressureMedium
	}

	if byAbs.Rank() > byRatio.Rank() {
		return byAbs
	}
	return byRatio
}
