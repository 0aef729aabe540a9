package dw4core

import "time"

// TimeProvider returns the broken-down local time consumed by the TIME
// opcode (§4.A). A failing provider is never fatal to the dispatcher: it
// substitutes the epoch-origin tuple (1900-01-01 00:00:00).
type TimeProvider interface {
	Now() (year, month, day, hour, minute, second int, err error)
}

// epochOrigin is the fallback tuple substituted whenever a TimeProvider
// fails; year 0 encodes 1900-01-01 00:00:00 once the TIME reply subtracts
// 1900 and clamps to [0,255].
func epochOrigin() (int, int, int, int, int, int) {
	return 1900, 1, 1, 0, 0, 0
}

// SystemTimeProvider reads the host's wall clock and applies a fixed
// timezone offset, mirroring §6's timezone_offset config field (the core
// has no NTP client of its own; NTP bring-up is an external collaborator
// per spec.md §1).
type SystemTimeProvider struct {
	OffsetHours int
}

// NewSystemTimeProvider builds a provider applying offsetHours to UTC.
func NewSystemTimeProvider(offsetHours int) *SystemTimeProvider {
	return &SystemTimeProvider{OffsetHours: offsetHours}
}

func (p *SystemTimeProvider) Now() (int, int, int, int, int, int, error) {
	t := time.Now().UTC().Add(time.Duration(p.OffsetHours) * time.Hour)
	return t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(), nil
}

// timeOrFallback calls p.Now and substitutes the epoch origin on error,
// so the TIME opcode (§4.G) never fails.
func timeOrFallback(p TimeProvider) (year, month, day, hour, minute, second int) {
	if p == nil {
		return epochOrigin()
	}
	y, mo, d, h, mi, s, err := p.Now()
	if err != nil {
		return epochOrigin()
	}
	return y, mo, d, h, mi, s
}
