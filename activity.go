package dw4core

// ActivityIndicator is a sink for I/O-activity pulses (§4.B). It is
// consulted on every sector read that touches a backing file, every
// write, and bracketing every flush. Implementations must tolerate
// missing hardware; NullIndicator is the default no-op.
type ActivityIndicator interface {
	On()
	Off()
	Blink()
}

// NullIndicator satisfies ActivityIndicator as a no-op, for deployments
// with no LED/GPIO hardware attached.
type NullIndicator struct{}

func (NullIndicator) On()    {}
func (NullIndicator) Off()   {}
func (NullIndicator) Blink() {}

// pulse invokes Blink on ind if non-nil, tolerating a nil indicator the
// same way a NullIndicator would.
func pulse(ind ActivityIndicator) {
	if ind != nil {
		ind.Blink()
	}
}
