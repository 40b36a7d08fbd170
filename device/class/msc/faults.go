package msc

// Faults selects failures a Target injects. Each counter is the number of
// times the failure occurs; the target decrements it as it does.
type Faults struct {
	// NotReady TEST UNIT READY commands fail with NOT READY, becoming
	// ready.
	NotReady int

	// UnitAttention commands other than INQUIRY and REQUEST SENSE fail
	// with UNIT ATTENTION, not-ready-to-ready change.
	UnitAttention int

	// HardwareErrors TEST UNIT READY commands fail with HARDWARE ERROR.
	HardwareErrors int

	// ReadFailures READ (10) commands transfer their data and then report
	// ReadStatus (CSWStatusFailed if zero) in the CSW.
	ReadFailures int
	ReadStatus   uint8

	// StallData data-in stages stall instead of sending data.
	StallData int

	// StallCBW CBWs are refused with a stall on the OUT endpoint.
	StallCBW int

	// StallStatus CSWs stall once, then are sent after the halt is
	// cleared.
	StallStatus int

	// HangStatus CSWs are never sent; the target NAKs until reset.
	HangStatus int

	// BadTag and BadSignature CSWs are corrupted.
	BadTag       int
	BadSignature int
}

// Inject replaces the pending faults.
func (t *Target) Inject(f Faults) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = f
}

// Faults returns the faults not yet injected.
func (t *Target) Faults() Faults {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.faults
}
