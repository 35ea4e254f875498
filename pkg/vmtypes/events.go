package vmtypes

// Event is a single record emitted by the `emit` host import during a call.
// Event order is the order of `emit` calls within a call, interleaved by the
// call tree's depth-first execution order (§5 "Ordering").
type Event struct {
	Source ContractID
	Topic  string
	Data   []byte
}

// CallReceipt is returned from Session.Call (and the _raw/feeder variants):
// everything observable about a completed or failed top-level call.
type CallReceipt[T any] struct {
	Data     T
	GasLimit uint64
	GasSpent uint64
	Events   []Event
	// CallIDs is carried through Session.Call and the feeder variants but
	// no Session call path fills it in: it is always empty, and the frames
	// a call touched are not reported.
	CallIDs []ContractID
	// Err holds the failure, if any. A failing call still reports GasSpent
	// (the full callee_limit of the failing sub-call plus whatever the
	// caller itself spent) and Events captured up to the failure point,
	// per §7 "User-visible behavior".
	Err error
}

// Failed reports whether the call did not complete successfully.
func (r CallReceipt[T]) Failed() bool {
	return r.Err != nil
}
