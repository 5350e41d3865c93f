package signals

// Result is the outcome of applying a command: Accept or Reject.
type Result interface {
	Accepted() bool
	isResult()
}

// NodeModification describes a change of one node.
// Old is nil for created nodes, New is nil for removed nodes.
type NodeModification struct {
	Old Node
	New Node
}

// Accept is the result of an applied command.
type Accept struct {
	Updates         map[ID]NodeModification
	OriginalInserts map[ID]OwnedCommand
}

// Reject is the result of a command that could not be applied.
type Reject struct {
	Reason string
}

func (Accept) Accepted() bool { return true }
func (Reject) Accepted() bool { return false }

func (Accept) isResult() {}
func (Reject) isResult() {}

func (r Reject) Error() string {
	return r.Reason
}

// Reject reasons.
const (
	ReasonNodeNotFound         = "Node not found"
	ReasonDetachRoot           = "Cannot detach the root"
	ReasonNotAttached          = "Node is not attached"
	ReasonNotDetached          = "Node is not detached"
	ReasonOwnDescendant        = "Cannot attach to own descendant"
	ReasonKeyInUse             = "Key is in use"
	ReasonPositionNotMatched   = "Insert position not matched"
	ReasonNodeExists           = "Node already exists"
	ReasonUnexpectedValue      = "Unexpected value"
	ReasonNotAChild            = "Not a child"
	ReasonNotFirstChild        = "Not the first child"
	ReasonNotAfterChild        = "Not after the provided child"
	ReasonNotLastChild         = "Not the last child"
	ReasonNotBeforeChild       = "Not before the provided child"
	ReasonKeyNotPresent        = "Key not present"
	ReasonKeyPresent           = "A key is present"
	ReasonUnexpectedChild      = "Unexpected child"
	ReasonUnexpectedLastUpdate = "Unexpected last update"
	ReasonNotNumeric           = "Value is not numeric"
	ReasonTransactionAborted   = "Transaction aborted"
)

// Ok creates an accepted result without updates.
func Ok() Accept {
	return Accept{}
}

// Fail creates a rejected result.
func Fail(reason string) Reject {
	return Reject{Reason: reason}
}

// Conditional creates an accepted result without updates if ok is true,
// and a rejected result with the given reason otherwise.
func Conditional(ok bool, reason string) Result {
	if ok {
		return Ok()
	}
	return Fail(reason)
}

// OnlyUpdate returns the single modification of the result.
// It panics if there isn't exactly one.
func (a Accept) OnlyUpdate() (ID, NodeModification) {
	if len(a.Updates) != 1 {
		panic("BUG: expected exactly one update")
	}
	for id, mod := range a.Updates {
		return id, mod
	}
	panic("unreachable")
}
