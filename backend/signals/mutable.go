package signals

import (
	"maps"
	"slices"

	"sigtree/backend/util/colx"
	"sigtree/backend/util/maybe"
)

// MutableTreeRevision is a revision that commands can be applied to.
// It's not safe for concurrent use.
type MutableTreeRevision struct {
	revision
}

// NewMutableTreeRevision creates a mutable copy of the base revision.
// Changes to the copy never affect the base, and vice versa.
func NewMutableTreeRevision(base TreeRevision) *MutableTreeRevision {
	return &MutableTreeRevision{revision: copyRevision(base)}
}

// Snapshot creates an immutable copy of the current state.
func (m *MutableTreeRevision) Snapshot() *Snapshot {
	return &Snapshot{revision: m.revision.copy()}
}

// Validate checks the structural invariants of the revision.
func (m *MutableTreeRevision) Validate() error {
	return Validate(m)
}

// ApplyAndGetResults applies the commands in order and collects the results by command id.
// Results of commands nested in transactions are collected too.
func (m *MutableTreeRevision) ApplyAndGetResults(cmds []Command) map[ID]Result {
	results := make(map[ID]Result, len(cmds))
	for _, c := range cmds {
		m.Apply(c, func(id ID, r Result) {
			results[id] = r
		})
	}
	return results
}

// ApplyAll applies the commands in order ignoring the results.
func (m *MutableTreeRevision) ApplyAll(cmds []Command) {
	for _, c := range cmds {
		m.Apply(c, nil)
	}
}

// Apply a single command and pass the results to collect, which may be nil.
// Collect is called once for most commands, and once for each nested command of a transaction.
func (m *MutableTreeRevision) Apply(cmd Command, collect func(ID, Result)) {
	var result Result
	if _, ok := m.Data(cmd.TargetID()); !ok {
		result = Fail(ReasonNodeNotFound)
	} else {
		t := &manipulator{
			rev: m,
			cmd: cmd,
		}
		result = t.handle()
		if collect != nil {
			for id, r := range t.subResults {
				collect(id, r)
			}
		}
	}

	if acc, ok := result.(Accept); ok {
		for id, mod := range acc.Updates {
			if mod.New == nil {
				m.nodes.Delete(id)
				m.inserts.Delete(id)
			} else {
				m.nodes.Set(id, mod.New)
			}
		}

		for id, c := range acc.OriginalInserts {
			if m.nodes.Has(id) {
				m.inserts.Set(id, c)
			}
		}
	}

	if collect != nil {
		collect(cmd.CommandID(), result)
	}
}

// manipulator collects the changes of a single command before they are applied.
// Later steps of the command are evaluated against the changes collected by earlier steps.
type manipulator struct {
	rev *MutableTreeRevision
	cmd Command

	updated  map[ID]Node
	detached colx.HashSet[ID]
	inserts  map[ID]OwnedCommand

	// Set by the first failing step, or by steps producing the whole result.
	result Result

	// Results of nested commands of a transaction.
	subResults map[ID]Result
}

func (t *manipulator) setResult(r Result) {
	if t.result != nil {
		panic("BUG: command result is already set")
	}
	t.result = r
}

func (t *manipulator) fail(reason string) {
	t.setResult(Fail(reason))
}

func (t *manipulator) lookup(id ID) (Node, bool) {
	if n, ok := t.updated[id]; ok {
		return n, true
	}
	return t.rev.nodes.Get(id)
}

func (t *manipulator) resolveAlias(id ID) ID {
	if n, ok := t.lookup(id); ok {
		if a, ok := n.(Alias); ok {
			return a.Target
		}
	}
	return id
}

func (t *manipulator) data(id ID) (Data, bool) {
	id = t.resolveAlias(id)
	if t.detached.Has(id) {
		return Data{}, false
	}

	n, ok := t.lookup(id)
	if !ok {
		return Data{}, false
	}
	d, ok := n.(Data)
	return d, ok
}

func (t *manipulator) put(id ID, n Node) {
	if t.updated == nil {
		t.updated = make(map[ID]Node)
	}
	t.updated[id] = n
}

func (t *manipulator) useData(nodeID ID, fn func(d Data, id ID)) {
	if t.result != nil {
		panic("BUG: using data after the command result is set")
	}

	id := t.resolveAlias(nodeID)
	d, ok := t.data(id)
	if !ok {
		t.fail(ReasonNodeNotFound)
		return
	}
	fn(d, id)
}

func (t *manipulator) updateData(nodeID ID, fn func(Data) (Data, bool)) {
	t.useData(nodeID, func(d Data, id ID) {
		if updated, changed := fn(d); changed {
			t.put(id, updated)
		}
	})
}

func (t *manipulator) value(id ID) any {
	d, _ := t.data(id)
	return d.Value
}

func (t *manipulator) setValue(nodeID ID, value any) {
	t.updateData(nodeID, func(d Data) (Data, bool) {
		d.LastUpdate = t.cmd.CommandID()
		d.Value = value
		return d, true
	})
}

func (t *manipulator) withListChildren(d Data, children []ID) Data {
	d.LastUpdate = t.cmd.CommandID()
	d.ListChildren = children
	return d
}

func (t *manipulator) withMapChildren(d Data, children colx.OrderedMap[string, ID]) Data {
	d.LastUpdate = t.cmd.CommandID()
	d.MapChildren = children
	return d
}

func (t *manipulator) listChildren(id ID) []ID {
	d, _ := t.data(id)
	return d.ListChildren
}

func (t *manipulator) mapChild(id ID, key string) (ID, bool) {
	d, ok := t.data(id)
	if !ok {
		return ID{}, false
	}
	return d.MapChildren.Get(key)
}

func (t *manipulator) isChildAt(children []ID, idx int, expected ID) bool {
	if idx < 0 || idx >= len(children) {
		return false
	}
	return t.resolveAlias(children[idx]) == t.resolveAlias(expected)
}

func (t *manipulator) detach(nodeID ID) bool {
	t.useData(nodeID, func(d Data, id ID) {
		if id == ZeroID {
			t.fail(ReasonDetachRoot)
			return
		}

		parentID, ok := d.Parent.Get()
		if !ok {
			t.fail(ReasonNotAttached)
			return
		}

		parent, ok := t.data(parentID)
		if !ok {
			panic("BUG: parent of an attached node is missing")
		}

		if key, ok := parent.MapChildren.KeyOf(id); ok {
			t.put(parentID, t.withMapChildren(parent, parent.MapChildren.Without(key)))
		} else {
			t.put(parentID, t.withListChildren(parent, colx.SliceRemoveCopy(parent.ListChildren, id)))
		}

		t.detached.Put(id)
	})

	return t.result == nil
}

func (t *manipulator) attach(parentID, childID ID, attacher func(parent Data, child ID) (Data, bool)) {
	if t.result != nil {
		return
	}

	resolvedParent := t.resolveAlias(parentID)
	resolvedChild := t.resolveAlias(childID)

	if !t.detached.Has(resolvedChild) {
		t.fail(ReasonNotDetached)
		return
	}

	for ancestor, ok := resolvedParent, true; ok; {
		if ancestor == resolvedChild {
			t.fail(ReasonOwnDescendant)
			return
		}

		d, found := t.data(ancestor)
		if !found {
			break
		}
		ancestor, ok = d.Parent.Get()
	}

	t.useData(parentID, func(parent Data, id ID) {
		t.detached.Delete(resolvedChild)

		updated, ok := attacher(parent, resolvedChild)
		if !ok {
			return
		}

		child, found := t.data(resolvedChild)
		if !found {
			panic("BUG: attached node is missing")
		}
		child.Parent = maybe.New(id)

		t.put(id, updated)
		t.put(resolvedChild, child)
	})
}

func (t *manipulator) attachAs(parentID ID, key string, childID ID) {
	t.attach(parentID, childID, func(parent Data, child ID) (Data, bool) {
		if parent.MapChildren.Has(key) {
			t.fail(ReasonKeyInUse)
			return Data{}, false
		}
		return t.withMapChildren(parent, parent.MapChildren.With(key, child)), true
	})
}

func (t *manipulator) attachAt(parentID ID, pos ListPosition, childID ID) {
	t.attach(parentID, childID, func(parent Data, child ID) (Data, bool) {
		idx := t.findInsertIndex(parent.ListChildren, pos)
		if idx == -1 {
			t.fail(ReasonPositionNotMatched)
			return Data{}, false
		}
		return t.withListChildren(parent, colx.SliceInsertCopy(parent.ListChildren, idx, child)), true
	})
}

func (t *manipulator) findInsertIndex(children []ID, pos ListPosition) int {
	after, hasAfter := pos.After.Get()
	before, hasBefore := pos.Before.Get()
	if hasAfter {
		after = t.resolveAlias(after)
	}
	if hasBefore {
		before = t.resolveAlias(before)
	}

	if !hasAfter {
		switch {
		case !hasBefore:
			return -1
		case before == MaxID:
			return len(children)
		default:
			return slices.Index(children, before)
		}
	}

	idx := 0
	if after != MaxID {
		idx = slices.Index(children, after)
		if idx == -1 {
			return -1
		}
		idx++
	}

	if hasBefore {
		at := MaxID
		if idx < len(children) {
			at = children[idx]
		}
		if at != before {
			return -1
		}
	}

	return idx
}

func (t *manipulator) createNode(id ID, value any, owner maybe.Value[ID]) {
	if _, ok := t.data(id); ok {
		t.fail(ReasonNodeExists)
		return
	}

	// Created nodes start detached to be eligible for attaching.
	t.detached.Put(id)
	t.put(id, NewData(maybe.Value[ID]{}, t.cmd.CommandID(), owner, value))

	if o, ok := owner.Get(); ok && o == t.rev.owner {
		if t.inserts == nil {
			t.inserts = make(map[ID]OwnedCommand)
		}
		t.inserts[id] = t.cmd.(OwnedCommand)
	}
}

func (t *manipulator) modification(id ID, n Node) NodeModification {
	old, _ := t.rev.nodes.Get(id)
	return NodeModification{Old: old, New: n}
}

func (t *manipulator) handle() Result {
	switch c := t.cmd.(type) {
	case ValueCondition:
		t.setResult(t.handleValueCondition(c))
	case PositionCondition:
		t.setResult(t.handlePositionCondition(c))
	case KeyCondition:
		t.setResult(t.handleKeyCondition(c))
	case LastUpdateCondition:
		t.setResult(t.handleLastUpdateCondition(c))
	case AdoptAsCommand:
		if t.detach(c.Child) {
			t.attachAs(c.Target, c.Key, c.Child)
		}
	case AdoptAtCommand:
		if t.detach(c.Child) {
			t.attachAt(c.Target, c.Position, c.Child)
		}
	case IncrementCommand:
		t.handleIncrement(c)
	case ClearCommand:
		t.handleClear(c)
	case RemoveByKeyCommand:
		if child, ok := t.mapChild(c.Target, c.Key); ok {
			t.detach(child)
		} else {
			t.fail(ReasonKeyNotPresent)
		}
	case PutCommand:
		t.handlePut(c)
	case PutIfAbsentCommand:
		t.handlePutIfAbsent(c)
	case InsertCommand:
		t.createNode(c.ID, c.Value, c.Owner)
		t.attachAt(c.Target, c.Position, c.ID)
	case SetCommand:
		t.setValue(c.Target, c.Value)
	case RemoveCommand:
		t.handleRemove(c)
	case ClearOwnerCommand:
		t.handleClearOwner(c)
	case TransactionCommand:
		t.handleTransaction(c)
	case SnapshotCommand:
		t.handleSnapshot(c)
	default:
		panic("BUG: unknown command type")
	}

	if t.result != nil {
		return t.result
	}

	updates := make(map[ID]NodeModification, len(t.updated))
	for id, n := range t.updated {
		if !t.detached.Has(id) {
			updates[id] = t.modification(id, n)
		}
	}

	if t.detached.Len() > 0 {
		reverseAliases := make(map[ID][]ID)
		for id, n := range t.rev.Nodes() {
			if a, ok := n.(Alias); ok {
				reverseAliases[a.Target] = append(reverseAliases[a.Target], id)
			}
		}

		toRemove := t.detached.Slice()
		for len(toRemove) > 0 {
			removed := toRemove[len(toRemove)-1]
			toRemove = toRemove[:len(toRemove)-1]

			updates[removed] = t.modification(removed, nil)
			for _, alias := range reverseAliases[removed] {
				updates[alias] = t.modification(alias, nil)
			}

			if d, ok := t.rev.Data(removed); ok {
				toRemove = append(toRemove, d.Children()...)
			}
		}
	}

	return Accept{Updates: updates, OriginalInserts: t.inserts}
}

func (t *manipulator) handleValueCondition(c ValueCondition) Result {
	return Conditional(ValuesEqual(t.value(c.Target), c.ExpectedValue), ReasonUnexpectedValue)
}

func (t *manipulator) handlePositionCondition(c PositionCondition) Result {
	children := t.listChildren(c.Target)
	idx := slices.Index(children, t.resolveAlias(c.Child))
	if idx == -1 {
		return Fail(ReasonNotAChild)
	}

	if after, ok := c.Position.After.Get(); ok {
		if after == MaxID {
			if idx != 0 {
				return Fail(ReasonNotFirstChild)
			}
		} else if !t.isChildAt(children, idx-1, after) {
			return Fail(ReasonNotAfterChild)
		}
	}

	if before, ok := c.Position.Before.Get(); ok {
		if before == MaxID {
			if idx != len(children)-1 {
				return Fail(ReasonNotLastChild)
			}
		} else if !t.isChildAt(children, idx+1, before) {
			return Fail(ReasonNotBeforeChild)
		}
	}

	return Ok()
}

func (t *manipulator) handleKeyCondition(c KeyCondition) Result {
	actual, present := t.mapChild(c.Target, c.Key)

	expected, ok := c.ExpectedChild.Get()
	switch {
	case !ok:
		return Conditional(present, ReasonKeyNotPresent)
	case expected == ZeroID:
		return Conditional(!present, ReasonKeyPresent)
	default:
		return Conditional(present && t.resolveAlias(actual) == t.resolveAlias(expected), ReasonUnexpectedChild)
	}
}

func (t *manipulator) handleLastUpdateCondition(c LastUpdateCondition) Result {
	d, ok := t.data(c.Target)
	return Conditional(ok && d.LastUpdate == c.ExpectedLastUpdate, ReasonUnexpectedLastUpdate)
}

func (t *manipulator) handleIncrement(c IncrementCommand) {
	old := t.value(c.Target)

	var v float64
	if n, ok := numeric(old); ok {
		v = n + c.Delta
	} else if old == nil {
		v = c.Delta
	} else {
		t.fail(ReasonNotNumeric)
		return
	}

	t.setValue(c.Target, v)
}

func (t *manipulator) handleClear(c ClearCommand) {
	t.updateData(c.Target, func(d Data) (Data, bool) {
		if !d.HasChildren() {
			return d, false
		}

		t.detached.PutMany(d.Children()...)

		return NewData(d.Parent, t.cmd.CommandID(), d.Owner, d.Value), true
	})
}

func (t *manipulator) handlePut(c PutCommand) {
	if child, ok := t.mapChild(c.Target, c.Key); ok {
		t.setValue(child, c.Value)
		return
	}

	t.createNode(c.ID, c.Value, maybe.Value[ID]{})
	t.attachAs(c.Target, c.Key, c.ID)
}

func (t *manipulator) handlePutIfAbsent(c PutIfAbsentCommand) {
	if child, ok := t.mapChild(c.Target, c.Key); ok {
		if _, exists := t.data(c.ID); exists {
			t.fail(ReasonNodeExists)
			return
		}

		t.put(c.ID, Alias{Target: t.resolveAlias(child)})
		return
	}

	t.createNode(c.ID, c.Value, c.Owner)
	t.attachAs(c.Target, c.Key, c.ID)
}

func (t *manipulator) handleRemove(c RemoveCommand) {
	if expected, ok := c.ExpectedParent.Get(); ok {
		d, _ := t.data(c.Target)
		parent, hasParent := d.Parent.Get()
		if !hasParent || t.resolveAlias(expected) != t.resolveAlias(parent) {
			t.fail(ReasonNotAChild)
			return
		}
	}

	t.detach(c.Target)
}

func (t *manipulator) handleClearOwner(c ClearOwnerCommand) {
	owner := maybe.New(c.Owner)

	var owned colx.HashSet[ID]
	for id, n := range t.rev.Nodes() {
		if d, ok := n.(Data); ok && d.Owner == owner {
			owned.Put(id)
		}
	}

	hasOwnedAncestor := func(d Data) bool {
		for p, ok := d.Parent.Get(); ok; {
			if owned.Has(p) {
				return true
			}
			pd, found := t.rev.Data(p)
			if !found {
				return false
			}
			p, ok = pd.Parent.Get()
		}
		return false
	}

	ids := owned.Slice()
	slices.SortFunc(ids, ID.Compare)

	for _, id := range ids {
		d, _ := t.rev.Data(id)
		if hasOwnedAncestor(d) {
			continue
		}

		if !d.Parent.IsSet() {
			t.detached.Put(id)
			continue
		}

		if !t.detach(id) {
			return
		}
	}
}

func (t *manipulator) handleTransaction(c TransactionCommand) {
	scratch := NewMutableTreeRevision(t.rev)
	t.subResults = make(map[ID]Result)

	var firstReject Result
	for _, child := range c.Commands {
		scratch.Apply(child, func(id ID, r Result) {
			t.subResults[id] = r
		})

		if r := t.subResults[child.CommandID()]; !r.Accepted() {
			firstReject = r
			break
		}
	}

	if firstReject != nil {
		// Nothing in the transaction is retained, so no nested command counts as accepted.
		var reject func(cmds []Command)
		reject = func(cmds []Command) {
			for _, child := range cmds {
				if r, ok := t.subResults[child.CommandID()]; !ok || r.Accepted() {
					t.subResults[child.CommandID()] = firstReject
				}
				if tx, ok := child.(TransactionCommand); ok {
					reject(tx.Commands)
				}
			}
		}
		reject(c.Commands)

		t.setResult(firstReject)
		return
	}

	updates := make(map[ID]NodeModification)
	inserts := make(map[ID]OwnedCommand)
	for _, child := range c.Commands {
		acc := t.subResults[child.CommandID()].(Accept)
		for id, mod := range acc.Updates {
			if prev, ok := updates[id]; ok {
				mod.Old = prev.Old
			}
			updates[id] = mod
		}
		maps.Copy(inserts, acc.OriginalInserts)
	}

	for id, mod := range updates {
		if mod.Old == nil && mod.New == nil {
			delete(updates, id)
			delete(inserts, id)
		}
	}

	t.setResult(Accept{Updates: updates, OriginalInserts: inserts})
}

func (t *manipulator) handleSnapshot(c SnapshotCommand) {
	updates := make(map[ID]NodeModification, len(c.Nodes))

	for id, n := range c.Nodes {
		mod := t.modification(id, n)
		if !NodesEqual(mod.Old, mod.New) {
			updates[id] = mod
		}
	}

	for id, old := range t.rev.Nodes() {
		if _, ok := c.Nodes[id]; !ok {
			updates[id] = NodeModification{Old: old}
		}
	}

	t.setResult(Accept{Updates: updates})
}
