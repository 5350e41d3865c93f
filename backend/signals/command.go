package signals

import "sigtree/backend/util/maybe"

// Command is an intended mutation of, or a predicate on, a node tree.
// The set of commands is closed.
type Command interface {
	// CommandID is the unique id of the command.
	// Nodes created by the command get this id.
	CommandID() ID

	// TargetID is the node the command operates on.
	TargetID() ID

	isCommand()
}

// OwnedCommand is a command creating a node that may belong to an owner.
type OwnedCommand interface {
	Command
	ScopeOwner() maybe.Value[ID]
}

// Condition is a command that only tests the tree state.
type Condition interface {
	Command
	isCondition()
}

// SetCommand sets the value of the target node.
type SetCommand struct {
	ID     ID
	Target ID
	Value  any
}

// IncrementCommand adds Delta to the numeric value of the target node.
type IncrementCommand struct {
	ID     ID
	Target ID
	Delta  float64
}

// InsertCommand creates a new node in the list children of Target.
type InsertCommand struct {
	ID       ID
	Target   ID
	Owner    maybe.Value[ID]
	Value    any
	Position ListPosition
}

// PutCommand sets the value of the map child at Key, creating the child if necessary.
type PutCommand struct {
	ID     ID
	Target ID
	Key    string
	Value  any
}

// PutIfAbsentCommand creates a map child at Key unless the key is taken.
// When the key is taken, an alias to the existing child is created instead.
type PutIfAbsentCommand struct {
	ID     ID
	Target ID
	Owner  maybe.Value[ID]
	Key    string
	Value  any
}

// AdoptAtCommand moves Child into the list children of Target.
type AdoptAtCommand struct {
	ID       ID
	Target   ID
	Child    ID
	Position ListPosition
}

// AdoptAsCommand moves Child into the map children of Target under Key.
type AdoptAsCommand struct {
	ID     ID
	Target ID
	Child  ID
	Key    string
}

// RemoveCommand removes the target node with all its descendants.
// When ExpectedParent is set, the node must be a child of it.
type RemoveCommand struct {
	ID             ID
	Target         ID
	ExpectedParent maybe.Value[ID]
}

// RemoveByKeyCommand removes the map child at Key.
type RemoveByKeyCommand struct {
	ID     ID
	Target ID
	Key    string
}

// ClearCommand removes all children of the target node.
type ClearCommand struct {
	ID     ID
	Target ID
}

// PositionCondition tests the position of Child among the list children of Target.
type PositionCondition struct {
	ID       ID
	Target   ID
	Child    ID
	Position ListPosition
}

// ValueCondition tests the value of the target node.
type ValueCondition struct {
	ID            ID
	Target        ID
	ExpectedValue any
}

// LastUpdateCondition tests the id of the last command that changed the target node.
type LastUpdateCondition struct {
	ID                 ID
	Target             ID
	ExpectedLastUpdate ID
}

// KeyCondition tests the map child at Key.
// An unset ExpectedChild requires any child, ZeroID requires no child,
// any other id requires that same node.
type KeyCondition struct {
	ID            ID
	Target        ID
	Key           string
	ExpectedChild maybe.Value[ID]
}

// TransactionCommand applies all commands atomically.
type TransactionCommand struct {
	ID       ID
	Commands []Command
}

// SnapshotCommand replaces the content of the tree with the given nodes.
type SnapshotCommand struct {
	ID    ID
	Nodes map[ID]Node
}

// ClearOwnerCommand removes all nodes owned by Owner.
type ClearOwnerCommand struct {
	ID    ID
	Owner ID
}

func (c SetCommand) CommandID() ID          { return c.ID }
func (c IncrementCommand) CommandID() ID    { return c.ID }
func (c InsertCommand) CommandID() ID       { return c.ID }
func (c PutCommand) CommandID() ID          { return c.ID }
func (c PutIfAbsentCommand) CommandID() ID  { return c.ID }
func (c AdoptAtCommand) CommandID() ID      { return c.ID }
func (c AdoptAsCommand) CommandID() ID      { return c.ID }
func (c RemoveCommand) CommandID() ID       { return c.ID }
func (c RemoveByKeyCommand) CommandID() ID  { return c.ID }
func (c ClearCommand) CommandID() ID        { return c.ID }
func (c PositionCondition) CommandID() ID   { return c.ID }
func (c ValueCondition) CommandID() ID      { return c.ID }
func (c LastUpdateCondition) CommandID() ID { return c.ID }
func (c KeyCondition) CommandID() ID        { return c.ID }
func (c TransactionCommand) CommandID() ID  { return c.ID }
func (c SnapshotCommand) CommandID() ID     { return c.ID }
func (c ClearOwnerCommand) CommandID() ID   { return c.ID }

func (c SetCommand) TargetID() ID          { return c.Target }
func (c IncrementCommand) TargetID() ID    { return c.Target }
func (c InsertCommand) TargetID() ID       { return c.Target }
func (c PutCommand) TargetID() ID          { return c.Target }
func (c PutIfAbsentCommand) TargetID() ID  { return c.Target }
func (c AdoptAtCommand) TargetID() ID      { return c.Target }
func (c AdoptAsCommand) TargetID() ID      { return c.Target }
func (c RemoveCommand) TargetID() ID       { return c.Target }
func (c RemoveByKeyCommand) TargetID() ID  { return c.Target }
func (c ClearCommand) TargetID() ID        { return c.Target }
func (c PositionCondition) TargetID() ID   { return c.Target }
func (c ValueCondition) TargetID() ID      { return c.Target }
func (c LastUpdateCondition) TargetID() ID { return c.Target }
func (c KeyCondition) TargetID() ID        { return c.Target }
func (c TransactionCommand) TargetID() ID  { return ZeroID }
func (c SnapshotCommand) TargetID() ID     { return ZeroID }
func (c ClearOwnerCommand) TargetID() ID   { return ZeroID }

func (SetCommand) isCommand()          {}
func (IncrementCommand) isCommand()    {}
func (InsertCommand) isCommand()       {}
func (PutCommand) isCommand()          {}
func (PutIfAbsentCommand) isCommand()  {}
func (AdoptAtCommand) isCommand()      {}
func (AdoptAsCommand) isCommand()      {}
func (RemoveCommand) isCommand()       {}
func (RemoveByKeyCommand) isCommand()  {}
func (ClearCommand) isCommand()        {}
func (PositionCondition) isCommand()   {}
func (ValueCondition) isCommand()      {}
func (LastUpdateCondition) isCommand() {}
func (KeyCondition) isCommand()        {}
func (TransactionCommand) isCommand()  {}
func (SnapshotCommand) isCommand()     {}
func (ClearOwnerCommand) isCommand()   {}

func (PositionCondition) isCondition()   {}
func (ValueCondition) isCondition()      {}
func (LastUpdateCondition) isCondition() {}
func (KeyCondition) isCondition()        {}

// ScopeOwner implements OwnedCommand.
func (c InsertCommand) ScopeOwner() maybe.Value[ID] { return c.Owner }

// ScopeOwner implements OwnedCommand.
func (c PutIfAbsentCommand) ScopeOwner() maybe.Value[ID] { return c.Owner }

// NewTransaction wraps commands into a transaction with a new id.
func NewTransaction(cmds ...Command) TransactionCommand {
	return TransactionCommand{ID: NewID(), Commands: cmds}
}
