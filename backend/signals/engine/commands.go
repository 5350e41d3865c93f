package engine

import (
	"slices"

	"sigtree/backend/signals"
)

// CommandsAndHandlers is an ordered batch of commands with result handlers keyed by command id.
// Handlers of commands nested in transactions are keyed by the nested command id.
// Not safe for concurrent use.
type CommandsAndHandlers struct {
	commands []signals.Command
	handlers map[signals.ID]ResultHandler
}

// NewCommandsAndHandlers creates a batch with a single command. The handler may be nil.
func NewCommandsAndHandlers(cmd signals.Command, handler ResultHandler) *CommandsAndHandlers {
	c := &CommandsAndHandlers{}
	c.Add(cmd, handler)
	return c
}

// Add appends a command.
func (c *CommandsAndHandlers) Add(cmd signals.Command, handler ResultHandler) {
	c.commands = append(c.commands, cmd)
	if handler != nil {
		c.SetHandler(cmd.CommandID(), handler)
	}
}

// AddAll appends all commands and handlers of another batch.
func (c *CommandsAndHandlers) AddAll(other *CommandsAndHandlers) {
	c.commands = append(c.commands, other.commands...)
	for id, h := range other.handlers {
		c.SetHandler(id, h)
	}
}

// SetHandler registers a handler for a command id, which may belong to a nested command.
func (c *CommandsAndHandlers) SetHandler(id signals.ID, handler ResultHandler) {
	if c.handlers == nil {
		c.handlers = make(map[signals.ID]ResultHandler)
	}
	c.handlers[id] = handler
}

// Chain adds another handler for the command id, called after the existing one.
func (c *CommandsAndHandlers) Chain(id signals.ID, handler ResultHandler) {
	prev := c.handlers[id]
	if prev == nil {
		c.SetHandler(id, handler)
		return
	}
	c.SetHandler(id, func(r signals.Result) {
		prev(r)
		handler(r)
	})
}

// Commands returns the commands in order.
func (c *CommandsAndHandlers) Commands() []signals.Command {
	return slices.Clip(c.commands)
}

// Handlers returns the handlers by command id. The map must not be modified.
func (c *CommandsAndHandlers) Handlers() map[signals.ID]ResultHandler {
	return c.handlers
}

// Len returns the number of top-level commands.
func (c *CommandsAndHandlers) Len() int {
	return len(c.commands)
}

// IsEmpty reports whether there are no commands.
func (c *CommandsAndHandlers) IsEmpty() bool {
	return len(c.commands) == 0
}

// RemoveHandledBy removes a top-level command and returns the handlers of it
// and all its nested commands.
func (c *CommandsAndHandlers) RemoveHandledBy(id signals.ID) (map[signals.ID]ResultHandler, bool) {
	idx := slices.IndexFunc(c.commands, func(cmd signals.Command) bool {
		return cmd.CommandID() == id
	})
	if idx == -1 {
		return nil, false
	}

	cmd := c.commands[idx]
	c.commands = slices.Delete(slices.Clone(c.commands), idx, idx+1)

	out := make(map[signals.ID]ResultHandler)
	var collect func(cmd signals.Command)
	collect = func(cmd signals.Command) {
		if h, ok := c.handlers[cmd.CommandID()]; ok {
			out[cmd.CommandID()] = h
			delete(c.handlers, cmd.CommandID())
		}
		if tx, ok := cmd.(signals.TransactionCommand); ok {
			for _, child := range tx.Commands {
				collect(child)
			}
		}
	}
	collect(cmd)

	return out, true
}

// Clone makes a shallow copy of the batch.
func (c *CommandsAndHandlers) Clone() *CommandsAndHandlers {
	out := &CommandsAndHandlers{}
	out.AddAll(c)
	return out
}

// notifyAll calls every handler with the matching result.
func (c *CommandsAndHandlers) notifyAll(results map[signals.ID]signals.Result) {
	for id, h := range c.handlers {
		if r, ok := results[id]; ok {
			h(r)
		}
	}
}
