package session

import "sync"

// Command is one slash command known to the session.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CommandRegistry accumulates the slash commands a session has learned
// from capability handshakes. First-seen order is preserved; later
// registrations refresh descriptions in place.
type CommandRegistry struct {
	mu    sync.Mutex
	index map[string]int
	list  []Command
}

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{index: make(map[string]int)}
}

// Register upserts commands by name.
func (r *CommandRegistry) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range cmds {
		if cmd.Name == "" {
			continue
		}
		if i, ok := r.index[cmd.Name]; ok {
			if cmd.Description != "" {
				r.list[i].Description = cmd.Description
			}
			continue
		}
		r.index[cmd.Name] = len(r.list)
		r.list = append(r.list, cmd)
	}
}

// List returns the registered commands in first-seen order.
func (r *CommandRegistry) List() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.list))
	copy(out, r.list)
	return out
}

// Has reports whether name is registered.
func (r *CommandRegistry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[name]
	return ok
}

// Len reports the number of registered commands.
func (r *CommandRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}
