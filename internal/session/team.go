package session

import (
	"fmt"
	"time"

	"github.com/beamcode/beamcode/internal/common/constants"
)

// Team tool calls arrive as ordinary tool_use blocks; only their results
// confirm they ran. The buffer holds the call until its tool_result shows
// up, then the pair drives a team state transition.
const (
	toolTeamCreate       = "TeamCreate"
	toolTeamDelete       = "TeamDelete"
	toolTeamAddMember    = "TeamAddMember"
	toolTeamRemoveMember = "TeamRemoveMember"
	toolTaskCreate       = "TaskCreate"
	toolTaskUpdate       = "TaskUpdate"
)

var teamTools = map[string]struct{}{
	toolTeamCreate: {}, toolTeamDelete: {},
	toolTeamAddMember: {}, toolTeamRemoveMember: {},
	toolTaskCreate: {}, toolTaskUpdate: {},
}

type bufferedToolUse struct {
	name     string
	input    map[string]any
	storedAt time.Time
}

// TeamBuffer correlates team tool_use blocks with their tool_result. It
// prunes lazily: entries older than the TTL are flushed whenever the
// buffer is touched, so no background goroutine is needed.
type TeamBuffer struct {
	ttl     time.Duration
	entries map[string]bufferedToolUse
	now     func() time.Time
}

// NewTeamBuffer builds a buffer with the standard correlation TTL.
func NewTeamBuffer() *TeamBuffer {
	return &TeamBuffer{
		ttl:     constants.TeamCorrelationTTL,
		entries: make(map[string]bufferedToolUse),
		now:     time.Now,
	}
}

// Observe buffers a tool_use when it is a recognized team tool.
func (b *TeamBuffer) Observe(id, name string, input map[string]any) {
	if _, ok := teamTools[name]; !ok {
		return
	}
	b.sweep()
	b.entries[id] = bufferedToolUse{name: name, input: input, storedAt: b.now()}
}

// Take removes and returns the buffered call for a tool_use id.
func (b *TeamBuffer) Take(id string) (name string, input map[string]any, ok bool) {
	b.sweep()
	entry, ok := b.entries[id]
	if !ok {
		return "", nil, false
	}
	delete(b.entries, id)
	return entry.name, entry.input, true
}

// Len reports the number of uncorrelated entries.
func (b *TeamBuffer) Len() int {
	b.sweep()
	return len(b.entries)
}

func (b *TeamBuffer) sweep() {
	cutoff := b.now().Add(-b.ttl)
	for id, entry := range b.entries {
		if entry.storedAt.Before(cutoff) {
			delete(b.entries, id)
		}
	}
}

// applyTeamTool runs one confirmed team tool call against the team state.
// It returns the replacement team (nil deletes it), whether the agents
// list must be reset, and whether anything changed.
func applyTeamTool(team *Team, name string, input map[string]any) (next *Team, resetAgents, changed bool) {
	switch name {
	case toolTeamCreate:
		created := &Team{
			Name:    inputStr(input, "name", "team_name"),
			Role:    inputStr(input, "role"),
			Members: []TeamMember{},
			Tasks:   []TeamTask{},
		}
		return created, false, true

	case toolTeamDelete:
		if team == nil {
			return nil, false, false
		}
		return nil, true, true

	case toolTeamAddMember:
		if team == nil {
			return team, false, false
		}
		member := TeamMember{
			Name:      inputStr(input, "name", "member_name"),
			AgentType: inputStr(input, "agent_type"),
		}
		if member.Name == "" {
			return team, false, false
		}
		for _, existing := range team.Members {
			if existing.Name == member.Name {
				return team, false, false
			}
		}
		next = team.clone()
		next.Members = append(next.Members, member)
		return next, false, true

	case toolTeamRemoveMember:
		if team == nil {
			return team, false, false
		}
		name := inputStr(input, "name", "member_name")
		for i, existing := range team.Members {
			if existing.Name == name {
				next = team.clone()
				next.Members = append(next.Members[:i], next.Members[i+1:]...)
				return next, false, true
			}
		}
		return team, false, false

	case toolTaskCreate:
		if team == nil {
			return team, false, false
		}
		next = team.clone()
		task := TeamTask{
			ID:          inputStr(input, "id", "task_id"),
			Description: inputStr(input, "description", "subject"),
			Owner:       inputStr(input, "owner"),
			Status:      "pending",
		}
		if task.ID == "" {
			task.ID = fmt.Sprintf("task-%d", len(next.Tasks)+1)
		}
		next.Tasks = append(next.Tasks, task)
		return next, false, true

	case toolTaskUpdate:
		if team == nil {
			return team, false, false
		}
		id := inputStr(input, "id", "task_id")
		for i, task := range team.Tasks {
			if task.ID != id {
				continue
			}
			updated := task
			if status := inputStr(input, "status"); status != "" {
				updated.Status = status
			}
			if owner := inputStr(input, "owner"); owner != "" {
				updated.Owner = owner
			}
			if desc := inputStr(input, "description", "subject"); desc != "" {
				updated.Description = desc
			}
			if updated == task {
				return team, false, false
			}
			next = team.clone()
			next.Tasks[i] = updated
			return next, false, true
		}
		return team, false, false
	}
	return team, false, false
}

func inputStr(input map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := input[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
