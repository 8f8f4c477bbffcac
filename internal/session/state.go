// Package session holds the per-session runtime data: the reduced state
// snapshot consumers render, the pure reducer that advances it, the team
// tool correlation buffer, the replay history ring and the session store.
package session

import "time"

// Status is the coarse turn status last reported by the backend.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusCompacting Status = "compacting"
)

// MCPServer is one entry of the session's MCP server list.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Capabilities is the backend's initialize answer, kept verbatim plus the
// receipt timestamp.
type Capabilities struct {
	Commands   any   `json:"commands,omitempty"`
	Models     any   `json:"models,omitempty"`
	Account    any   `json:"account,omitempty"`
	ReceivedAt int64 `json:"receivedAt"`
}

// TeamMember is one agent participating in the session's team.
type TeamMember struct {
	Name      string `json:"name"`
	AgentType string `json:"agent_type,omitempty"`
}

// TeamTask is one tracked work item of the session's team.
type TeamTask struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Status      string `json:"status"`
}

// Team mirrors the team the backend agent is coordinating, reconstructed
// from correlated team tool calls.
type Team struct {
	Name    string       `json:"name"`
	Role    string       `json:"role,omitempty"`
	Members []TeamMember `json:"members"`
	Tasks   []TeamTask   `json:"tasks"`
}

// State is the consumer-visible session snapshot. It is advanced only by
// Reduce and treated as immutable once published: a reduction that changes
// anything returns a fresh copy.
type State struct {
	SessionID         string      `json:"session_id"`
	Model             string      `json:"model,omitempty"`
	CWD               string      `json:"cwd,omitempty"`
	Tools             []string    `json:"tools,omitempty"`
	PermissionMode    string      `json:"permission_mode,omitempty"`
	ClaudeCodeVersion string      `json:"claude_code_version,omitempty"`
	MCPServers        []MCPServer `json:"mcp_servers,omitempty"`
	Agents            []string    `json:"agents,omitempty"`
	SlashCommands     []string    `json:"slash_commands,omitempty"`
	Skills            []string    `json:"skills,omitempty"`

	TotalCostUSD       float64 `json:"total_cost_usd"`
	NumTurns           int     `json:"num_turns"`
	ContextUsedPercent int     `json:"context_used_percent"`
	IsCompacting       bool    `json:"is_compacting"`

	GitBranch  string `json:"git_branch,omitempty"`
	IsWorktree bool   `json:"is_worktree,omitempty"`
	RepoRoot   string `json:"repo_root,omitempty"`
	GitAhead   int    `json:"git_ahead,omitempty"`
	GitBehind  int    `json:"git_behind,omitempty"`

	TotalLinesAdded   int `json:"total_lines_added"`
	TotalLinesRemoved int `json:"total_lines_removed"`

	LastModelUsage    map[string]any `json:"last_model_usage,omitempty"`
	LastDurationMs    int64          `json:"last_duration_ms,omitempty"`
	LastDurationAPIMs int64          `json:"last_duration_api_ms,omitempty"`

	Capabilities *Capabilities `json:"capabilities,omitempty"`
	Team         *Team         `json:"team,omitempty"`
}

// NewState returns the zero snapshot for a fresh session.
func NewState(sessionID string) *State {
	return &State{SessionID: sessionID}
}

// Clone returns a deep copy. Nested capability/usage values are shared;
// reducers never mutate them in place.
func (s *State) Clone() *State {
	cp := *s
	cp.Tools = cloneStrings(s.Tools)
	cp.Agents = cloneStrings(s.Agents)
	cp.SlashCommands = cloneStrings(s.SlashCommands)
	cp.Skills = cloneStrings(s.Skills)
	if s.MCPServers != nil {
		cp.MCPServers = make([]MCPServer, len(s.MCPServers))
		copy(cp.MCPServers, s.MCPServers)
	}
	if s.LastModelUsage != nil {
		cp.LastModelUsage = make(map[string]any, len(s.LastModelUsage))
		for k, v := range s.LastModelUsage {
			cp.LastModelUsage[k] = v
		}
	}
	if s.Capabilities != nil {
		caps := *s.Capabilities
		cp.Capabilities = &caps
	}
	if s.Team != nil {
		cp.Team = s.Team.clone()
	}
	return &cp
}

func (t *Team) clone() *Team {
	cp := *t
	cp.Members = make([]TeamMember, len(t.Members))
	copy(cp.Members, t.Members)
	cp.Tasks = make([]TeamTask, len(t.Tasks))
	copy(cp.Tasks, t.Tasks)
	return &cp
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// GitInfo seeds the git fields at session creation; it is applied once,
// outside the reducer, before the state is first published.
type GitInfo struct {
	Branch     string
	IsWorktree bool
	RepoRoot   string
	Ahead      int
	Behind     int
}

// ApplyGitInfo returns a copy with the git fields set.
func (s *State) ApplyGitInfo(info GitInfo) *State {
	cp := s.Clone()
	cp.GitBranch = info.Branch
	cp.IsWorktree = info.IsWorktree
	cp.RepoRoot = info.RepoRoot
	cp.GitAhead = info.Ahead
	cp.GitBehind = info.Behind
	return cp
}

// now is swapped in tests that assert receipt timestamps.
var now = time.Now
