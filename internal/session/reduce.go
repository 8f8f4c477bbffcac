package session

import (
	"math"
	"sort"

	"github.com/beamcode/beamcode/pkg/unified"
)

// Reduce advances the state with one backend message. It is pure: the
// input state is never mutated, and the same pointer comes back when the
// message changed nothing, so callers can detect updates by comparison.
//
// Adapters normalize their native payloads into snake_case metadata keys
// before messages reach the reducer.
func Reduce(s *State, msg *unified.Message, buf *TeamBuffer) *State {
	next := s
	// mutable clones lazily: the first actual change copies the state.
	mutable := func() *State {
		if next == s {
			next = s.Clone()
		}
		return next
	}

	switch msg.Type {
	case unified.TypeSessionInit:
		reduceSessionInit(s, msg, mutable)
	case unified.TypeStatusChange:
		reduceStatusChange(s, msg, mutable)
	case unified.TypeResult:
		reduceResult(s, msg, mutable)
	case unified.TypeControlResponse:
		reduceControlResponse(s, msg, mutable)
	}

	// Every message threads through the team pass, not only the typed
	// cases above: team tool activity rides inside assistant and user
	// messages.
	reduceTeamTools(&next, s, msg, buf, mutable)
	return next
}

func reduceSessionInit(s *State, msg *unified.Message, mutable func() *State) {
	if v := msg.MetaString("model"); v != "" && v != s.Model {
		mutable().Model = v
	}
	if v := msg.MetaString("cwd"); v != "" && v != s.CWD {
		mutable().CWD = v
	}
	if v := msg.MetaString("permission_mode"); v != "" && v != s.PermissionMode {
		mutable().PermissionMode = v
	}
	if v := msg.MetaString("claude_code_version"); v != "" && v != s.ClaudeCodeVersion {
		mutable().ClaudeCodeVersion = v
	}
	if v, ok := metaStrings(msg, "tools"); ok && !stringsEqual(v, s.Tools) {
		mutable().Tools = v
	}
	if v, ok := metaStrings(msg, "agents"); ok && !stringsEqual(v, s.Agents) {
		mutable().Agents = v
	}
	if v, ok := metaStrings(msg, "slash_commands"); ok && !stringsEqual(v, s.SlashCommands) {
		mutable().SlashCommands = v
	}
	if v, ok := metaStrings(msg, "skills"); ok && !stringsEqual(v, s.Skills) {
		mutable().Skills = v
	}
	if servers, ok := metaMCPServers(msg); ok && !mcpServersEqual(servers, s.MCPServers) {
		mutable().MCPServers = servers
	}
}

func reduceStatusChange(s *State, msg *unified.Message, mutable func() *State) {
	status := msg.MetaString("status")
	if compacting := status == string(StatusCompacting); compacting != s.IsCompacting {
		mutable().IsCompacting = compacting
	}
	if v := msg.MetaString("permission_mode"); v != "" && v != s.PermissionMode {
		mutable().PermissionMode = v
	}
}

func reduceResult(s *State, msg *unified.Message, mutable func() *State) {
	if v, ok := msg.MetaFloat("total_cost_usd"); ok && v != s.TotalCostUSD {
		mutable().TotalCostUSD = v
	}
	if v, ok := msg.MetaInt("num_turns"); ok && int(v) != s.NumTurns {
		mutable().NumTurns = int(v)
	}
	if v, ok := msg.MetaInt("duration_ms"); ok && v != s.LastDurationMs {
		mutable().LastDurationMs = v
	}
	if v, ok := msg.MetaInt("duration_api_ms"); ok && v != s.LastDurationAPIMs {
		mutable().LastDurationAPIMs = v
	}
	if v, ok := msg.MetaInt("total_lines_added"); ok && int(v) != s.TotalLinesAdded {
		mutable().TotalLinesAdded = int(v)
	}
	if v, ok := msg.MetaInt("total_lines_removed"); ok && int(v) != s.TotalLinesRemoved {
		mutable().TotalLinesRemoved = int(v)
	}

	usage := msg.MetaMap("modelUsage")
	if usage == nil {
		return
	}
	mutable().LastModelUsage = usage
	if pct, ok := contextUsedPercent(usage); ok && pct != s.ContextUsedPercent {
		mutable().ContextUsedPercent = pct
	}
}

// contextUsedPercent derives the context fill from the last listed model
// with a known context window. Model order inside the usage object is not
// preserved by JSON decoding, so "last" is resolved over sorted keys to
// stay deterministic.
func contextUsedPercent(usage map[string]any) (int, bool) {
	models := make([]string, 0, len(usage))
	for model := range usage {
		models = append(models, model)
	}
	sort.Strings(models)

	pct, found := 0, false
	for _, model := range models {
		entry, ok := usage[model].(map[string]any)
		if !ok {
			continue
		}
		window := numField(entry, "contextWindow")
		if window <= 0 {
			continue
		}
		used := numField(entry, "inputTokens") + numField(entry, "outputTokens")
		pct = int(math.Round(used / window * 100))
		found = true
	}
	return pct, found
}

func reduceControlResponse(s *State, msg *unified.Message, mutable func() *State) {
	if msg.MetaString("subtype") != "success" {
		return
	}
	response := msg.MetaMap("response")
	if response == nil {
		return
	}
	mutable().Capabilities = &Capabilities{
		Commands:   response["commands"],
		Models:     response["models"],
		Account:    response["account"],
		ReceivedAt: now().UnixMilli(),
	}
}

func reduceTeamTools(next **State, s *State, msg *unified.Message, buf *TeamBuffer, mutable func() *State) {
	if buf == nil {
		return
	}
	for _, block := range msg.Content {
		switch block.Type {
		case unified.BlockToolUse:
			if block.ToolUse != nil {
				buf.Observe(block.ToolUse.ID, block.ToolUse.Name, block.ToolUse.Input)
			}
		case unified.BlockToolResult:
			if block.ToolResult == nil {
				continue
			}
			name, input, ok := buf.Take(block.ToolResult.ToolUseID)
			if !ok || block.ToolResult.IsError {
				continue
			}
			current := (*next).Team
			team, resetAgents, changed := applyTeamTool(current, name, input)
			if !changed {
				continue
			}
			st := mutable()
			st.Team = team
			if resetAgents {
				st.Agents = []string{}
			}
			syncTeamAgents(st, name, input)
		}
	}
}

// syncTeamAgents mirrors membership changes into the flat agents list the
// init payload also populates.
func syncTeamAgents(st *State, tool string, input map[string]any) {
	switch tool {
	case toolTeamAddMember:
		name := inputStr(input, "name", "member_name")
		for _, existing := range st.Agents {
			if existing == name {
				return
			}
		}
		st.Agents = append(st.Agents, name)
	case toolTeamRemoveMember:
		name := inputStr(input, "name", "member_name")
		for i, existing := range st.Agents {
			if existing == name {
				st.Agents = append(st.Agents[:i], st.Agents[i+1:]...)
				return
			}
		}
	}
}

func metaStrings(msg *unified.Message, key string) ([]string, bool) {
	raw, ok := msg.Metadata[key]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return cloneStrings(v), true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

func metaMCPServers(msg *unified.Message) ([]MCPServer, bool) {
	raw, ok := msg.Metadata["mcp_servers"]
	if !ok {
		return nil, false
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]MCPServer, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		status, _ := entry["status"].(string)
		out = append(out, MCPServer{Name: name, Status: status})
	}
	return out, true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mcpServersEqual(a, b []MCPServer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func numField(entry map[string]any, key string) float64 {
	switch v := entry[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
