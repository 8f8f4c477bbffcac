package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/beamcode/beamcode/pkg/wire"
)

func TestTranslateOutboundSessionInitOverridesSessionID(t *testing.T) {
	sess := newTestSession()
	msg := unified.New(unified.TypeSessionInit, unified.RoleSystem)
	msg.SetMeta("session_id", "upstream-42")
	msg.SetMeta("model", "claude-sonnet-4-5")
	msg.SetMeta("cwd", "/work/repo")

	frames := translateOutbound(sess, msg)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.TypeSessionInit, frames[0].Type)
	assert.Equal(t, "sess-1", frames[0].Str("session_id"))
	assert.Equal(t, "claude-sonnet-4-5", frames[0].Str("model"))
	assert.Equal(t, "/work/repo", frames[0].Str("cwd"))

	// Field maps are fresh; the unified message keeps its upstream id.
	assert.Equal(t, "upstream-42", msg.MetaString("session_id"))
}

func TestTranslateOutboundAssistantCarriesContent(t *testing.T) {
	sess := newTestSession()
	msg := unified.NewAssistantText("done, two files changed")
	msg.SetMeta("model", "claude-sonnet-4-5")

	frames := translateOutbound(sess, msg)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.TypeAssistant, frames[0].Type)
	assert.Equal(t, msg.ID, frames[0].Str("id"))
	assert.Equal(t, "claude-sonnet-4-5", frames[0].Str("model"))
	content, ok := frames[0].Field("content").([]unified.ContentBlock)
	require.True(t, ok)
	require.Len(t, content, 1)
	assert.Equal(t, "done, two files changed", content[0].Text)
}

func TestTranslateOutboundPermissionRequestFields(t *testing.T) {
	sess := newTestSession()
	msg := unified.New(unified.TypePermissionRequest, unified.RoleSystem)
	msg.SetMeta("request_id", "perm-1")
	msg.SetMeta("tool_name", "Bash")
	msg.SetMeta("input", map[string]any{"command": "rm -rf build"})
	msg.SetMeta("permission_suggestions", []any{map[string]any{"type": "addRules"}})
	msg.SetMeta("description", "Delete the build directory")
	msg.SetMeta("tool_use_id", "toolu_01")

	frames := translateOutbound(sess, msg)
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Equal(t, wire.TypePermissionRequest, f.Type)
	assert.Equal(t, "perm-1", f.Str("request_id"))
	assert.Equal(t, "Bash", f.Str("tool_name"))
	assert.Equal(t, "Delete the build directory", f.Str("description"))
	assert.Equal(t, "toolu_01", f.Str("tool_use_id"))
	assert.NotNil(t, f.Field("input"))
	assert.NotNil(t, f.Field("suggestions"))
	assert.Nil(t, f.Field("permission_suggestions"))
	assert.Nil(t, f.Field("agent_id"))
}

func TestTranslateOutboundDropsBrokerInternalTypes(t *testing.T) {
	sess := newTestSession()
	for _, msgType := range []unified.Type{
		unified.TypeControlRequest,
		unified.TypeControlResponse,
		unified.TypeControlCancelRequest,
		unified.TypeKeepAlive,
		unified.TypeUserMessage,
		unified.TypeTaskNotification,
	} {
		msg := unified.New(msgType, unified.RoleSystem)
		assert.Nil(t, translateOutbound(sess, msg), string(msgType))
	}
}

func TestTranslateOutboundForwardsUnknownAdapterTypes(t *testing.T) {
	sess := newTestSession()
	msg := unified.New(unified.Type("compaction_report"), unified.RoleSystem)
	msg.SetMeta("tokens_saved", 1200)

	frames := translateOutbound(sess, msg)
	require.Len(t, frames, 1)
	assert.Equal(t, "compaction_report", frames[0].Type)
	assert.Equal(t, msg.ID, frames[0].Str("id"))
	assert.Equal(t, 1200, frames[0].Field("tokens_saved"))
}

func TestTranslateOutboundPassthroughTypes(t *testing.T) {
	sess := newTestSession()
	for _, tc := range []struct {
		in  unified.Type
		out string
	}{
		{unified.TypeStatusChange, wire.TypeStatusChange},
		{unified.TypeResult, wire.TypeResult},
		{unified.TypeStreamEvent, wire.TypeStreamEvent},
		{unified.TypeToolProgress, wire.TypeToolProgress},
		{unified.TypeToolUseSummary, wire.TypeToolUseSummary},
		{unified.TypeAuthStatus, wire.TypeAuthStatus},
		{unified.TypeConfigurationChange, wire.TypeConfigurationChange},
		{unified.TypeSessionLifecycle, wire.TypeSessionLifecycle},
	} {
		msg := unified.New(tc.in, unified.RoleSystem)
		msg.SetMeta("marker", "kept")
		frames := translateOutbound(sess, msg)
		require.Len(t, frames, 1, string(tc.in))
		assert.Equal(t, tc.out, frames[0].Type)
		assert.Equal(t, "kept", frames[0].Str("marker"))
	}
}
