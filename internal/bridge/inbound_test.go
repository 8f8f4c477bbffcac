package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/beamcode/beamcode/pkg/wire"
)

func TestTranslateInboundUserMessage(t *testing.T) {
	msg, err := translateInbound(&wire.InboundMessage{
		Type:    wire.TypeUserMessage,
		Content: "run the tests",
		Images: []wire.ImageAttachment{
			{MediaType: "image/png", Data: "aGVsbG8="},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, unified.TypeUserMessage, msg.Type)
	assert.Equal(t, unified.RoleUser, msg.Role)
	require.Len(t, msg.Content, 2)
	assert.Equal(t, "run the tests", msg.Content[0].Text)
	assert.Equal(t, unified.BlockImage, msg.Content[1].Type)
	require.NotNil(t, msg.Content[1].Image)
	assert.Equal(t, "image/png", msg.Content[1].Image.Source.MediaType)
	assert.Equal(t, "aGVsbG8=", msg.Content[1].Image.Source.Data)

	_, err = translateInbound(&wire.InboundMessage{Type: wire.TypeUserMessage})
	assert.Error(t, err)
}

func TestTranslateInboundPermissionResponse(t *testing.T) {
	msg, err := translateInbound(&wire.InboundMessage{
		Type:               wire.TypePermissionResponse,
		RequestID:          "perm-7",
		Behavior:           "allow",
		UpdatedInput:       json.RawMessage(`{"command":"ls -la"}`),
		UpdatedPermissions: json.RawMessage(`[{"type":"addRules"}]`),
		Message:            "scoped down",
	})
	require.NoError(t, err)
	assert.Equal(t, unified.TypePermissionResponse, msg.Type)
	assert.Equal(t, "perm-7", msg.MetaString("request_id"))
	assert.Equal(t, "allow", msg.MetaString("behavior"))
	input := msg.MetaMap("updated_input")
	require.NotNil(t, input)
	assert.Equal(t, "ls -la", input["command"])
	assert.NotNil(t, msg.Metadata["updated_permissions"])
	assert.Equal(t, "scoped down", msg.MetaString("message"))
}

func TestTranslateInboundPermissionResponseValidation(t *testing.T) {
	_, err := translateInbound(&wire.InboundMessage{
		Type:     wire.TypePermissionResponse,
		Behavior: "allow",
	})
	assert.ErrorContains(t, err, "request_id")

	_, err = translateInbound(&wire.InboundMessage{
		Type:      wire.TypePermissionResponse,
		RequestID: "perm-7",
		Behavior:  "maybe",
	})
	assert.ErrorContains(t, err, "behavior")

	_, err = translateInbound(&wire.InboundMessage{
		Type:         wire.TypePermissionResponse,
		RequestID:    "perm-7",
		Behavior:     "deny",
		UpdatedInput: json.RawMessage(`{broken`),
	})
	assert.ErrorContains(t, err, "updated_input")
}

func TestTranslateInboundControlFrames(t *testing.T) {
	msg, err := translateInbound(&wire.InboundMessage{Type: wire.TypeInterrupt})
	require.NoError(t, err)
	assert.Equal(t, unified.TypeInterrupt, msg.Type)

	msg, err = translateInbound(&wire.InboundMessage{Type: wire.TypeSetModel, Model: "claude-opus-4-5"})
	require.NoError(t, err)
	assert.Equal(t, unified.TypeControlRequest, msg.Type)
	assert.Equal(t, "set_model", msg.MetaString("subtype"))
	assert.Equal(t, "claude-opus-4-5", msg.MetaString("model"))
	assert.NotEmpty(t, msg.MetaString("request_id"))

	msg, err = translateInbound(&wire.InboundMessage{Type: wire.TypeSetPermissionMode, Mode: "acceptEdits"})
	require.NoError(t, err)
	assert.Equal(t, "set_permission_mode", msg.MetaString("subtype"))
	assert.Equal(t, "acceptEdits", msg.MetaString("mode"))

	_, err = translateInbound(&wire.InboundMessage{Type: wire.TypeSetModel})
	assert.Error(t, err)
	_, err = translateInbound(&wire.InboundMessage{Type: wire.TypeSetPermissionMode})
	assert.Error(t, err)
}

func TestTranslateInboundRefusesBrokerLocalTypes(t *testing.T) {
	for _, msgType := range []string{
		wire.TypeSlashCommand,
		wire.TypeQueueMessage,
		wire.TypePresenceQuery,
		wire.TypeSetAdapter,
	} {
		_, err := translateInbound(&wire.InboundMessage{Type: msgType})
		assert.Error(t, err, msgType)
	}
}
