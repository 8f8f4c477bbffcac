package bridge

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/beamcode/beamcode/pkg/wire"
)

// translateInbound lifts a validated consumer frame into the unified form
// offered to backend adapters. Frame types handled entirely on the broker
// side (the queue family, presence, slash commands, set_adapter) never
// reach it.
func translateInbound(in *wire.InboundMessage) (*unified.Message, error) {
	switch in.Type {
	case wire.TypeUserMessage:
		if in.Content == "" && len(in.Images) == 0 {
			return nil, errs.Protocol("user_message requires content or images")
		}
		return userMessage(in.Content, in.Images), nil

	case wire.TypePermissionResponse:
		return permissionResponse(in)

	case wire.TypeInterrupt:
		return unified.New(unified.TypeInterrupt, unified.RoleUser), nil

	case wire.TypeSetModel:
		if in.Model == "" {
			return nil, errs.Protocol("set_model requires a model")
		}
		m := unified.New(unified.TypeControlRequest, unified.RoleUser)
		m.SetMeta("subtype", "set_model")
		m.SetMeta("request_id", uuid.NewString())
		m.SetMeta("model", in.Model)
		return m, nil

	case wire.TypeSetPermissionMode:
		if in.Mode == "" {
			return nil, errs.Protocol("set_permission_mode requires a mode")
		}
		m := unified.New(unified.TypeControlRequest, unified.RoleUser)
		m.SetMeta("subtype", "set_permission_mode")
		m.SetMeta("request_id", uuid.NewString())
		m.SetMeta("mode", in.Mode)
		return m, nil

	default:
		return nil, errs.Protocol("frame type %q cannot be forwarded to a backend", in.Type)
	}
}

// userMessage builds the unified user message from consumer text and
// image attachments.
func userMessage(content string, images []wire.ImageAttachment) *unified.Message {
	m := unified.New(unified.TypeUserMessage, unified.RoleUser)
	if content != "" {
		m.Content = append(m.Content, unified.TextBlock(content))
	}
	for _, img := range images {
		m.Content = append(m.Content, unified.ImageBlock(img.MediaType, img.Data))
	}
	return m
}

func permissionResponse(in *wire.InboundMessage) (*unified.Message, error) {
	if in.RequestID == "" {
		return nil, errs.Protocol("permission_response requires request_id")
	}
	if in.Behavior != "allow" && in.Behavior != "deny" {
		return nil, errs.Protocol("permission_response behavior must be allow or deny, got %q", in.Behavior)
	}
	m := unified.New(unified.TypePermissionResponse, unified.RoleUser)
	m.SetMeta("request_id", in.RequestID)
	m.SetMeta("behavior", in.Behavior)
	if len(in.UpdatedInput) > 0 {
		var input map[string]any
		if err := json.Unmarshal(in.UpdatedInput, &input); err != nil {
			return nil, errs.Protocol("malformed updated_input: %v", err)
		}
		m.SetMeta("updated_input", input)
	}
	if len(in.UpdatedPermissions) > 0 {
		var perms any
		if err := json.Unmarshal(in.UpdatedPermissions, &perms); err != nil {
			return nil, errs.Protocol("malformed updated_permissions: %v", err)
		}
		m.SetMeta("updated_permissions", perms)
	}
	if in.Message != "" {
		m.SetMeta("message", in.Message)
	}
	return m, nil
}
