package unified

import (
	"encoding/json"
	"fmt"
)

// BlockType tags a content block variant.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
	BlockCode       BlockType = "code"
	BlockImage      BlockType = "image"
	BlockRefusal    BlockType = "refusal"
)

// ContentBlock is a tagged union. Exactly the fields of the active variant
// are populated; JSON encoding flattens to the variant's wire shape.
type ContentBlock struct {
	Type BlockType

	// text
	Text string

	ToolUse    *ToolUse
	ToolResult *ToolResult
	Thinking   *Thinking
	Code       *Code
	Image      *Image

	// refusal
	Refusal string
}

// ToolUse is a tool invocation block.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult carries a tool outcome. Content is always a string on the
// wire; array-form content is JSON-stringified at decode time.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Thinking is an extended-reasoning block.
type Thinking struct {
	Thinking     string `json:"thinking"`
	BudgetTokens int64  `json:"budget_tokens,omitempty"`
}

// Code is a fenced code block.
type Code struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Image is a base64 image block.
type Image struct {
	Source ImageSource `json:"source"`
}

// ImageSource holds inline image data.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolResult: &ToolResult{ToolUseID: toolUseID, Content: content, IsError: isError}}
}

// ThinkingBlock builds a thinking content block.
func ThinkingBlock(thinking string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Thinking: &Thinking{Thinking: thinking}}
}

// ImageBlock builds a base64 image content block.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, Image: &Image{Source: ImageSource{Type: "base64", MediaType: mediaType, Data: data}}}
}

func (b ContentBlock) clone() ContentBlock {
	cp := b
	switch {
	case b.ToolUse != nil:
		tu := *b.ToolUse
		if b.ToolUse.Input != nil {
			tu.Input = make(map[string]any, len(b.ToolUse.Input))
			for k, v := range b.ToolUse.Input {
				tu.Input[k] = v
			}
		}
		cp.ToolUse = &tu
	case b.ToolResult != nil:
		tr := *b.ToolResult
		cp.ToolResult = &tr
	case b.Thinking != nil:
		th := *b.Thinking
		cp.Thinking = &th
	case b.Code != nil:
		c := *b.Code
		cp.Code = &c
	case b.Image != nil:
		im := *b.Image
		cp.Image = &im
	}
	return cp
}

// wireBlock is the flattened JSON shape shared by all variants.
type wireBlock struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	Thinking     string `json:"thinking,omitempty"`
	BudgetTokens int64  `json:"budget_tokens,omitempty"`

	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`

	Source *ImageSource `json:"source,omitempty"`

	Refusal string `json:"refusal,omitempty"`
}

// MarshalJSON flattens the active variant into its wire shape.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	w := wireBlock{Type: b.Type}
	switch b.Type {
	case BlockText:
		w.Text = b.Text
	case BlockToolUse:
		if b.ToolUse != nil {
			w.ID = b.ToolUse.ID
			w.Name = b.ToolUse.Name
			w.Input = b.ToolUse.Input
		}
	case BlockToolResult:
		if b.ToolResult != nil {
			w.ToolUseID = b.ToolResult.ToolUseID
			content, err := json.Marshal(b.ToolResult.Content)
			if err != nil {
				return nil, err
			}
			w.Content = content
			w.IsError = b.ToolResult.IsError
		}
	case BlockThinking:
		if b.Thinking != nil {
			w.Thinking = b.Thinking.Thinking
			w.BudgetTokens = b.Thinking.BudgetTokens
		}
	case BlockCode:
		if b.Code != nil {
			w.Language = b.Code.Language
			w.Code = b.Code.Code
		}
	case BlockImage:
		if b.Image != nil {
			src := b.Image.Source
			w.Source = &src
		}
	case BlockRefusal:
		w.Refusal = b.Refusal
	default:
		return nil, fmt.Errorf("unknown content block type %q", b.Type)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape into the matching variant. Array
// tool_result content is stringified so ToolResult.Content is always a
// plain string.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = ContentBlock{Type: w.Type}
	switch w.Type {
	case BlockText:
		b.Text = w.Text
	case BlockToolUse:
		b.ToolUse = &ToolUse{ID: w.ID, Name: w.Name, Input: w.Input}
	case BlockToolResult:
		content, err := decodeToolResultContent(w.Content)
		if err != nil {
			return err
		}
		b.ToolResult = &ToolResult{ToolUseID: w.ToolUseID, Content: content, IsError: w.IsError}
	case BlockThinking:
		b.Thinking = &Thinking{Thinking: w.Thinking, BudgetTokens: w.BudgetTokens}
	case BlockCode:
		b.Code = &Code{Language: w.Language, Code: w.Code}
	case BlockImage:
		if w.Source != nil {
			b.Image = &Image{Source: *w.Source}
		} else {
			b.Image = &Image{}
		}
	case BlockRefusal:
		b.Refusal = w.Refusal
	default:
		return fmt.Errorf("unknown content block type %q", w.Type)
	}
	return nil
}

func decodeToolResultContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	// Array or object form: store the JSON text itself.
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("decode tool_result content: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
