package provider

import "encoding/json"

// Wire types map directly to the Messages API JSON format. They are kept
// separate from the public types because the wire format uses snake_case and
// represents content blocks as a single-level discriminated union.

type wireRequest struct {
	Model      string          `json:"model"`
	MaxTokens  int             `json:"max_tokens"`
	System     string          `json:"system,omitempty"`
	Messages   []wireMessage   `json:"messages"`
	Tools      []wireTool      `json:"tools,omitempty"`
	ToolChoice *wireToolChoice `json:"tool_choice,omitempty"`
	Stream     bool            `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	Source    *wireImageSource `json:"source,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   json.RawMessage  `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireToolChoice struct {
	Type string `json:"type"` // "auto" | "none"
}

type wireResponse struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Role       string      `json:"role"`
	Content    []wireBlock `json:"content"`
	Model      string      `json:"model"`
	StopReason string      `json:"stop_reason"`
	Usage      wireUsage   `json:"usage"`
}

type wireUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func toWireMessage(message Message) wireMessage {
	wire := wireMessage{Role: string(message.Role)}
	for _, block := range message.Content {
		wire.Content = append(wire.Content, toWireBlock(block))
	}
	return wire
}

func toWireBlock(block ContentBlock) wireBlock {
	switch block.Type {
	case BlockText:
		return wireBlock{Type: "text", Text: block.Text}
	case BlockImage:
		if block.Image != nil {
			return wireBlock{Type: "image", Source: &wireImageSource{
				Type:      "base64",
				MediaType: block.Image.MediaType,
				Data:      block.Image.Data,
			}}
		}
	case BlockToolUse:
		if block.ToolUse != nil {
			return wireBlock{
				Type:  "tool_use",
				ID:    block.ToolUse.ID,
				Name:  block.ToolUse.Name,
				Input: block.ToolUse.Input,
			}
		}
	case BlockToolResult:
		if block.ToolResult != nil {
			// The wire format wants the result content as JSON; marshal the
			// string so quoting and escaping are correct.
			contentJSON, _ := json.Marshal(block.ToolResult.Content)
			return wireBlock{
				Type:      "tool_result",
				ToolUseID: block.ToolResult.ToolUseID,
				Content:   contentJSON,
				IsError:   block.ToolResult.IsError,
			}
		}
	}
	return wireBlock{Type: string(block.Type)}
}

func fromWireBlock(wire wireBlock) ContentBlock {
	switch wire.Type {
	case "text":
		return TextBlock(wire.Text)
	case "tool_use":
		return ToolUseBlock(wire.ID, wire.Name, wire.Input)
	default:
		// Unknown block types degrade to text with a type prefix rather
		// than dropping content.
		return TextBlock("[" + wire.Type + "] " + wire.Text)
	}
}

func (wr *wireResponse) toResponse() *Response {
	response := &Response{
		StopReason: StopReason(wr.StopReason),
		Model:      wr.Model,
		Usage: Usage{
			InputTokens:  wr.Usage.InputTokens,
			OutputTokens: wr.Usage.OutputTokens,
		},
	}
	for _, block := range wr.Content {
		response.Content = append(response.Content, fromWireBlock(block))
	}
	return response
}
