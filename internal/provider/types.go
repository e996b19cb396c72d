// Package provider implements the client for the upstream Anthropic-style
// Messages API: request construction, bearer-token acquisition, and parsing
// of the streamed event protocol into normalized stream events.
package provider

import "encoding/json"

// Role identifies the author of a message sent upstream.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the ContentBlock union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one unit of message content. Exactly one of the payload
// fields matching Type is set.
type ContentBlock struct {
	Type       BlockType
	Text       string
	Image      *ImageSource
	ToolUse    *ToolUse
	ToolResult *ToolResult
}

// ImageSource carries a base64-encoded image for an image block.
type ImageSource struct {
	MediaType string
	Data      string // base64
}

// ToolUse is a model-initiated tool invocation.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult feeds a tool's output back to the model, correlated to the
// invocation by ToolUseID.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds an image content block from base64 data.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, Image: &ImageSource{MediaType: mediaType, Data: data}}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolResult: &ToolResult{
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}}
}

// Message is one conversation turn in the upstream request.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// TextMessage builds a single-text-block message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{TextBlock(text)}}
}

// Tool declares a callable tool to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolMode controls how tools are offered on a request.
//
// The provider's protocol requires tool declarations to remain present (but
// unusable) on any request whose history already contains tool_use blocks,
// which is what ToolsForbidden expresses.
type ToolMode int

const (
	// ToolsNone omits the tools field entirely.
	ToolsNone ToolMode = iota
	// ToolsAllowed declares tools and lets the model choose to use them.
	ToolsAllowed
	// ToolsForbidden declares tools but forbids their use (tool_choice none).
	ToolsForbidden
)

// Request is a Messages API call. System is a distinguished top-level field,
// never a message.
type Request struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []Message
	Tools     []Tool
	ToolMode  ToolMode
}

// StopReason reports why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// Usage carries token accounting from the provider.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is a complete (accumulated or non-streaming) model response.
type Response struct {
	Content    []ContentBlock
	StopReason StopReason
	Model      string
	Usage      Usage
}

// Text concatenates all text blocks of the response.
func (r *Response) Text() string {
	var out string
	for _, block := range r.Content {
		if block.Type == BlockText {
			out += block.Text
		}
	}
	return out
}

// ToolUses returns all tool_use blocks of the response in provider order.
func (r *Response) ToolUses() []*ToolUse {
	var uses []*ToolUse
	for _, block := range r.Content {
		if block.Type == BlockToolUse && block.ToolUse != nil {
			uses = append(uses, block.ToolUse)
		}
	}
	return uses
}
