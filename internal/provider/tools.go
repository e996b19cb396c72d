package provider

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// WebSearchToolName is the tool identifier the model uses to request a web
// search before finishing its answer.
const WebSearchToolName = "web_search"

// WebSearchInput is the argument schema for the web_search tool.
type WebSearchInput struct {
	Queries []string `json:"queries" jsonschema:"search queries to run"`
}

// WebSearchTool returns the web_search tool declaration with its inferred
// input schema.
func WebSearchTool() (Tool, error) {
	schema, err := jsonschema.For[WebSearchInput](nil)
	if err != nil {
		return Tool{}, fmt.Errorf("provider: inferring web_search schema: %w", err)
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return Tool{}, fmt.Errorf("provider: marshaling web_search schema: %w", err)
	}
	return Tool{
		Name:        WebSearchToolName,
		Description: "Search the web for current information. Provide one or more search queries.",
		InputSchema: raw,
	}, nil
}

// ParseWebSearchInput decodes tool invocation arguments. Malformed input
// yields an empty query list, never an error, so one bad invocation cannot
// abort a turn.
func ParseWebSearchInput(raw json.RawMessage) WebSearchInput {
	var input WebSearchInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return WebSearchInput{}
	}
	return input
}
