package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SearchHistoryName is the tool name the model uses to search past exchanges.
const SearchHistoryName = "search_history"

const (
	defaultSearchResults = 3
	maxSearchResults     = 10
)

// SearchHistoryInput is the decoded input of a search_history call.
type SearchHistoryInput struct {
	Query    string `json:"query"`
	NResults int    `json:"n_results,omitempty"`
}

// SearchHistoryDefinition describes semantic search over the current scope's
// stored exchanges. The scope is fixed by the request, never by the model.
func SearchHistoryDefinition() Definition {
	return Definition{
		Name: SearchHistoryName,
		Description: "Search earlier exchanges in this conversation topic by meaning. " +
			"Use it when the user refers to something discussed before that is not in the provided context.",
		InputSchema: ObjectSchema(map[string]any{
			"query":     StringProperty("What to look for in past exchanges"),
			"n_results": IntegerProperty("Maximum number of exchanges to return (default: 3)", 1, maxSearchResults),
		}, "query"),
	}
}

// ParseSearchHistoryInput decodes and normalizes a search_history input.
func ParseSearchHistoryInput(raw json.RawMessage) (SearchHistoryInput, error) {
	var in SearchHistoryInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("invalid %s input: %w", SearchHistoryName, err)
	}
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return in, errors.New("query is required")
	}
	switch {
	case in.NResults <= 0:
		in.NResults = defaultSearchResults
	case in.NResults > maxSearchResults:
		in.NResults = maxSearchResults
	}
	return in, nil
}
