package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"dario.cat/mergo"

	"github.com/deepnoodle-ai/durable"
)

// JSONInput defines the input of the json agent. Data and MergeWith may be
// JSON strings or already decoded values.
type JSONInput struct {
	Operation string `json:"operation"`
	Data      any    `json:"data"`
	Query     string `json:"query"`
	MergeWith any    `json:"merge_with"`
}

// JSON parses, queries, merges and formats JSON values.
//
// Operations:
//   - parse: decode a JSON string
//   - stringify: encode a value as indented JSON
//   - query: select a value by dot path, e.g. "items.0.name"
//   - merge: deep merge merge_with into data, merge_with winning
//   - validate: report whether data is valid JSON
type JSON struct{}

func NewJSON() *JSON {
	return &JSON{}
}

func (a *JSON) Name() string {
	return "json"
}

func (a *JSON) Execute(ctx context.Context, req *durable.AgentRequest) (any, error) {
	var input JSONInput
	if err := req.Decode(&input); err != nil {
		return nil, err
	}
	if input.Operation == "" {
		input.Operation = "parse"
	}

	switch strings.ToLower(input.Operation) {
	case "parse":
		return decodeValue(input.Data)

	case "stringify":
		value, err := decodeValue(input.Data)
		if err != nil {
			return nil, err
		}
		formatted, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return nil, invalid("failed to encode value: %s", err)
		}
		return string(formatted), nil

	case "query":
		value, err := decodeValue(input.Data)
		if err != nil {
			return nil, err
		}
		return queryPath(value, input.Query)

	case "merge":
		base, err := decodeObject(input.Data, "data")
		if err != nil {
			return nil, err
		}
		overlay, err := decodeObject(input.MergeWith, "merge_with")
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(&base, overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge: %w", err)
		}
		return base, nil

	case "validate":
		s, ok := input.Data.(string)
		if !ok {
			return input.Data != nil, nil
		}
		return json.Valid([]byte(s)), nil

	default:
		return nil, invalid("unsupported operation: %s", input.Operation)
	}
}

func invalid(format string, args ...any) error {
	return durable.Errorf(durable.ErrorCodeValidation, format, args...)
}

// decodeValue decodes JSON strings and passes other values through.
func decodeValue(data any) (any, error) {
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	var value any
	if err := json.Unmarshal([]byte(s), &value); err != nil {
		return nil, invalid("invalid json: %s", err)
	}
	return value, nil
}

func decodeObject(data any, field string) (map[string]any, error) {
	value, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, invalid("%s must be a JSON object", field)
	}
	return obj, nil
}

// queryPath walks a dot separated path through objects and arrays.
func queryPath(value any, path string) (any, error) {
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return value, nil
	}
	current := value
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, invalid("key %q not found", part)
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil {
				return nil, invalid("invalid array index %q", part)
			}
			if idx < 0 || idx >= len(v) {
				return nil, invalid("array index %d out of bounds", idx)
			}
			current = v[idx]
		default:
			return nil, invalid("cannot query %q into a %T", part, current)
		}
	}
	return current, nil
}
