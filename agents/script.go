package agents

import (
	"context"
	"fmt"
	"sort"

	"github.com/deepnoodle-ai/durable"
	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// Script evaluates Risor code. The code sees these globals:
//
//	input          the step input
//	outputs        outputs of completed steps, keyed by step name
//	workflow_input the workflow input
//	workflow_id    the workflow ID
//
// The value of the last expression becomes the step output.
type Script struct{}

func NewScript() *Script {
	return &Script{}
}

func (a *Script) Name() string {
	return "script"
}

func (a *Script) Execute(ctx context.Context, req *durable.AgentRequest) (any, error) {
	input := req.InputMap()
	code, ok := input["code"].(string)
	if !ok || code == "" {
		return nil, durable.NewError(durable.ErrorCodeValidation, "script agent requires 'code' input")
	}

	globals := map[string]any{}
	for name, value := range all.Builtins() {
		globals[name] = value
	}
	var outputs map[string]any
	var workflowInput any
	var workflowID string
	if ec := req.Context; ec != nil {
		outputs = ec.PreviousStepOutputs.Map()
		workflowInput = ec.WorkflowInput
		workflowID = ec.WorkflowID
	}
	globals["input"] = input
	globals["outputs"] = outputs
	globals["workflow_input"] = workflowInput
	globals["workflow_id"] = workflowID

	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, durable.NewError(durable.ErrorCodeValidation, fmt.Sprintf("failed to parse script: %s", err))
	}
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, durable.NewError(durable.ErrorCodeValidation, fmt.Sprintf("failed to compile script: %s", err))
	}
	result, err := risor.EvalCode(ctx, compiled, risor.WithGlobals(globals))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}
	return toGo(result), nil
}

// toGo converts a Risor object into plain Go values.
func toGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, toGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = toGo(value)
		}
		return result
	case *object.Set:
		var result []any
		for _, item := range o.Value() {
			result = append(result, toGo(item))
		}
		return result
	default:
		return obj.Inspect()
	}
}
