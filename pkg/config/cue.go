package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
)

// planSchema constrains CUE plans before they are exported. A file may
// declare the plan at its root or under a top-level "plan" field, which
// leaves room for helper fields and comprehensions next to it.
const planSchema = `
#Edit: {
	path:   =~"^/"
	op:     "merge" | "replace" | "create" | "delete"
	value?: _
}

#DeviceChange: {
	device:      string & !=""
	depends_on?: [...string]
	edits: [#Edit, ...#Edit]
}

#Plan: {
	id:                       string & !=""
	description?:             string
	concurrency?:             int & >=0
	rollback_on_any_failure?: bool
	deadline?:                string
	devices: [#DeviceChange, ...#DeviceChange]
}
`

// compileCUE evaluates a CUE plan against the plan schema and exports it as JSON.
func compileCUE(data []byte, source string) ([]byte, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(planSchema, cue.Filename("plan-schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile plan schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(source))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	if p := val.LookupPath(cue.ParsePath("plan")); p.Exists() {
		val = p
	}

	plan := schema.LookupPath(cue.MakePath(cue.Def("#Plan"))).Unify(val)
	if err := plan.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	out, err := plan.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}
	return out, nil
}

// formatCUE renders a plan document as CUE source.
func formatCUE(doc *PlanDocument) ([]byte, error) {
	val := cuecontext.New().Encode(doc)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	out, err := format.Node(val.Syntax())
	if err != nil {
		return nil, fmt.Errorf("failed to format plan: %w", err)
	}
	return out, nil
}

// convertCUEErrors flattens CUE errors into positioned validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
