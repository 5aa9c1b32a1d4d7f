package flowsync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs the struct's validate tags and reports the first
// failing field as a validation error.
func ValidateStruct(op, path string, s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return Validationf(op, path, "%v", err)
	}
	fe := fieldErrs[0]
	field := jsonName(fe.Field())
	if path != "" {
		field = path + "." + field
	}
	return Validationf(op, field, "%s", describeFieldError(fe))
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return "is invalid"
	}
}

func jsonName(field string) string {
	if field == "" {
		return field
	}
	if field == "ID" {
		return "id"
	}
	return strings.ToLower(field[:1]) + field[1:]
}

// ValidateDefinition rejects definitions the engine cannot diff reliably:
// missing or duplicate ids and edges that reference nodes not in the graph.
// Nothing is repaired.
func ValidateDefinition(g GraphDefinition) error {
	const op = "validate definition"

	nodes := make(map[string]struct{}, len(g.Nodes))
	for i, n := range g.Nodes {
		if err := ValidateStruct(op, fmt.Sprintf("nodes[%d]", i), n); err != nil {
			return err
		}
		if _, dup := nodes[n.ID]; dup {
			return Validationf(op, NodePath(n.ID), "duplicate node id")
		}
		nodes[n.ID] = struct{}{}
	}

	edges := make(map[string]struct{}, len(g.Edges))
	for i, e := range g.Edges {
		if err := ValidateStruct(op, fmt.Sprintf("edges[%d]", i), e); err != nil {
			return err
		}
		if _, dup := edges[e.ID]; dup {
			return Validationf(op, EdgePath(e.ID), "duplicate edge id")
		}
		edges[e.ID] = struct{}{}
		if _, ok := nodes[e.Source]; !ok {
			return Validationf(op, EdgePath(e.ID)+".source", "references unknown node %q", e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			return Validationf(op, EdgePath(e.ID)+".target", "references unknown node %q", e.Target)
		}
	}
	return nil
}
