package flowsync

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// GraphDefinition is the document payload of one workflow snapshot.
// Treat it as a value: every mutation goes through Clone first.
type GraphDefinition struct {
	Nodes     []Node      `json:"nodes"`
	Edges     []Edge      `json:"edges"`
	Variables PropertyMap `json:"variables,omitempty"`
	Settings  PropertyMap `json:"settings,omitempty"`
	Metadata  PropertyMap `json:"metadata,omitempty"`
}

// Position is a node's canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node represents a vertex of the workflow graph.
type Node struct {
	ID       string          `json:"id" validate:"required"`
	Type     string          `json:"type,omitempty"`
	Position Position        `json:"position"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Edge represents a directed connection between two nodes.
type Edge struct {
	ID           string `json:"id" validate:"required"`
	Source       string `json:"source" validate:"required"`
	Target       string `json:"target" validate:"required"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// PropertyMap holds one of the free-form top-level maps (variables, settings, metadata).
type PropertyMap map[string]any

// ValueKind names the concrete type behind a Value.
type ValueKind string

const (
	KindNode     ValueKind = "node"
	KindEdge     ValueKind = "edge"
	KindProperty ValueKind = "property"
)

// Value is the closed set of payloads carried by change records and
// collaborative operations: Node, Edge or PropertyMap.
type Value interface {
	Kind() ValueKind
}

func (Node) Kind() ValueKind        { return KindNode }
func (Edge) Kind() ValueKind        { return KindEdge }
func (PropertyMap) Kind() ValueKind { return KindProperty }

// DecodeValue unmarshals raw JSON into the Value of the given kind.
// Empty or null input yields a nil Value.
func DecodeValue(kind ValueKind, raw json.RawMessage) (Value, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch kind {
	case KindNode:
		var n Node
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("flowsync: decode node: %w", err)
		}
		return n, nil
	case KindEdge:
		var e Edge
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("flowsync: decode edge: %w", err)
		}
		return e, nil
	case KindProperty:
		var p PropertyMap
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("flowsync: decode property map: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("flowsync: unknown value kind %q", kind)
	}
}

// Canonical returns the serialized form used for equality checks.
// encoding/json sorts map keys, so equal values serialize identically.
func Canonical(v any) string {
	if v == nil {
		return "null"
	}
	switch t := v.(type) {
	case Node:
		t.Data = compactJSON(t.Data)
		v = t
	case PropertyMap:
		if t == nil {
			return "null"
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// compactJSON normalizes raw node data so whitespace differences do not
// register as modifications.
func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	var v any
	if err := json.Unmarshal(buf.Bytes(), &v); err != nil {
		return buf.Bytes()
	}
	out, err := json.Marshal(v)
	if err != nil {
		return buf.Bytes()
	}
	return out
}

// Clone returns a deep copy of the definition.
func (g GraphDefinition) Clone() GraphDefinition {
	out := GraphDefinition{
		Nodes:     make([]Node, len(g.Nodes)),
		Edges:     make([]Edge, len(g.Edges)),
		Variables: g.Variables.Clone(),
		Settings:  g.Settings.Clone(),
		Metadata:  g.Metadata.Clone(),
	}
	for i, n := range g.Nodes {
		out.Nodes[i] = n.Clone()
	}
	copy(out.Edges, g.Edges)
	return out
}

// Clone returns a copy of the node that shares no memory with n.
func (n Node) Clone() Node {
	if n.Data != nil {
		n.Data = append(json.RawMessage(nil), n.Data...)
	}
	return n
}

// Clone deep-copies the map through a JSON round trip so nested maps and
// slices are not shared.
func (p PropertyMap) Clone() PropertyMap {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		out := make(PropertyMap, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	var out PropertyMap
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// Property returns the named top-level property map.
func (g GraphDefinition) Property(name string) (PropertyMap, bool) {
	switch name {
	case PropertyVariables:
		return g.Variables, true
	case PropertySettings:
		return g.Settings, true
	case PropertyMetadata:
		return g.Metadata, true
	}
	return nil, false
}

// SetProperty replaces the named top-level property map. Unknown names are ignored.
func (g *GraphDefinition) SetProperty(name string, p PropertyMap) {
	switch name {
	case PropertyVariables:
		g.Variables = p
	case PropertySettings:
		g.Settings = p
	case PropertyMetadata:
		g.Metadata = p
	}
}

// Top-level property names compared by the diff engine.
const (
	PropertyVariables = "variables"
	PropertySettings  = "settings"
	PropertyMetadata  = "metadata"
)

// Properties lists the top-level property names in diff order.
var Properties = []string{PropertyVariables, PropertySettings, PropertyMetadata}

// NodeIndex returns the position of the node with id, or -1.
func (g GraphDefinition) NodeIndex(id string) int {
	for i, n := range g.Nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// EdgeIndex returns the position of the edge with id, or -1.
func (g GraphDefinition) EdgeIndex(id string) int {
	for i, e := range g.Edges {
		if e.ID == id {
			return i
		}
	}
	return -1
}
