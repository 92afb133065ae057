// Package condition implements the declarative boolean condition trees that
// follow-up rules evaluate against fetched rows. A tree is JSON-encoded as
// single-key objects:
//
//	{"all": [child, ...]}
//	{"any": [child, ...]}
//	{"equals": {"field": "status", "value": "NoReply"}}
//	{"olderThanDays": {"field": "last_touch", "days": 3}}
//
// Trees are validated once against the owning mapping at rule-save time and
// evaluated as a pure function at execution time.
package condition

import (
	"encoding/json"
	"fmt"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
)

// Combinator operators.
const (
	OpAll = "all"
	OpAny = "any"
)

// Predicate kinds.
const (
	PredEquals        = "equals"
	PredNotEquals     = "notEquals"
	PredContains      = "contains"
	PredOlderThanDays = "olderThanDays"
	PredNewerThanDays = "newerThanDays"
)

// Node is one node of a condition tree: either a combinator over children
// (Op set, Pred nil) or a leaf predicate (Op empty, Pred set).
type Node struct {
	Op       string
	Children []Node
	Pred     *Predicate
}

// Predicate is a leaf comparison against one mapped field of a row.
// Field names a semantic role in the owning mapping, not a raw column.
type Predicate struct {
	Kind  string          `json:"-"`
	Field string          `json:"field"`
	Value json.RawMessage `json:"value,omitempty"`
	Days  int             `json:"days,omitempty"`
}

// UnmarshalJSON decodes the single-key wire format described in the package
// comment. An object with zero or multiple keys, or an unknown key, is a
// configuration error.
func (n *Node) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("condition node must be an object: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("condition node must have exactly one key, got %d", len(obj))
	}

	for key, raw := range obj {
		switch key {
		case OpAll, OpAny:
			var children []Node
			if err := json.Unmarshal(raw, &children); err != nil {
				return fmt.Errorf("%q children must be an array: %w", key, err)
			}
			n.Op = key
			n.Children = children
			n.Pred = nil
		case PredEquals, PredNotEquals, PredContains, PredOlderThanDays, PredNewerThanDays:
			var pred Predicate
			if err := json.Unmarshal(raw, &pred); err != nil {
				return fmt.Errorf("invalid %q predicate: %w", key, err)
			}
			pred.Kind = key
			n.Op = ""
			n.Children = nil
			n.Pred = &pred
		default:
			return fmt.Errorf("%w: %q", apperrors.ErrUnknownPredicate, key)
		}
	}
	return nil
}

// MarshalJSON re-encodes the node in the same single-key wire format, so
// trees round-trip through the rules table unchanged.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.Op != "" {
		children := n.Children
		if children == nil {
			children = []Node{}
		}
		return json.Marshal(map[string][]Node{n.Op: children})
	}
	if n.Pred == nil {
		return nil, fmt.Errorf("condition node has neither combinator nor predicate")
	}
	return json.Marshal(map[string]*Predicate{n.Pred.Kind: n.Pred})
}

// Validate checks the tree against the owning mapping's role -> column map.
// Every leaf's field must resolve to a concrete column; an unresolvable field
// is a configuration error, never a silent false at evaluation time.
func (n *Node) Validate(fields map[string]string) error {
	if n.Op != "" {
		for i := range n.Children {
			if err := n.Children[i].Validate(fields); err != nil {
				return err
			}
		}
		return nil
	}

	if n.Pred == nil {
		return fmt.Errorf("condition node has neither combinator nor predicate")
	}
	p := n.Pred
	if p.Field == "" {
		return fmt.Errorf("%q predicate is missing a field", p.Kind)
	}
	if _, ok := fields[p.Field]; !ok {
		return fmt.Errorf("%w: %q", apperrors.ErrMappingField, p.Field)
	}
	switch p.Kind {
	case PredOlderThanDays, PredNewerThanDays:
		if p.Days <= 0 {
			return fmt.Errorf("%q predicate on %q requires days > 0", p.Kind, p.Field)
		}
	case PredEquals, PredNotEquals, PredContains:
		if len(p.Value) == 0 {
			return fmt.Errorf("%q predicate on %q requires a value", p.Kind, p.Field)
		}
	default:
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownPredicate, p.Kind)
	}
	return nil
}

// Fields returns the distinct semantic roles referenced by the tree's leaves,
// in first-seen order. Used to build the column list for candidate fetches.
func (n *Node) Fields() []string {
	seen := make(map[string]bool)
	var roles []string
	n.collectFields(seen, &roles)
	return roles
}

func (n *Node) collectFields(seen map[string]bool, roles *[]string) {
	if n.Pred != nil && n.Pred.Field != "" && !seen[n.Pred.Field] {
		seen[n.Pred.Field] = true
		*roles = append(*roles, n.Pred.Field)
	}
	for i := range n.Children {
		n.Children[i].collectFields(seen, roles)
	}
}
