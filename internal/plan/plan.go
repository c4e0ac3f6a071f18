// Package plan builds query plans: it resolves relation includes under access
// control, compiles explicit field selections, and validates sort and
// pagination parameters. A Plan is built once per call and handed to the
// storage layer.
package plan

// Plan is the complete description of one fetch handed to the storage layer.
// Select and Include are mutually exclusive: once any field list is given the
// whole plan uses selection.
type Plan struct {
	Where   map[string]any
	Include map[string]any // relation name -> true | *IncludeNode
	Select  map[string]any // field -> true, relation -> *IncludeNode | map
	Omit    []string
	OrderBy []OrderTerm
	Take    int
	Skip    int
}

// OrderTerm is one sort criterion. Path holds the dot-path segments; all but
// the last are relation names.
type OrderTerm struct {
	Path []string
	Desc bool
}

// IncludeNode is the non-trivial shape of one included relation. Relations
// with no filter, omission or nested include are represented as the bare
// value true instead, mirroring the minimal-representation rule.
type IncludeNode struct {
	Where   map[string]any
	Omit    []string
	Include map[string]any
	Select  map[string]any
}

// IsEmpty reports whether the node carries no constraints and can collapse
// to the bare true form.
func (n *IncludeNode) IsEmpty() bool {
	return n == nil || (len(n.Where) == 0 && len(n.Omit) == 0 && len(n.Include) == 0 && len(n.Select) == 0)
}
