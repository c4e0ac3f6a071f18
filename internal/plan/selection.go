package plan

import (
	"slices"
	"strings"

	"schemarest/internal/acl"
	"schemarest/internal/apperr"
	"schemarest/internal/introspection"
)

// Compiler turns an explicit field list plus resolved includes into one
// selection tree.
type Compiler struct {
	provider *introspection.Provider
	enforcer *acl.Enforcer
}

// NewCompiler creates a Compiler.
func NewCompiler(provider *introspection.Provider, enforcer *acl.Enforcer) *Compiler {
	return &Compiler{provider: provider, enforcer: enforcer}
}

// CompileSelect parses a flat comma list with dot notation (id,name,author.name)
// into a selection tree. Every relation referenced must already appear in the
// resolved include set; scalar fields subtract the principal's omissions.
func (c *Compiler) CompileSelect(entity, fields string, includes map[string]any, principal *acl.Principal) (map[string]any, error) {
	fields = strings.TrimSpace(fields)
	if fields == "" {
		return nil, nil
	}
	paths := strings.Split(fields, ",")
	for i := range paths {
		paths[i] = strings.TrimSpace(paths[i])
	}
	return c.compile(entity, paths, includes, principal)
}

func (c *Compiler) compile(entity string, paths []string, includes map[string]any, principal *acl.Principal) (map[string]any, error) {
	omitted := c.enforcer.OmitFields(entity, principal)

	type group struct {
		suffixes []string
	}
	scalars := make([]string, 0, len(paths))
	groups := make(map[string]*group)
	var order []string
	for _, path := range paths {
		if path == "" {
			continue
		}
		head, rest, hasDot := strings.Cut(path, ".")
		if !hasDot {
			if _, ok := c.provider.Relation(entity, head); ok {
				// Bare relation name in the field list selects the relation's
				// resolved include shape.
				if _, seen := groups[head]; !seen {
					groups[head] = &group{}
					order = append(order, head)
				}
				continue
			}
			scalars = append(scalars, head)
			continue
		}
		g, ok := groups[head]
		if !ok {
			g = &group{}
			groups[head] = g
			order = append(order, head)
		}
		g.suffixes = append(g.suffixes, rest)
	}

	selection := map[string]any{}
	for _, name := range scalars {
		if _, ok := c.provider.Field(entity, name); !ok {
			return nil, apperr.Validationf("unknown field %q on %s in fields", name, entity)
		}
		if slices.Contains(omitted, name) {
			continue
		}
		selection[name] = true
	}

	for _, name := range order {
		rel, ok := c.provider.Relation(entity, name)
		if !ok {
			return nil, apperr.Validationf("unknown relation %q on %s in fields", name, entity)
		}
		included, ok := includes[name]
		if !ok {
			return nil, apperr.Validationf("relation %q is not included; add %q to include", name, name)
		}

		suffixes := groups[name].suffixes
		if len(suffixes) == 0 {
			// No subfields: carry the relation's full resolved plan.
			selection[name] = included
			continue
		}

		nestedIncludes := map[string]any{}
		var inheritedWhere map[string]any
		if node, ok := included.(*IncludeNode); ok {
			nestedIncludes = node.Include
			inheritedWhere = node.Where
		}
		nestedSelect, err := c.compile(rel.Target, suffixes, nestedIncludes, principal)
		if err != nil {
			return nil, err
		}
		node := &IncludeNode{
			Where:  inheritedWhere,
			Select: nestedSelect,
		}
		selection[name] = node
	}

	if len(selection) == 0 {
		return nil, nil
	}
	return selection, nil
}
