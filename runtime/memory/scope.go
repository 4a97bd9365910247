package memory

import (
	"fmt"
	"sort"
	"strings"
)

// Scope is the tuple of partitioning field values carried by every record.
// The field set is declared by the service's ScopeModel (for example
// user_id, agent_id). Every read filters by scope and every write requires
// one.
type Scope map[string]string

// Clone returns an independent copy of the scope.
func (s Scope) Clone() Scope {
	if s == nil {
		return nil
	}
	out := make(Scope, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether two scopes carry identical field values.
func (s Scope) Equal(other Scope) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if other[k] != v {
			return false
		}
	}
	return true
}

// Key renders the scope as a stable string, usable as a map key. Fields are
// sorted so equal scopes always produce equal keys.
func (s Scope) Key() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%s=%s", k, s[k])
	}
	return b.String()
}

// inOperatorSuffix marks list-membership keys in where filters
// (for example "user_id__in").
const inOperatorSuffix = "__in"

// Where is a caller-supplied filter over scope fields. Keys are either a
// scope field name (exact match) or a field name suffixed with "__in" whose
// value is a list of accepted values. Unknown keys are rejected with
// InvalidFilter.
type Where map[string]any

// Filter is a validated, normalized where-filter: each constrained field
// maps to its set of accepted values.
type Filter map[string][]string

// Matches reports whether the given scope satisfies every constraint.
// Fields absent from the filter are unconstrained.
func (f Filter) Matches(s Scope) bool {
	for field, accepted := range f {
		v, ok := s[field]
		if !ok {
			return false
		}
		found := false
		for _, a := range accepted {
			if a == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ScopeModel declares the scope fields configured for a deployment. It
// validates scope tuples on writes and where-filters on reads.
type ScopeModel struct {
	fields []string
	index  map[string]struct{}
}

// NewScopeModel builds a scope model from the configured field list. At
// least one field is required and names must be unique.
func NewScopeModel(fields []string) (*ScopeModel, error) {
	if len(fields) == 0 {
		return nil, E(KindInvalidInput, "scope model requires at least one field")
	}
	index := make(map[string]struct{}, len(fields))
	ordered := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			return nil, E(KindInvalidInput, "scope field name cannot be empty")
		}
		if _, dup := index[f]; dup {
			return nil, Ef(KindInvalidInput, "duplicate scope field %q", f)
		}
		index[f] = struct{}{}
		ordered = append(ordered, f)
	}
	return &ScopeModel{fields: ordered, index: index}, nil
}

// Fields returns the declared field names in configuration order.
func (m *ScopeModel) Fields() []string {
	out := make([]string, len(m.fields))
	copy(out, m.fields)
	return out
}

// ValidateScope checks that the scope supplies exactly the declared fields
// with non-empty values.
func (m *ScopeModel) ValidateScope(s Scope) error {
	if len(s) == 0 {
		return E(KindInvalidInput, "scope is required")
	}
	for _, f := range m.fields {
		if s[f] == "" {
			return Ef(KindInvalidInput, "scope field %q is required", f)
		}
	}
	for k := range s {
		if _, ok := m.index[k]; !ok {
			return Ef(KindInvalidInput, "unknown scope field %q", k)
		}
	}
	return nil
}

// ValidateWhere normalizes a where-filter against the declared fields.
// Unknown keys fail with InvalidFilter. A nil filter matches everything.
func (m *ScopeModel) ValidateWhere(w Where) (Filter, error) {
	filter := make(Filter, len(w))
	for key, value := range w {
		field := key
		isIn := strings.HasSuffix(key, inOperatorSuffix)
		if isIn {
			field = strings.TrimSuffix(key, inOperatorSuffix)
		}
		if _, ok := m.index[field]; !ok {
			return nil, Ef(KindInvalidFilter, "unknown filter key %q", key)
		}
		if isIn {
			values, err := stringList(value)
			if err != nil {
				return nil, Ef(KindInvalidFilter, "filter key %q: %v", key, err)
			}
			filter[field] = append(filter[field], values...)
			continue
		}
		s, ok := value.(string)
		if !ok {
			return nil, Ef(KindInvalidFilter, "filter key %q requires a string value", key)
		}
		filter[field] = append(filter[field], s)
	}
	return filter, nil
}

// ScopeFilter converts a full scope tuple into an exact-match filter.
func ScopeFilter(s Scope) Filter {
	f := make(Filter, len(s))
	for k, v := range s {
		f[k] = []string{v}
	}
	return f
}

func stringList(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("list elements must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value must be a list of strings")
	}
}
