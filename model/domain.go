package model

import (
	"fmt"
	"regexp"
	"strings"
)

// structured domains are lists of clauses joined by an implicit `AND`
// a clause is either a leaf `[field, operator, value]`, a nested domain,
// or the string `AND` / `OR` as the first element of a list
// e.g. `["OR", ["name", "ilike", "a%"], ["code", "=", "A"]]`

// joins non empty domains with `AND`
func AndDomains(domains ...[]any) []any {
	parts := [][]any{}
	for _, domain := range domains {
		if len(domain) != 0 {
			parts = append(parts, domain)
		}
	}
	switch len(parts) {
	case 0:
		return []any{}
	case 1:
		return parts[0]
	}
	out := []any{"AND"}
	for _, part := range parts {
		out = append(out, part)
	}
	return out
}

// evaluates the domain against local values
// leaves on fields missing from `values` hold, since they cannot be checked locally
func EvalDomain(domain []any, values map[string]any) bool {
	if len(domain) == 0 {
		return true
	}
	if isLeaf(domain) {
		return evalLeaf(domain, values)
	}
	operator := "AND"
	clauses := domain
	if s, ok := domain[0].(string); ok && (s == "AND" || s == "OR") {
		operator = s
		clauses = domain[1:]
	}
	switch operator {
	case "OR":
		if len(clauses) == 0 {
			return true
		}
		for _, clause := range clauses {
			if evalClause(clause, values) {
				return true
			}
		}
		return false
	default:
		for _, clause := range clauses {
			if !evalClause(clause, values) {
				return false
			}
		}
		return true
	}
}

// the fields referenced by top level clauses that do not hold
func InvalidDomainFields(domain []any, values map[string]any) []string {
	if len(domain) == 0 || EvalDomain(domain, values) {
		return nil
	}
	if isLeaf(domain) {
		return DomainFields(domain)
	}
	if s, ok := domain[0].(string); ok && s == "OR" {
		return DomainFields(domain)
	}
	clauses := domain
	if s, ok := domain[0].(string); ok && s == "AND" {
		clauses = domain[1:]
	}
	fields := []string{}
	for _, clause := range clauses {
		if !evalClause(clause, values) {
			if subdomain, ok := clause.([]any); ok {
				fields = append(fields, DomainFields(subdomain)...)
			}
		}
	}
	return fields
}

// the fields referenced anywhere in the domain
func DomainFields(domain []any) []string {
	fields := []string{}
	if isLeaf(domain) {
		name := domain[0].(string)
		// `party.name` constrains the `party` field
		if i := strings.Index(name, "."); 0 <= i {
			name = name[:i]
		}
		return append(fields, name)
	}
	for _, clause := range domain {
		if subdomain, ok := clause.([]any); ok {
			fields = append(fields, DomainFields(subdomain)...)
		}
	}
	return fields
}

func isLeaf(domain []any) bool {
	if len(domain) < 3 {
		return false
	}
	name, ok := domain[0].(string)
	if !ok || name == "AND" || name == "OR" {
		return false
	}
	_, ok = domain[1].(string)
	return ok
}

func evalClause(clause any, values map[string]any) bool {
	switch v := clause.(type) {
	case []any:
		return EvalDomain(v, values)
	default:
		return true
	}
}

func evalLeaf(leaf []any, values map[string]any) bool {
	name := leaf[0].(string)
	operator := strings.ToLower(leaf[1].(string))
	operand := leaf[2]

	if strings.Contains(name, ".") {
		// related field values are not known locally
		return true
	}
	value, ok := values[name]
	if !ok {
		return true
	}

	switch operator {
	case "=":
		return valuesEqual(value, operand)
	case "!=":
		return !valuesEqual(value, operand)
	case "<", "<=", ">", ">=":
		c, ok := compareValues(value, operand)
		if !ok {
			return false
		}
		switch operator {
		case "<":
			return c < 0
		case "<=":
			return c <= 0
		case ">":
			return 0 < c
		default:
			return 0 <= c
		}
	case "in":
		return valueIn(value, operand)
	case "not in":
		return !valueIn(value, operand)
	case "like", "ilike":
		return valueLike(value, operand, operator == "ilike")
	case "not like", "not ilike":
		return !valueLike(value, operand, operator == "not ilike")
	default:
		// `child_of`, `where`, ... need the server
		return true
	}
}

func valuesEqual(a any, b any) bool {
	if a == nil || b == nil {
		return isFalsy(a) && isFalsy(b)
	}
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	if aIds, ok := a.([]int64); ok {
		return idsEqual(aIds, toIds(b))
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// nil and false are interchangeable in server domains
func isFalsy(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case bool:
		return !v
	default:
		return false
	}
}

func compareValues(a any, b any) (int, bool) {
	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			switch {
			case af < bf:
				return -1, true
			case bf < af:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), true
		}
		return 0, false
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			if ab == bb {
				return 0, true
			}
			if !ab {
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}

func valueIn(value any, operand any) bool {
	items, ok := operand.([]any)
	if !ok {
		if ids, ok := operand.([]int64); ok {
			items = make([]any, len(ids))
			for i, id := range ids {
				items[i] = id
			}
		} else {
			return false
		}
	}
	// x2many values match when any id is in the operand
	if ids, ok := value.([]int64); ok {
		for _, id := range ids {
			if valueIn(id, items) {
				return true
			}
		}
		return false
	}
	for _, item := range items {
		if valuesEqual(value, item) {
			return true
		}
	}
	return false
}

func valueLike(value any, operand any, caseInsensitive bool) bool {
	s, ok := value.(string)
	if !ok {
		return value == nil && operand == nil
	}
	pattern, ok := operand.(string)
	if !ok {
		return false
	}
	var b strings.Builder
	b.WriteString("^")
	if caseInsensitive {
		b.WriteString("(?i)")
	}
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func idsEqual(a []int64, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
