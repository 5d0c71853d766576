// Package filter rewrites projection-query filters so that bare field
// keys, authored against a projection's logical schema, are nested under
// the projection's storage slot (projections.<name>).
package filter

import "go.mongodb.org/mongo-driver/bson"

// logicalOperators carry an array of sub-filters; each element is
// rewritten recursively.
var logicalOperators = map[string]bool{
	"$and": true,
	"$or":  true,
	"$nor": true,
}

// fieldScopeOperators carry a single sub-filter as their value; recurse
// into it directly.
var fieldScopeOperators = map[string]bool{
	"$not":        true,
	"$expr":       true,
	"$jsonSchema": true,
	"$where":      true,
}

// operandPassthroughOperators are complex operators whose operand is
// relative to the matched element or geometry, not the stream document,
// so it must not be rewritten.
var operandPassthroughOperators = map[string]bool{
	"$elemMatch":     true,
	"$geometry":      true,
	"$geoWithin":     true,
	"$geoIntersects": true,
	"$near":          true,
	"$nearSphere":    true,
}

// Rewrite rewrites filter so every bare field key is prefixed with
// "<nestedPath>.". Logical operators recurse over their sub-filter
// arrays; $not/$expr/$jsonSchema/$where recurse into their single
// operand; value operators ($eq, $gt, $in, ...) and the operands of
// $elemMatch/geospatial operators pass through untouched. Applying
// Rewrite twice with the same nestedPath produces a filter with doubly
// nested paths: it is not idempotent, and callers must not double-apply.
func Rewrite(f bson.M, nestedPath string) bson.M {
	out := bson.M{}
	for k, v := range f {
		switch {
		case logicalOperators[k]:
			out[k] = rewriteArray(v, nestedPath)
		case fieldScopeOperators[k]:
			out[k] = rewriteOperand(v, nestedPath)
		default:
			out[nestedPath+"."+k] = rewriteFieldValue(v)
		}
	}
	return out
}

// RewriteSort applies the same field-key prefixing to a sort document.
func RewriteSort(sort bson.D, nestedPath string) bson.D {
	out := make(bson.D, 0, len(sort))
	for _, e := range sort {
		out = append(out, bson.E{Key: nestedPath + "." + e.Key, Value: e.Value})
	}
	return out
}

// rewriteArray rewrites each plain-object element of an array-valued
// logical operator ($and/$or/$nor). Non-object elements pass through
// unchanged (they would be malformed filters anyway).
func rewriteArray(v any, nestedPath string) any {
	switch arr := v.(type) {
	case bson.A:
		out := make(bson.A, 0, len(arr))
		for _, elem := range arr {
			out = append(out, rewriteIfObject(elem, nestedPath))
		}
		return out
	case []any:
		out := make([]any, 0, len(arr))
		for _, elem := range arr {
			out = append(out, rewriteIfObject(elem, nestedPath))
		}
		return out
	case []bson.M:
		out := make([]any, 0, len(arr))
		for _, elem := range arr {
			out = append(out, Rewrite(elem, nestedPath))
		}
		return out
	default:
		return v
	}
}

// rewriteOperand rewrites the single sub-filter operand of $not/$expr/
// $jsonSchema/$where. $expr and $where operands are expressions, not
// filter documents in the general case, but when authored as a plain
// object (the common case for these four) they are treated the same as
// any other nested filter.
func rewriteOperand(v any, nestedPath string) any {
	return rewriteIfObject(v, nestedPath)
}

func rewriteIfObject(v any, nestedPath string) any {
	switch m := v.(type) {
	case bson.M:
		return Rewrite(m, nestedPath)
	case map[string]any:
		return Rewrite(bson.M(m), nestedPath)
	default:
		return v
	}
}

// rewriteFieldValue inspects the value of a (now-prefixed) bare field key
// for inner operators. Operator-shaped values pass through untouched,
// except that the operands of $elemMatch and geospatial operators are
// never rewritten regardless of nesting, since they are relative to the
// matched element rather than the stream document.
func rewriteFieldValue(v any) any {
	m, ok := asObject(v)
	if !ok {
		// Primitive value, time.Time, *regexp.Regexp, etc: pass through.
		return v
	}

	out := bson.M{}
	for k, opVal := range m {
		if operandPassthroughOperators[k] {
			// $elemMatch/geospatial operand is relative to the matched
			// element or geometry, not the stream document: never
			// rewritten, regardless of nesting.
			out[k] = opVal
			continue
		}
		// Value operators ($eq, $ne, $gt, $gte, $lt, $lte, $in, $nin,
		// $exists, $type, $size, $regex, $options, $mod, $all,
		// $bitsAllSet, $bitsAllClear, $bitsAnySet, $bitsAnyClear) pass
		// through untouched: their operands are not filter documents.
		out[k] = opVal
	}
	return out
}

func asObject(v any) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return bson.M(m), true
	default:
		return nil, false
	}
}
