package querylang

import "strings"

// Field names a record field that queries can address.
type Field int

const (
	FieldUnknown Field = iota
	FieldLevel
	FieldMessage
	FieldResourceID
	FieldTraceID
	FieldSpanID
	FieldCommit
)

var fieldNames = map[string]Field{
	"level":      FieldLevel,
	"lvl":        FieldLevel,
	"message":    FieldMessage,
	"msg":        FieldMessage,
	"resourceid": FieldResourceID,
	"resource":   FieldResourceID,
	"traceid":    FieldTraceID,
	"trace":      FieldTraceID,
	"spanid":     FieldSpanID,
	"span":       FieldSpanID,
	"commit":     FieldCommit,
}

// LookupField resolves a field name or alias, ignoring case. Unknown names
// resolve to FieldUnknown.
func LookupField(name string) (Field, bool) {
	f, ok := fieldNames[strings.ToLower(name)]
	return f, ok
}

// Record is what queries are evaluated against. It keeps this package free of
// any storage types.
type Record interface {
	GetLevel() string
	GetMessage() string
	GetResourceID() string
	GetTraceID() string
	GetSpanID() string
	GetCommit() string
}

// Match reports whether r satisfies node. A nil node matches every record.
func Match(node Node, r Record) bool {
	switch n := node.(type) {
	case nil:
		return true
	case AndExpr:
		return Match(n.Left, r) && Match(n.Right, r)
	case OrExpr:
		return Match(n.Left, r) || Match(n.Right, r)
	case NotExpr:
		return !Match(n.Expr, r)
	case FieldExpr:
		return matchField(n, r)
	case TextExpr:
		return containsFold(r.GetMessage(), n.Value) || containsFold(r.GetResourceID(), n.Value)
	default:
		return false
	}
}

func matchField(n FieldExpr, r Record) bool {
	var value string
	foldCase := true
	switch n.Field {
	case FieldLevel:
		value = r.GetLevel()
	case FieldMessage:
		value = r.GetMessage()
	case FieldResourceID:
		value = r.GetResourceID()
	case FieldTraceID:
		value, foldCase = r.GetTraceID(), false
	case FieldSpanID:
		value, foldCase = r.GetSpanID(), false
	case FieldCommit:
		value, foldCase = r.GetCommit(), false
	default:
		return false
	}

	switch n.Op {
	case OpEq:
		return equal(value, n.Value, foldCase)
	case OpNeq:
		return !equal(value, n.Value, foldCase)
	case OpContains:
		return containsFold(value, n.Value)
	default:
		return false
	}
}

func equal(a, b string, foldCase bool) bool {
	if foldCase {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
