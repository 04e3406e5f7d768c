package querylang

// Op is a field comparison operator.
type Op int

const (
	OpEq       Op = iota // field:value
	OpNeq                // field!=value
	OpContains           // field~value
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return ":"
	case OpNeq:
		return "!="
	case OpContains:
		return "~"
	default:
		return "?"
	}
}

// Node is an expression in a parsed query.
type Node interface {
	node()
}

// AndExpr matches when both sides match.
type AndExpr struct {
	Left, Right Node
}

// OrExpr matches when either side matches.
type OrExpr struct {
	Left, Right Node
}

// NotExpr negates its operand.
type NotExpr struct {
	Expr Node
}

// FieldExpr compares one named field against a value.
type FieldExpr struct {
	Field Field
	Op    Op
	Value string
}

// TextExpr is a free-text term searched in message and resourceId.
type TextExpr struct {
	Value string
}

func (AndExpr) node()   {}
func (OrExpr) node()    {}
func (NotExpr) node()   {}
func (FieldExpr) node() {}
func (TextExpr) node()  {}
