package domain

// ExprKind tags the ~30 expression term kinds of spec.md §4.1-§4.3. SPIRAL
// keeps them as a flat sum type (one struct, kind-specific fields) per the
// "Variant expressions" design note rather than an interface hierarchy —
// dispatch is a single switch in the evaluator, not virtual calls.
type ExprKind string

const (
	// AIR/CIR (C7)
	ExprLit       ExprKind = "lit"
	ExprVar       ExprKind = "var"
	ExprRefNode   ExprKind = "ref"
	ExprCall      ExprKind = "call"
	ExprCallExpr  ExprKind = "callExpr"
	ExprIf        ExprKind = "if"
	ExprLet       ExprKind = "let"
	ExprLambda    ExprKind = "lambda"
	ExprFix       ExprKind = "fix"
	ExprDo        ExprKind = "do"
	ExprAirRef    ExprKind = "airRef"
	ExprPredicate ExprKind = "predicate"

	// EIR (C8)
	ExprSeq     ExprKind = "seq"
	ExprAssign  ExprKind = "assign"
	ExprWhile   ExprKind = "while"
	ExprFor     ExprKind = "for"
	ExprIter    ExprKind = "iter"
	ExprEffect  ExprKind = "effect"
	ExprRefCell ExprKind = "refCell"
	ExprDeref   ExprKind = "deref"
	ExprTry     ExprKind = "try"

	// PIR (C9)
	ExprPar     ExprKind = "par"
	ExprSpawn   ExprKind = "spawn"
	ExprAwait   ExprKind = "await"
	ExprChannel ExprKind = "channel"
	ExprSend    ExprKind = "send"
	ExprRecv    ExprKind = "recv"
	ExprSelect  ExprKind = "select"
	ExprRace    ExprKind = "race"
)

// Arg is "node-id-or-inline-expression": either the id of a sibling node or
// an embedded expression term (§9 Design Notes: Ref(NodeId) | Inline(Expr)).
type Arg struct {
	Ref    string
	Inline *Expr
}

func RefArg(id string) Arg         { return Arg{Ref: id} }
func InlineArg(e Expr) Arg         { return Arg{Inline: &e} }
func (a Arg) IsRef() bool          { return a.Inline == nil }

// Expr is the kinded expression term. Only the fields relevant to Kind are
// populated; the rest are zero.
type Expr struct {
	Kind ExprKind

	// lit
	LitValue Value

	// var / assign target / refCell / deref target / for loop var / iter var
	Name string

	// ref / airRef namespace-qualified name ("ns:name") / effect op name
	NS string

	// call / callExpr / airRef / effect args, in order
	Args []Arg

	// if / while / cond
	Cond *Arg
	Then *Arg
	Else *Arg

	// let / for
	Value *Arg
	Body  *Arg

	// lambda
	Params  []Param
	BodyRef string

	// fix
	Fn *Arg

	// do / seq / par branches
	Exprs []Arg

	// for loop
	Init   *Arg
	Update *Arg

	// iter
	Iter *Arg

	// try
	CatchParam string
	CatchBody  *Arg
	Fallback   *Arg

	// spawn
	Task *Arg

	// await / select
	Future      *Arg
	Futures     []Arg
	Timeout     *Arg
	ReturnIndex bool

	// channel
	ChannelType string
	BufferSize  *Arg

	// send / recv
	Channel *Arg

	// predicate
	PredicateName string
	PredicateVal  *Arg

	// race
	Tasks []Arg
}

// NodeKind tags what a Node contains (spec.md §3).
type NodeKind string

const (
	NodeKindExpression NodeKind = "expression"
	NodeKindBlock      NodeKind = "block"
	NodeKindReference  NodeKind = "reference"
)

// Node is a unit of a program graph: an expression node, a block node
// (local CFG, LIR form), or a reference node aliasing another node.
type Node struct {
	ID   string
	Kind NodeKind

	// NodeKindExpression
	Expr *Expr

	// NodeKindBlock
	Blocks       []Block
	EntryBlockID string

	// NodeKindReference
	Ref string
}

// AirDef is a named, parameterized definition resembling an operator,
// desugared to a closure-and-application pair before evaluation.
type AirDef struct {
	Name       string
	Params     []Param
	ResultType string
	Body       string // node id
}

// Document is the root JSON-shaped program: {version, result, nodes,
// capabilities?, $defs?, airDefs?} (spec.md §3, §6).
type Document struct {
	Version      string
	Result       string
	Nodes        []Node
	Capabilities []string
	Defs         map[string]Node
	AirDefs      []AirDef

	// SourceURI identifies this document for the reference resolver's
	// document cache (C6); empty for the root document of an evaluation.
	SourceURI string
}

// HasCapability reports whether the document declares cap (e.g. "async").
func (d *Document) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// NodeByID returns the node with the given id, or false.
func (d *Document) NodeByID(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	if def, ok := d.Defs[id]; ok {
		return &def, true
	}
	return nil, false
}

// AirDefByName returns the airDef with the given name.
func (d *Document) AirDefByName(name string) (*AirDef, bool) {
	for i := range d.AirDefs {
		if d.AirDefs[i].Name == name {
			return &d.AirDefs[i], true
		}
	}
	return nil, false
}
