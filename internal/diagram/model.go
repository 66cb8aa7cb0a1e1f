package diagram

// NodeKind classifies a diagram node by its state type.
type NodeKind string

const (
	NodeKindTask     NodeKind = "task"
	NodeKindChoice   NodeKind = "choice"
	NodeKindParallel NodeKind = "parallel"
	NodeKindWait     NodeKind = "wait"
	NodeKindPass     NodeKind = "pass"
	NodeKindFail     NodeKind = "fail"
	NodeKindSucceed  NodeKind = "succeed"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single state in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StateStatus, plus "skipped" for non-live states
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents a transition between two states. Label carries the branch
// condition for choice arms.
type Edge struct {
	From  string
	To    string
	Label string
}
