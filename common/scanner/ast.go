package scanner

import (
	"fmt"
	"strings"

	"github.com/lyzr/imageintake/common/models"
)

// Node is a predicate over a Profile. Evaluation errors make the whole scan
// Unavailable, never Clean.
type Node interface {
	Eval(p *Profile) (bool, error)
	String() string
}

// Sig holds when the file starts with a supported image signature and its
// size falls inside the plausible envelope.
type Sig struct {
	MinSize int64
	MaxSize int64
}

func (s Sig) Eval(p *Profile) (bool, error) {
	if p.Magic == models.TypeUnknown {
		return false, nil
	}
	if s.MinSize > 0 && p.Size < s.MinSize {
		return false, nil
	}
	if s.MaxSize > 0 && p.Size > s.MaxSize {
		return false, nil
	}
	return true, nil
}

func (s Sig) String() string {
	return fmt.Sprintf("sig(%d..%d)", s.MinSize, s.MaxSize)
}

// Marker holds when Pred matched at or beyond MinOffset.
type Marker struct {
	Pred      string
	MinOffset int
}

func (m Marker) Eval(p *Profile) (bool, error) {
	return p.HasAfter(m.Pred, m.MinOffset), nil
}

func (m Marker) String() string {
	return fmt.Sprintf("marker(%s>=%d)", m.Pred, m.MinOffset)
}

// Pred holds when the named predicate matched anywhere.
type Pred string

func (n Pred) Eval(p *Profile) (bool, error) {
	return p.Has(string(n)), nil
}

func (n Pred) String() string {
	return string(n)
}

// And holds when every child holds. It short-circuits.
type And []Node

func (a And) Eval(p *Profile) (bool, error) {
	for _, n := range a {
		ok, err := n.Eval(p)
		if err != nil || !ok {
			return false, err
		}
	}
	return len(a) > 0, nil
}

func (a And) String() string {
	return join("and", a)
}

// Or holds when any child holds. It short-circuits.
type Or []Node

func (o Or) Eval(p *Profile) (bool, error) {
	for _, n := range o {
		ok, err := n.Eval(p)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (o Or) String() string {
	return join("or", o)
}

// Not negates its child.
type Not struct {
	Node Node
}

func (n Not) Eval(p *Profile) (bool, error) {
	ok, err := n.Node.Eval(p)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (n Not) String() string {
	return "not(" + n.Node.String() + ")"
}

func join(op string, nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}

// Rule is a named detection with the confidence reported when it matches.
type Rule struct {
	ID         string
	Confidence models.Confidence
	When       Node
}
