package drift

import (
	"math"
	"strings"

	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/pkg/confcodec"
)

// equalNode compares an observed document node against a resolved value
// under normalized equality: booleans by truth value regardless of lexical
// form, numbers across int/float when the fraction is zero, strings after
// trimming surrounding whitespace, lists element-wise, and maps by keyed
// equality over identical key sets.
func equalNode(n *confcodec.Node, v types.Value) bool {
	switch v.Type {
	case types.TypeString, types.TypeRequired, types.TypeOptional:
		if n.Kind != confcodec.KindScalar {
			return false
		}
		return strings.TrimSpace(n.Value) == strings.TrimSpace(v.Str)
	case types.TypeInt:
		if n.Kind != confcodec.KindScalar {
			return false
		}
		if i, ok := n.Int(); ok {
			return i == v.Int
		}
		// An observed float with no fractional part still satisfies an
		// integer expectation (20.0 vs 20).
		if f, ok := n.Float(); ok && f == math.Trunc(f) {
			return int64(f) == v.Int
		}
		return false
	case types.TypeFloat:
		if n.Kind != confcodec.KindScalar {
			return false
		}
		f, ok := n.Float()
		return ok && f == v.Float
	case types.TypeBool:
		if n.Kind != confcodec.KindScalar {
			return false
		}
		b, ok := n.Bool()
		return ok && b == v.Bool
	case types.TypeList:
		if n.Kind != confcodec.KindList || len(n.Items) != len(v.List) {
			return false
		}
		for i, it := range n.Items {
			if !equalNode(it, v.List[i]) {
				return false
			}
		}
		return true
	case types.TypeMap:
		if n.Kind != confcodec.KindMap || len(n.Entries) != len(v.Map) {
			return false
		}
		for _, e := range n.Entries {
			ev, ok := v.Map[e.Key]
			if !ok || !equalNode(e.Node, ev) {
				return false
			}
		}
		return true
	}
	return false
}
