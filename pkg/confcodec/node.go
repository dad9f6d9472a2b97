package confcodec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/minefleet/minefleet/errdefs"
	"github.com/pkg/errors"
)

// Kind tags the three node shapes a document tree can contain.
type Kind int

const (
	KindScalar Kind = iota
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	}
	return "unknown"
}

// Entry is one ordered key/value pair of a map node.
type Entry struct {
	Key  string
	Node *Node
}

// Node is a tagged-union tree node. Scalars keep the lexical form from the
// source; Quoted records whether the source forced string typing.
type Node struct {
	Kind    Kind
	Entries []Entry // Kind == KindMap
	Items   []*Node // Kind == KindList
	Value   string  // Kind == KindScalar
	Quoted  bool
	Null    bool
}

// Child returns the value node for key in a map node.
func (n *Node) Child(key string) (*Node, bool) {
	if n == nil || n.Kind != KindMap {
		return nil, false
	}
	for _, e := range n.Entries {
		if e.Key == key {
			return e.Node, true
		}
	}
	return nil, false
}

// Keys returns the ordered keys of a map node.
func (n *Node) Keys() []string {
	if n == nil || n.Kind != KindMap {
		return nil
	}
	keys := make([]string, len(n.Entries))
	for i, e := range n.Entries {
		keys[i] = e.Key
	}
	return keys
}

// ShapeMismatchError reports that a document could not be descended for a
// key because a non-map node sat where a map was expected. It is recorded
// as drift, never a scan abort.
type ShapeMismatchError struct {
	Key    string
	Prefix string
	Got    Kind
}

func (e *ShapeMismatchError) Error() string {
	at := e.Prefix
	if at == "" {
		at = "document root"
	}
	return fmt.Sprintf("shape mismatch at %s: expected map, found %s while descending to %q", at, e.Got, e.Key)
}

// InvalidParameter marks the error class.
func (e *ShapeMismatchError) InvalidParameter() {}

// IsShapeMismatch reports whether err is a shape mismatch.
func IsShapeMismatch(err error) bool {
	var sm *ShapeMismatchError
	return errors.As(err, &sm)
}

// Descend walks a dotted key path from n. Keys are compared
// case-sensitively. At every map node the full remaining path is tried as a
// literal key first, so flat keys containing dots (server.properties style)
// resolve before nested paths. A missing key yields a not-found error; a
// non-map node on the path yields a ShapeMismatchError.
func Descend(n *Node, key string) (*Node, error) {
	return descend(n, key, "")
}

func descend(n *Node, key string, prefix string) (*Node, error) {
	if n == nil {
		return nil, errdefs.NotFound(errors.Errorf("key %q not found", joinKey(prefix, key)))
	}
	if n.Kind != KindMap {
		return nil, &ShapeMismatchError{Key: key, Prefix: prefix, Got: n.Kind}
	}
	if child, ok := n.Child(key); ok {
		return child, nil
	}
	head, rest, split := strings.Cut(key, ".")
	if !split {
		return nil, errdefs.NotFound(errors.Errorf("key %q not found", joinKey(prefix, key)))
	}
	child, ok := n.Child(head)
	if !ok {
		return nil, errdefs.NotFound(errors.Errorf("key %q not found", joinKey(prefix, head)))
	}
	return descend(child, rest, joinKey(prefix, head))
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// ScalarKind classifies the lexical form of a scalar for normalized
// comparison: "bool", "int", "float", "null", or "string". Quoted scalars
// and dotted-quad addresses stay strings.
func (n *Node) ScalarKind() string {
	if n.Kind != KindScalar {
		return ""
	}
	if n.Null {
		return "null"
	}
	if n.Quoted {
		return "string"
	}
	v := n.Value
	switch v {
	case "true", "false", "True", "False":
		return "bool"
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return "int"
	}
	if looksLikeAddress(v) {
		return "string"
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return "float"
	}
	return "string"
}

// looksLikeAddress reports whether v is a dotted-quad style scalar
// (0.0.0.0, 10.0.0.1). Such values must never be coerced to numbers.
func looksLikeAddress(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) < 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := strconv.ParseUint(p, 10, 16); err != nil {
			return false
		}
	}
	return true
}

// Bool interprets a scalar as a boolean.
func (n *Node) Bool() (bool, bool) {
	switch n.Value {
	case "true", "True":
		return true, true
	case "false", "False":
		return false, true
	}
	return false, false
}

// Int interprets a scalar as an integer.
func (n *Node) Int() (int64, bool) {
	i, err := strconv.ParseInt(n.Value, 10, 64)
	return i, err == nil
}

// Float interprets a scalar as a float. Dotted-quad scalars never parse.
func (n *Node) Float() (float64, bool) {
	if looksLikeAddress(n.Value) {
		return 0, false
	}
	f, err := strconv.ParseFloat(n.Value, 64)
	return f, err == nil
}
