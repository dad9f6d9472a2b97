package confcodec

import (
	"bytes"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/minefleet/minefleet/api/types"
	"gopkg.in/yaml.v3"
)

// yamlDoc retains the decoded yaml.v3 node tree so that emission keeps key
// order, scalar styles, and comments from the source.
type yamlDoc struct {
	doc *yaml.Node
}

var yamlLineRx = regexp.MustCompile(`line (\d+):`)

func (d *Document) parseYAML(data []byte) error {
	var n yaml.Node
	if err := yaml.Unmarshal(data, &n); err != nil {
		pe := &ParseError{Path: d.path, Reason: strings.TrimPrefix(err.Error(), "yaml: ")}
		if m := yamlLineRx.FindStringSubmatch(err.Error()); m != nil {
			pe.Line, _ = strconv.Atoi(m[1])
		}
		return pe
	}
	if n.Kind == 0 || len(n.Content) == 0 {
		// Empty document; start with an empty mapping.
		content := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		d.yaml = &yamlDoc{doc: &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{content}}}
		d.root = &Node{Kind: KindMap}
		return nil
	}
	d.yaml = &yamlDoc{doc: &n}
	d.root = fromYAMLNode(n.Content[0])
	return nil
}

func (d *Document) emitYAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.yaml.doc); err != nil {
		return nil, &EmitError{Path: d.path, Reason: err.Error()}
	}
	if err := enc.Close(); err != nil {
		return nil, &EmitError{Path: d.path, Reason: err.Error()}
	}
	return buf.Bytes(), nil
}

func fromYAMLNode(n *yaml.Node) *Node {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return &Node{Kind: KindMap}
		}
		return fromYAMLNode(n.Content[0])
	case yaml.AliasNode:
		return fromYAMLNode(n.Alias)
	case yaml.MappingNode:
		out := &Node{Kind: KindMap, Entries: make([]Entry, 0, len(n.Content)/2)}
		for i := 0; i+1 < len(n.Content); i += 2 {
			out.Entries = append(out.Entries, Entry{
				Key:  n.Content[i].Value,
				Node: fromYAMLNode(n.Content[i+1]),
			})
		}
		return out
	case yaml.SequenceNode:
		out := &Node{Kind: KindList, Items: make([]*Node, 0, len(n.Content))}
		for _, c := range n.Content {
			out.Items = append(out.Items, fromYAMLNode(c))
		}
		return out
	default: // scalar
		return &Node{
			Kind:   KindScalar,
			Value:  n.Value,
			Quoted: n.Style == yaml.SingleQuotedStyle || n.Style == yaml.DoubleQuotedStyle,
			Null:   n.Tag == "!!null",
		}
	}
}

// setYAML sets key to v inside the document's yaml tree, creating
// intermediate mappings as needed, then refreshes the generic view.
func (d *Document) setYAML(key string, v types.Value) error {
	content := d.yaml.doc.Content[0]
	if content.Kind == yaml.AliasNode {
		content = content.Alias
	}
	if content.Kind != yaml.MappingNode {
		return &ShapeMismatchError{Key: key, Got: fromYAMLNode(content).Kind}
	}
	if err := setYAMLKey(content, key, "", v); err != nil {
		return err
	}
	d.root = fromYAMLNode(d.yaml.doc.Content[0])
	return nil
}

func setYAMLKey(m *yaml.Node, key, prefix string, v types.Value) error {
	// Flat keys containing dots win over nested descent, mirroring Descend.
	if idx := yamlChildIndex(m, key); idx >= 0 {
		m.Content[idx+1] = replaceYAMLValue(m.Content[idx+1], v)
		return nil
	}
	head, rest, split := strings.Cut(key, ".")
	if !split {
		m.Content = append(m.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
			valueToYAMLNode(v))
		return nil
	}
	idx := yamlChildIndex(m, head)
	if idx < 0 {
		child := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		m.Content = append(m.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: head},
			child)
		return setYAMLKey(child, rest, joinKey(prefix, head), v)
	}
	child := m.Content[idx+1]
	if child.Kind == yaml.AliasNode {
		child = child.Alias
	}
	if child.Kind != yaml.MappingNode {
		return &ShapeMismatchError{Key: rest, Prefix: joinKey(prefix, head), Got: fromYAMLNode(child).Kind}
	}
	return setYAMLKey(child, rest, joinKey(prefix, head), v)
}

func yamlChildIndex(m *yaml.Node, key string) int {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return i
		}
	}
	return -1
}

// replaceYAMLValue swaps in the new value while keeping the old node's
// comments and, for scalars, its quoting style.
func replaceYAMLValue(old *yaml.Node, v types.Value) *yaml.Node {
	nn := valueToYAMLNode(v)
	nn.HeadComment = old.HeadComment
	nn.LineComment = old.LineComment
	nn.FootComment = old.FootComment
	if old.Kind == yaml.ScalarNode && nn.Kind == yaml.ScalarNode && nn.Tag == "!!str" {
		nn.Style = old.Style
	}
	return nn
}

func valueToYAMLNode(v types.Value) *yaml.Node {
	switch v.Type {
	case types.TypeInt:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(v.Int, 10)}
	case types.TypeFloat:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(v.Float, 'g', -1, 64)}
	case types.TypeBool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v.Bool)}
	case types.TypeList:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, e := range v.List {
			n.Content = append(n.Content, valueToYAMLNode(e))
		}
		return n
	case types.TypeMap:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range sortedKeys(v.Map) {
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
				valueToYAMLNode(v.Map[k]))
		}
		return n
	default:
		n := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v.Str}
		if scalarNeedsQuoting(v.Str) {
			n.Style = yaml.DoubleQuotedStyle
		}
		return n
	}
}

// scalarNeedsQuoting reports whether a string value would be re-read as a
// different type when emitted plain.
func scalarNeedsQuoting(s string) bool {
	if s == "" {
		return true
	}
	switch s {
	case "true", "false", "True", "False", "null", "~", "yes", "no", "on", "off":
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return true
	}
	return false
}

func sortedKeys(m map[string]types.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic emission for map-typed rule values.
	sort.Strings(keys)
	return keys
}
