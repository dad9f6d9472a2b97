package confcodec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/minefleet/minefleet/api/types"
)

// JSON is decoded token by token into the generic tree so that object key
// order survives the round trip; encoding/json's map decoding would lose
// it.

func (d *Document) parseJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	root, err := decodeJSONValue(dec)
	if err != nil {
		if err == io.EOF {
			d.root = &Node{Kind: KindMap}
			return nil
		}
		pe := &ParseError{Path: d.path, Reason: err.Error()}
		if se, ok := err.(*json.SyntaxError); ok {
			pe.Line = 1 + bytes.Count(data[:se.Offset], []byte("\n"))
		}
		return pe
	}
	if _, err := dec.Token(); err != io.EOF {
		return &ParseError{Path: d.path, Reason: "trailing data after document"}
	}
	d.root = root
	return nil
}

func decodeJSONValue(dec *json.Decoder) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeJSONToken(dec, tok)
}

func decodeJSONToken(dec *json.Decoder, tok json.Token) (*Node, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			n := &Node{Kind: KindMap}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key is not a string: %v", keyTok)
				}
				val, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				n.Entries = append(n.Entries, Entry{Key: key, Node: val})
			}
			if _, err := dec.Token(); err != nil { // closing brace
				return nil, err
			}
			return n, nil
		case '[':
			n := &Node{Kind: KindList}
			for dec.More() {
				val, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				n.Items = append(n.Items, val)
			}
			if _, err := dec.Token(); err != nil { // closing bracket
				return nil, err
			}
			return n, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %q", t)
	case string:
		return &Node{Kind: KindScalar, Value: t, Quoted: true}, nil
	case json.Number:
		return &Node{Kind: KindScalar, Value: t.String()}, nil
	case bool:
		return &Node{Kind: KindScalar, Value: strconv.FormatBool(t)}, nil
	case nil:
		return &Node{Kind: KindScalar, Null: true, Value: "null"}, nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

func (d *Document) emitJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeJSONNode(&buf, d.root, 0); err != nil {
		return nil, &EmitError{Path: d.path, Reason: err.Error()}
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodeJSONNode(buf *bytes.Buffer, n *Node, depth int) error {
	indent := strings.Repeat("  ", depth)
	switch n.Kind {
	case KindMap:
		if len(n.Entries) == 0 {
			buf.WriteString("{}")
			return nil
		}
		buf.WriteString("{\n")
		for i, e := range n.Entries {
			buf.WriteString(indent + "  ")
			key, err := json.Marshal(e.Key)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteString(": ")
			if err := encodeJSONNode(buf, e.Node, depth+1); err != nil {
				return err
			}
			if i < len(n.Entries)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		buf.WriteString(indent + "}")
	case KindList:
		if len(n.Items) == 0 {
			buf.WriteString("[]")
			return nil
		}
		buf.WriteString("[\n")
		for i, item := range n.Items {
			buf.WriteString(indent + "  ")
			if err := encodeJSONNode(buf, item, depth+1); err != nil {
				return err
			}
			if i < len(n.Items)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		buf.WriteString(indent + "]")
	default:
		switch {
		case n.Null:
			buf.WriteString("null")
		case n.Quoted:
			quoted, err := json.Marshal(n.Value)
			if err != nil {
				return err
			}
			buf.Write(quoted)
		default:
			buf.WriteString(n.Value)
		}
	}
	return nil
}

// setGeneric mutates the generic tree directly; used for JSON documents.
func setGeneric(n *Node, key, prefix string, v types.Value) error {
	if n.Kind != KindMap {
		return &ShapeMismatchError{Key: key, Prefix: prefix, Got: n.Kind}
	}
	for i, e := range n.Entries {
		if e.Key == key {
			n.Entries[i].Node = valueToNode(v)
			return nil
		}
	}
	head, rest, split := strings.Cut(key, ".")
	if !split {
		n.Entries = append(n.Entries, Entry{Key: key, Node: valueToNode(v)})
		return nil
	}
	child, ok := n.Child(head)
	if !ok {
		child = &Node{Kind: KindMap}
		n.Entries = append(n.Entries, Entry{Key: head, Node: child})
	}
	return setGeneric(child, rest, joinKey(prefix, head), v)
}

// valueToNode renders a resolved value as a generic tree node.
func valueToNode(v types.Value) *Node {
	switch v.Type {
	case types.TypeInt:
		return &Node{Kind: KindScalar, Value: strconv.FormatInt(v.Int, 10)}
	case types.TypeFloat:
		return &Node{Kind: KindScalar, Value: strconv.FormatFloat(v.Float, 'g', -1, 64)}
	case types.TypeBool:
		return &Node{Kind: KindScalar, Value: strconv.FormatBool(v.Bool)}
	case types.TypeList:
		n := &Node{Kind: KindList}
		for _, e := range v.List {
			n.Items = append(n.Items, valueToNode(e))
		}
		return n
	case types.TypeMap:
		n := &Node{Kind: KindMap}
		for _, k := range sortedKeys(v.Map) {
			n.Entries = append(n.Entries, Entry{Key: k, Node: valueToNode(v.Map[k])})
		}
		return n
	default:
		return &Node{Kind: KindScalar, Value: v.Str, Quoted: true}
	}
}
