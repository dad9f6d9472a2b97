package confcodec

import (
	"bytes"
	"strings"

	"github.com/magiconair/properties"
	"github.com/minefleet/minefleet/api/types"
)

// propsDoc retains the parsed properties object so comments and key order
// survive emission. Property files are flat: every key, dots included, is a
// single map entry.
type propsDoc struct {
	p *properties.Properties
}

func (d *Document) parseProperties(data []byte) error {
	p, err := properties.Load(data, properties.UTF8)
	if err != nil {
		return &ParseError{Path: d.path, Reason: err.Error()}
	}
	p.DisableExpansion = true
	// The parser strips the whitespace between the comment marker and the
	// text; put one space back so emission matches the conventional input.
	for _, key := range p.Keys() {
		cs := p.GetComments(key)
		if len(cs) == 0 {
			continue
		}
		padded := make([]string, len(cs))
		for i, c := range cs {
			if c != "" && !strings.HasPrefix(c, " ") && !strings.HasPrefix(c, "\t") {
				c = " " + c
			}
			padded[i] = c
		}
		p.SetComments(key, padded)
	}
	d.props = &propsDoc{p: p}
	d.root = propsToNode(p)
	return nil
}

func propsToNode(p *properties.Properties) *Node {
	root := &Node{Kind: KindMap}
	for _, key := range p.Keys() {
		v, _ := p.Get(key)
		root.Entries = append(root.Entries, Entry{
			Key:  key,
			Node: &Node{Kind: KindScalar, Value: v},
		})
	}
	return root
}

func (d *Document) emitProperties() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := d.props.p.WriteComment(&buf, "#", properties.UTF8); err != nil {
		return nil, &EmitError{Path: d.path, Reason: err.Error()}
	}
	return buf.Bytes(), nil
}

func (d *Document) setProperties(key string, v types.Value) error {
	switch v.Type {
	case types.TypeList, types.TypeMap:
		return &EmitError{Path: d.path, Reason: "properties files hold scalar values only"}
	}
	if _, _, err := d.props.p.Set(key, v.String()); err != nil {
		return &EmitError{Path: d.path, Reason: err.Error()}
	}
	d.root = propsToNode(d.props.p)
	return nil
}
