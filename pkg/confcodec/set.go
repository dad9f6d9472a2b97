package confcodec

import "github.com/minefleet/minefleet/api/types"

// Set writes a resolved value at the dotted key, creating intermediate maps
// as needed. The underlying representation is updated so a following Emit
// reflects the change without disturbing untouched content.
func (d *Document) Set(key string, v types.Value) error {
	switch d.format {
	case FormatYAML:
		return d.setYAML(key, v)
	case FormatProperties:
		return d.setProperties(key, v)
	default:
		return setGeneric(d.root, key, "", v)
	}
}

// Lookup descends the document tree to the node at the dotted key.
func (d *Document) Lookup(key string) (*Node, error) {
	return Descend(d.root, key)
}
