// Package confcodec parses and emits the configuration formats the fleet
// uses: YAML, JSON, and Java-style .properties files. Documents are exposed
// as a tagged-union tree of maps, lists, and scalars; scalars keep their
// lexical form so that values like "0.0.0.0" survive a round trip as
// strings. Emission preserves key order, and comments where the format
// carries them.
package confcodec

import (
	"bytes"
	"fmt"
	"path"
	"strings"
)

// Format identifies a supported configuration syntax.
type Format string

const (
	FormatYAML       Format = "yaml"
	FormatJSON       Format = "json"
	FormatProperties Format = "properties"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DetectFormat guesses the format of a config file from its extension.
// Unrecognized extensions default to YAML, the dominant format in the
// fleet.
func DetectFormat(file string) Format {
	switch strings.ToLower(path.Ext(file)) {
	case ".json":
		return FormatJSON
	case ".properties":
		return FormatProperties
	default:
		return FormatYAML
	}
}

// Options tune codec behavior; the zero value uses the defaults from the
// daemon settings.
type Options struct {
	// AcceptBOM controls whether a UTF-8 byte-order mark is tolerated on
	// input. When false a BOM is a parse error.
	AcceptBOM bool
	// PreserveIPAsString keeps dotted-quad scalars typed as strings even
	// when a schema asks for numeric coercion.
	PreserveIPAsString bool
}

// DefaultOptions match the shipped daemon settings.
func DefaultOptions() Options {
	return Options{AcceptBOM: true, PreserveIPAsString: true}
}

// ParseError describes a syntactic failure. It is recoverable: callers
// surface it as a drift item or an operation error, never a crash.
type ParseError struct {
	Path   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s: line %d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("parse %s: %s", e.Path, e.Reason)
}

// InvalidParameter marks the error class for the HTTP edge.
func (e *ParseError) InvalidParameter() {}

// EmitError describes a failed emission.
type EmitError struct {
	Path   string
	Reason string
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("emit %s: %s", e.Path, e.Reason)
}

// Document is a parsed configuration file. Mutations through Set rewrite
// the underlying representation so Emit stays faithful to the source.
type Document struct {
	format Format
	path   string
	hasBOM bool

	root  *Node
	yaml  *yamlDoc
	props *propsDoc

	trailingNewline bool
}

// Format returns the syntax the document was parsed from.
func (d *Document) Format() Format { return d.format }

// Parse decodes data in the given format. The path is used only for error
// reporting.
func Parse(data []byte, format Format, filePath string, opts Options) (*Document, error) {
	hasBOM := bytes.HasPrefix(data, utf8BOM)
	if hasBOM {
		if !opts.AcceptBOM {
			return nil, &ParseError{Path: filePath, Reason: "byte-order mark rejected by codec settings"}
		}
		data = data[len(utf8BOM):]
	}
	doc := &Document{
		format:          format,
		path:            filePath,
		hasBOM:          hasBOM,
		trailingNewline: len(data) == 0 || bytes.HasSuffix(data, []byte("\n")),
	}
	var err error
	switch format {
	case FormatYAML:
		err = doc.parseYAML(data)
	case FormatJSON:
		err = doc.parseJSON(data)
	case FormatProperties:
		err = doc.parseProperties(data)
	default:
		return nil, &ParseError{Path: filePath, Reason: fmt.Sprintf("unsupported format %q", format)}
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Root returns the document tree. The top level may be a list; callers
// must branch on the node kind.
func (d *Document) Root() *Node { return d.root }

// Emit serializes the document. The BOM and trailing-newline state of the
// source are reproduced.
func (d *Document) Emit() ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch d.format {
	case FormatYAML:
		out, err = d.emitYAML()
	case FormatJSON:
		out, err = d.emitJSON()
	case FormatProperties:
		out, err = d.emitProperties()
	default:
		return nil, &EmitError{Path: d.path, Reason: fmt.Sprintf("unsupported format %q", d.format)}
	}
	if err != nil {
		return nil, err
	}
	if !d.trailingNewline {
		out = bytes.TrimSuffix(out, []byte("\n"))
	} else if len(out) > 0 && !bytes.HasSuffix(out, []byte("\n")) {
		out = append(out, '\n')
	}
	if d.hasBOM {
		out = append(append([]byte{}, utf8BOM...), out...)
	}
	return out, nil
}
