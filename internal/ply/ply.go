package ply

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MediaType is the content type used for in-memory PLY blobs.
const MediaType = "model/ply"

// Format is the body encoding declared in the header.
type Format string

const (
	FormatASCII    Format = "ascii"
	FormatBinaryLE Format = "binary_little_endian"
	FormatBinaryBE Format = "binary_big_endian"
)

const (
	maxHeaderBytes   = 64 * 1024
	headerTerminator = "end_header"
)

var typeSizes = map[string]int{
	"char": 1, "int8": 1,
	"uchar": 1, "uint8": 1,
	"short": 2, "int16": 2,
	"ushort": 2, "uint16": 2,
	"int": 4, "int32": 4,
	"uint": 4, "uint32": 4,
	"float": 4, "float32": 4,
	"double": 8, "float64": 8,
}

// ParseError describes malformed PLY input.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invalid ply header (line %d): %s", e.Line, e.Msg)
	}
	return "invalid ply data: " + e.Msg
}

// Property is one field of an element.
type Property struct {
	Name string `json:"name"`
	Type string `json:"type"`

	// CountType is the length type of a list property and empty otherwise.
	CountType string `json:"countType,omitempty"`
}

// IsList reports whether the property is a variable length list.
func (p Property) IsList() bool {
	return p.CountType != ""
}

// Element is a block of records declared in the header.
type Element struct {
	Name       string     `json:"name"`
	Count      int        `json:"count"`
	Properties []Property `json:"properties"`
}

// Stride returns the byte size of one binary record, or 0 if the element has list properties.
func (e Element) Stride() int {
	stride := 0
	for _, p := range e.Properties {
		if p.IsList() {
			return 0
		}
		stride += typeSizes[p.Type]
	}
	return stride
}

// Splat is a parsed Gaussian-splat point cloud.
type Splat struct {
	Format      Format    `json:"format"`
	Version     string    `json:"version"`
	Comments    []string  `json:"comments,omitempty"`
	Elements    []Element `json:"elements"`
	VertexCount int       `json:"vertexCount"`
	Compressed  bool      `json:"compressed"`
	Size        int       `json:"size"`

	// Data is the body following the header.
	Data []byte `json:"-"`
}

// Element returns the named element.
func (s *Splat) Element(name string) (Element, bool) {
	for _, e := range s.Elements {
		if e.Name == name {
			return e, true
		}
	}
	return Element{}, false
}

// Parse reads a PLY header and validates the body length against it.
func Parse(data []byte) (*Splat, error) {
	headerEnd, err := findHeaderEnd(data)
	if err != nil {
		return nil, err
	}

	splat := &Splat{Size: len(data)}
	scanner := bufio.NewScanner(bytes.NewReader(data[:headerEnd]))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(text)
		if line == 1 {
			if text != "ply" {
				return nil, &ParseError{Line: line, Msg: "missing ply magic"}
			}
			continue
		}
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) != 3 {
				return nil, &ParseError{Line: line, Msg: "malformed format line"}
			}
			switch Format(fields[1]) {
			case FormatASCII, FormatBinaryLE, FormatBinaryBE:
				splat.Format = Format(fields[1])
			default:
				return nil, &ParseError{Line: line, Msg: fmt.Sprintf("unknown format %q", fields[1])}
			}
			splat.Version = fields[2]
		case "comment", "obj_info":
			splat.Comments = append(splat.Comments, strings.TrimSpace(strings.TrimPrefix(text, fields[0])))
		case "element":
			if len(fields) != 3 {
				return nil, &ParseError{Line: line, Msg: "malformed element line"}
			}
			count, err := strconv.Atoi(fields[2])
			if err != nil || count < 0 {
				return nil, &ParseError{Line: line, Msg: fmt.Sprintf("invalid element count %q", fields[2])}
			}
			splat.Elements = append(splat.Elements, Element{Name: fields[1], Count: count})
		case "property":
			if len(splat.Elements) == 0 {
				return nil, &ParseError{Line: line, Msg: "property before any element"}
			}
			prop, err := parseProperty(fields)
			if err != nil {
				return nil, &ParseError{Line: line, Msg: err.Error()}
			}
			current := &splat.Elements[len(splat.Elements)-1]
			current.Properties = append(current.Properties, prop)
		case headerTerminator:
		default:
			return nil, &ParseError{Line: line, Msg: fmt.Sprintf("unexpected keyword %q", fields[0])}
		}
	}
	if splat.Format == "" {
		return nil, &ParseError{Msg: "header declares no format"}
	}

	splat.Data = data[headerEnd:]
	if vertex, ok := splat.Element("vertex"); ok {
		splat.VertexCount = vertex.Count
	} else {
		return nil, &ParseError{Msg: "header declares no vertex element"}
	}
	_, splat.Compressed = splat.Element("chunk")

	if err := splat.validateBody(); err != nil {
		return nil, err
	}
	return splat, nil
}

func findHeaderEnd(data []byte) (int, error) {
	limit := len(data)
	if limit > maxHeaderBytes {
		limit = maxHeaderBytes
	}
	if !bytes.HasPrefix(data, []byte("ply")) {
		return 0, &ParseError{Msg: "missing ply magic"}
	}
	idx := bytes.Index(data[:limit], []byte(headerTerminator))
	if idx < 0 {
		return 0, &ParseError{Msg: "header is not terminated"}
	}
	end := idx + len(headerTerminator)
	if end < len(data) && data[end] == '\r' {
		end++
	}
	if end < len(data) && data[end] == '\n' {
		end++
	}
	return end, nil
}

func parseProperty(fields []string) (Property, error) {
	if len(fields) >= 2 && fields[1] == "list" {
		if len(fields) != 5 {
			return Property{}, fmt.Errorf("malformed list property")
		}
		if _, ok := typeSizes[fields[2]]; !ok {
			return Property{}, fmt.Errorf("unknown type %q", fields[2])
		}
		if _, ok := typeSizes[fields[3]]; !ok {
			return Property{}, fmt.Errorf("unknown type %q", fields[3])
		}
		return Property{Name: fields[4], Type: fields[3], CountType: fields[2]}, nil
	}
	if len(fields) != 3 {
		return Property{}, fmt.Errorf("malformed property")
	}
	if _, ok := typeSizes[fields[1]]; !ok {
		return Property{}, fmt.Errorf("unknown type %q", fields[1])
	}
	return Property{Name: fields[2], Type: fields[1]}, nil
}

func (s *Splat) validateBody() error {
	// Every record with properties takes at least one byte, so no count may exceed
	// the body size. Checking this first keeps the sums below from overflowing.
	for _, e := range s.Elements {
		if len(e.Properties) > 0 && e.Count > len(s.Data) {
			return &ParseError{Msg: fmt.Sprintf("element %s declares %d records, body has %d bytes", e.Name, e.Count, len(s.Data))}
		}
	}

	if s.Format == FormatASCII {
		want := 0
		for _, e := range s.Elements {
			if e.Count > len(s.Data)-want {
				return &ParseError{Msg: fmt.Sprintf("header declares more records than the %d byte body can hold", len(s.Data))}
			}
			want += e.Count
		}
		got := 0
		for _, l := range bytes.Split(s.Data, []byte("\n")) {
			if len(bytes.TrimSpace(l)) > 0 {
				got++
			}
		}
		if got < want {
			return &ParseError{Msg: fmt.Sprintf("expected %d records, found %d", want, got)}
		}
		return nil
	}

	want := 0
	for _, e := range s.Elements {
		stride := e.Stride()
		if stride == 0 {
			if len(e.Properties) > 0 {
				// list properties make the size data dependent
				return nil
			}
			continue
		}
		if e.Count > (len(s.Data)-want)/stride {
			return &ParseError{Msg: fmt.Sprintf("body has %d bytes, element %s needs %d more records of %d bytes", len(s.Data), e.Name, e.Count, stride)}
		}
		want += stride * e.Count
	}
	return nil
}
