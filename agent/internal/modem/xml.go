package modem

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// xmlNode is an element being assembled by decodeXML.
type xmlNode struct {
	name     string
	text     strings.Builder
	children Response
}

// decodeXML turns a HiLink document into a Response. A <response> root
// yields its children; an <error> root yields an *APIError. Repeated
// sibling elements collapse into a []any.
func decodeXML(data []byte) (Response, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	var (
		stack []*xmlNode
		root  *xmlNode
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, &xmlNode{name: t.Name.Local})
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("decoding xml: unbalanced </%s>", t.Name.Local)
			}
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				root = n
				continue
			}
			parent := stack[len(stack)-1]
			if parent.children == nil {
				parent.children = Response{}
			}
			addChild(parent.children, n.name, n.value())
		}
	}

	if root == nil {
		return nil, errors.New("decoding xml: empty document")
	}

	if root.name == "error" {
		return nil, &APIError{
			Code:    root.children.String("code"),
			Message: root.children.String("message"),
		}
	}

	if root.children == nil {
		// Plain "<response>OK</response>" acknowledgements.
		return Response{}, nil
	}
	return root.children, nil
}

func (n *xmlNode) value() any {
	if n.children != nil {
		return n.children
	}
	return strings.TrimSpace(n.text.String())
}

func addChild(parent Response, name string, v any) {
	existing, ok := parent[name]
	if !ok {
		parent[name] = v
		return
	}
	if list, ok := existing.([]any); ok {
		parent[name] = append(list, v)
		return
	}
	parent[name] = []any{existing, v}
}

// encodeRequest wraps a typed request struct into a HiLink request body.
func encodeRequest(v any) ([]byte, error) {
	body, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
