package engine

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/polisai/conduit/pkg/domain"
)

var errNotXML = errors.New("message is not an XML document")

// stripNamespaces re-serialises an XML message with every namespace prefix,
// namespace URI and xmlns declaration removed. Messages that do not start with
// an element are rejected.
func stripNamespaces(message domain.Message) (domain.Message, error) {
	trimmed := strings.TrimSpace(string(message))
	if !strings.HasPrefix(trimmed, "<") {
		return "", errNotXML
	}

	dec := xml.NewDecoder(strings.NewReader(trimmed))
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	sawElement := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			sawElement = true
			t.Name.Space = ""
			attrs := t.Attr[:0]
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
					continue
				}
				a.Name.Space = ""
				attrs = append(attrs, a)
			}
			t.Attr = attrs
			tok = t
		case xml.EndElement:
			t.Name.Space = ""
			tok = t
		case xml.ProcInst:
			// The encoder only accepts an XML declaration as the first token.
			if t.Target == "xml" {
				continue
			}
		}
		if err := enc.EncodeToken(xml.CopyToken(tok)); err != nil {
			return "", err
		}
	}
	if !sawElement {
		return "", errNotXML
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return domain.Message(buf.String()), nil
}
