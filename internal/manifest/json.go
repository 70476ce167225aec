package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/jsonc"
)

// jsonDocument keeps the original bytes of a JSON or JSONC manifest and
// the byte span of every top-level value, so single values can be
// replaced in place.
type jsonDocument struct {
	data   []byte
	fields []jsonField
	// closeBrace is the offset of the top-level object's closing brace
	closeBrace int
}

type jsonField struct {
	key        string
	valueStart int
	valueEnd   int
}

// parseJSON indexes the top-level keys of a JSON object. Comments and
// trailing commas are allowed. jsonc.ToJSON preserves byte offsets, so
// offsets found in the stripped copy are valid in the original.
func parseJSON(data []byte) (*jsonDocument, error) {
	stripped := jsonc.ToJSON(data)
	if len(stripped) != len(data) {
		return nil, fmt.Errorf("%w: comment stripping changed document length", ErrManifestParse)
	}

	dec := json.NewDecoder(bytes.NewReader(stripped))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: top level must be an object", ErrManifestParse)
	}

	doc := &jsonDocument{data: data}
	index := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected object key", ErrManifestParse)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: value of %q: %v", ErrManifestParse, key, err)
		}
		end := int(dec.InputOffset())
		field := jsonField{key: key, valueStart: end - len(raw), valueEnd: end}

		// Last duplicate wins, matching encoding/json.
		if i, dup := index[key]; dup {
			doc.fields[i] = field
			continue
		}
		index[key] = len(doc.fields)
		doc.fields = append(doc.fields, field)
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}
	doc.closeBrace = int(dec.InputOffset()) - 1

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after top-level object", ErrManifestParse)
	}
	return doc, nil
}

func (d *jsonDocument) values() (map[string]any, error) {
	var values map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(d.data), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (d *jsonDocument) bytes() []byte {
	return d.data
}

func (d *jsonDocument) withString(key, value string) (document, error) {
	encoded, err := encodeJSONString(value)
	if err != nil {
		return nil, err
	}

	for _, f := range d.fields {
		if f.key == key {
			return d.splice(f.valueStart, f.valueEnd, encoded)
		}
	}

	// New keys go after the last existing one, on their own line with the
	// same indentation.
	encodedKey, err := encodeJSONString(key)
	if err != nil {
		return nil, err
	}
	if len(d.fields) == 0 {
		insert := append(append(encodedKey, ':', ' '), encoded...)
		return d.splice(d.closeBrace, d.closeBrace, insert)
	}

	last := d.fields[len(d.fields)-1]
	var insert []byte
	insert = append(insert, ',')
	if indent, ok := lineIndent(d.data, last.valueStart); ok {
		insert = append(insert, '\n')
		insert = append(insert, indent...)
	} else {
		insert = append(insert, ' ')
	}
	insert = append(insert, encodedKey...)
	insert = append(insert, ':', ' ')
	insert = append(insert, encoded...)
	return d.splice(last.valueEnd, last.valueEnd, insert)
}

// splice returns a re-indexed copy of the document with data[start:end]
// replaced by repl.
func (d *jsonDocument) splice(start, end int, repl []byte) (document, error) {
	data := make([]byte, 0, len(d.data)-(end-start)+len(repl))
	data = append(data, d.data[:start]...)
	data = append(data, repl...)
	data = append(data, d.data[end:]...)
	return parseJSON(data)
}

// lineIndent returns the leading whitespace of the line containing
// offset, and false when that line also holds the opening brace.
func lineIndent(data []byte, offset int) ([]byte, bool) {
	lineStart := bytes.LastIndexByte(data[:offset], '\n')
	if lineStart < 0 {
		return nil, false
	}
	line := data[lineStart+1 : offset]
	end := 0
	for end < len(line) && (line[end] == ' ' || line[end] == '\t') {
		end++
	}
	return line[:end], true
}

// encodeJSONString quotes s without HTML escaping, so URLs keep their
// ampersands readable.
func encodeJSONString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
