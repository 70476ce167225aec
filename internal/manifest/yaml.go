package manifest

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// yamlDocument holds a YAML manifest as a node tree. Node trees keep
// mapping order and comments through an encode cycle.
type yamlDocument struct {
	root   *yaml.Node
	indent int
	data   []byte
}

func parseYAML(data []byte) (*yamlDocument, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping", ErrManifestParse)
	}
	return &yamlDocument{root: &root, indent: detectYAMLIndent(data), data: data}, nil
}

func (d *yamlDocument) values() (map[string]any, error) {
	var values map[string]any
	if err := d.root.Decode(&values); err != nil {
		return nil, err
	}
	return values, nil
}

func (d *yamlDocument) bytes() []byte {
	return d.data
}

func (d *yamlDocument) withString(key, value string) (document, error) {
	// Re-parse our own bytes to get a private node tree to mutate.
	var root yaml.Node
	if err := yaml.Unmarshal(d.data, &root); err != nil {
		return nil, err
	}
	mapping := root.Content[0]

	var target *yaml.Node
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			target = mapping.Content[i+1]
			break
		}
	}
	if target == nil {
		target = &yaml.Node{Kind: yaml.ScalarNode}
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
			target)
	}

	quoted := target.Kind == yaml.ScalarNode &&
		target.Style&(yaml.DoubleQuotedStyle|yaml.SingleQuotedStyle) != 0
	target.Kind = yaml.ScalarNode
	target.Tag = "!!str"
	target.Value = value
	target.Content = nil
	if !quoted {
		target.Style = 0
		if !plainIsString(value) {
			target.Style = yaml.DoubleQuotedStyle
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(d.indent)
	if err := enc.Encode(&root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return parseYAML(buf.Bytes())
}

// plainIsString reports whether value, written unquoted, reads back as
// a string. "1.0" would read back as a float.
func plainIsString(value string) bool {
	var out any
	if err := yaml.Unmarshal([]byte(value), &out); err != nil {
		return false
	}
	s, ok := out.(string)
	return ok && s == value
}

// detectYAMLIndent returns the indentation of the first indented line,
// defaulting to two spaces.
func detectYAMLIndent(data []byte) int {
	for _, line := range bytes.Split(data, []byte("\n")) {
		trimmed := bytes.TrimLeft(line, " ")
		if n := len(line) - len(trimmed); n > 0 && len(trimmed) > 0 && trimmed[0] != '#' {
			// Sequence items under a key are often indented by the dash
			// alone; anything under 2 is not a usable encoder setting.
			if n < 2 {
				return 2
			}
			return n
		}
	}
	return 2
}
