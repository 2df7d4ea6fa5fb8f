// Package requestconfig loads request definitions from a YAML (or JSON) file.
//
// Each top-level key names one request. The value selects the method either
// as a single-key mapping or as a YAML tag:
//
//	user:
//	  Get:
//	    url: https://api.example.com/users
//	    path: [{Ref: user_id}]
//	    params: {fields: {Const: name}}
//	    value: data.name
//
//	token: !Post
//	  url: https://api.example.com/login
//	  params: {user: !Ref login_name}
//	  value: token
//
// Arguments are written {Ref: name} / {Const: value} or !Ref name / !Const value.
package requestconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/Laisky/errors/v2"
	"gopkg.in/yaml.v3"

	"github.com/r9s-ai/reqpool/pkg/jsonutil"
	"github.com/r9s-ai/reqpool/pkg/request"
)

// Load reads and parses the definitions file at path.
func Load(path string) (map[string]request.Definition, error) {
	// #nosec G304 -- path is provided by trusted config/flag.
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read definitions %q", path)
	}
	defs, err := Parse(b)
	if err != nil {
		return nil, errors.Wrapf(err, "load definitions %q", path)
	}
	return defs, nil
}

// Parse decodes definitions from YAML or JSON bytes. An empty document yields
// no definitions.
func Parse(b []byte) (map[string]request.Definition, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "parse definitions")
	}
	defs := map[string]request.Definition{}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return defs, nil
	}
	root := doc.Content[0]
	if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
		return defs, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, errors.Errorf("line %d: definitions must be a mapping of name to request", root.Line)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := strings.TrimSpace(root.Content[i].Value)
		if name == "" {
			return nil, errors.Errorf("line %d: empty request name", root.Content[i].Line)
		}
		if _, dup := defs[name]; dup {
			return nil, issue(name, "", errors.Errorf("line %d: duplicate request name", root.Content[i].Line))
		}
		def, err := parseDefinition(name, root.Content[i+1])
		if err != nil {
			return nil, err
		}
		defs[name] = def
	}
	return defs, nil
}

type definitionBody struct {
	URL    string              `yaml:"url"`
	Path   []argument          `yaml:"path"`
	Params map[string]argument `yaml:"params"`
	Value  string              `yaml:"value"`
}

var bodyFields = map[string]bool{"url": true, "path": true, "params": true, "value": true}

func parseDefinition(name string, node *yaml.Node) (request.Definition, error) {
	var (
		methodText string
		body       *yaml.Node
	)
	switch {
	case isCustomTag(node.Tag):
		methodText = strings.TrimPrefix(node.Tag, "!")
		body = untagged(node)
	case node.Kind == yaml.MappingNode && len(node.Content) == 2:
		methodText = node.Content[0].Value
		body = node.Content[1]
	default:
		return request.Definition{}, issue(name, "method",
			errors.Errorf("line %d: expect a single Get or Post entry", node.Line))
	}

	method, err := request.ParseMethod(methodText)
	if err != nil {
		return request.Definition{}, issue(name, "method", errors.Wrapf(err, "line %d", node.Line))
	}
	if body.Kind != yaml.MappingNode {
		return request.Definition{}, issue(name, "", errors.Errorf("line %d: request body must be a mapping", body.Line))
	}
	for i := 0; i+1 < len(body.Content); i += 2 {
		if k := body.Content[i].Value; !bodyFields[k] {
			return request.Definition{}, issue(name, k,
				errors.Errorf("line %d: unknown field %q (expect: url|path|params|value)", body.Content[i].Line, k))
		}
	}

	var raw definitionBody
	if err := body.Decode(&raw); err != nil {
		return request.Definition{}, issue(name, "", err)
	}

	def := request.Definition{
		Method: method,
		URL:    strings.TrimSpace(raw.URL),
		Value:  jsonutil.ParsePath(raw.Value),
	}
	for _, a := range raw.Path {
		def.Path = append(def.Path, a.arg)
	}
	if len(raw.Params) > 0 {
		def.Params = make(map[string]request.Argument, len(raw.Params))
		for k, a := range raw.Params {
			def.Params[k] = a.arg
		}
	}
	return def, nil
}

// argument decodes {Ref: name}, {Const: value}, !Ref name or !Const value.
type argument struct {
	arg request.Argument
}

func (a *argument) UnmarshalYAML(node *yaml.Node) error {
	var (
		kind  string
		value *yaml.Node
	)
	switch {
	case isCustomTag(node.Tag):
		kind = strings.TrimPrefix(node.Tag, "!")
		value = untagged(node)
	case node.Kind == yaml.MappingNode && len(node.Content) == 2:
		kind = node.Content[0].Value
		value = node.Content[1]
	default:
		return errors.Errorf("line %d: argument must be {Ref: name} or {Const: value}", node.Line)
	}

	switch kind {
	case "Ref":
		var name string
		if err := value.Decode(&name); err != nil {
			return errors.Wrapf(err, "line %d: Ref", node.Line)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return errors.Errorf("line %d: Ref needs a request name", node.Line)
		}
		a.arg = request.Ref(name)
	case "Const":
		var v any
		if err := value.Decode(&v); err != nil {
			return errors.Wrapf(err, "line %d: Const", node.Line)
		}
		a.arg = request.Const(normalize(v))
	default:
		return errors.Errorf("line %d: unknown argument kind %q (expect: Ref|Const)", node.Line, kind)
	}
	return nil
}

// normalize turns YAML maps with non-string keys into JSON-shaped objects.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	default:
		return v
	}
}

func isCustomTag(tag string) bool {
	return strings.HasPrefix(tag, "!") && !strings.HasPrefix(tag, "!!")
}

// untagged returns a shallow copy of node whose tag is resolved from its kind
// and content again.
func untagged(node *yaml.Node) *yaml.Node {
	cp := *node
	cp.Tag = ""
	return &cp
}
