// Package catalog provides the immutable role capability catalog.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Entry is one invocable operation as exposed to a role.
type Entry struct {
	Operation   string
	Description string
	Sensitive   bool
	InputSchema map[string]any

	compiled *jsonschema.Schema
}

// ValidateArguments checks raw call arguments against the declared schema.
func (e Entry) ValidateArguments(args map[string]any) error {
	if e.compiled == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := e.compiled.Validate(normalizeJSONValue(args)); err != nil {
		return fmt.Errorf("arguments for %s do not satisfy the declared schema: %w", e.Operation, err)
	}
	return nil
}

type operation struct {
	entry  Entry
	owner  string
	fields map[string][]string
}

type catalogContract struct {
	Version    string `yaml:"version"`
	Service    string `yaml:"service"`
	Operations []struct {
		Name        string              `yaml:"name"`
		Description string              `yaml:"description,omitempty"`
		Owner       string              `yaml:"owner"`
		Sensitive   bool                `yaml:"sensitive,omitempty"`
		Arguments   map[string]any      `yaml:"arguments,omitempty"`
		Fields      map[string][]string `yaml:"fields,omitempty"`
	} `yaml:"operations"`
	Roles map[string]struct {
		Operations []string `yaml:"operations"`
		Prompt     string   `yaml:"prompt,omitempty"`
	} `yaml:"roles"`
}

// Catalog is a parsed, immutable capability catalog. All lookups are
// deterministic and side-effect free; reconfiguration happens only by
// swapping a whole new Catalog through a Store.
type Catalog struct {
	version    string
	operations map[string]operation
	roleOps    map[string][]string
	rolePrompt map[string]string
}

// Parse decodes catalog YAML, compiles argument schemas, and validates
// structural invariants: no empty or duplicate operation names, and every
// role exposing only operations present in the global set.
func Parse(raw []byte) (*Catalog, error) {
	var parsed catalogContract
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding capability catalog: %w", err)
	}
	if len(parsed.Operations) == 0 {
		return nil, fmt.Errorf("capability catalog has no operations")
	}

	operations := make(map[string]operation, len(parsed.Operations))
	for _, op := range parsed.Operations {
		name := strings.TrimSpace(op.Name)
		if name == "" {
			return nil, fmt.Errorf("capability catalog contains empty operation name")
		}
		if _, exists := operations[name]; exists {
			return nil, fmt.Errorf("capability catalog contains duplicate operation %q", name)
		}
		owner := strings.TrimSpace(op.Owner)
		if owner == "" {
			return nil, fmt.Errorf("operation %q has no owner role", name)
		}

		compiled, err := compileSchema(name, op.Arguments)
		if err != nil {
			return nil, err
		}

		fields := make(map[string][]string, len(op.Fields))
		for path, roles := range op.Fields {
			trimmedPath := strings.TrimSpace(path)
			if trimmedPath == "" {
				return nil, fmt.Errorf("operation %q has an empty field path", name)
			}
			fields[trimmedPath] = trimStringList(roles)
		}

		operations[name] = operation{
			entry: Entry{
				Operation:   name,
				Description: strings.TrimSpace(op.Description),
				Sensitive:   op.Sensitive,
				InputSchema: op.Arguments,
				compiled:    compiled,
			},
			owner:  owner,
			fields: fields,
		}
	}

	roleOps := make(map[string][]string, len(parsed.Roles))
	rolePrompt := make(map[string]string, len(parsed.Roles))
	for role, roleSpec := range parsed.Roles {
		trimmedRole := strings.TrimSpace(role)
		if trimmedRole == "" {
			return nil, fmt.Errorf("capability catalog contains empty role name")
		}
		ops := make([]string, 0, len(roleSpec.Operations))
		seen := make(map[string]struct{}, len(roleSpec.Operations))
		for _, opName := range roleSpec.Operations {
			name := strings.TrimSpace(opName)
			if name == "" {
				continue
			}
			if _, exists := operations[name]; !exists {
				return nil, fmt.Errorf("role %q exposes unknown operation %q", trimmedRole, name)
			}
			if _, dup := seen[name]; dup {
				return nil, fmt.Errorf("role %q exposes operation %q twice", trimmedRole, name)
			}
			seen[name] = struct{}{}
			ops = append(ops, name)
		}
		roleOps[trimmedRole] = ops
		rolePrompt[trimmedRole] = strings.TrimSpace(roleSpec.Prompt)
	}

	return &Catalog{
		version:    strings.TrimSpace(parsed.Version),
		operations: operations,
		roleOps:    roleOps,
		rolePrompt: rolePrompt,
	}, nil
}

// Version returns the catalog contract version.
func (c *Catalog) Version() string {
	return c.version
}

// CapabilitiesFor returns the ordered entries a role may invoke. Unknown
// roles get nothing; there is no inheritance between roles.
func (c *Catalog) CapabilitiesFor(role string) []Entry {
	names := c.roleOps[strings.TrimSpace(role)]
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, c.operations[name].entry)
	}
	return entries
}

// Lookup returns the entry for an operation only if the role exposes it.
func (c *Catalog) Lookup(role, operationName string) (Entry, bool) {
	name := strings.TrimSpace(operationName)
	for _, exposed := range c.roleOps[strings.TrimSpace(role)] {
		if exposed == name {
			return c.operations[name].entry, true
		}
	}
	return Entry{}, false
}

// Prompt returns the role's system prompt, empty for unknown roles.
func (c *Catalog) Prompt(role string) string {
	return c.rolePrompt[strings.TrimSpace(role)]
}

// IsVisible reports whether a response field may be shown to a role.
// A field with an explicit rule is visible only to the listed roles; a
// field with no rule is visible only to the operation's owner role.
func (c *Catalog) IsVisible(role, operationName, fieldPath string) bool {
	op, ok := c.operations[strings.TrimSpace(operationName)]
	if !ok {
		return false
	}
	trimmedRole := strings.TrimSpace(role)
	roles, ruled := op.fields[strings.TrimSpace(fieldPath)]
	if !ruled {
		return trimmedRole == op.owner
	}
	for _, allowed := range roles {
		if allowed == trimmedRole {
			return true
		}
	}
	return false
}

// HasNestedRules reports whether any visibility rule exists strictly below
// the given field path. The result filter uses this to recurse into
// containers whose children carry their own rules.
func (c *Catalog) HasNestedRules(operationName, fieldPath string) bool {
	op, ok := c.operations[strings.TrimSpace(operationName)]
	if !ok {
		return false
	}
	prefix := strings.TrimSpace(fieldPath) + "."
	for path := range op.fields {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func compileSchema(operationName string, arguments map[string]any) (*jsonschema.Schema, error) {
	if len(arguments) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(arguments)
	if err != nil {
		return nil, fmt.Errorf("encoding argument schema for %q: %w", operationName, err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("medgate://catalog/%s.schema.json", operationName)
	if err := compiler.AddResource(url, bytes.NewReader(encoded)); err != nil {
		return nil, fmt.Errorf("loading argument schema for %q: %w", operationName, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling argument schema for %q: %w", operationName, err)
	}
	return compiled, nil
}

// normalizeJSONValue round-trips a value through JSON so schema validation
// sees the same shapes regardless of how the arguments were decoded.
func normalizeJSONValue(v any) any {
	encoded, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return v
	}
	return decoded
}

func trimStringList(values []string) []string {
	trimmed := make([]string, 0, len(values))
	for _, value := range values {
		normalized := strings.TrimSpace(value)
		if normalized == "" {
			continue
		}
		trimmed = append(trimmed, normalized)
	}
	return trimmed
}
