// Package policy validates model-proposed calls against the capability catalog.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/carebridge/medgate/internal/catalog"
)

// DenialKind classifies why a call was rejected.
type DenialKind string

const (
	// DenialMalformed marks an incomplete call (absent or empty operation
	// name, or arguments that are not a JSON object). Not a security event.
	DenialMalformed DenialKind = "malformed"
	// DenialPolicy marks an operation outside the role's capability set.
	DenialPolicy DenialKind = "policy"
	// DenialSchema marks arguments that fail the declared schema.
	DenialSchema DenialKind = "schema"
)

// CallRequest is one proposed invocation assembled from model output.
// RawArguments holds the accumulated argument fragment exactly as the
// model emitted it; it is parsed here, not by the accumulator.
type CallRequest struct {
	ID           string
	Operation    string
	RawArguments string
}

// Denial is a typed deny outcome. Denied is control flow, not an error.
type Denial struct {
	Kind   DenialKind
	Reason string
}

// Grant proves a call passed every validation gate. Only Validate can
// produce a valid grant; the execution bridge refuses anything else.
type Grant struct {
	valid     bool
	role      string
	operation string
	arguments map[string]any
	sensitive bool
}

// Valid reports whether the grant was produced by Validate.
func (g Grant) Valid() bool { return g.valid }

// Role returns the granted caller role.
func (g Grant) Role() string { return g.role }

// Operation returns the granted operation name.
func (g Grant) Operation() string { return g.operation }

// Arguments returns the parsed, schema-checked argument payload.
func (g Grant) Arguments() map[string]any { return g.arguments }

// Sensitive reports whether the operation is flagged as PHI-bearing.
func (g Grant) Sensitive() bool { return g.sensitive }

// Validator decides allow/deny for proposed calls. It performs no I/O and
// has no access to the execution bridge.
type Validator struct {
	store *catalog.Store
}

// NewValidator creates a validator over the active catalog store.
func NewValidator(store *catalog.Store) *Validator {
	return &Validator{store: store}
}

// Validate runs the three gates in order, each failing closed:
// operation name present, operation exposed to the role, arguments
// satisfying the declared schema.
func (v *Validator) Validate(role string, call CallRequest) (Grant, *Denial) {
	return v.ValidateAgainst(v.store.Load(), role, call)
}

// ValidateAgainst validates against an explicit catalog snapshot so one
// turn sees a single catalog version throughout.
func (v *Validator) ValidateAgainst(cat *catalog.Catalog, role string, call CallRequest) (Grant, *Denial) {
	trimmedRole := strings.TrimSpace(role)
	name := strings.TrimSpace(call.Operation)
	if name == "" {
		return Grant{}, &Denial{
			Kind:   DenialMalformed,
			Reason: fmt.Sprintf("call request for role %s has no operation name", trimmedRole),
		}
	}

	entry, ok := cat.Lookup(role, name)
	if !ok {
		return Grant{}, &Denial{
			Kind:   DenialPolicy,
			Reason: fmt.Sprintf("operation %s is not available for role %s", name, trimmedRole),
		}
	}

	args, err := parseArguments(call.RawArguments)
	if err != nil {
		return Grant{}, &Denial{
			Kind:   DenialSchema,
			Reason: fmt.Sprintf("arguments for %s from role %s are not a JSON object: %v", name, trimmedRole, err),
		}
	}
	if err := entry.ValidateArguments(args); err != nil {
		return Grant{}, &Denial{
			Kind:   DenialSchema,
			Reason: fmt.Sprintf("call to %s by role %s rejected: %v", name, trimmedRole, err),
		}
	}

	return Grant{
		valid:     true,
		role:      trimmedRole,
		operation: name,
		arguments: args,
		sensitive: entry.Sensitive,
	}, nil
}

func parseArguments(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
