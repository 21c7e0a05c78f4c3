// Package redact filters resource-server payloads by role field visibility.
package redact

import (
	"github.com/carebridge/medgate/internal/catalog"
)

// Filter removes fields the role may not see, recursively through nested
// objects and arrays. The resource server is expected to have filtered
// already; this is the gateway-side re-check. Fields with no visibility
// rule are hidden from every role except the operation's owner, mirroring
// the validator's fail-closed policy. Filtering is idempotent.
func Filter(cat *catalog.Catalog, role, operationName string, data any) any {
	return filterValue(cat, role, operationName, "", data)
}

func filterValue(cat *catalog.Catalog, role, op, path string, value any) any {
	switch typed := value.(type) {
	case map[string]any:
		filtered := make(map[string]any, len(typed))
		for key, child := range typed {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			kept, ok := filterField(cat, role, op, childPath, child)
			if ok {
				filtered[key] = kept
			}
		}
		return filtered
	case []any:
		// Array elements share their container's field path.
		filtered := make([]any, 0, len(typed))
		for _, item := range typed {
			filtered = append(filtered, filterValue(cat, role, op, path, item))
		}
		return filtered
	default:
		return value
	}
}

func filterField(cat *catalog.Catalog, role, op, path string, value any) (any, bool) {
	visible := cat.IsVisible(role, op, path)

	switch value.(type) {
	case map[string]any, []any:
		// Containers with rules only on their children are kept when any
		// child survives; an explicit rule on the container decides the
		// whole subtree.
		if visible {
			return filterValue(cat, role, op, path, value), true
		}
		if cat.HasNestedRules(op, path) {
			kept := filterValue(cat, role, op, path, value)
			if isEmptyContainer(kept) {
				return nil, false
			}
			return kept, true
		}
		return nil, false
	default:
		if !visible {
			return nil, false
		}
		return value, true
	}
}

func isEmptyContainer(value any) bool {
	switch typed := value.(type) {
	case map[string]any:
		return len(typed) == 0
	case []any:
		return len(typed) == 0
	default:
		return false
	}
}
