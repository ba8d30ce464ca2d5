package ir

import (
	"fmt"
	"strings"
)

// entityKeySep separates the segments of a composite entity key.
const entityKeySep = "#"

// EntityKey builds the composite key TYPE#tenant#id.
// The type segment is upper-cased; tenant and id are kept verbatim.
func EntityKey(entityType, tenantID, id string) string {
	return strings.ToUpper(entityType) + entityKeySep + tenantID + entityKeySep + id
}

// ParsedKey is a composite entity key split into its segments.
type ParsedKey struct {
	EntityType string
	TenantID   string
	ID         string
}

// ParseEntityKey splits TYPE#tenant#id. The id segment may itself contain
// '#'; everything after the second separator belongs to it.
func ParseEntityKey(key string) (ParsedKey, error) {
	parts := strings.SplitN(key, entityKeySep, 3)
	if len(parts) < 3 {
		return ParsedKey{}, fmt.Errorf("entity key %q: expected TYPE#tenant#id", key)
	}
	if parts[0] == "" || parts[2] == "" {
		return ParsedKey{}, fmt.Errorf("entity key %q: empty type or id segment", key)
	}
	return ParsedKey{EntityType: parts[0], TenantID: parts[1], ID: parts[2]}, nil
}

// EntityTypeOf returns the lower-cased type segment of a composite key,
// or "" when the key is not composite.
func EntityTypeOf(key string) string {
	parsed, err := ParseEntityKey(key)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.EntityType)
}

// EntityIDOf returns the id segment of a composite key, or "" when the key
// is not composite.
func EntityIDOf(key string) string {
	parsed, err := ParseEntityKey(key)
	if err != nil {
		return ""
	}
	return parsed.ID
}
