package tenant

import (
	"strings"

	"github.com/google/uuid"
)

// ToSnake converts a kebab-case slug into snake_case for SQL identifiers.
func ToSnake(slug string) string {
	return strings.ReplaceAll(strings.ToLower(slug), "-", "_")
}

// ShortID returns the first 8 hexadecimal characters of a UUID (without dashes).
func ShortID(id uuid.UUID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	if len(hex) < 8 {
		return hex
	}
	return hex[:8]
}

// BuildDatabaseName returns `tenant_<slug>_<envKey>`, e.g. "tenant_acme_prod".
func BuildDatabaseName(slug, envKey string) string {
	return "tenant_" + ToSnake(slug) + "_" + ToSnake(envKey)
}

// BuildRoleName derives the login role owning a tenant database.
func BuildRoleName(dbName string) string {
	return dbName + "_role"
}
