package utils

import (
	"strings"

	uuid "github.com/twinj/uuid"
)

const defaultNamePrefix = "temp"

// RandomNameGenerator Generates unique names for temporary CAS tables.
type RandomNameGenerator struct{}

// GenerateName Return <prefix>_<uuid>. Dashes are replaced by underscores so the
// name can be used unquoted in FedSQL.
func (RandomNameGenerator) GenerateName(prefix string) string {
	if prefix == "" {
		prefix = defaultNamePrefix
	}
	id := strings.ReplaceAll(uuid.NewV4().String(), "-", "_")
	return prefix + "_" + id
}
