package partition

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Handle is a validated partition name. Queries address tenant data through
// Qualify instead of splicing partition names into SQL text.
type Handle struct {
	name string
}

func NewHandle(name string) (Handle, error) {
	if !ValidName(name) {
		return Handle{}, fmt.Errorf("invalid partition name %q", name)
	}
	return Handle{name: name}, nil
}

func (h Handle) Name() string { return h.name }

func (h Handle) IsZero() bool { return h.name == "" }

func (h Handle) String() string { return h.name }

// Qualify returns the sanitized "partition"."table" identifier.
func (h Handle) Qualify(table string) (string, error) {
	if h.IsZero() {
		return "", fmt.Errorf("qualify %q: empty partition handle", table)
	}
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("qualify: empty table name")
	}
	return pgx.Identifier{h.name, table}.Sanitize(), nil
}
