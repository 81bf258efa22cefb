package partition

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// MaxNameLength is the Postgres identifier limit (NAMEDATALEN - 1).
	MaxNameLength = 63

	namePrefix   = "tenant_"
	suffixLength = 8
)

var (
	nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)
	validName   = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// DeriveName computes the partition name for a tenant at creation time.
//
// The slug is lower-cased and every run of non-alphanumeric characters is
// collapsed to a single underscore. A short blake3 digest of the tenant id is
// appended so two tenants with the same slug never share a partition. The
// result is stored on the tenant record and never recomputed.
func DeriveName(tenantID, slug string) string {
	sum := blake3.Sum256([]byte(tenantID))
	suffix := hex.EncodeToString(sum[:])[:suffixLength]

	base := strings.Trim(nonAlnumRun.ReplaceAllString(strings.ToLower(slug), "_"), "_")
	maxBase := MaxNameLength - len(namePrefix) - 1 - suffixLength
	if len(base) > maxBase {
		base = strings.TrimRight(base[:maxBase], "_")
	}
	if base == "" {
		base = "t"
	}
	return namePrefix + base + "_" + suffix
}

// ValidName reports whether name is usable as an unquoted partition identifier.
func ValidName(name string) bool {
	return len(name) > 0 && len(name) <= MaxNameLength && validName.MatchString(name)
}
