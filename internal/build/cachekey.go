package build

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/psschwei/mellea-playground-core/internal/models"
)

// CacheKey computes the content-address for a dependency layer: the
// python version plus the sorted, canonicalised package set. Identical
// dependency sets always hash to the same key regardless of declaration
// order, matching the injective canonicalisation the original store
// relies on for cache sharing across Programs.
func CacheKey(pythonVersion string, packages []models.Package) string {
	tuples := make([]string, 0, len(packages))
	for _, p := range packages {
		extras := append([]string(nil), p.Extras...)
		sort.Strings(extras)
		tuple := strings.ToLower(p.Name) + "==" + p.Version
		if len(extras) > 0 {
			tuple += "[" + strings.Join(extras, ",") + "]"
		}
		tuples = append(tuples, tuple)
	}
	sort.Strings(tuples)

	h := sha256.New()
	h.Write([]byte(pythonVersion))
	h.Write([]byte("\n"))
	h.Write([]byte(strings.Join(tuples, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// PackagesHash is the hash stored in LayerCacheEntry.PackagesHash: CacheKey
// computed with an empty python version. It is derived from CacheKey, so any
// change to CacheKey's derivation changes this hash as well.
func PackagesHash(packages []models.Package) string {
	return CacheKey("", packages)
}
