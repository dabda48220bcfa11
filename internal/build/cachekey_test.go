package build

import (
	"testing"

	"github.com/psschwei/mellea-playground-core/internal/models"
)

func TestCacheKeyIsOrderIndependent(t *testing.T) {
	a := []models.Package{{Name: "numpy", Version: "1.26.0"}, {Name: "requests", Version: "2.31.0"}}
	b := []models.Package{{Name: "requests", Version: "2.31.0"}, {Name: "numpy", Version: "1.26.0"}}

	if CacheKey("3.11", a) != CacheKey("3.11", b) {
		t.Fatalf("CacheKey differs between declaration orderings")
	}
}

func TestCacheKeyIsCaseInsensitiveOnName(t *testing.T) {
	lower := []models.Package{{Name: "numpy", Version: "1.26.0"}}
	upper := []models.Package{{Name: "NumPy", Version: "1.26.0"}}

	if CacheKey("3.11", lower) != CacheKey("3.11", upper) {
		t.Fatalf("CacheKey differs by package name casing")
	}
}

func TestCacheKeyDiffersByPythonVersion(t *testing.T) {
	pkgs := []models.Package{{Name: "numpy", Version: "1.26.0"}}
	if CacheKey("3.10", pkgs) == CacheKey("3.11", pkgs) {
		t.Fatalf("CacheKey is identical across python versions")
	}
}

func TestCacheKeyDiffersByExtras(t *testing.T) {
	plain := []models.Package{{Name: "uvicorn", Version: "0.30.0"}}
	withExtra := []models.Package{{Name: "uvicorn", Version: "0.30.0", Extras: []string{"standard"}}}
	if CacheKey("3.11", plain) == CacheKey("3.11", withExtra) {
		t.Fatalf("CacheKey ignores extras")
	}
}

func TestCacheKeyExtrasOrderIndependent(t *testing.T) {
	a := []models.Package{{Name: "uvicorn", Version: "0.30.0", Extras: []string{"standard", "dotenv"}}}
	b := []models.Package{{Name: "uvicorn", Version: "0.30.0", Extras: []string{"dotenv", "standard"}}}
	if CacheKey("3.11", a) != CacheKey("3.11", b) {
		t.Fatalf("CacheKey differs by extras declaration order")
	}
}

func TestPackagesHashIgnoresPythonVersion(t *testing.T) {
	pkgs := []models.Package{{Name: "numpy", Version: "1.26.0"}}
	if PackagesHash(pkgs) != CacheKey("", pkgs) {
		t.Fatalf("PackagesHash should equal CacheKey with an empty python version")
	}
}

func TestCacheKeyEmptyPackageSet(t *testing.T) {
	if CacheKey("3.11", nil) == "" {
		t.Fatalf("CacheKey should still produce a hash for an empty package set")
	}
}
