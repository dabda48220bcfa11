package composition

import (
	"context"
	"testing"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
	"github.com/psschwei/mellea-playground-core/internal/models"
)

type fakeCredentialStore struct {
	items map[string]models.Credential
}

func (f *fakeCredentialStore) GetByID(id string) (models.Credential, error) {
	c, ok := f.items[id]
	if !ok {
		return models.Credential{}, apperrors.NewNotFoundError(id)
	}
	return c, nil
}

func TestSecretNameResolverUsesConventionalName(t *testing.T) {
	store := &fakeCredentialStore{items: map[string]models.Credential{
		"cred-1": {ID: "cred-1"},
	}}
	r := &secretNameResolver{credentials: store}

	name, err := r.ResolveToSecretName(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("ResolveToSecretName() error = %v", err)
	}
	if name == nil || *name != "mellea-cred-cred-1" {
		t.Fatalf("ResolveToSecretName() = %v, want mellea-cred-cred-1", name)
	}
}

func TestSecretNameResolverPropagatesNotFound(t *testing.T) {
	r := &secretNameResolver{credentials: &fakeCredentialStore{items: map[string]models.Credential{}}}

	_, err := r.ResolveToSecretName(context.Background(), "missing")
	if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		t.Fatalf("ResolveToSecretName() error = %v, want NotFound", err)
	}
}
