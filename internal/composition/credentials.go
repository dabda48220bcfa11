package composition

import (
	"context"
	"fmt"

	"github.com/psschwei/mellea-playground-core/internal/models"
)

type credentialStore interface {
	GetByID(id string) (models.Credential, error)
}

// secretNameResolver implements executor.CredentialResolver by mapping a
// Credential row to the conventional secret name the credentials_namespace
// operator mirrors it under. Actual secret material and its encryption
// live entirely outside the core, per spec.md §6.
type secretNameResolver struct {
	credentials credentialStore
}

func (r *secretNameResolver) ResolveToSecretName(ctx context.Context, credentialID string) (*string, error) {
	cred, err := r.credentials.GetByID(credentialID)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("mellea-cred-%s", cred.ID)
	return &name, nil
}
