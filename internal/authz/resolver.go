package authz

import (
	"context"
	"errors"
	"strings"

	"github.com/mjza/mra-core-sub000/pkg/models"
)

// BearerSubjectResolver treats the bearer token value as the acting subject.
// It suits embedded deployments sitting behind a gateway that already
// authenticated the caller; anything needing real verification should plug in
// its own IdentityResolver.
func BearerSubjectResolver(_ context.Context, credential string) (*models.Identity, error) {
	subject := strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if subject == "" {
		return nil, errors.New("credential carries no subject")
	}
	return &models.Identity{ID: subject}, nil
}
