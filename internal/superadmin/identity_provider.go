package superadmin

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/aluna-app/aluna/modules/iam/infrastructure/kratos"
)

var errInvalidCredentials = errors.New("superadmin: invalid credentials")

type authenticatedIdentity struct {
	KratosIdentityID string
	Email            string
}

type identityProvider interface {
	AuthenticatePassword(ctx context.Context, email string, password string) (authenticatedIdentity, error)
}

type kratosIdentityProvider struct {
	client *kratos.Client
}

// The console authenticates against its own Kratos project, never the tenant
// one. SUPERADMIN_KRATOS_PUBLIC_URL has no fallback to KRATOS_PUBLIC_URL on
// purpose.
func newKratosIdentityProviderFromEnv() (identityProvider, error) {
	publicURL := strings.TrimSpace(os.Getenv("SUPERADMIN_KRATOS_PUBLIC_URL"))
	if publicURL == "" {
		return nil, errors.New("superadmin: SUPERADMIN_KRATOS_PUBLIC_URL is required")
	}
	c, err := kratos.New(publicURL)
	if err != nil {
		return nil, err
	}
	return &kratosIdentityProvider{client: c}, nil
}

func (p *kratosIdentityProvider) AuthenticatePassword(ctx context.Context, email string, password string) (authenticatedIdentity, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	sess, err := p.client.LoginPassword(ctx, email, password)
	if err != nil {
		var he *kratos.HTTPError
		if errors.As(err, &he) {
			switch he.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return authenticatedIdentity{}, errInvalidCredentials
			}
		}
		return authenticatedIdentity{}, err
	}
	if !strings.EqualFold(sess.Identity.Email(), email) {
		return authenticatedIdentity{}, errInvalidCredentials
	}
	return authenticatedIdentity{
		KratosIdentityID: sess.Identity.ID,
		Email:            email,
	}, nil
}
