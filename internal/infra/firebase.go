// README: Firebase Admin SDK token verification; yields the pre-validated caller identity and role.
package infra

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

const (
	RoleWorker    = "worker"
	RoleRequester = "requester"
)

// Identity is the verified caller as seen by handlers.
type Identity struct {
	UID   string
	Role  string
	Name  string
	Email string
}

// TokenVerifier verifies a raw ID token string and returns the caller identity.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*Identity, error)
}

type firebaseVerifier struct {
	client *auth.Client
}

// NewFirebaseVerifier creates a TokenVerifier using the Firebase Admin SDK.
// If credentialsFile is empty, application-default credentials are used.
func NewFirebaseVerifier(ctx context.Context, projectID, credentialsFile string) (TokenVerifier, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return &firebaseVerifier{client: client}, nil
}

func (v *firebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*Identity, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return IdentityFromClaims(token.UID, token.Claims), nil
}

// IdentityFromClaims reads the custom "role" claim plus the profile claims
// captured in the request snapshot. Unknown or missing roles default to requester.
func IdentityFromClaims(uid string, claims map[string]interface{}) *Identity {
	id := &Identity{UID: uid, Role: RoleRequester}
	if role, ok := claims["role"].(string); ok && role == RoleWorker {
		id.Role = RoleWorker
	}
	if name, ok := claims["name"].(string); ok {
		id.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	return id
}
