package supabase

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/supabase-community/gotrue-go/types"
	supa "github.com/supabase-community/supabase-go"

	"github.com/roomstudio/roomstudio/internal/models"
)

// ErrInvalidCredentials is returned when the identity provider rejects the email and password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// tokenAPI is the part of gotrue.Client used here.
type tokenAPI interface {
	SignInWithEmailPassword(email, password string) (*types.TokenResponse, error)
	GetSettings() (*types.SettingsResponse, error)
}

// NewClient connects to a Supabase project. The returned client carries both the
// auth and storage APIs.
func NewClient(projectURL, serviceKey string) (*supa.Client, error) {
	client, err := supa.NewClient(strings.TrimRight(projectURL, "/"), serviceKey, &supa.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return client, nil
}

// AuthClient validates email and password credentials against Supabase Auth.
type AuthClient struct {
	auth   tokenAPI
	logger *slog.Logger
}

func NewAuthClient(auth tokenAPI) *AuthClient {
	return &AuthClient{auth: auth, logger: slog.Default()}
}

// Ping checks that the auth service is reachable.
func (c *AuthClient) Ping() error {
	if _, err := c.auth.GetSettings(); err != nil {
		return fmt.Errorf("failed to connect to Supabase auth: %w", err)
	}
	return nil
}

// Authenticate signs in with email and password and returns the identity behind them.
func (c *AuthClient) Authenticate(email, password string) (*models.Identity, error) {
	res, err := c.auth.SignInWithEmailPassword(email, password)
	if err != nil {
		// gotrue reports rejected credentials as "response status code 400: ..."
		if strings.Contains(err.Error(), "status code 400") || errors.Is(err, types.ErrInvalidTokenRequest) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if res == nil || res.AccessToken == "" {
		return nil, ErrInvalidCredentials
	}

	c.logger.Debug("Credentials accepted", "userID", res.User.ID)
	return &models.Identity{ID: res.User.ID.String(), Email: res.User.Email}, nil
}
