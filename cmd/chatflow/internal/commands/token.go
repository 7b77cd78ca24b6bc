package commands

import (
	"fmt"
	"time"

	"chatflow/internal/auth"
)

// TokenCmd prints a WebSocket token for local testing.
type TokenCmd struct {
	UserID int64         `arg:"" help:"user id placed in the token subject"`
	TTL    time.Duration `help:"token lifetime" default:"1h"`

	Auth AuthFlags `embed:"" prefix:"auth-"`
}

func (c *TokenCmd) Run(_ *Globals) error {
	v, err := auth.NewJWTValidator([]byte(c.Auth.Secret), c.Auth.Issuer)
	if err != nil {
		return err
	}
	token, err := v.Issue(c.UserID, c.TTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Println(token)
	return nil
}
