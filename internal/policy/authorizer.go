// Package policy decides which callers may use the operator endpoints.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/goodtune/lunameter/internal/identity"
	"github.com/goodtune/lunameter/internal/policy/opa"
)

// ErrForbidden is returned when the policy denies an operator action.
var ErrForbidden = errors.New("forbidden")

// Input is the document handed to the policy as input.
type Input struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allow  bool
	Reason string
}

// Authorizer evaluates operator requests against the admin policy.
type Authorizer struct {
	engine *opa.Engine
	logger zerolog.Logger
}

// NewAuthorizer loads the policies in policyDir, or the built-in policy
// when policyDir is empty. adminEmails are compared case-insensitively.
func NewAuthorizer(policyDir string, adminEmails []string, logger zerolog.Logger) (*Authorizer, error) {
	emails := make([]interface{}, 0, len(adminEmails))
	for _, email := range adminEmails {
		email = strings.TrimSpace(email)
		if email != "" {
			emails = append(emails, strings.ToLower(email))
		}
	}

	engine, err := opa.NewEngine(opa.Config{
		PolicyDir: policyDir,
		Data:      map[string]interface{}{"admin_emails": emails},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}

	return &Authorizer{
		engine: engine,
		logger: logger.With().Str("component", "policy").Logger(),
	}, nil
}

// Authorize evaluates input. Evaluation errors deny.
func (a *Authorizer) Authorize(ctx context.Context, input Input) Decision {
	decision, err := a.engine.Evaluate(ctx, map[string]interface{}{
		"user_id":  input.UserID,
		"email":    input.Email,
		"role":     input.Role,
		"action":   input.Action,
		"resource": input.Resource,
	})
	if err != nil {
		a.logger.Error().Err(err).Str("user_id", input.UserID).Str("action", input.Action).Msg("Policy evaluation failed")
		return Decision{Allow: false, Reason: "policy evaluation failed"}
	}

	if !decision.Allow {
		a.logger.Warn().
			Str("user_id", input.UserID).
			Str("action", input.Action).
			Str("resource", input.Resource).
			Str("reason", decision.Reason).
			Msg("Operator request denied")
	}

	return Decision{Allow: decision.Allow, Reason: decision.Reason}
}

// AuthorizeIdentity checks whether id may perform action on resource and
// returns an error wrapping ErrForbidden when it may not.
func (a *Authorizer) AuthorizeIdentity(ctx context.Context, id *identity.Identity, action, resource string) error {
	if id == nil {
		return fmt.Errorf("%w: no identity", ErrForbidden)
	}
	decision := a.Authorize(ctx, Input{
		UserID:   id.UserID,
		Email:    id.Email,
		Role:     id.Role,
		Action:   action,
		Resource: resource,
	})
	if !decision.Allow {
		return fmt.Errorf("%w: %s", ErrForbidden, decision.Reason)
	}
	return nil
}

// Reload re-reads the policy files.
func (a *Authorizer) Reload() error {
	return a.engine.Reload()
}
