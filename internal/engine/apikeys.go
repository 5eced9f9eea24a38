package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/events"
	"github.com/thiagosm89/lix-carbon/internal/repo"
)

const apiKeyPrefix = "lix_"

type APIKeyCreateOptions struct {
	ActorID   string
	Name      string
	Roles     []string
	CreatedBy string
}

// CreateAPIKey stores a new device key and returns the plaintext once. Only its hash is kept.
func (e Engine) CreateAPIKey(ctx context.Context, opts APIKeyCreateOptions) (domain.APIKey, string, error) {
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.APIKey{}, "", domain.InvalidInputError{Field: "actor_id", Reason: "required"}
	}
	if len(opts.Roles) == 0 {
		return domain.APIKey{}, "", domain.InvalidInputError{Field: "roles", Reason: "at least one role required"}
	}
	if e.Config != nil {
		for _, r := range opts.Roles {
			if _, ok := e.Config.RBAC.Roles[r]; !ok {
				return domain.APIKey{}, "", domain.InvalidInputError{Field: "roles", Reason: "unknown role " + r}
			}
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   opts.ActorID,
		Name:      opts.Name,
		Roles:     opts.Roles,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", domain.Persistence("insert api key", err)
	}
	if err := e.appendEvent(ctx, tx, events.APIKeyCreated, "api_key", key.ID, opts.CreatedBy, events.EventPayload{
		"actor_id": key.ActorID,
		"roles":    key.Roles,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := commit(tx); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// LookupAPIKey resolves a plaintext key. ok is false when no key matches.
func (e Engine) LookupAPIKey(ctx context.Context, plain string) (domain.APIKey, bool, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.APIKey{}, false, nil
	}
	if err != nil {
		return domain.APIKey{}, false, domain.Persistence("lookup api key", err)
	}
	return key, true, nil
}
