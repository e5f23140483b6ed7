package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"taskproof/internal/domain"
	"taskproof/internal/events"
	"taskproof/internal/ledger"
	"taskproof/internal/repo"
)

// CreateAPIKey issues a key for actorID. The secret is returned once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", ValidationError{Field: "actor_id", Reason: "required"}
	}
	secret, err := repo.NewAPIKeySecret()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "api_key.created", events.KindAPIKey, key.ID, actorID, events.EventPayload{"name": key.Name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// RevokeAPIKey deletes a key. Only its holder or the owner may revoke it.
func (e Engine) RevokeAPIKey(ctx context.Context, actorID, keyID string) error {
	found, err := e.Repo.GetAPIKey(ctx, keyID)
	if err != nil {
		return err
	}
	if found.ActorID != actorID && actorID != e.Policy.Owner {
		return ledger.ForbiddenError{Role: "the key's holder or owner"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, keyID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "api_key.revoked", events.KindAPIKey, keyID, actorID, events.EventPayload{"holder": found.ActorID}); err != nil {
		return err
	}
	return tx.Commit()
}
