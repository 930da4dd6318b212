// Package store persists collections, items and their tier results. The
// Tier-3 state machine is enforced here with compare-and-set updates so
// concurrent workers, in one process or many, never run the same item twice.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/model"
)

var (
	// ErrNotFound is returned when a collection or item does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrInvalidTransition is returned when a Tier-3 compare-and-set loses.
	ErrInvalidTransition = model.ErrInvalidTransition
)

// Store defines the persistence interface for the acquisition engine.
type Store interface {
	// Collections
	UpsertCollection(ctx context.Context, c model.Collection) error
	GetCollection(ctx context.Context, id string) (*model.Collection, error)

	// Items. UpsertItemMetadata creates the item or refreshes Tier-1 while
	// leaving Tier-2 and Tier-3 untouched.
	UpsertItemMetadata(ctx context.Context, collectionID, itemID string, meta model.Metadata) error
	GetItem(ctx context.Context, id string) (*model.Item, error)
	ListItems(ctx context.Context, collectionID string) ([]model.Item, error)
	SetTier2(ctx context.Context, itemID string, caption model.Tier2Caption) error
	MarkTier2Status(ctx context.Context, itemID string, status model.Tier2Status, reason string) error

	// Tier-3 state machine
	ClaimTier3(ctx context.Context, itemID string, now time.Time) (*model.Item, error)
	CompleteTier3(ctx context.Context, itemID string, result model.Tier3Transcript) error
	FailTier3(ctx context.Context, itemID string, reason string) error
	ReclaimStaleTier3(ctx context.Context, cutoff time.Time) ([]string, error)
	ListTier3Candidates(ctx context.Context, collectionID string) ([]model.Item, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// staleReason is recorded on items swept out of a stuck processing state.
const staleReason = "processing timed out"

// claimableStates are the Tier-3 states ClaimTier3 accepts.
var claimableStates = []string{string(model.Tier3NotStarted), string(model.Tier3Failed)}

// notFound wraps ErrNotFound with the entity and id.
func notFound(entity, id string) error {
	return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
}

// lostClaim wraps ErrInvalidTransition with the state the item was in.
func lostClaim(itemID string, state model.Tier3State, to model.Tier3State) error {
	return eris.Wrapf(ErrInvalidTransition, "item %s: %s -> %s", itemID, state, to)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
