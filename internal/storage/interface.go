package storage

import (
	"context"

	"github.com/mcoot/masquerade-go/internal/model"
)

// Storage holds session snapshots. It is a read model for the HTTP API and
// external collaborators; live state is owned by the session controller.
type Storage interface {
	SaveSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, id model.SessionID) (*model.Session, error)
	DeleteSession(ctx context.Context, id model.SessionID) error

	// ListSessions returns every stored snapshot ordered by creation time
	ListSessions(ctx context.Context) ([]*model.Session, error)
}
