// Package session implements process identities and the advisory workflow
// locks bound to them.
package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

// Service provides session and workflow-lock business logic.
type Service struct {
	store  *store.Store
	logger *logger.Logger
}

// NewService creates a session service.
func NewService(st *store.Store, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		logger: log.WithFields(zap.String("component", "session-service")),
	}
}

// RegisterParams are the inputs for Register.
type RegisterParams struct {
	PID      int                    `json:"pid"`
	IsDaemon bool                   `json:"is_daemon,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Register creates a session identity for a process.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*models.Session, error) {
	if params.PID <= 0 {
		return nil, apperr.Validation("pid is required")
	}
	session := &models.Session{
		PID:      params.PID,
		IsDaemon: params.IsDaemon,
		Metadata: params.Metadata,
	}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Get returns the session by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Session, error) {
	return s.store.GetSession(ctx, id)
}

// Deregister removes the session row. Locks it held become stale: the next
// lock attempt by another session takes them over.
func (s *Service) Deregister(ctx context.Context, id string) error {
	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteSession(ctx, id)
	})
}

// Heartbeat refreshes the session's last_heartbeat.
func (s *Service) Heartbeat(ctx context.Context, id string) error {
	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.TouchSession(ctx, id)
	})
}
