package chat

import (
	"database/sql"

	"go.uber.org/zap"
)

// Service handles conversation and message persistence.
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService builds a new chat service.
func NewService(db *sql.DB, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, logger: logger.With(zap.String("module", "chat"))}
}
