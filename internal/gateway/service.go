package gateway

import (
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rebel47/StudySync/internal/room"
	"github.com/rebel47/StudySync/internal/stats"
)

// Service bundles the connection manager and HTTP surface of the room
// gateway.
type Service struct {
	manager *ConnectionManager
	handler *Handler
}

// Config holds configuration for the gateway service.
type Config struct {
	Connection ConnectionConfig
	Session    room.Config
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Connection: DefaultConnectionConfig(),
		Session:    room.DefaultConfig(),
	}
}

// NewService creates the gateway over the given transport. The stats
// store may be nil to disable history recording.
func NewService(cfg Config, tr room.Transport, clock clockwork.Clock, st *stats.Store) *Service {
	manager := NewConnectionManager(cfg.Connection)
	return &Service{
		manager: manager,
		handler: NewHandler(manager, tr, clock, cfg.Session, st),
	}
}

// RegisterRoutes registers all gateway routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.handler.RegisterRoutes(mux)
	log.Info().Msg("gateway routes registered")
}

// Stats returns connection statistics.
func (s *Service) Stats() (int, map[string]int) {
	return s.manager.Stats()
}
