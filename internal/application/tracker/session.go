package tracker

import (
	"log/slog"

	"github.com/eightweek/companion/internal/domain/curriculum"
	"github.com/eightweek/companion/internal/domain/shared"
	"github.com/eightweek/companion/pkg/timeutil"
)

// SessionConfig contains the shared dependencies of the store and planner.
type SessionConfig struct {
	Storage    Storage
	Curriculum *curriculum.Curriculum
	Clock      timeutil.Clock
	Publisher  shared.EventPublisher
	Logger     *slog.Logger
	User       shared.UserID
}

// Session is the single owner of the active user's Store and Planner.
// It is built once at startup and passed to the interface layers.
type Session struct {
	Store   *Store
	Planner *Planner
}

// NewSession builds a Store and a Planner over the same storage and user.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Curriculum == nil {
		cfg.Curriculum = curriculum.Default()
	}
	store := NewStore(StoreConfig{
		Storage:    cfg.Storage,
		Curriculum: cfg.Curriculum,
		Clock:      cfg.Clock,
		Publisher:  cfg.Publisher,
		Logger:     cfg.Logger,
		User:       cfg.User,
	})
	planner := NewPlanner(PlannerConfig{
		Storage:    cfg.Storage,
		Curriculum: cfg.Curriculum,
		Clock:      cfg.Clock,
		Publisher:  cfg.Publisher,
		Logger:     cfg.Logger,
		Activity:   store,
		User:       cfg.User,
	})
	return &Session{Store: store, Planner: planner}
}

// User returns the active user.
func (s *Session) User() shared.UserID {
	return s.Store.UserID()
}

// SwitchUser moves both the store and the planner to user's namespace.
func (s *Session) SwitchUser(user shared.UserID) {
	s.Planner.SwitchUser(user)
	s.Store.SwitchUser(user)
}

// ResetUserData wipes the active user's namespace and resets both halves.
func (s *Session) ResetUserData() {
	s.Planner.Reset()
	s.Store.ResetUserData()
}
