package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/eightweek/companion/internal/application/reconcile"
	"github.com/eightweek/companion/internal/domain/activity"
	"github.com/eightweek/companion/internal/domain/plan"
	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
	"github.com/eightweek/companion/internal/interface/http/handlers"
)

// maxHeatmapSpan bounds ?days on the activity endpoint.
const maxHeatmapSpan = 366

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE VIEWS
// ══════════════════════════════════════════════════════════════════════════════

// StateView is the body of GET /api/v1/state.
type StateView struct {
	User     string             `json:"user"`
	State    progress.AppState  `json:"state"`
	Level    progress.LevelInfo `json:"level"`
	Plan     plan.Progress      `json:"plan"`
	Sync     *reconcile.Status  `json:"sync,omitempty"`
	Unlocked int                `json:"unlocked"`
}

// BadgeView is one catalogue entry with its unlock state.
type BadgeView struct {
	progress.BadgeDef
	Unlocked bool `json:"unlocked"`
}

// SessionView is returned by the session endpoints.
type SessionView struct {
	User      string            `json:"user"`
	Anonymous bool              `json:"anonymous"`
	Sync      *reconcile.Status `json:"sync,omitempty"`
}

// SyncView is returned by POST /api/v1/sync.
type SyncView struct {
	Applied bool             `json:"applied"`
	Status  reconcile.Status `json:"status"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot serves the root endpoint with basic API information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":        "companion",
		"version":     s.deps.Version,
		"api_version": APIVersion,
		"endpoints": map[string]string{
			"health":   "/health",
			"state":    "/api/v1/state",
			"tasks":    "/api/v1/tasks",
			"activity": "/api/v1/activity",
			"session":  "/api/v1/session",
		},
	}

	writeJSON(w, r, http.StatusOK, info)
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Healthy {
		writeJSON(w, r, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// handleReady handles the readiness probe endpoint.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Ready {
		writeJSONErrorWithDetails(w, r, http.StatusServiceUnavailable, "not_ready", "Service is not ready", status.Message)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive handles the liveness probe endpoint.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetState handles GET /api/v1/state
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.stateView())
}

func (s *Server) stateView() StateView {
	snap := s.deps.Session.Store.Snapshot()
	view := StateView{
		User:     snap.User.Namespace(),
		State:    snap.State,
		Level:    progress.Level(snap.State.XP),
		Plan:     s.deps.Session.Planner.Progress(),
		Sync:     s.syncStatus(),
		Unlocked: len(snap.State.Achievements),
	}
	if view.State.Achievements == nil {
		view.State.Achievements = []string{}
	}
	return view
}

// handleGetLevel handles GET /api/v1/level
func (s *Server) handleGetLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.deps.Session.Store.Level())
}

// handleGetBadges handles GET /api/v1/badges
func (s *Server) handleGetBadges(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Session.Store.Serialize()

	badges := progress.Badges()
	out := make([]BadgeView, len(badges))
	for i, b := range badges {
		out[i] = BadgeView{BadgeDef: b, Unlocked: state.HasAchievement(b.ID)}
	}

	writeList(w, r, http.StatusOK, out, len(out))
}

// handleSetStatus handles PUT /api/v1/topics/{id}/status
func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Session.Store.Curriculum().Has(id) {
		writeJSONError(w, r, http.StatusNotFound, "topic_not_found", "Unknown topic: "+id)
		return
	}

	var req handlers.SetStatusRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}

	s.deps.Session.Store.SetStatus(id, progress.Status(req.Status))

	topic, _ := s.deps.Session.Store.Serialize().Topic(id)
	writeJSON(w, r, http.StatusOK, topic)
}

// handleAddNote handles POST /api/v1/topics/{id}/notes
func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Session.Store.Curriculum().Has(id) {
		writeJSONError(w, r, http.StatusNotFound, "topic_not_found", "Unknown topic: "+id)
		return
	}

	var req handlers.AddNoteRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if strings.TrimSpace(req.Note) == "" {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_request", shared.ErrEmptyNote.Error())
		return
	}

	s.deps.Session.Store.AddDailyNote(id, req.Note)

	topic, _ := s.deps.Session.Store.Serialize().Topic(id)
	writeJSON(w, r, http.StatusOK, topic)
}

// handleGetActivity handles GET /api/v1/activity
func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	span := getQueryParamInt(r, "days", activity.DefaultHeatmapSpan)
	if span <= 0 || span > maxHeatmapSpan {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_request", "days must be between 1 and 366")
		return
	}

	cells := s.deps.Session.Store.Heatmap(span)
	active := 0
	for _, c := range cells {
		if c.Active {
			active++
		}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"cells":  cells,
		"active": active,
		"streak": s.deps.Session.Store.Serialize().Streak,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// PLAN HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleListTasks handles GET /api/v1/tasks
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []plan.DailyTask
	if getQueryParamBool(r, "today") {
		tasks = s.deps.Session.Planner.Today()
	} else {
		tasks = s.deps.Session.Planner.Tasks()
	}
	if tasks == nil {
		tasks = []plan.DailyTask{}
	}

	writeList(w, r, http.StatusOK, tasks, len(tasks))
}

// handleGeneratePlan handles POST /api/v1/plan
func (s *Server) handleGeneratePlan(w http.ResponseWriter, r *http.Request) {
	var req handlers.GeneratePlanRequest
	if err := handlers.DecodeJSON(r, &req); err != nil && !errors.Is(err, handlers.ErrEmptyBody) {
		writeBadRequest(w, r, err)
		return
	}

	start := shared.Today(s.deps.Clock)
	if req.Start != "" {
		day, err := shared.ParseDay(req.Start)
		if err != nil {
			writeBadRequest(w, r, err)
			return
		}
		start = day
	}

	tasks := s.deps.Session.Planner.Generate(start)
	writeList(w, r, http.StatusCreated, tasks, len(tasks))
}

// handleToggleTask handles POST /api/v1/tasks/{id}/toggle
func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Session.Planner.Toggle(id) {
		writeJSONError(w, r, http.StatusNotFound, "task_not_found", "Unknown task: "+id)
		return
	}

	task, _ := s.deps.Session.Planner.Task(id)
	writeJSON(w, r, http.StatusOK, task)
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION & SYNC HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleLogin handles POST /api/v1/session. The token's subject becomes the
// active user and sync starts for it.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "auth_disabled", "Sign-in is not configured")
		return
	}

	var req handlers.LoginRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}

	user, err := s.deps.Tokens.Resolve(req.Token)
	if err != nil {
		writeJSONError(w, r, http.StatusUnauthorized, "invalid_token", "Session token is invalid or expired")
		return
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	s.deps.Session.SwitchUser(user)
	s.logger.Info("user signed in", "user", user.Namespace())

	if s.deps.Sync != nil {
		if !s.deps.Sync.Running() {
			if err := s.deps.Sync.Start(r.Context()); err != nil {
				s.logger.Warn("sync start failed", "error", err)
			}
		} else if _, err := s.deps.Sync.SyncNow(r.Context()); err != nil {
			s.logger.Warn("sync after sign-in failed", "error", err)
		}
	}

	writeJSON(w, r, http.StatusOK, s.sessionView())
}

// handleLogout handles DELETE /api/v1/session
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if s.deps.Sync != nil && s.deps.Sync.Running() {
		if err := s.deps.Sync.Stop(); err != nil {
			s.logger.Warn("sync stop failed", "error", err)
		}
	}
	s.deps.Session.SwitchUser("")
	s.logger.Info("user signed out")

	writeJSON(w, r, http.StatusOK, s.sessionView())
}

func (s *Server) sessionView() SessionView {
	user := s.deps.Session.User()
	return SessionView{
		User:      user.Namespace(),
		Anonymous: user.IsAnonymous(),
		Sync:      s.syncStatus(),
	}
}

// handleSync handles POST /api/v1/sync
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "sync_disabled", "No remote backend is configured")
		return
	}
	if s.deps.Session.User().IsAnonymous() {
		writeJSONError(w, r, http.StatusConflict, "not_signed_in", "Sign in to sync")
		return
	}

	applied, err := s.deps.Sync.SyncNow(r.Context())
	if err != nil {
		writeJSONErrorWithDetails(w, r, http.StatusBadGateway, "sync_failed", "Remote sync failed", err.Error())
		return
	}

	writeJSON(w, r, http.StatusOK, SyncView{Applied: applied, Status: s.deps.Sync.Status()})
}

// handleReset handles POST /api/v1/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.ResetUserData()

	writeJSON(w, r, http.StatusOK, s.stateView())
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) syncStatus() *reconcile.Status {
	if s.deps.Sync == nil {
		return nil
	}
	st := s.deps.Sync.Status()
	return &st
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "invalid_request", "Request is invalid", err.Error())
}
