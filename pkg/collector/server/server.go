package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/lucid-vigil/warden/pkg/collector/auth"
	"github.com/lucid-vigil/warden/pkg/collector/store"
	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/lucid-vigil/warden/pkg/dispatch"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds any single request body.
const maxBodyBytes = 1 << 20

// operatorTokenTTL is the lifetime of an operator session token.
const operatorTokenTTL = 8 * time.Hour

type ctxKey int

const agentUUIDKey ctxKey = 0

// Server is the collector HTTP API.
type Server struct {
	cfg    config.CollectorConfig
	store  *store.Store
	agents *auth.Authenticator
	tokens *auth.TokenManager
	logger zerolog.Logger
}

// NewServer wires the collector API over its store.
func NewServer(cfg config.CollectorConfig, st *store.Store, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		store:  st,
		agents: auth.NewAuthenticator(st, logger),
		tokens: auth.NewTokenManager(cfg.JWTSecret, operatorTokenTTL),
		logger: logger.With().Str("component", "collector").Logger(),
	}
}

// Router builds the route tree. Event ingestion requires agent credentials;
// the agent listing requires an operator token; enroll and login are open.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/agents/enroll", s.handleEnroll)
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.agentAuth)
			for _, category := range []string{
				"security_logs", "file_integrity", "command_history",
				"sessions", "cpu_processes", "system_stats", "alerts",
			} {
				r.Post("/"+category, s.handleEvent(category))
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(s.operatorAuth)
			r.Get("/agents", s.handleListAgents)
		})
	})

	return r
}

// Start serves the API over TLS until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("Collector listening.")
		errCh <- srv.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// agentAuth verifies the per-agent headers. All failures look identical to
// the caller.
func (s *Server) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentUUID := r.Header.Get(dispatch.HeaderAgentUUID)
		apiKey := r.Header.Get(dispatch.HeaderAPIKey)
		if agentUUID == "" || apiKey == "" {
			s.writeError(w, http.StatusUnauthorized, "missing agent credentials")
			return
		}
		if err := s.agents.Verify(r.Context(), agentUUID, apiKey); err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid agent credentials")
			return
		}
		ctx := context.WithValue(r.Context(), agentUUIDKey, agentUUID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// operatorAuth verifies a Bearer session token.
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.tokens.Validate(token); err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type enrollRequest struct {
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
	OSName    string `json:"os_name"`
}

type enrollResponse struct {
	AgentUUID string `json:"agent_uuid"`
	APIKey    string `json:"api_key"`
}

// handleEnroll registers a new agent. The API key is generated here,
// returned exactly once, and only its hash is stored.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed enrollment request")
		return
	}
	if req.Hostname == "" {
		s.writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}

	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		s.writeError(w, http.StatusInternalServerError, "key generation failed")
		return
	}
	apiKey := hex.EncodeToString(keyBytes)
	agentUUID := uuid.New().String()

	agent := store.Agent{
		UUID:       agentUUID,
		Hostname:   req.Hostname,
		IPAddress:  req.IPAddress,
		OSName:     req.OSName,
		APIKeyHash: auth.HashKey(apiKey),
	}
	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		s.logger.Error().Err(err).Msg("Could not persist enrolled agent.")
		s.writeError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}

	s.logger.Info().
		Str("agent_uuid", agentUUID).
		Str("hostname", req.Hostname).
		Msg("Agent enrolled.")
	s.writeJSON(w, http.StatusCreated, enrollResponse{AgentUUID: agentUUID, APIKey: apiKey})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin exchanges operator credentials for a session token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed login request")
		return
	}

	if err := auth.VerifyOperator(req.Username, req.Password, s.cfg.OperatorUser, s.cfg.OperatorPasswordHash); err != nil {
		s.logger.Warn().Str("username", req.Username).Msg("Operator login rejected.")
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.tokens.Generate(req.Username)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleEvent stores one JSON event payload under its category. Handlers stay
// thin: the body is validated as JSON and stored as received.
func (s *Server) handleEvent(category string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if !json.Valid(body) {
			s.writeError(w, http.StatusBadRequest, "body is not valid JSON")
			return
		}

		agentUUID, _ := r.Context().Value(agentUUIDKey).(string)
		if err := s.store.InsertEvent(r.Context(), category, agentUUID, body); err != nil {
			s.logger.Error().Err(err).Str("category", category).Msg("Could not store event.")
			s.writeError(w, http.StatusInternalServerError, "storage failure")
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

type agentView struct {
	UUID      string `json:"agent_uuid"`
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
	OSName    string `json:"os_name"`
	IsActive  bool   `json:"is_active"`
	LastSeen  string `json:"last_seen,omitempty"`
	Status    string `json:"status"`
}

// handleListAgents returns every enrolled agent with its computed liveness.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Could not list agents.")
		s.writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	now := time.Now()
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		view := agentView{
			UUID:      a.UUID,
			Hostname:  a.Hostname,
			IPAddress: a.IPAddress,
			OSName:    a.OSName,
			IsActive:  a.IsActive,
			Status:    string(auth.ComputeLiveness(a, now)),
		}
		if !a.LastSeen.IsZero() {
			view.LastSeen = a.LastSeen.UTC().Format(time.RFC3339)
		}
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug().Err(err).Msg("Could not write response.")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
