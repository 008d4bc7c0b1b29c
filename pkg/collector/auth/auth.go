package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/lucid-vigil/warden/pkg/collector/store"
	"github.com/rs/zerolog"
)

// Verification failures, distinguished for logging but all mapped to the same
// HTTP response so probes cannot tell a bad UUID from a bad key.
var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrRevoked      = errors.New("agent revoked")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Liveness is an agent's computed connection state.
type Liveness string

const (
	LivenessConnected    Liveness = "Connected"
	LivenessDisconnected Liveness = "Disconnected"
	LivenessRevoked      Liveness = "Revoked"
)

// connectedWindow is how recently an agent must have reported to count as
// connected.
const connectedWindow = 90 * time.Second

// AgentStore is the subset of the store the authenticator needs.
type AgentStore interface {
	AgentByUUID(ctx context.Context, uuid string) (store.Agent, error)
	TouchLastSeen(ctx context.Context, uuid string, at time.Time) error
}

// Authenticator verifies agent credentials against stored key hashes.
type Authenticator struct {
	store  AgentStore
	logger zerolog.Logger
}

// NewAuthenticator creates an authenticator over the given agent store.
func NewAuthenticator(s AgentStore, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		store:  s,
		logger: logger.With().Str("component", "agent_auth").Logger(),
	}
}

// HashKey returns the hex sha256 digest stored for an issued API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Verify checks one (uuid, key) pair. On success the agent's last_seen is
// updated; verification never succeeds for a revoked agent even with the
// correct key.
func (a *Authenticator) Verify(ctx context.Context, uuid, key string) error {
	agent, err := a.store.AgentByUUID(ctx, uuid)
	if errors.Is(err, store.ErrAgentNotFound) {
		return ErrUnknownAgent
	}
	if err != nil {
		return err
	}
	if !agent.IsActive {
		a.logger.Warn().Str("agent_uuid", uuid).Msg("Report from revoked agent rejected.")
		return ErrRevoked
	}

	presented := HashKey(key)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(agent.APIKeyHash)) != 1 {
		a.logger.Warn().Str("agent_uuid", uuid).Msg("Invalid API key rejected.")
		return ErrInvalidKey
	}

	if err := a.store.TouchLastSeen(ctx, uuid, time.Now()); err != nil {
		a.logger.Warn().Err(err).Str("agent_uuid", uuid).Msg("Could not update last_seen.")
	}
	return nil
}

// ComputeLiveness derives an agent's connection state at the given instant.
// Revocation dominates; an agent that never reported is Disconnected.
func ComputeLiveness(agent store.Agent, now time.Time) Liveness {
	if !agent.IsActive {
		return LivenessRevoked
	}
	if agent.LastSeen.IsZero() || now.Sub(agent.LastSeen) >= connectedWindow {
		return LivenessDisconnected
	}
	return LivenessConnected
}
