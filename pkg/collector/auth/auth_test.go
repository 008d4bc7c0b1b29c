package auth

import (
	"context"
	"testing"
	"time"

	"github.com/lucid-vigil/warden/pkg/collector/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	agents  map[string]store.Agent
	touched map[string]time.Time
}

func newFakeStore(agents ...store.Agent) *fakeStore {
	fs := &fakeStore{agents: map[string]store.Agent{}, touched: map[string]time.Time{}}
	for _, a := range agents {
		fs.agents[a.UUID] = a
	}
	return fs
}

func (f *fakeStore) AgentByUUID(ctx context.Context, uuid string) (store.Agent, error) {
	a, ok := f.agents[uuid]
	if !ok {
		return store.Agent{}, store.ErrAgentNotFound
	}
	return a, nil
}

func (f *fakeStore) TouchLastSeen(ctx context.Context, uuid string, at time.Time) error {
	f.touched[uuid] = at
	return nil
}

func TestAuthenticator_Verify(t *testing.T) {
	const uuid = "0d9af105-9916-4d6b-a067-c4c362d9f75b"
	const key = "1b4f0e9851971998e732078544c96b36c3d01cedf7caa332359d6f1d83567014"

	t.Run("ValidKeyUpdatesLastSeen", func(t *testing.T) {
		fs := newFakeStore(store.Agent{UUID: uuid, APIKeyHash: HashKey(key), IsActive: true})
		a := NewAuthenticator(fs, zerolog.Nop())

		require.NoError(t, a.Verify(context.Background(), uuid, key))
		assert.Contains(t, fs.touched, uuid)
	})

	t.Run("UnknownAgent", func(t *testing.T) {
		a := NewAuthenticator(newFakeStore(), zerolog.Nop())
		assert.ErrorIs(t, a.Verify(context.Background(), uuid, key), ErrUnknownAgent)
	})

	t.Run("RevokedAgentRejectedEvenWithCorrectKey", func(t *testing.T) {
		fs := newFakeStore(store.Agent{UUID: uuid, APIKeyHash: HashKey(key), IsActive: false})
		a := NewAuthenticator(fs, zerolog.Nop())

		assert.ErrorIs(t, a.Verify(context.Background(), uuid, key), ErrRevoked)
		assert.Empty(t, fs.touched, "revoked reports must not count as liveness")
	})

	t.Run("WrongKeyDoesNotTouchLastSeen", func(t *testing.T) {
		fs := newFakeStore(store.Agent{UUID: uuid, APIKeyHash: HashKey(key), IsActive: true})
		a := NewAuthenticator(fs, zerolog.Nop())

		assert.ErrorIs(t, a.Verify(context.Background(), uuid, "not-the-key"), ErrInvalidKey)
		assert.Empty(t, fs.touched)
	})
}

func TestComputeLiveness(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		agent store.Agent
		want  Liveness
	}{
		{"SeenThirtySecondsAgo", store.Agent{IsActive: true, LastSeen: now.Add(-30 * time.Second)}, LivenessConnected},
		{"SeenTwoHundredSecondsAgo", store.Agent{IsActive: true, LastSeen: now.Add(-200 * time.Second)}, LivenessDisconnected},
		{"ExactlyAtWindow", store.Agent{IsActive: true, LastSeen: now.Add(-90 * time.Second)}, LivenessDisconnected},
		{"NeverSeen", store.Agent{IsActive: true}, LivenessDisconnected},
		{"RevokedDominatesRecency", store.Agent{IsActive: false, LastSeen: now.Add(-time.Second)}, LivenessRevoked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeLiveness(tc.agent, now))
		})
	}
}
