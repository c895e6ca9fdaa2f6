package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	redisclient "github.com/CDeX-Labs/CDeX-Marathon-Service/internal/redis"
)

const leaseKeyFmt = "presence:marathon:%s:user:%s"

// acquireScript takes the lease when it is free and refreshes it when the
// caller already holds it. It returns the current holder.
var acquireScript = goredis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if not holder or holder == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return ARGV[1]
end
return holder
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Holder identifies the connection driving a (user, marathon) pair.
type Holder struct {
	InstanceID   string
	ConnectionID string
}

// Manager records which gateway connection drives each marathon session so
// instances can spot a user running the same marathon twice.
type Manager struct {
	redis      *redisclient.Client
	instanceID string
	logger     zerolog.Logger
}

func NewManager(redis *redisclient.Client, instanceID string, logger zerolog.Logger) *Manager {
	return &Manager{
		redis:      redis,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "presence").Logger(),
	}
}

func leaseKey(userID, marathonID string) string {
	return fmt.Sprintf(leaseKeyFmt, marathonID, userID)
}

func (m *Manager) value(connID string) string {
	return m.instanceID + "/" + connID
}

// Acquire claims the lease for connID. It reports false, without error, when
// another connection already holds it.
func (m *Manager) Acquire(ctx context.Context, userID, marathonID, connID string, ttl time.Duration) (bool, error) {
	want := m.value(connID)
	holder, err := acquireScript.Run(ctx, m.redis.GetClient(),
		[]string{leaseKey(userID, marathonID)}, want, ttl.Milliseconds()).Text()
	if err != nil {
		return false, fmt.Errorf("acquire session lease: %w", err)
	}
	if holder != want {
		m.logger.Debug().
			Str("userId", userID).
			Str("marathonId", marathonID).
			Str("holder", holder).
			Msg("Session lease held elsewhere")
		return false, nil
	}
	return true, nil
}

// Release drops the lease only if connID still holds it.
func (m *Manager) Release(ctx context.Context, userID, marathonID, connID string) error {
	err := releaseScript.Run(ctx, m.redis.GetClient(),
		[]string{leaseKey(userID, marathonID)}, m.value(connID)).Err()
	if err != nil {
		return fmt.Errorf("release session lease: %w", err)
	}
	return nil
}

// Holder returns the current lease holder, or nil when the pair is idle.
func (m *Manager) Holder(ctx context.Context, userID, marathonID string) (*Holder, error) {
	v, err := m.redis.GetClient().Get(ctx, leaseKey(userID, marathonID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	instance, conn, _ := strings.Cut(v, "/")
	return &Holder{InstanceID: instance, ConnectionID: conn}, nil
}
