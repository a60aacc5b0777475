package lockstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable wraps every failure talking to the backing store.
	ErrUnavailable = errors.New("lockstore: store unavailable")
	// ErrInvalidKey indicates that a key is empty.
	ErrInvalidKey = errors.New("lockstore: invalid key")
	// ErrInvalidTTL indicates that a ttl is not positive.
	ErrInvalidTTL = errors.New("lockstore: invalid ttl")
)

// DeleteOutcome reports the result of a compare-and-delete.
type DeleteOutcome int

const (
	// DeleteOutcomeAbsent means the key did not exist.
	DeleteOutcomeAbsent DeleteOutcome = iota
	// DeleteOutcomeNotOwner means the key exists but belongs to someone else.
	DeleteOutcomeNotOwner
	// DeleteOutcomeDeleted means the key was removed.
	DeleteOutcomeDeleted
)

func (outcome DeleteOutcome) String() string {
	switch outcome {
	case DeleteOutcomeAbsent:
		return "absent"
	case DeleteOutcomeNotOwner:
		return "not_owner"
	case DeleteOutcomeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// deleteIfOwnedScript removes KEYS[1] only when its value starts with ARGV[1].
// Returns -1 when the key is missing, 0 when owned by someone else, 1 when deleted.
var deleteIfOwnedScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return -1
end
if string.sub(current, 1, string.len(ARGV[1])) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// Config describes how to reach the Redis endpoint.
type Config struct {
	Address     string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Open builds a Redis client for the configured endpoint.
func Open(cfg Config) (*redis.Client, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, fmt.Errorf("lockstore: redis address is required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return redis.NewClient(&redis.Options{
		Addr:        address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
		// Retrying a conditional set would hide who actually won it.
		MaxRetries: -1,
	}), nil
}

// Store exposes the key/value primitives the edit lock protocol is built on.
type Store struct {
	client redis.UniversalClient
}

// NewStore wraps an existing Redis client.
func NewStore(client redis.UniversalClient) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("lockstore: redis client is required")
	}
	return &Store{client: client}, nil
}

// Ping verifies that the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get returns the value stored under key; found is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return value, true, nil
}

// SetIfAbsent stores value with ttl only when key does not exist yet.
// It reports true iff this call created the key.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	created, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("set_if_absent", err)
	}
	return created, nil
}

// ExtendTTL resets the expiry of key without touching its value.
// It reports false when the key no longer exists.
func (s *Store) ExtendTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	extended, err := s.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, unavailable("extend_ttl", err)
	}
	return extended, nil
}

// Delete removes key regardless of its value.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	removed, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, unavailable("delete", err)
	}
	return removed > 0, nil
}

// DeleteIfOwned atomically removes key when its value begins with ownerPrefix.
func (s *Store) DeleteIfOwned(ctx context.Context, key, ownerPrefix string) (DeleteOutcome, error) {
	if err := validateKey(key); err != nil {
		return DeleteOutcomeAbsent, err
	}
	if ownerPrefix == "" {
		return DeleteOutcomeAbsent, fmt.Errorf("lockstore: owner prefix is required")
	}
	result, err := deleteIfOwnedScript.Run(ctx, s.client, []string{key}, ownerPrefix).Int64()
	if err != nil {
		return DeleteOutcomeAbsent, unavailable("delete_if_owned", err)
	}
	switch result {
	case 1:
		return DeleteOutcomeDeleted, nil
	case 0:
		return DeleteOutcomeNotOwner, nil
	default:
		return DeleteOutcomeAbsent, nil
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}

func unavailable(operation string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, operation, cause)
}
