package memos

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/memoshare/internal/editlock"
	"github.com/MarcoPoloResearchLab/memoshare/internal/lockstore"
	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/optimisticlock"
)

const testClockSeconds = 1700000000

type staticDirectory struct {
	names map[int64]string
}

func (d staticDirectory) DisplayNames(_ context.Context, userIDs []int64) (map[int64]string, error) {
	result := make(map[int64]string, len(userIDs))
	for _, userID := range userIDs {
		if name, ok := d.names[userID]; ok {
			result[userID] = name
		}
	}
	return result, nil
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("revision-%03d", s.next), nil
}

type testEnv struct {
	db      *gorm.DB
	redis   *miniredis.Miniredis
	counter *GroupCounter
	locks   *editlock.Manager
	service *Service
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memos.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Memo{}, &Membership{}, &Revision{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestLocks(t *testing.T, groups editlock.GroupSizer) (*editlock.Manager, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		_ = client.Close()
	})
	store, err := lockstore.NewStore(client)
	if err != nil {
		t.Fatalf("failed to build lock store: %v", err)
	}
	manager, err := editlock.NewManager(editlock.Config{Store: store, Groups: groups, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build lock manager: %v", err)
	}
	return manager, server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	counter, err := NewGroupCounter(db)
	if err != nil {
		t.Fatalf("failed to build group counter: %v", err)
	}
	locks, server := newTestLocks(t, counter)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Groups:     counter,
		Locks:      locks,
		Directory:  testDirectory(),
		Clock:      fixedClock(),
		IDProvider: &sequenceIDs{},
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return &testEnv{db: db, redis: server, counter: counter, locks: locks, service: service}
}

func testDirectory() staticDirectory {
	return staticDirectory{names: map[int64]string{
		1: "user1",
		2: "user2",
		3: "user3",
		4: "user4",
	}}
}

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Unix(testClockSeconds, 0).UTC()
	}
}

// seedMemo inserts a memo with an explicit id and version shared by userIDs.
func seedMemo(t *testing.T, db *gorm.DB, memoID, version int64, userIDs ...int64) {
	t.Helper()
	memo := Memo{
		ID:                memoID,
		Title:             "seed",
		Content:           "seed content",
		Version:           optimisticlock.Version{Int64: version, Valid: true},
		CreatedAtSeconds:  testClockSeconds - 100,
		ModifiedAtSeconds: testClockSeconds - 100,
	}
	if err := db.Create(&memo).Error; err != nil {
		t.Fatalf("failed to seed memo: %v", err)
	}
	for _, userID := range userIDs {
		membership := Membership{UserID: userID, MemoID: memoID, JoinedAtSeconds: testClockSeconds - 100}
		if err := db.Create(&membership).Error; err != nil {
			t.Fatalf("failed to seed membership: %v", err)
		}
	}
}

func loadMemo(t *testing.T, db *gorm.DB, memoID int64) Memo {
	t.Helper()
	var memo Memo
	if err := db.Take(&memo, memoID).Error; err != nil {
		t.Fatalf("failed to load memo %d: %v", memoID, err)
	}
	return memo
}

func versionPtr(value int64) *int64 {
	return &value
}
