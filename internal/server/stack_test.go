package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/memoshare/internal/auth"
	"github.com/MarcoPoloResearchLab/memoshare/internal/database"
	"github.com/MarcoPoloResearchLab/memoshare/internal/editlock"
	"github.com/MarcoPoloResearchLab/memoshare/internal/lockstore"
	"github.com/MarcoPoloResearchLab/memoshare/internal/memos"
	"github.com/MarcoPoloResearchLab/memoshare/internal/users"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/plugin/optimisticlock"
)

type testStack struct {
	server   *httptest.Server
	db       *gorm.DB
	redis    *miniredis.Miniredis
	accounts *users.Service
	tokens   *auth.TokenIssuer
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	redisServer := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		_ = client.Close()
	})
	store, err := lockstore.NewStore(client)
	if err != nil {
		t.Fatalf("failed to build lock store: %v", err)
	}

	accounts, err := users.NewService(users.ServiceConfig{Database: db, HashCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("failed to build account service: %v", err)
	}
	counter, err := memos.NewGroupCounter(db)
	if err != nil {
		t.Fatalf("failed to build group counter: %v", err)
	}
	locks, err := editlock.NewManager(editlock.Config{Store: store, Groups: counter})
	if err != nil {
		t.Fatalf("failed to build lock manager: %v", err)
	}
	memoService, err := memos.NewService(memos.ServiceConfig{
		Database:   db,
		Groups:     counter,
		Locks:      locks,
		Directory:  accounts,
		IDProvider: memos.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build memo service: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "memoshare-auth",
		Audience:      "memoshare-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Accounts:          accounts,
		TokenManager:      tokens,
		MemoService:       memoService,
		HeartbeatInterval: time.Second,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testStack{server: server, db: db, redis: redisServer, accounts: accounts, tokens: tokens}
}

// register creates an account and returns its id and an access token.
func (s *testStack) register(t *testing.T, loginID, displayName string) (int64, string) {
	t.Helper()
	user, err := s.accounts.Register(context.Background(), loginID, "secret-pass", displayName)
	if err != nil {
		t.Fatalf("failed to register %s: %v", loginID, err)
	}
	token, _, err := s.tokens.IssueToken(context.Background(), auth.Principal{UserID: user.ID, DisplayName: user.DisplayName})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return user.ID, token
}

func (s *testStack) seedMemo(t *testing.T, memoID, version int64, userIDs ...int64) {
	t.Helper()
	memo := memos.Memo{
		ID:                memoID,
		Title:             "seed",
		Content:           "seed content",
		Version:           optimisticlock.Version{Int64: version, Valid: true},
		CreatedAtSeconds:  1700000000,
		ModifiedAtSeconds: 1700000000,
	}
	if err := s.db.Create(&memo).Error; err != nil {
		t.Fatalf("failed to seed memo: %v", err)
	}
	for _, userID := range userIDs {
		if err := s.db.Create(&memos.Membership{UserID: userID, MemoID: memoID, JoinedAtSeconds: 1700000000}).Error; err != nil {
			t.Fatalf("failed to seed membership: %v", err)
		}
	}
}

func (s *testStack) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return response, payload
}
