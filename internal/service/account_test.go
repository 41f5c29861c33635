package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"o3chat/internal/auth"
	"o3chat/internal/config"
	"o3chat/internal/db"
	"o3chat/internal/models"

	"gorm.io/gorm"
)

func setupAccounts(t *testing.T) (*AccountService, *gorm.DB) {
	t.Helper()
	gdb, err := db.Connect("sqlite", ":memory:")
	if err != nil {
		t.Skipf("skip: sqlite not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	cfg := config.Default()
	return NewAccountService(gdb, cfg), gdb
}

func createUser(t *testing.T, gdb *gorm.DB, username, display, password string) models.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	u := models.User{Username: username, DisplayName: display, PasswordHash: hash}
	if err := gdb.Create(&u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestAccountService_Profiles(t *testing.T) {
	svc, gdb := setupAccounts(t)
	ctx := context.Background()
	a := createUser(t, gdb, "alice", "Alice A.", "pw")
	b := createUser(t, gdb, "bob", "", "pw")

	got, err := svc.Profiles(ctx, []uint{a.ID, b.ID, 999, a.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("profiles = %+v, want 2 entries", got)
	}
	if got[a.ID].Name != "Alice A." {
		t.Errorf("display name = %q", got[a.ID].Name)
	}
	if got[b.ID].Name != "bob" {
		t.Errorf("fallback name = %q, want username", got[b.ID].Name)
	}

	if _, err := svc.Profile(ctx, 999); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Profile(999) error = %v, want ErrUserNotFound", err)
	}
}

func TestAccountService_ProfileCache(t *testing.T) {
	svc, gdb := setupAccounts(t)
	ctx := context.Background()
	a := createUser(t, gdb, "alice", "Alice", "pw")
	now := time.Now()
	svc.now = func() time.Time { return now }

	if _, err := svc.Profile(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := gdb.Model(&models.User{}).Where("id = ?", a.ID).Update("display_name", "Renamed").Error; err != nil {
		t.Fatal(err)
	}

	p, _ := svc.Profile(ctx, a.ID)
	if p.Name != "Alice" {
		t.Errorf("cached name = %q, want Alice", p.Name)
	}

	svc.Forget(a.ID)
	p, _ = svc.Profile(ctx, a.ID)
	if p.Name != "Renamed" {
		t.Errorf("name after Forget = %q, want Renamed", p.Name)
	}

	if err := gdb.Model(&models.User{}).Where("id = ?", a.ID).Update("display_name", "Again").Error; err != nil {
		t.Fatal(err)
	}
	svc.now = func() time.Time { return now.Add(svc.ttl + time.Second) }
	p, _ = svc.Profile(ctx, a.ID)
	if p.Name != "Again" {
		t.Errorf("name after ttl = %q, want Again", p.Name)
	}
}

func TestAccountService_LoginAndRefresh(t *testing.T) {
	svc, gdb := setupAccounts(t)
	ctx := context.Background()
	u := createUser(t, gdb, "alice", "Alice", "secret")

	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v", err)
	}

	res, err := svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if res.User.ID != u.ID || res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatalf("login result = %+v", res)
	}
	claims, err := auth.ParseAccessToken(res.AccessToken, svc.cfg.JWTSecret)
	if err != nil || claims.UserID != u.ID {
		t.Fatalf("access token claims = %+v, err = %v", claims, err)
	}

	pair, err := svc.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if pair.RefreshToken == res.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if _, err := svc.Refresh(ctx, res.RefreshToken); err == nil {
		t.Error("reusing a rotated refresh token succeeded")
	}
}

func TestRevokeRefreshToken_OnlyOnce(t *testing.T) {
	svc, gdb := setupAccounts(t)
	ctx := context.Background()
	createUser(t, gdb, "alice", "Alice", "secret")
	res, err := svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatal(err)
	}

	// 两个并发刷新都已通过校验，作废时只有一个能成功
	if _, err := auth.ValidateRefreshToken(ctx, gdb, res.RefreshToken); err != nil {
		t.Fatal(err)
	}
	if err := auth.RevokeRefreshToken(ctx, gdb, res.RefreshToken); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := auth.RevokeRefreshToken(ctx, gdb, res.RefreshToken); !errors.Is(err, auth.ErrRefreshTokenRevoked) {
		t.Errorf("second revoke error = %v, want ErrRefreshTokenRevoked", err)
	}
	if err := auth.RevokeRefreshToken(ctx, gdb, "unknown"); !errors.Is(err, auth.ErrRefreshTokenRevoked) {
		t.Errorf("unknown token revoke error = %v, want ErrRefreshTokenRevoked", err)
	}
}

func TestAccountService_Register(t *testing.T) {
	svc, _ := setupAccounts(t)
	ctx := context.Background()

	p, err := svc.Register(ctx, "alice", "secret", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID == 0 || p.Name != "Alice" {
		t.Errorf("profile = %+v", p)
	}
	if _, err := svc.Register(ctx, "alice", "other", ""); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("duplicate register error = %v, want ErrUsernameTaken", err)
	}
	if _, err := svc.Login(ctx, "alice", "secret"); err != nil {
		t.Errorf("login after register: %v", err)
	}
}

func TestAccountService_Search(t *testing.T) {
	svc, gdb := setupAccounts(t)
	ctx := context.Background()
	me := createUser(t, gdb, "alice", "Alice", "pw")
	createUser(t, gdb, "bob", "Bobby Tables", "pw")
	createUser(t, gdb, "carol", "Carol", "pw")
	createUser(t, gdb, "under_score", "", "pw")

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"Bobby Tables", "Carol", "under_score"}},
		{"BOB", []string{"Bobby Tables"}},
		{"tables", []string{"Bobby Tables"}},
		{"ali", []string{}},
		{"_", []string{"under_score"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := svc.Search(ctx, me.ID, tt.query, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Search(%q) = %+v, want %v", tt.query, got, tt.want)
			}
			for i, p := range got {
				if p.Name != tt.want[i] {
					t.Errorf("Search(%q)[%d] = %q, want %q", tt.query, i, p.Name, tt.want[i])
				}
			}
		})
	}
}
