package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/xushuhui/zhida/internal/models"
	"github.com/xushuhui/zhida/internal/store"
	"gorm.io/gorm"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestGate(t *testing.T) (*Gate, *store.UserRepo, *clock) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	users := store.NewUserRepo(db)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGate(Config{
		Users:  users,
		Secret: "test-secret",
		TTL:    30 * time.Minute,
		Logger: zerolog.Nop(),
		Now:    c.now,
	})
	return g, users, c
}

func TestAuthenticateThenResolve(t *testing.T) {
	ctx := context.Background()
	g, users, _ := newTestGate(t)

	reg, err := g.Register(ctx, " alice ", "alice@example.com", "s3cret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Username != "alice" || reg.Role != models.RoleUser || reg.Status != models.UserActive {
		t.Fatalf("unexpected user %+v", reg)
	}
	if reg.PasswordHash == "s3cret" || !CheckPassword(reg.PasswordHash, "s3cret") {
		t.Fatalf("password must be stored as a bcrypt hash")
	}

	token, _, err := g.Authenticate(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	u, err := g.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u.Username != "alice" {
		t.Fatalf("expected alice, got %q", u.Username)
	}

	stored, err := users.Get(ctx, reg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.LastLogin == nil {
		t.Fatalf("expected last_login to be written")
	}
}

func TestAuthenticate_InvalidCredentials(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGate(t)
	if _, err := g.Register(ctx, "bob", "bob@example.com", "right"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, _, err := g.Authenticate(ctx, "bob", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := g.Authenticate(ctx, "nobody", "right"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegister_Duplicates(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGate(t)
	if _, err := g.Register(ctx, "carol", "carol@example.com", "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := g.Register(ctx, "carol", "other@example.com", "pw"); !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
	if _, err := g.Register(ctx, "carol2", "carol@example.com", "pw"); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	if _, err := g.Register(ctx, "", "x@example.com", "pw"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestResolve_ExpiredAndTampered(t *testing.T) {
	ctx := context.Background()
	g, _, c := newTestGate(t)
	if _, err := g.Register(ctx, "dave", "dave@example.com", "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}
	token, _, err := g.Authenticate(ctx, "dave", "pw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if _, err := g.Resolve(ctx, token+"x"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("tampered: expected ErrUnauthenticated, got %v", err)
	}
	forged, _ := SignToken("dave", "other-secret", time.Hour, c.t)
	if _, err := g.Resolve(ctx, forged); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("forged: expected ErrUnauthenticated, got %v", err)
	}

	c.t = c.t.Add(31 * time.Minute)
	if _, err := g.Resolve(ctx, token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expired: expected ErrUnauthenticated, got %v", err)
	}
}

func TestResolve_DisabledAccount(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGate(t)
	u, err := g.Register(ctx, "erin", "erin@example.com", "pw")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	token, _, err := g.Authenticate(ctx, "erin", "pw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := g.SetStatus(ctx, u.ID, models.UserDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := g.Resolve(ctx, token); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGate(t)
	frank, err := g.Register(ctx, "frank", "frank@example.com", "pw")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := g.Register(ctx, "grace", "grace@example.com", "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}

	taken := "grace"
	if _, err := g.UpdateProfile(ctx, frank, ProfileUpdate{Username: &taken}); !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}

	same := "frank@example.com"
	avatar := "https://cdn.example.com/f.png"
	newPw := "pw2"
	updated, err := g.UpdateProfile(ctx, frank, ProfileUpdate{
		Email:       &same,
		Avatar:      &avatar,
		Password:    &newPw,
		Preferences: map[string]any{"theme": "dark"},
	})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Avatar != avatar || updated.Preferences["theme"] != "dark" {
		t.Fatalf("unexpected profile %+v", updated)
	}
	if _, _, err := g.Authenticate(ctx, "frank", "pw2"); err != nil {
		t.Fatalf("new password should authenticate: %v", err)
	}
}
