package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/xushuhui/zhida/internal/models"
	"github.com/xushuhui/zhida/internal/store"
	"gorm.io/datatypes"
)

var (
	ErrInvalidCredentials = errors.New("incorrect username or password")
	ErrUnauthenticated    = errors.New("could not validate credentials")
	ErrAccountDisabled    = errors.New("inactive user")
	ErrDuplicateUsername  = errors.New("username already registered")
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidInput       = errors.New("invalid input")
)

const maxUsernameLen = 50

type Config struct {
	Users  *store.UserRepo
	Secret string
	TTL    time.Duration
	Logger zerolog.Logger
	Now    func() time.Time
}

// Gate verifies credentials and bearer tokens. It keeps no server-side session state.
type Gate struct {
	users  *store.UserRepo
	secret string
	ttl    time.Duration
	log    zerolog.Logger
	now    func() time.Time
}

func NewGate(cfg Config) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Gate{
		users:  cfg.Users,
		secret: cfg.Secret,
		ttl:    cfg.TTL,
		log:    cfg.Logger.With().Str("component", "auth").Logger(),
		now:    cfg.Now,
	}
}

func (g *Gate) TTL() time.Duration { return g.ttl }

func (g *Gate) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}

	if err := g.ensureFree(ctx, 0, username, email); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         models.RoleUser,
		Status:       models.UserActive,
	}
	if err := g.users.Create(ctx, u); err != nil {
		return nil, g.duplicateFromStorage(ctx, err, username)
	}
	g.log.Info().Uint64("user_id", u.ID).Str("username", u.Username).Msg("user registered")
	return u, nil
}

// Authenticate checks the password and returns a fresh bearer token.
func (g *Gate) Authenticate(ctx context.Context, username, password string) (string, *models.User, error) {
	u, err := g.users.GetByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if !CheckPassword(u.PasswordHash, password) {
		return "", nil, ErrInvalidCredentials
	}

	now := g.now()
	if err := g.users.TouchLastLogin(ctx, u.ID, now); err != nil {
		return "", nil, fmt.Errorf("update last login: %w", err)
	}
	u.LastLogin = &now

	token, err := SignToken(u.Username, g.secret, g.ttl, now)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return token, u, nil
}

// Resolve maps a bearer token to its active user.
func (g *Gate) Resolve(ctx context.Context, token string) (*models.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	subject, err := ParseToken(token, g.secret, g.now())
	if err != nil {
		g.log.Debug().Err(err).Msg("token rejected")
		return nil, ErrUnauthenticated
	}
	u, err := g.users.GetByUsername(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	if !u.Active() {
		return nil, ErrAccountDisabled
	}
	return u, nil
}

// ProfileUpdate carries the optional fields of a profile change; nil leaves a field as is.
type ProfileUpdate struct {
	Username    *string
	Email       *string
	Password    *string
	Avatar      *string
	Preferences map[string]any
}

func (g *Gate) UpdateProfile(ctx context.Context, u *models.User, p ProfileUpdate) (*models.User, error) {
	fields := map[string]any{}
	username, email := "", ""

	if p.Username != nil {
		v := strings.TrimSpace(*p.Username)
		if err := validateUsername(v); err != nil {
			return nil, err
		}
		if v != u.Username {
			username = v
			fields["username"] = v
		}
	}
	if p.Email != nil {
		v := strings.TrimSpace(*p.Email)
		if err := validateEmail(v); err != nil {
			return nil, err
		}
		if v != u.Email {
			email = v
			fields["email"] = v
		}
	}
	if err := g.ensureFree(ctx, u.ID, username, email); err != nil {
		return nil, err
	}

	if p.Password != nil && *p.Password != "" {
		hash, err := HashPassword(*p.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		fields["password"] = hash
	}
	if p.Avatar != nil {
		fields["avatar"] = strings.TrimSpace(*p.Avatar)
	}
	if p.Preferences != nil {
		fields["preferences"] = datatypes.JSONMap(p.Preferences)
	}

	updated, err := g.users.Update(ctx, u.ID, fields)
	if err != nil {
		return nil, g.duplicateFromStorage(ctx, err, username)
	}
	return updated, nil
}

// SetStatus enables or disables an account.
func (g *Gate) SetStatus(ctx context.Context, userID uint64, status string) (*models.User, error) {
	switch status {
	case models.UserActive, models.UserDisabled:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	u, err := g.users.Update(ctx, userID, map[string]any{"status": status})
	if err != nil {
		return nil, err
	}
	g.log.Info().Uint64("user_id", userID).Str("status", status).Msg("user status changed")
	return u, nil
}

// ensureFree checks username before email; empty values are skipped and
// rows owned by selfID are ignored.
func (g *Gate) ensureFree(ctx context.Context, selfID uint64, username, email string) error {
	if username != "" {
		u, err := g.users.GetByUsername(ctx, username)
		switch {
		case err == nil && u.ID != selfID:
			return ErrDuplicateUsername
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}
	}
	if email != "" {
		u, err := g.users.GetByEmail(ctx, email)
		switch {
		case err == nil && u.ID != selfID:
			return ErrDuplicateEmail
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}
	}
	return nil
}

// duplicateFromStorage maps a unique violation that slipped past ensureFree
// (a concurrent registration) to the matching sentinel.
func (g *Gate) duplicateFromStorage(ctx context.Context, err error, username string) error {
	if !errors.Is(err, store.ErrDuplicateKey) {
		return err
	}
	if username != "" {
		if _, lookupErr := g.users.GetByUsername(ctx, username); lookupErr == nil {
			return ErrDuplicateUsername
		}
	}
	return ErrDuplicateEmail
}

func validateUsername(v string) error {
	if v == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(v) > maxUsernameLen {
		return fmt.Errorf("%w: username longer than %d characters", ErrInvalidInput, maxUsernameLen)
	}
	return nil
}

func validateEmail(v string) error {
	if v == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(v); err != nil {
		return fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	return nil
}
