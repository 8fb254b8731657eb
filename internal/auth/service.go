package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"funnelmetrics/internal/types"
)

// bcryptCost is the bcrypt cost factor used for password hashing.
const bcryptCost = 12

const minPasswordLength = 8

// Failure reasons stored in login_history.
const (
	reasonUserNotFound    = "user_not_found"
	reasonInvalidPassword = "invalid_password"
)

// UserRepo is the user storage used by the auth flows.
type UserRepo interface {
	Create(ctx context.Context, user *types.User) error
	GetByID(ctx context.Context, id string) (*types.User, error)
	GetByEmail(ctx context.Context, email string) (*types.User, error)
	UpdateLastLogin(ctx context.Context, userID string) error
}

// PasswordHasher abstracts bcrypt for testability.
type PasswordHasher interface {
	CompareHashAndPassword(hashedPassword, password string) error
	GenerateFromPassword(password string) (string, error)
}

type bcryptHasher struct{}

func (bcryptHasher) CompareHashAndPassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

func (bcryptHasher) GenerateFromPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CanonicalizeEmail normalizes an email for lookups and lockout counting.
func CanonicalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LoginInput is one password login request.
type LoginInput struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
	Location  string
}

// LoginResult is a successful login.
type LoginResult struct {
	User        *types.User
	AccessToken string
	ExpiresAt   time.Time
	Suspicious  types.SuspiciousActivity
}

// ServiceConfig holds the dependencies of a Service.
type ServiceConfig struct {
	Users     UserRepo
	Security  types.SecurityService
	History   *LoginHistoryService
	Tokens    *TokenIssuer
	Publisher types.NoticePublisher
	Resets    ResetStore
	Hasher    PasswordHasher
	Clock     types.Clock
	Logger    *slog.Logger

	// FrontendURL is the base of the dashboard and reset links in emails.
	FrontendURL string
	// ResetTTL bounds how long a reset link works. Defaults to one hour.
	ResetTTL time.Duration
}

// Service implements registration, password login and password reset.
type Service struct {
	users       UserRepo
	security    types.SecurityService
	brute       *BruteForceProtector
	history     *LoginHistoryService
	tokens      *TokenIssuer
	publisher   types.NoticePublisher
	resets      ResetStore
	hasher      PasswordHasher
	clock       types.Clock
	logger      *slog.Logger
	frontendURL string
	resetTTL    time.Duration
}

// NewService creates a Service. Hasher, Clock, Logger and ResetTTL are optional.
func NewService(cfg ServiceConfig) *Service {
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = bcryptHasher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resetTTL := cfg.ResetTTL
	if resetTTL <= 0 {
		resetTTL = DefaultResetTTL
	}
	return &Service{
		users:       cfg.Users,
		security:    cfg.Security,
		brute:       NewBruteForceProtector(cfg.Security),
		history:     cfg.History,
		tokens:      cfg.Tokens,
		publisher:   cfg.Publisher,
		resets:      cfg.Resets,
		hasher:      hasher,
		clock:       clock,
		logger:      logger,
		frontendURL: strings.TrimSuffix(cfg.FrontendURL, "/"),
		resetTTL:    resetTTL,
	}
}

// Register creates an account. The subscription is created on first access.
func (s *Service) Register(ctx context.Context, email, password, name string) (*types.User, error) {
	if utf8.RuneCountInString(password) < minPasswordLength {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationPassword,
			"password must be at least 8 characters", nil,
			map[string]any{"min_length": minPasswordLength})
	}

	hash, err := s.hasher.GenerateFromPassword(password)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash password", err)
	}

	user := &types.User{
		Email:        CanonicalizeEmail(email),
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID)
	_ = s.notify(ctx, user, types.NoticeWelcome, map[string]string{
		"action_url": s.frontendURL + "/dashboard",
	})
	return user, nil
}

// GetUser returns the account behind an authenticated actor.
func (s *Service) GetUser(ctx context.Context, userID string) (*types.User, error) {
	return s.users.GetByID(ctx, userID)
}

// Login verifies credentials and mints an access token.
//
// Every attempt is written to login_history. Unknown emails and wrong
// passwords both return auth_invalid_credentials. An attempt naming an
// unknown email is stored without a user id, keyed by the submitted email.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := CanonicalizeEmail(in.Email)
	if err := s.brute.CheckLoginAllowed(ctx, email, in.IP); err != nil {
		s.logger.WarnContext(ctx, "login blocked", "ip", in.IP, "error", err)
		return nil, err
	}

	attempt := types.LoginAttempt{
		Identifier: email,
		IPAddress:  in.IP,
		UserAgent:  in.UserAgent,
		Location:   in.Location,
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !types.HasCode(err, types.ErrCodeNotFoundUser) {
			return nil, err
		}
		attempt.Reason = reasonUserNotFound
		_ = s.security.RecordAttempt(ctx, attempt)
		return nil, invalidCredentials()
	}

	attempt.UserID = user.ID
	if err := s.hasher.CompareHashAndPassword(user.PasswordHash, in.Password); err != nil {
		attempt.Reason = reasonInvalidPassword
		_ = s.security.RecordAttempt(ctx, attempt)
		return nil, invalidCredentials()
	}

	// Must run before this login is recorded.
	suspicious := s.history.CheckSuspiciousActivity(ctx, user.ID, in.IP)

	token, expires, err := s.tokens.Mint(*user)
	if err != nil {
		return nil, err
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID); err != nil {
		s.logger.WarnContext(ctx, "failed to update last login", "user_id", user.ID, "error", err)
	}
	attempt.Success = true
	_ = s.security.RecordAttempt(ctx, attempt)

	if suspicious.Suspicious {
		s.logger.WarnContext(ctx, "suspicious login", "user_id", user.ID, "ip", in.IP, "reason", suspicious.Reason)
		s.notifySuspicious(ctx, user, in, suspicious)
	}

	s.logger.InfoContext(ctx, "user logged in", "user_id", user.ID)
	return &LoginResult{
		User:        user,
		AccessToken: token,
		ExpiresAt:   expires,
		Suspicious:  suspicious,
	}, nil
}

func (s *Service) notifySuspicious(ctx context.Context, user *types.User, in LoginInput, verdict types.SuspiciousActivity) {
	payload := map[string]string{
		"ip_address":  in.IP,
		"user_agent":  in.UserAgent,
		"reason":      verdict.Reason,
		"occurred_at": s.clock.Now().Format(time.RFC3339),
	}
	if in.Location != "" {
		payload["location"] = in.Location
	}
	_ = s.notify(ctx, user, types.NoticeSuspiciousLogin, payload)
}

// notify publishes a notice to user. Failures are logged and reported to
// callers that need to know.
func (s *Service) notify(ctx context.Context, user *types.User, kind types.NoticeKind, payload map[string]string) error {
	if s.publisher == nil {
		return nil
	}
	if user.Name != "" {
		payload["name"] = user.Name
	}

	err := s.publisher.Publish(ctx, types.Notice{
		NoticeID:  uuid.NewString(),
		Kind:      kind,
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: s.clock.Now(),
		TraceID:   types.GetRequestID(ctx),
		Payload:   payload,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish notice", "kind", kind, "user_id", user.ID, "error", err)
	}
	return err
}

func invalidCredentials() error {
	return types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid email or password", nil)
}
