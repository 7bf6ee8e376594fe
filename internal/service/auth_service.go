package service

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/minWang916/kms-api/internal/models"
	appErrors "github.com/minWang916/kms-api/pkg/errors"
	"github.com/minWang916/kms-api/pkg/mail"
)

// Confirmation messages returned by the auth flows.
const (
	MsgRegistered = "User registered successfully. A verification email has been sent, please confirm."
	MsgVerified   = "User verified successfully."
	MsgLoggedIn   = "User logged in successfully."
	MsgLoggedOut  = "Logout successful"
)

type authUserStore interface {
	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, id int64) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByVerificationCode(ctx context.Context, code string) (*models.User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	ExistsByID(ctx context.Context, id int64) (bool, error)
	Activate(ctx context.Context, id int64) error
}

type refreshTokenStore interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByToken(ctx context.Context, token string) (*models.RefreshToken, error)
	FindByUserID(ctx context.Context, userID int64) (*models.RefreshToken, error)
	DeleteByUserID(ctx context.Context, userID int64) (int64, error)
	DeleteByToken(ctx context.Context, token string) error
}

// TokenBlacklist is the narrow revocation-cache capability the orchestrator
// and the authentication gate depend on. Get returns appErrors.ErrCacheMiss
// when no live entry exists for the user.
type TokenBlacklist interface {
	Set(ctx context.Context, userID int64, token string, ttl time.Duration) error
	Get(ctx context.Context, userID int64) (string, error)
}

type mailDispatcher interface {
	Dispatch(msg mail.Message) error
}

// AuthService owns the registration, verification, login, refresh and
// logout flows.
type AuthService struct {
	users     authUserStore
	sessions  refreshTokenStore
	blacklist TokenBlacklist
	mailer    mailDispatcher
	tokens    *TokenService
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(
	users authUserStore,
	sessions refreshTokenStore,
	blacklist TokenBlacklist,
	mailer mailDispatcher,
	tokens *TokenService,
	validate *validator.Validate,
	metrics *MetricsService,
	logger *zap.Logger,
) *AuthService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		users:     users,
		sessions:  sessions,
		blacklist: blacklist,
		mailer:    mailer,
		tokens:    tokens,
		validator: validate,
		metrics:   metrics,
		logger:    logger,
	}
}

// Register creates a pending user and dispatches the verification email.
// The account is kept even when dispatch fails; the failure is reported so
// the caller knows no email went out.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest, origin string) (string, error) {
	if err := s.validator.Struct(req); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	taken, err := s.users.ExistsByUsername(ctx, req.Username)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check username")
	}
	if taken {
		return "", appErrors.Clone(appErrors.ErrConflict, "Username "+req.Username+" already exists")
	}

	taken, err = s.users.ExistsByEmail(ctx, req.Email)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	}
	if taken {
		return "", appErrors.Clone(appErrors.ErrConflict, "Email "+req.Email+" already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	code := uuid.NewString()
	user := &models.User{
		Username:         req.Username,
		Email:            req.Email,
		PasswordHash:     string(hash),
		FullName:         req.FullName,
		VerificationCode: &code,
		Enabled:          false,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	s.observe(func(m *MetricsService) { m.RecordRegistration() })

	if err := s.mailer.Dispatch(mail.VerificationMessage(user.Email, origin, code)); err != nil {
		s.logger.Error("failed to dispatch verification email",
			zap.String("email", user.Email), zap.Error(err))
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to send verification email")
	}

	s.logger.Debug("user registered, awaiting verification", zap.String("email", user.Email))
	return MsgRegistered, nil
}

// Verify activates the pending user holding the single-use code.
func (s *AuthService) Verify(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "verification code is required")
	}

	user, err := s.users.FindByVerificationCode(ctx, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.Clone(appErrors.ErrNotFound, "Verification code is invalid.")
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up verification code")
	}

	// The code is cleared on activation, so a matching record should never
	// be enabled. Double-check anyway and reject code reuse.
	if user.Enabled {
		return "", appErrors.Clone(appErrors.ErrConflict, "User is already verified.")
	}

	if err := s.users.Activate(ctx, user.ID); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to activate user")
	}

	s.logger.Debug("user verified", zap.String("email", user.Email))
	return MsgVerified, nil
}

// Login authenticates an active user and issues a fresh token pair,
// superseding any existing session for the user.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.users.FindByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "User not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !user.Enabled {
		return nil, appErrors.Clone(appErrors.ErrConflict, "User is not verified yet.")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "Invalid credentials.")
	}

	// At most one session per user: drop the previous token before the new
	// insert. Concurrent logins resolve last-write-wins through the store.
	if _, err := s.sessions.DeleteByUserID(ctx, user.ID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to replace session")
	}

	accessToken, err := s.tokens.IssueAccessToken(user.Username, user.Email, user.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	refreshValue, err := s.tokens.IssueRefreshToken(user.Username)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	session := &models.RefreshToken{
		UserID:    user.ID,
		Token:     refreshValue,
		ExpiresAt: time.Now().UTC().Add(s.tokens.RefreshExpiration()),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	s.observe(func(m *MetricsService) { m.RecordLogin() })
	s.logger.Debug("user logged in", zap.String("email", user.Email))

	return &models.LoginResponse{
		Message:      MsgLoggedIn,
		Token:        accessToken,
		RefreshToken: refreshValue,
	}, nil
}

// RefreshAccessToken mints a new access token for the owner of a live
// refresh token. The refresh token itself is not rotated on this path; an
// expired one is deleted so a retry fails on the unknown-token path.
func (s *AuthService) RefreshAccessToken(ctx context.Context, refreshToken string) (*models.RefreshResponse, error) {
	if refreshToken == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "refreshToken header is required")
	}

	session, err := s.sessions.FindByToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "Invalid refresh token")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch refresh token")
	}

	if session.Expired(time.Now().UTC()) {
		if err := s.sessions.DeleteByToken(ctx, session.Token); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete expired refresh token")
		}
		return nil, appErrors.Clone(appErrors.ErrValidation, "Refresh token is expired")
	}

	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "Invalid refresh token")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	accessToken, err := s.tokens.IssueAccessToken(user.Username, user.Email, user.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	return &models.RefreshResponse{Token: accessToken}, nil
}

// Logout blacklists the presented access token for its remaining lifetime
// and deletes the caller's refresh token. Both effects must land before the
// confirmation is returned; there is no partial success.
func (s *AuthService) Logout(ctx context.Context, req models.LogoutRequest) (string, error) {
	if err := s.validator.Struct(req); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid logout payload")
	}

	userID, err := strconv.ParseInt(req.UserID, 10, 64)
	if err != nil {
		return "", appErrors.Clone(appErrors.ErrValidation, "userId must be numeric")
	}

	exists, err := s.users.ExistsByID(ctx, userID)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check user")
	}
	if !exists {
		return "", appErrors.Clone(appErrors.ErrNotFound, "User ID not found.")
	}

	if status := s.tokens.Verify(req.Token); status != TokenValid {
		return "", appErrors.Clone(appErrors.ErrValidation, "Invalid or expired JWT token.")
	}

	ttl := s.tokens.RemainingLifetime(req.Token)
	if err := s.blacklist.Set(ctx, userID, req.Token, ttl); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to blacklist token")
	}

	session, err := s.sessions.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.Clone(appErrors.ErrNotFound, "Refresh token not found.")
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
	}
	if err := s.sessions.DeleteByToken(ctx, session.Token); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete refresh token")
	}

	s.logger.Debug("user logged out", zap.Int64("user_id", userID))
	return MsgLoggedOut, nil
}

func (s *AuthService) observe(fn func(*MetricsService)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}
