package user

import (
	"context"
	"database/sql"
	"errors"
	"marketplace_api/internal/apperror"
	"marketplace_api/internal/auth"
	"marketplace_api/internal/observability"
	"marketplace_api/internal/utils"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const (
	MinPasswordLength = 6
	MaxUsernameLength = 50

	// bcrypt refuses longer inputs.
	MaxPasswordBytes = 72
)

// ErrInvalidCredentials is returned for an unknown email and for a wrong
// password alike.
var ErrInvalidCredentials = apperror.New(apperror.KindInvalidCredentials, "invalid credentials")

type UserService struct {
	repo         UserRepositoryInterface
	db           *sql.DB
	tokens       *auth.TokenService
	validate     *validator.Validate
	metrics      *observability.Metrics
	queryTimeout time.Duration
}

type UserServiceInterface interface {
	Register(ctx context.Context, email, username, password string) (*User, error)
	Login(ctx context.Context, email, password string) (*LoginResult, error)
	GetUserByID(ctx context.Context, id int) (*User, error)
}

func NewUserService(repo UserRepositoryInterface, db *sql.DB, tokens *auth.TokenService, metrics *observability.Metrics, queryTimeout time.Duration) UserServiceInterface {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &UserService{
		repo:         repo,
		db:           db,
		tokens:       tokens,
		validate:     validator.New(),
		metrics:      metrics,
		queryTimeout: queryTimeout,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *UserService) validateRegistration(email, username, password string) error {
	if err := s.validate.Var(email, "required,email"); err != nil {
		return apperror.Validation("email must be a valid email address")
	}
	if username == "" {
		return apperror.Validation("username is required")
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return apperror.Validation("username must be at most 50 characters")
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return apperror.Validation("password must be at least 6 characters")
	}
	if len(password) > MaxPasswordBytes {
		return apperror.Validation("password must be at most 72 bytes")
	}
	return nil
}

// Register validates input, hashes the password and stores the user.
func (s *UserService) Register(ctx context.Context, email, username, password string) (*User, error) {
	email = normalizeEmail(email)
	username = strings.TrimSpace(username)

	if err := s.validateRegistration(email, username, password); err != nil {
		s.record("register", err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	existing, err := s.repo.GetByEmail(ctx, s.db, email)
	if err == nil && existing != nil {
		err = apperror.Conflict("email already registered")
		s.record("register", err)
		return nil, err
	}
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		err = apperror.Dependency("failed to create user", err)
		s.record("register", err)
		return nil, err
	}

	hashedPassword, err := auth.GeneratePasswordHash(password)
	if err != nil {
		err = apperror.Dependency("failed to create user", err)
		s.record("register", err)
		return nil, err
	}

	var created *User
	err = utils.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		created, err = s.repo.Create(ctx, tx, &User{
			Email:    email,
			Username: username,
			Password: hashedPassword,
		})
		return err
	})
	if err != nil {
		if utils.IsPGUniqueViolation(err) {
			err = apperror.Conflict("email already registered")
		} else {
			logrus.WithError(err).Error("Failed to create user")
			err = apperror.Dependency("failed to create user", err)
		}
		s.record("register", err)
		return nil, err
	}

	s.record("register", nil)
	return created, nil
}

// Login verifies credentials and issues a token bound to the user's ID.
func (s *UserService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = normalizeEmail(email)

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	user, err := s.repo.GetByEmail(ctx, s.db, email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			err = apperror.Dependency("failed to log in", err)
			s.record("login", err)
			return nil, err
		}
		_ = auth.CompareDummyHash(password)
		s.record("login", ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	if err := auth.ComparePasswordHash([]byte(user.Password), password); err != nil {
		s.record("login", ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := s.tokens.Issue(user.ID)
	if err != nil {
		err = apperror.Dependency("failed to issue token", err)
		s.record("login", err)
		return nil, err
	}

	s.record("login", nil)
	return &LoginResult{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expiresAt,
		User:      user,
	}, nil
}

// GetUserByID retrieves user by ID
func (s *UserService) GetUserByID(ctx context.Context, id int) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	user, err := s.repo.GetByID(ctx, s.db, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, apperror.NotFound("user not found")
		}
		return nil, apperror.Dependency("failed to load user", err)
	}
	return user, nil
}

func (s *UserService) record(action string, err error) {
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = string(apperror.KindOf(err))
	}
	s.metrics.AuthAttemptsTotal.WithLabelValues(action, result).Inc()
}
