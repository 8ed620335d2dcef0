package user

import (
	"context"
	"database/sql"
	"errors"
	"marketplace_api/internal/utils"

	"github.com/sirupsen/logrus"
)

var ErrUserNotFound = errors.New("user not found")

type UserRepository struct{}

type UserRepositoryInterface interface {
	Create(ctx context.Context, tx utils.DBTX, user *User) (*User, error)
	GetByID(ctx context.Context, db utils.DBTX, id int) (*User, error)
	GetByEmail(ctx context.Context, db utils.DBTX, email string) (*User, error)
}

func NewUserRepository() UserRepositoryInterface {
	return &UserRepository{}
}

// Create inserts a user and returns the stored row.
func (r *UserRepository) Create(ctx context.Context, tx utils.DBTX, user *User) (*User, error) {
	query := `
		INSERT INTO users (
			email, username, password, created_at
		)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, email, username, password, created_at
	`

	created := &User{}
	err := tx.QueryRowContext(ctx, query,
		user.Email,
		user.Username,
		user.Password,
	).Scan(
		&created.ID,
		&created.Email,
		&created.Username,
		&created.Password,
		&created.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":  created.ID,
		"username": created.Username,
	}).Info("User created successfully")

	return created, nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, db utils.DBTX, id int) (*User, error) {
	query := `
		SELECT id, email, username, password, created_at
		FROM users
		WHERE id = $1
	`

	return scanUser(db.QueryRowContext(ctx, query, id))
}

// GetByEmail retrieves a user by email
func (r *UserRepository) GetByEmail(ctx context.Context, db utils.DBTX, email string) (*User, error) {
	query := `
		SELECT id, email, username, password, created_at
		FROM users
		WHERE email = $1
	`

	return scanUser(db.QueryRowContext(ctx, query, email))
}

func scanUser(row *sql.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Username,
		&user.Password,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}
