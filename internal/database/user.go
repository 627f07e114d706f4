// internal/database/user.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nydus-gg/nydus/internal/auth"
	"github.com/nydus-gg/nydus/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

const userColumns = `id, email, password, username, is_ephemeral, is_admin,
       rating_1v1, uncertainty_1v1, num_games_1v1`

// defaultRating seeds new accounts at the ladder midpoint with maximum
// uncertainty.
const (
	defaultRating      = 1500.0
	defaultUncertainty = 350.0
)

// CreateUser hashes the password and inserts the user, generating an id
// when the caller did not supply one.
func CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("failed to generate user id: %w", err)
		}
		user.ID = id
	}

	hash, err := auth.CreateHash(user.Password, auth.Params)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user.Password = hash

	if user.Rating1v1 == 0 {
		user.Rating1v1 = defaultRating
		user.Uncertainty1v1 = defaultUncertainty
	}

	q := `INSERT INTO users (id, email, password, username, is_ephemeral, is_admin,
	      rating_1v1, uncertainty_1v1, num_games_1v1)
	      VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	err = pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, execErr := tx.Exec(ctx, q,
			user.ID, user.Email, user.Password, user.Username,
			user.IsEphemeral, user.IsAdmin,
			user.Rating1v1, user.Uncertainty1v1, user.NumGames1v1,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID, &u.Email, &u.Password, &u.Username,
		&u.IsEphemeral, &u.IsAdmin,
		&u.Rating1v1, &u.Uncertainty1v1, &u.NumGames1v1,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	return scanUser(DB.QueryRow(ctx, q, id))
}

func GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE email=$1`
	return scanUser(DB.QueryRow(ctx, q, email))
}

func GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE username=$1`
	return scanUser(DB.QueryRow(ctx, q, username))
}

// UpdateUserCredentials rewrites a user's login fields, re-hashing the
// password. Used when an ephemeral account is claimed.
func UpdateUserCredentials(ctx context.Context, user *models.User) error {
	hash, err := auth.CreateHash(user.Password, auth.Params)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user.Password = hash

	q := `UPDATE users SET email=$2, password=$3, username=$4, is_ephemeral=$5 WHERE id=$1`
	_, err = DB.Exec(ctx, q, user.ID, user.Email, user.Password, user.Username, user.IsEphemeral)
	if err != nil {
		return fmt.Errorf("failed to update user credentials: %w", err)
	}
	return nil
}

// UpdateUserRating stores a user's post-game ladder numbers.
func UpdateUserRating(ctx context.Context, id uuid.UUID, rating, uncertainty float64, numGames int) error {
	q := `UPDATE users SET rating_1v1=$2, uncertainty_1v1=$3, num_games_1v1=$4 WHERE id=$1`
	_, err := DB.Exec(ctx, q, id, rating, uncertainty, numGames)
	if err != nil {
		return fmt.Errorf("failed to update user rating: %w", err)
	}
	return nil
}
