package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/commerce/internal/domain"
	pgplatform "github.com/hanko-field/commerce/internal/platform/postgres"
)

// UserRepository resolves order owners from the users table.
type UserRepository struct {
	provider *pgplatform.Provider
}

func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return domain.User{}, err
	}
	var user domain.User
	err = q.QueryRow(ctx,
		`SELECT id, email, name, created_at FROM users WHERE id = $1`, userID,
	).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, pgplatform.NotFound("users.find", "user "+userID)
	}
	if err != nil {
		return domain.User{}, pgplatform.WrapError("users.find", err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}
