package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"funnelmetrics/internal/types"
)

func TestUserRepository_Create_NormalizesEmail(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("QueryRow", mock.Anything, sqlContains("INSERT INTO users"),
		mock.MatchedBy(func(args []any) bool { return args[1] == "ada@example.com" })).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*time.Time) = time.Now()
			return nil
		}})

	u := &types.User{Email: "  Ada@Example.com ", PasswordHash: "$2a$12$hash"}
	require.NoError(t, repo.Create(context.Background(), u))
	assert.Equal(t, "ada@example.com", u.Email)
	assert.NotEmpty(t, u.ID)
	db.AssertExpectations(t)
}

func TestUserRepository_Create_DuplicateEmail(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: &pgconn.PgError{Code: "23505"}})

	err := repo.Create(context.Background(), &types.User{Email: "a@example.com"})
	assert.True(t, types.HasCode(err, types.ErrCodeConflictEmail))
}

func TestUserRepository_GetByEmail(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("QueryRow", mock.Anything, sqlContains("WHERE email = $1"), []any{"a@example.com"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "user_1"
			*dest[1].(*string) = "a@example.com"
			*dest[3].(*string) = "$2a$12$hash"
			return nil
		}})

	u, err := repo.GetByEmail(context.Background(), "A@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user_1", u.ID)
	assert.Equal(t, "", u.Name)
}

func TestUserRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "missing")
	assert.True(t, types.HasCode(err, types.ErrCodeNotFoundUser))
}

func TestUserRepository_UpdateLastLogin_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.UpdateLastLogin(context.Background(), "missing")
	assert.True(t, types.HasCode(err, types.ErrCodeNotFoundUser))
}
