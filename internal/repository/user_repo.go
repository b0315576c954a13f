package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plateful/backend/internal/models"
)

const userColumns = `id, email, display_name, password_hash, role, telegram_chat_id,
	apartment_number, building_id, verified, sharing_enabled, created_at, updated_at`

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func (r *UserRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Role, &u.TelegramChatID,
		&u.ApartmentNumber, &u.BuildingID, &u.Verified, &u.SharingEnabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) CreateTx(ctx context.Context, tx pgx.Tx, u *models.User) error {
	return tx.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role, telegram_chat_id,
			apartment_number, building_id, verified, sharing_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash, u.Role, u.TelegramChatID,
		u.ApartmentNumber, u.BuildingID, u.Verified, u.SharingEnabled).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// AssignBuilding moves the user into a building and marks them verified:
// holding a valid building ID is the invite-based trust boundary.
func (r *UserRepo) AssignBuilding(ctx context.Context, userID, buildingID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET building_id = $1, verified = TRUE, updated_at = now() WHERE id = $2
	`, buildingID, userID)
	return err
}

// SetTelegramChatID links (or with nil, unlinks) the chat the notifier
// delivers to.
func (r *UserRepo) SetTelegramChatID(ctx context.Context, userID uuid.UUID, chatID *int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET telegram_chat_id = $1, updated_at = now() WHERE id = $2
	`, chatID, userID)
	return err
}

func (r *UserRepo) ListByBuilding(ctx context.Context, buildingID uuid.UUID, limit int) ([]*models.User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users WHERE building_id = $1 ORDER BY created_at LIMIT $2
	`, buildingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, u)
	}
	return list, rows.Err()
}
