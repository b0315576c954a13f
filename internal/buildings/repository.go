package buildings

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plateful/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, name, address string) (*models.Building, error) {
	b := &models.Building{ID: uuid.New(), Name: name, Address: address}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO buildings (id, name, address)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, b.ID, b.Name, b.Address).Scan(&b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Building, error) {
	var b models.Building
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, address, created_at FROM buildings WHERE id = $1
	`, id).Scan(&b.ID, &b.Name, &b.Address, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) List(ctx context.Context) ([]*models.Building, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, address, created_at FROM buildings ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Building
	for rows.Next() {
		var b models.Building
		if err := rows.Scan(&b.ID, &b.Name, &b.Address, &b.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &b)
	}
	return list, rows.Err()
}
