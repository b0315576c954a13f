package buildings

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/plateful/backend/internal/models"
)

// UserAssigner moves a user into a building.
type UserAssigner interface {
	AssignBuilding(ctx context.Context, userID, buildingID uuid.UUID) error
	ListByBuilding(ctx context.Context, buildingID uuid.UUID, limit int) ([]*models.User, error)
}

type Service interface {
	Create(ctx context.Context, name, address string) (*models.Building, error)
	List(ctx context.Context) ([]*models.Building, error)
	Join(ctx context.Context, userID, buildingID uuid.UUID) (*models.Building, error)
	ListResidents(ctx context.Context, buildingID uuid.UUID) ([]*models.User, error)
}

type service struct {
	repo  *Repository
	users UserAssigner
}

func NewService(repo *Repository, users UserAssigner) *service {
	return &service{repo: repo, users: users}
}

var _ Service = (*service)(nil)

func (s *service) Create(ctx context.Context, name, address string) (*models.Building, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("building name is required")
	}
	return s.repo.Create(ctx, name, strings.TrimSpace(address))
}

func (s *service) List(ctx context.Context) ([]*models.Building, error) {
	return s.repo.List(ctx)
}

// Join assigns the user to the building. Joining verifies the user implicitly:
// the invite flow that shared the building ID is the trust boundary.
func (s *service) Join(ctx context.Context, userID, buildingID uuid.UUID) (*models.Building, error) {
	b, err := s.repo.GetByID(ctx, buildingID)
	if err != nil {
		return nil, err
	}
	if err := s.users.AssignBuilding(ctx, userID, buildingID); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *service) ListResidents(ctx context.Context, buildingID uuid.UUID) ([]*models.User, error) {
	return s.users.ListByBuilding(ctx, buildingID, 200)
}
