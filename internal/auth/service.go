package auth

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/plateful/backend/internal/models"
)

// ErrDuplicateEmail is returned when registering with an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrInvalidCredentials covers both unknown email and wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserStore is the persistence surface registration and login need.
type UserStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, u *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// AccountOpener opens the new user's credit account inside the registration
// transaction so a user never exists without a ledger account.
type AccountOpener interface {
	OpenAccount(ctx context.Context, tx pgx.Tx, userID uuid.UUID, signupBonus int) (*models.CreditAccount, error)
}

type RegisterInput struct {
	Email           string
	Password        string
	DisplayName     string
	ApartmentNumber string
	BuildingID      *uuid.UUID
	TelegramChatID  *int64
}

type Service interface {
	Register(ctx context.Context, in RegisterInput) (*models.User, *models.CreditAccount, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

type service struct {
	users       UserStore
	ledger      AccountOpener
	signupBonus int
	secret      []byte
}

func NewService(users UserStore, ledger AccountOpener, signupBonus int) *service {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "supersecretmvp"
	}
	if signupBonus < 0 {
		signupBonus = 0
	}
	return &service{users: users, ledger: ledger, signupBonus: signupBonus, secret: []byte(secret)}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Register creates the user and their credit account atomically. Joining with
// a building marks the user verified: the invite flow that hands out building
// IDs is the trust boundary.
func (s *service) Register(ctx context.Context, in RegisterInput) (*models.User, *models.CreditAccount, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, err
	}

	user := &models.User{
		ID:              uuid.New(),
		Email:           in.Email,
		DisplayName:     in.DisplayName,
		PasswordHash:    string(hash),
		Role:            "member",
		TelegramChatID:  in.TelegramChatID,
		ApartmentNumber: in.ApartmentNumber,
		BuildingID:      in.BuildingID,
		Verified:        in.BuildingID != nil,
		SharingEnabled:  true,
	}

	tx, err := s.users.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.users.CreateTx(ctx, tx, user); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, nil, ErrDuplicateEmail
		}
		return nil, nil, err
	}
	acct, err := s.ledger.OpenAccount(ctx, tx, user.ID, s.signupBonus)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return user, acct, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(user.ID, user.Role)
}

func (s *service) issueToken(userID uuid.UUID, role string) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, "", err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", errors.New("invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, c.Role, nil
}
