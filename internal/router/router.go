package router

import (
	"net/http"

	"github.com/plateful/backend/internal/auth"
	"github.com/plateful/backend/internal/buildings"
	"github.com/plateful/backend/internal/handlers"
	"github.com/plateful/backend/internal/middleware"
)

// Deps collects everything the route table needs.
type Deps struct {
	Auth      *auth.Handler
	Tokens    middleware.TokenValidator
	Users     middleware.UserLookup
	Profile   *handlers.UserHandler
	Foods     *handlers.FoodHandler
	Exchanges *handlers.ExchangeHandler
	Credits   *handlers.CreditHandler
	Buildings *buildings.Handler
}

// New returns the API handler. Public: auth + building list. Everything else
// runs behind bearer-token auth; /v1/admin additionally requires the admin
// role.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/auth/register", d.Auth.Register)
	mux.HandleFunc("POST /v1/auth/login", d.Auth.Login)
	mux.HandleFunc("GET /v1/buildings", d.Buildings.ListBuildings)
	mux.HandleFunc("GET /v1/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	authed := middleware.JWTAuth(d.Tokens, d.Users)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}
	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(middleware.RequireAdmin(h)))
	}

	handle("POST /v1/buildings/join", d.Buildings.JoinBuilding)

	handle("GET /v1/users/me", d.Profile.GetMe)
	handle("PUT /v1/users/me/telegram", d.Profile.LinkTelegram)

	handle("POST /v1/foods", d.Foods.CreateFood)
	handle("GET /v1/foods", d.Foods.BrowseFoods)
	handle("GET /v1/foods/mine", d.Foods.ListMyFoods)
	handle("GET /v1/foods/{id}", d.Foods.GetFood)
	handle("PUT /v1/foods/{id}", d.Foods.UpdateFood)
	handle("POST /v1/foods/{id}/claim", d.Foods.ClaimFood)
	handle("POST /v1/foods/{id}/unclaim", d.Foods.UnclaimFood)
	handle("POST /v1/foods/{id}/expire", d.Foods.ExpireFood)

	handle("GET /v1/exchanges", d.Exchanges.ListExchanges)
	handle("GET /v1/exchanges/{id}", d.Exchanges.GetExchange)
	handle("POST /v1/exchanges/{id}/confirm", d.Exchanges.ConfirmExchange)
	handle("POST /v1/exchanges/{id}/complete", d.Exchanges.CompleteExchange)
	handle("POST /v1/exchanges/{id}/cancel", d.Exchanges.CancelExchange)
	handle("POST /v1/exchanges/{id}/no-show", d.Exchanges.ReportNoShow)

	handle("GET /v1/credits/balance", d.Credits.GetBalance)
	handle("GET /v1/credits/history", d.Credits.ListHistory)

	admin("POST /v1/admin/buildings", d.Buildings.CreateBuilding)
	admin("POST /v1/admin/exchanges/{id}/intervene", d.Exchanges.InterveneExchange)
	admin("POST /v1/admin/credits/adjust", d.Credits.AdjustCredits)

	return mux
}
