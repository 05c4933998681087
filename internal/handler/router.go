package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/expertshub/payment-relay/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware платёжного сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Post("/create-connect-account", h.CreateConnectAccount)
	r.Post("/onboard-connect-account", h.OnboardConnectAccount)
	r.Get("/account-status/{accountId}", h.SyncAccountStatus)

	r.Post("/create-checkout-session", h.CreateCheckoutSession)
	r.Post("/transfer-funds", h.TransferFunds)
	r.Post("/create-payout", h.CreatePayout)

	r.Get("/account-balance/{accountId}", h.GetAccountBalance)
	r.Get("/connected-accounts", h.GetConnectedAccounts)
	r.Get("/transfer-history/{accountId}", h.GetTransferHistory)
	r.Delete("/delete-account/{accountId}", h.DeleteAccount)

	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.RegisterUser)
		r.Get("/{id}", h.GetUser)
		r.Get("/{id}/transactions", h.GetUserTransactions)
	})

	r.Get("/freelancers", h.GetFreelancers)
	r.Get("/clients", h.GetClients)

	r.Route("/projects", func(r chi.Router) {
		r.Post("/", h.CreateProject)
		r.Get("/{id}", h.GetProject)
		r.Post("/{id}/assign", h.AssignFreelancer)
		r.Post("/{id}/escrow", h.PlaceEscrow)
		r.Post("/{id}/release", h.ReleaseEscrow)
		r.Post("/{id}/cancel", h.CancelProject)
	})

	r.Post("/deposits/{id}/confirm", h.ConfirmDeposit)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
