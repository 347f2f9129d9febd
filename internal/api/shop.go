package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ecohub/rewards/internal/app/purchase"
	"github.com/ecohub/rewards/internal/domain"
	"github.com/ecohub/rewards/internal/infra/observability"
)

// ─── Shop API ───────────────────────────────────────────────────────────────
//
// POST   /purchase/{productId}?userId=      buy one unit (Idempotency-Key honoured)
// GET    /purchase/attempts/{token}         purchase attempt journal entry
// GET    /orders?userId=                    a user's orders
// GET    /products                          catalog
// GET    /products/{id}                     one product
// POST   /products                          add product
// PUT    /products/{id}                     replace product
// DELETE /products/{id}                     remove product (409 while purchases hold stock)
// GET    /debug/spans?limit=                recent purchase spans
// DELETE /debug/spans                       clear the span buffer

// ShopStore is the shop persistence the HTTP layer reads directly.
type ShopStore interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id int64) (domain.Product, error)
	CreateProduct(ctx context.Context, p domain.Product) (domain.Product, error)
	UpdateProduct(ctx context.Context, p domain.Product) (domain.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	ListOrders(ctx context.Context, userID string) ([]domain.Order, error)
	GetAttempt(ctx context.Context, token string) (domain.Attempt, error)
}

// ShopAPI serves the shop service.
type ShopAPI struct {
	orch   *purchase.Orchestrator
	store  ShopStore
	tracer *observability.Tracer
	log    *zap.Logger
}

// NewShopServer creates the shop HTTP server. tracer may be nil.
func NewShopServer(orch *purchase.Orchestrator, store ShopStore, tracer *observability.Tracer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	api := &ShopAPI{orch: orch, store: store, tracer: tracer, log: log.Named("shop-api")}
	return newServer("shop", log, api.routes)
}

func (a *ShopAPI) routes(r chi.Router) {
	r.Post("/purchase/{productId}", a.handlePurchase)
	r.Get("/purchase/attempts/{token}", a.handleAttempt)
	r.Get("/orders", a.handleOrders)

	r.Route("/products", func(r chi.Router) {
		r.Get("/", a.handleListProducts)
		r.Post("/", a.handleCreateProduct)
		r.Get("/{id}", a.handleGetProduct)
		r.Put("/{id}", a.handleUpdateProduct)
		r.Delete("/{id}", a.handleDeleteProduct)
	})

	if a.tracer != nil {
		r.Get("/debug/spans", a.handleSpans)
		r.Delete("/debug/spans", a.handleResetSpans)
	}
}

// ─── Purchases ──────────────────────────────────────────────────────────────

func (a *ShopAPI) handlePurchase(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(pathParam(r, "productId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, domain.KindNotFound, domain.ErrProductNotFound.Error())
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "userId query parameter is required")
		return
	}
	token := r.Header.Get("Idempotency-Key")
	if token != "" {
		if err := domain.ValidateToken(token); err != nil {
			writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, err.Error())
			return
		}
	}

	order, attempt, err := a.orch.Purchase(r.Context(), purchase.Request{
		UserID:    userID,
		ProductID: productID,
		Token:     token,
	})
	if err != nil {
		writePurchaseError(w, a.log, attempt, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// writePurchaseError adds the attempt token and state so the client can
// poll an undecided purchase.
func writePurchaseError(w http.ResponseWriter, log *zap.Logger, attempt domain.Attempt, err error) {
	kind := domain.KindOf(err)
	msg := err.Error()
	if kind == domain.KindInternal {
		if errors.Is(err, context.Canceled) {
			kind, msg = domain.KindInvalidRequest, "request cancelled before payment"
		} else {
			log.Error("purchase failed", zap.String("token", attempt.Token), zap.Error(err))
			msg = "purchase failed: " + msg
		}
	}
	writeJSON(w, statusByKind[kind], map[string]errorDetail{
		"error": {
			Message: msg,
			Type:    string(kind),
			Token:   attempt.Token,
			State:   string(attempt.State),
		},
	})
}

func (a *ShopAPI) handleAttempt(w http.ResponseWriter, r *http.Request) {
	att, err := a.store.GetAttempt(r.Context(), pathParam(r, "token"))
	if err != nil {
		writeDomainError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

func (a *ShopAPI) handleOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "userId query parameter is required")
		return
	}
	orders, err := a.store.ListOrders(r.Context(), userID)
	if err != nil {
		writeDomainError(w, a.log, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ─── Products ───────────────────────────────────────────────────────────────

func (a *ShopAPI) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.store.ListProducts(r.Context())
	if err != nil {
		writeDomainError(w, a.log, err)
		return
	}
	if products == nil {
		products = []domain.Product{}
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *ShopAPI) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	p, err := a.store.GetProduct(r.Context(), id)
	if err != nil {
		writeDomainError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *ShopAPI) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var p domain.Product
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "invalid product body: "+err.Error())
		return
	}
	p.ID = 0
	created, err := a.store.CreateProduct(r.Context(), p)
	if err != nil {
		writeDomainError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *ShopAPI) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var p domain.Product
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "invalid product body: "+err.Error())
		return
	}
	p.ID = id
	updated, err := a.store.UpdateProduct(r.Context(), p)
	if err != nil {
		writeDomainError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *ShopAPI) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	if err := a.store.DeleteProduct(r.Context(), id); err != nil {
		writeDomainError(w, a.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, domain.KindNotFound, domain.ErrProductNotFound.Error())
		return 0, false
	}
	return id, true
}

// ─── Debug ──────────────────────────────────────────────────────────────────

func (a *ShopAPI) handleSpans(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "limit must be an integer")
		return
	}
	writeJSON(w, http.StatusOK, a.tracer.Spans(int(limit)))
}

func (a *ShopAPI) handleResetSpans(w http.ResponseWriter, r *http.Request) {
	a.tracer.Reset()
	w.WriteHeader(http.StatusNoContent)
}
