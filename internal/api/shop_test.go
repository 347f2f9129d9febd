package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ecohub/rewards/internal/app/purchase"
	"github.com/ecohub/rewards/internal/domain"
	"github.com/ecohub/rewards/internal/infra/observability"
	"github.com/ecohub/rewards/internal/infra/sqlite"
	"github.com/ecohub/rewards/internal/infra/walletclient"
)

// ─── Shop API Tests ─────────────────────────────────────────────────────────
// The shop talks to a real wallet server over HTTP.

type shopFixture struct {
	shop    http.Handler
	wallet  *httptest.Server
	store   *sqlite.DB
	product domain.Product
}

func setupShopAPI(t *testing.T, price, stock int64) *shopFixture {
	t.Helper()
	walletSrv := httptest.NewServer(setupWalletAPI(t))
	t.Cleanup(walletSrv.Close)

	store := newTestDB(t)
	p, err := store.CreateProduct(context.Background(), domain.Product{Name: "Compost bin", Price: price, Stock: stock})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	client := walletclient.New(walletSrv.URL, walletSrv.Client(), zap.NewNop())
	orch := purchase.New(store, client, purchase.Config{WalletTimeout: 2 * time.Second}, zap.NewNop())
	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	orch.SetTracer(tracer)

	return &shopFixture{
		shop:    NewShopServer(orch, store, tracer, zap.NewNop()).Handler(),
		wallet:  walletSrv,
		store:   store,
		product: p,
	}
}

func (f *shopFixture) account(t *testing.T, id string, balance int64) {
	t.Helper()
	h := f.wallet.Config.Handler
	do(t, h, http.MethodPost, "/create/"+id, nil)
	if balance < 200 {
		do(t, h, http.MethodPost, "/"+id+"/debit", map[string]any{"amount": 200 - balance})
	} else if balance > 200 {
		do(t, h, http.MethodPost, "/"+id+"/credit", map[string]any{"amount": balance - 200})
	}
}

func (f *shopFixture) purchasePath(user string) string {
	return "/purchase/" + strconv.FormatInt(f.product.ID, 10) + "?userId=" + user
}

func TestShopAPI_PurchaseSuccess(t *testing.T) {
	f := setupShopAPI(t, 150, 3)
	f.account(t, "alice", 200)

	w := do(t, f.shop, http.MethodPost, f.purchasePath("alice"), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", w.Code, w.Body.String())
	}
	o := decode[domain.Order](t, w)
	if o.PricePaid != 150 || o.UserID != "alice" {
		t.Errorf("order = %+v", o)
	}

	b := decode[domain.Balance](t, do(t, f.wallet.Config.Handler, http.MethodGet, "/alice", nil))
	if b.Balance != 50 {
		t.Errorf("balance = %d, want 50", b.Balance)
	}

	orders := decode[[]domain.Order](t, do(t, f.shop, http.MethodGet, "/orders?userId=alice", nil))
	if len(orders) != 1 || orders[0].ID != o.ID {
		t.Errorf("orders = %+v", orders)
	}

	att := decode[domain.Attempt](t, do(t, f.shop, http.MethodGet, "/purchase/attempts/"+o.AttemptToken, nil))
	if att.State != domain.StateOrderWritten {
		t.Errorf("attempt state = %s", att.State)
	}

	spans := decode[[]observability.Span](t, do(t, f.shop, http.MethodGet, "/debug/spans", nil))
	if len(spans) == 0 {
		t.Error("no spans recorded")
	}
}

func TestShopAPI_PurchaseErrors(t *testing.T) {
	f := setupShopAPI(t, 150, 1)
	f.account(t, "poor", 100)
	f.account(t, "rich", 500)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantType domain.ErrorKind
	}{
		{"insufficient funds", f.purchasePath("poor"), 422, domain.KindInsufficientFunds},
		{"unknown product", "/purchase/999?userId=rich", 404, domain.KindNotFound},
		{"bad product id", "/purchase/abc?userId=rich", 404, domain.KindNotFound},
		{"missing user", "/purchase/" + strconv.FormatInt(f.product.ID, 10), 400, domain.KindInvalidRequest},
		{"unknown wallet account", f.purchasePath("nobody"), 404, domain.KindNotFound},
		{"success takes last unit", f.purchasePath("rich"), 201, ""},
		{"out of stock", f.purchasePath("rich"), 409, domain.KindOutOfStock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, f.shop, http.MethodPost, tt.path, nil)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantType != "" {
				if e := decode[errorResponse](t, w); e.Error.Type != string(tt.wantType) {
					t.Errorf("type = %q, want %q", e.Error.Type, tt.wantType)
				}
			}
		})
	}

	if b := decode[domain.Balance](t, do(t, f.wallet.Config.Handler, http.MethodGet, "/poor", nil)); b.Balance != 100 {
		t.Errorf("poor balance = %d, want 100", b.Balance)
	}
}

func TestShopAPI_WalletDown(t *testing.T) {
	f := setupShopAPI(t, 150, 2)
	f.account(t, "alice", 200)
	f.wallet.Close()

	w := do(t, f.shop, http.MethodPost, f.purchasePath("alice"), nil)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504 (body %s)", w.Code, w.Body.String())
	}
	e := decode[errorResponse](t, w)
	if e.Error.Type != string(domain.KindDebitOutcomeUnknown) || e.Error.Token == "" {
		t.Errorf("error = %+v, want debit_outcome_unknown with token", e.Error)
	}
	if e.Error.State != string(domain.StateDebitUnknown) {
		t.Errorf("state = %q", e.Error.State)
	}

	p, _ := f.store.GetProduct(context.Background(), f.product.ID)
	if p.Stock != 1 {
		t.Errorf("stock = %d, want 1 (held)", p.Stock)
	}
}

func TestShopAPI_IdempotencyKey(t *testing.T) {
	f := setupShopAPI(t, 150, 5)
	f.account(t, "alice", 400)

	var ids []string
	for i := 0; i < 2; i++ {
		w := do(t, f.shop, http.MethodPost, f.purchasePath("alice"), nil, "Idempotency-Key", "cart-42")
		if w.Code != http.StatusCreated {
			t.Fatalf("attempt %d status = %d", i, w.Code)
		}
		ids = append(ids, decode[domain.Order](t, w).ID)
	}
	if ids[0] != ids[1] {
		t.Errorf("order ids differ: %v", ids)
	}
	if b := decode[domain.Balance](t, do(t, f.wallet.Config.Handler, http.MethodGet, "/alice", nil)); b.Balance != 250 {
		t.Errorf("balance = %d, want 250", b.Balance)
	}
}

func TestShopAPI_LastUnitRace(t *testing.T) {
	f := setupShopAPI(t, 150, 1)
	f.account(t, "alice", 200)
	f.account(t, "bob", 200)

	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			codes[i] = do(t, f.shop, http.MethodPost, f.purchasePath(user), nil).Code
		}(i, user)
	}
	wg.Wait()

	created, conflict := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflict++
		}
	}
	if created != 1 || conflict != 1 {
		t.Errorf("codes = %v, want one 201 and one 409", codes)
	}
}

func TestShopAPI_Products(t *testing.T) {
	f := setupShopAPI(t, 150, 3)

	w := do(t, f.shop, http.MethodPost, "/products", map[string]any{"name": "Seed bombs", "price": 40, "stock": 12})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d (body %s)", w.Code, w.Body.String())
	}
	p := decode[domain.Product](t, w)

	w = do(t, f.shop, http.MethodPut, "/products/"+strconv.FormatInt(p.ID, 10), map[string]any{"name": "Seed bombs", "price": 45, "stock": 10})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}
	if got := decode[domain.Product](t, w); got.Price != 45 {
		t.Errorf("price = %d, want 45", got.Price)
	}

	list := decode[[]domain.Product](t, do(t, f.shop, http.MethodGet, "/products", nil))
	if len(list) != 2 {
		t.Errorf("len(products) = %d, want 2", len(list))
	}

	if w := do(t, f.shop, http.MethodGet, "/products/4040", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing product status = %d, want 404", w.Code)
	}
	if w := do(t, f.shop, http.MethodPost, "/products", map[string]any{"name": "Free", "price": 0}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid product status = %d, want 400", w.Code)
	}
	if w := do(t, f.shop, http.MethodGet, "/orders", nil); w.Code != http.StatusBadRequest {
		t.Errorf("orders without user status = %d, want 400", w.Code)
	}
}

func TestShopAPI_HealthCheckFailing(t *testing.T) {
	f := setupShopAPI(t, 100, 1)
	orch := purchase.New(f.store, walletclient.New(f.wallet.URL, nil, nil), purchase.DefaultConfig(), nil)
	srv := NewShopServer(orch, f.store, nil, zap.NewNop())
	srv.SetHealthCheck(func(context.Context) error { return errors.New("disk detached") })

	w := do(t, srv.Handler(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if w := do(t, srv.Handler(), http.MethodGet, "/debug/spans", nil); w.Code != http.StatusNotFound {
		t.Errorf("/debug/spans without tracer status = %d, want 404", w.Code)
	}
}

// lostReplyWallet applies debits on the real wallet but reports the reply
// as lost, leaving the shop unsure whether the coins moved.
type lostReplyWallet struct {
	*walletclient.Client
}

func (w lostReplyWallet) Debit(ctx context.Context, m domain.Mutation) (domain.Balance, error) {
	if _, err := w.Client.Debit(ctx, m); err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{}, fmt.Errorf("%w: connection reset", domain.ErrRemoteUnavailable)
}

func TestShopAPI_ResumeTokenWithSlash(t *testing.T) {
	f := setupShopAPI(t, 150, 3)
	f.account(t, "alice", 200)

	client := walletclient.New(f.wallet.URL, f.wallet.Client(), zap.NewNop())
	orch := purchase.New(f.store, lostReplyWallet{client}, purchase.Config{WalletTimeout: 2 * time.Second}, zap.NewNop())
	shop := NewShopServer(orch, f.store, nil, zap.NewNop()).Handler()

	w := do(t, shop, http.MethodPost, f.purchasePath("alice"), nil, "Idempotency-Key", "order/42")
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504 (body %s)", w.Code, w.Body.String())
	}
	if e := decode[errorResponse](t, w); e.Error.State != string(domain.StateDebitUnknown) || e.Error.Token != "order/42" {
		t.Fatalf("error = %+v, want DEBIT_UNKNOWN for order/42", e.Error)
	}

	ctx := context.Background()
	a, err := f.store.GetAttempt(ctx, "order/42")
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	a, err = orch.Resume(ctx, a)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if a.State != domain.StateOrderWritten {
		t.Errorf("state = %s, want ORDER_WRITTEN", a.State)
	}

	if b := decode[domain.Balance](t, do(t, f.wallet.Config.Handler, http.MethodGet, "/alice", nil)); b.Balance != 50 {
		t.Errorf("balance = %d, want 50", b.Balance)
	}
	if orders := decode[[]domain.Order](t, do(t, shop, http.MethodGet, "/orders?userId=alice", nil)); len(orders) != 1 {
		t.Errorf("orders = %d, want 1", len(orders))
	}
	if p, _ := f.store.GetProduct(ctx, f.product.ID); p.Stock != 2 {
		t.Errorf("stock = %d, want 2", p.Stock)
	}

	w = do(t, shop, http.MethodGet, "/purchase/attempts/order%2F42", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("attempt lookup status = %d, want 200", w.Code)
	}
	if got := decode[domain.Attempt](t, w); got.State != domain.StateOrderWritten {
		t.Errorf("attempt state = %s", got.State)
	}
}

func TestShopAPI_InvalidIdempotencyKey(t *testing.T) {
	f := setupShopAPI(t, 150, 3)
	f.account(t, "alice", 200)

	for _, key := range []string{"has space", "quote\"d", strings.Repeat("k", domain.MaxTokenLength+1)} {
		w := do(t, f.shop, http.MethodPost, f.purchasePath("alice"), nil, "Idempotency-Key", key)
		if w.Code != http.StatusBadRequest {
			t.Errorf("key %q status = %d, want 400", key, w.Code)
			continue
		}
		if e := decode[errorResponse](t, w); e.Error.Type != string(domain.KindInvalidRequest) {
			t.Errorf("key %q type = %q, want invalid_request", key, e.Error.Type)
		}
	}
	if p, _ := f.store.GetProduct(context.Background(), f.product.ID); p.Stock != 3 {
		t.Errorf("stock = %d, want 3", p.Stock)
	}
}

func TestShopAPI_DeleteProduct(t *testing.T) {
	f := setupShopAPI(t, 150, 3)
	f.account(t, "alice", 200)
	f.wallet.Close()

	held := "/products/" + strconv.FormatInt(f.product.ID, 10)
	if w := do(t, f.shop, http.MethodPost, f.purchasePath("alice"), nil); w.Code != http.StatusGatewayTimeout {
		t.Fatalf("purchase status = %d, want 504", w.Code)
	}
	w := do(t, f.shop, http.MethodDelete, held, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("delete reserved status = %d, want 409", w.Code)
	}
	if e := decode[errorResponse](t, w); e.Error.Type != string(domain.KindProductInUse) {
		t.Errorf("type = %q, want product_in_use", e.Error.Type)
	}

	p := decode[domain.Product](t, do(t, f.shop, http.MethodPost, "/products", map[string]any{"name": "Seed bombs", "price": 40, "stock": 12}))
	path := "/products/" + strconv.FormatInt(p.ID, 10)
	if w := do(t, f.shop, http.MethodDelete, path, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", w.Code)
	}
	if w := do(t, f.shop, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
	if w := do(t, f.shop, http.MethodDelete, path, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
	if w := do(t, f.shop, http.MethodDelete, "/products/abc", nil); w.Code != http.StatusNotFound {
		t.Errorf("bad id status = %d, want 404", w.Code)
	}
}

func TestShopAPI_ResetSpans(t *testing.T) {
	f := setupShopAPI(t, 150, 3)
	f.account(t, "alice", 200)
	do(t, f.shop, http.MethodPost, f.purchasePath("alice"), nil)

	if spans := decode[[]observability.Span](t, do(t, f.shop, http.MethodGet, "/debug/spans", nil)); len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	if w := do(t, f.shop, http.MethodDelete, "/debug/spans", nil); w.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d, want 204", w.Code)
	}
	if spans := decode[[]observability.Span](t, do(t, f.shop, http.MethodGet, "/debug/spans", nil)); len(spans) != 0 {
		t.Errorf("spans after reset = %d, want 0", len(spans))
	}
}
