package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ecohub/rewards/internal/app/wallet"
	"github.com/ecohub/rewards/internal/domain"
)

// ─── Wallet API ─────────────────────────────────────────────────────────────
//
// POST /create/{userId}                         open account (201 new, 200 existing)
// GET  /{userId}                                balance
// POST /{userId}/credit                         add coins
// POST /{userId}/debit                          remove coins
// GET  /{userId}/transactions?after=&limit=     ledger, oldest first
// GET  /{userId}/transactions/{reference}       entry by idempotency key
// GET  /{userId}/verify                         replay ledger against balance

// WalletAPI serves the wallet service.
type WalletAPI struct {
	svc *wallet.Service
	log *zap.Logger
}

// NewWalletServer creates the wallet HTTP server.
func NewWalletServer(svc *wallet.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	api := &WalletAPI{svc: svc, log: log.Named("wallet-api")}
	return newServer("wallet", log, api.routes)
}

func (a *WalletAPI) routes(r chi.Router) {
	r.Post("/create/{userId}", a.handleCreate)
	r.Route("/{userId}", func(r chi.Router) {
		r.Get("/", a.handleBalance)
		r.Post("/credit", a.handleMutation(domain.EntryCredit))
		r.Post("/debit", a.handleMutation(domain.EntryDebit))
		r.Get("/transactions", a.handleHistory)
		r.Get("/transactions/{reference}", a.handleEntry)
		r.Get("/verify", a.handleVerify)
	})
}

func (a *WalletAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	b, created, err := a.svc.CreateAccount(r.Context(), pathParam(r, "userId"))
	if err != nil {
		writeDomainError(w, a.log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, b)
}

func (a *WalletAPI) handleBalance(w http.ResponseWriter, r *http.Request) {
	b, err := a.svc.GetBalance(r.Context(), pathParam(r, "userId"))
	if err != nil {
		writeDomainError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// mutationRequest is the credit/debit body. Reference may instead arrive in
// the Idempotency-Key header.
type mutationRequest struct {
	Amount    int64  `json:"amount"`
	Source    string `json:"source,omitempty"`
	Note      string `json:"note,omitempty"`
	Reference string `json:"reference,omitempty"`
}

func (a *WalletAPI) handleMutation(kind domain.EntryType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mutationRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, domain.KindInvalidAmount,
				"body must be {\"amount\": <positive integer>, \"source\", \"note\", \"reference\"}: "+err.Error())
			return
		}
		if req.Reference == "" {
			req.Reference = r.Header.Get("Idempotency-Key")
		}

		b, _, err := a.svc.Apply(r.Context(), kind, domain.Mutation{
			AccountID: pathParam(r, "userId"),
			Amount:    req.Amount,
			Source:    domain.Source(req.Source),
			Note:      req.Note,
			Reference: req.Reference,
		})
		if err != nil {
			writeDomainError(w, a.log, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func (a *WalletAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "after must be an integer entry id")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "limit must be an integer")
		return
	}

	entries, err := a.svc.History(r.Context(), pathParam(r, "userId"), domain.HistoryQuery{
		AfterID: after,
		Limit:   int(limit),
	})
	if err != nil {
		writeDomainError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *WalletAPI) handleEntry(w http.ResponseWriter, r *http.Request) {
	e, err := a.svc.FindByReference(r.Context(), pathParam(r, "userId"), pathParam(r, "reference"))
	if err != nil {
		writeDomainError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *WalletAPI) handleVerify(w http.ResponseWriter, r *http.Request) {
	rep, err := a.svc.Verify(r.Context(), pathParam(r, "userId"))
	if err != nil {
		writeDomainError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
