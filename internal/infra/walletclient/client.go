// Package walletclient is the shop's HTTP client for the wallet service.
// Wallet errors come back as the domain sentinels they were raised as;
// transport failures, timeouts and 5xx answers become ErrRemoteUnavailable.
package walletclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ecohub/rewards/internal/domain"
	"github.com/ecohub/rewards/internal/infra/observability"
)

// Client implements domain.Wallet over HTTP.
type Client struct {
	base string
	http *http.Client
	log  *zap.Logger
}

var _ domain.Wallet = (*Client)(nil)

// New creates a client for the wallet at baseURL. A nil httpClient gets a
// default with a 30s ceiling; per-call deadlines come from the context.
func New(baseURL string, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: httpClient,
		log:  log.Named("walletclient"),
	}
}

// mutationBody is the wire form of a credit/debit request.
type mutationBody struct {
	Amount    int64  `json:"amount"`
	Source    string `json:"source,omitempty"`
	Note      string `json:"note,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// Debit removes coins from an account.
func (c *Client) Debit(ctx context.Context, m domain.Mutation) (domain.Balance, error) {
	return c.mutate(ctx, "debit", m)
}

// Credit adds coins to an account.
func (c *Client) Credit(ctx context.Context, m domain.Mutation) (domain.Balance, error) {
	return c.mutate(ctx, "credit", m)
}

func (c *Client) mutate(ctx context.Context, op string, m domain.Mutation) (domain.Balance, error) {
	body := mutationBody{Amount: m.Amount, Source: string(m.Source), Note: m.Note, Reference: m.Reference}
	var b domain.Balance
	err := c.do(ctx, op, http.MethodPost, "/"+url.PathEscape(m.AccountID)+"/"+op, body, &b, domain.ErrAccountNotFound)
	return b, err
}

// FindByReference fetches the entry committed under reference. It returns
// ErrEntryNotFound when the wallet has no such entry, and ErrAccountNotFound
// when the account itself is unknown.
func (c *Client) FindByReference(ctx context.Context, accountID, reference string) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	path := "/" + url.PathEscape(accountID) + "/transactions/" + url.PathEscape(reference)
	err := c.do(ctx, "find", http.MethodGet, path, nil, &e, domain.ErrEntryNotFound)
	return e, err
}

// ─── Transport ──────────────────────────────────────────────────────────────

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// do performs one request. notFound is the sentinel reported for a 404
// whose message does not name the account.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any, notFound error) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = string(domain.KindOf(err))
		}
		observability.WalletCalls.WithLabelValues(op, result).Inc()
	}()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := observability.TraceID(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("wallet unreachable", zap.String("op", op), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %s %s: %w", domain.ErrRemoteUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrRemoteUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s: status %d", domain.ErrRemoteUnavailable, method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data, notFound)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode wallet response: %w", err)
		}
	}
	return nil
}

// decodeError maps a wallet error body back to a domain sentinel.
func decodeError(status int, data []byte, notFound error) error {
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err != nil || eb.Error.Type == "" {
		return fmt.Errorf("wallet: unexpected status %d", status)
	}
	kind := domain.ErrorKind(eb.Error.Type)
	msg := eb.Error.Message

	if kind == domain.KindNotFound {
		if strings.HasPrefix(msg, domain.ErrAccountNotFound.Error()) || errors.Is(notFound, domain.ErrAccountNotFound) {
			return domain.ErrAccountNotFound
		}
		return notFound
	}
	if sentinel := domain.ErrorForKind(kind); sentinel != nil {
		if msg == "" || msg == sentinel.Error() {
			return sentinel
		}
		return fmt.Errorf("%w: %s", sentinel, msg)
	}
	return fmt.Errorf("wallet: %s (status %d)", msg, status)
}
