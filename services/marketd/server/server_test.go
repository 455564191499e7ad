package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"nftmarket/core/events"
	"nftmarket/crypto"
	"nftmarket/gateway/middleware"
	"nftmarket/native/bank"
	"nftmarket/native/marketplace"
	"nftmarket/native/registry"
	"nftmarket/services/marketd/audit"
	"nftmarket/storage"
)

const testSecret = "marketd-server-secret"

var (
	vaultID     = crypto.DeriveIdentity("test/vault")
	feeID       = crypto.DeriveIdentity("test/fees")
	adminID     = crypto.DeriveIdentity("test/admin")
	aliceID     = crypto.DeriveIdentity("test/alice")
	bobID       = crypto.DeriveIdentity("test/bob")
	testFee     = big.NewInt(5)
	testPrice   = big.NewInt(20)
	contentRef  = "ipfs://bafy-asset-1"
	jsonHeaders = map[string]string{"Content-Type": "application/json"}
)

type harness struct {
	server *Server
	ledger *bank.Ledger
	engine *marketplace.Engine
	audit  *audit.Store
}

func newHarness(t *testing.T, auth middleware.AuthConfig) *harness {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)

	ledger := bank.NewLedger(db)
	payments, err := bank.NewEscrowPayments(ledger, vaultID)
	require.NoError(t, err)
	authorizer := marketplace.NewStaticAuthorizer(adminID)
	engine, err := marketplace.NewEngine(marketplace.NewStore(db), registry.New(db), payments, authorizer, marketplace.Config{
		Vault:             vaultID,
		FeeRecipient:      feeID,
		InitialListingFee: testFee,
	})
	require.NoError(t, err)

	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, audit.AutoMigrate(gdb))
	auditStore := audit.New(gdb, nil)
	t.Cleanup(func() { _ = auditStore.Close() })

	stream := events.NewBroadcaster(64)
	engine.SetEmitter(events.Multi{stream, auditStore})

	srv, err := New(Options{
		Engine:       engine,
		Ledger:       ledger,
		Audit:        auditStore,
		Stream:       stream,
		Authorizer:   authorizer,
		Auth:         auth,
		PingInterval: time.Second,
	})
	require.NoError(t, err)
	return &harness{server: srv, ledger: ledger, engine: engine, audit: auditStore}
}

func (h *harness) do(t *testing.T, method, path string, caller *[20]byte, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if caller != nil {
		req.Header.Set(DevCallerHeader, address(*caller))
	}
	res := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(res, req)
	return res
}

func (h *harness) fund(t *testing.T, who [20]byte, amount int64) {
	t.Helper()
	require.NoError(t, h.ledger.Deposit(context.Background(), who, big.NewInt(amount)))
}

func (h *harness) balance(t *testing.T, who [20]byte) int64 {
	t.Helper()
	bal, err := h.ledger.Balance(who)
	require.NoError(t, err)
	return bal.Int64()
}

func (h *harness) createListing(t *testing.T, seller [20]byte) uint64 {
	t.Helper()
	res := h.do(t, http.MethodPost, "/v1/listings", &seller,
		fmt.Sprintf(`{"contentRef":%q,"price":"%s","feePaid":"%s"}`, contentRef, testPrice, testFee), jsonHeaders)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var out struct {
		AssetID uint64 `json:"assetId"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	return out.AssetID
}

func decodeError(t *testing.T, res *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body), res.Body.String())
	return body.Error
}

func TestListingPurchaseFlow(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})

	res := h.do(t, http.MethodPost, "/v1/admin/deposits", &adminID,
		fmt.Sprintf(`{"account":%q,"amount":"5"}`, address(aliceID)), jsonHeaders)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	h.fund(t, bobID, 20)

	id := h.createListing(t, aliceID)
	require.EqualValues(t, 1, id)

	res = h.do(t, http.MethodGet, "/v1/listings", nil, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var listed struct {
		Items []listingView `json:"items"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &listed))
	require.Len(t, listed.Items, 1)
	require.Equal(t, "20", listed.Items[0].Price)
	require.Equal(t, address(vaultID), listed.Items[0].Owner)
	require.Equal(t, marketplace.StateListed.String(), listed.Items[0].State)

	res = h.do(t, http.MethodPost, "/v1/listings/1/purchase", &bobID, `{"payment":"20"}`, jsonHeaders)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var receipt receiptView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &receipt))
	require.Equal(t, address(bobID), receipt.Buyer)
	require.Equal(t, address(aliceID), receipt.Seller)
	require.Equal(t, "5", receipt.Fee)
	require.True(t, strings.HasPrefix(receipt.Receipt, "0x"))

	require.EqualValues(t, 20, h.balance(t, aliceID))
	require.EqualValues(t, 5, h.balance(t, feeID))
	require.EqualValues(t, 0, h.balance(t, bobID))
	require.EqualValues(t, 0, h.balance(t, vaultID))

	res = h.do(t, http.MethodGet, "/v1/owners/"+address(bobID)+"/items", nil, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var owned struct {
		Items []listingView `json:"items"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &owned))
	require.Len(t, owned.Items, 1)
	require.True(t, owned.Items[0].Sold)

	res = h.do(t, http.MethodGet, "/v1/stats", nil, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var stats statsView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &stats))
	require.Equal(t, statsView{Minted: 1, Sold: 1, Listed: 0, NextID: 2, ListingFee: "5"}, stats)

	res = h.do(t, http.MethodGet, "/v1/events?after=0&limit=10", nil, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var log struct {
		Events []eventView `json:"events"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &log))
	types := make([]string, 0, len(log.Events))
	for _, evt := range log.Events {
		types = append(types, evt.Type)
	}
	require.Equal(t, []string{marketplace.EventTypeListingCreated, marketplace.EventTypeItemSold}, types)
}

func TestRelistAndFeeAdmin(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	h.fund(t, aliceID, 5)
	h.fund(t, bobID, 25)
	id := h.createListing(t, aliceID)

	res := h.do(t, http.MethodPost, fmt.Sprintf("/v1/listings/%d/purchase", id), &bobID, `{"payment":"20"}`, jsonHeaders)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.do(t, http.MethodPut, "/v1/admin/fee", &bobID, `{"fee":"1"}`, jsonHeaders)
	require.Equal(t, http.StatusForbidden, res.Code)
	require.Equal(t, string(marketplace.KindUnauthorized), decodeError(t, res).Kind)

	res = h.do(t, http.MethodPut, "/v1/admin/fee", &adminID, `{"fee":"3"}`, jsonHeaders)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.do(t, http.MethodGet, "/v1/fee", nil, "", nil)
	require.JSONEq(t, `{"fee":"3"}`, res.Body.String())

	res = h.do(t, http.MethodPost, fmt.Sprintf("/v1/listings/%d/relist", id), &aliceID, `{"price":"30","feePaid":"3"}`, jsonHeaders)
	require.Equal(t, http.StatusForbidden, res.Code)
	require.Equal(t, string(marketplace.KindNotOwner), decodeError(t, res).Kind)

	res = h.do(t, http.MethodPost, fmt.Sprintf("/v1/listings/%d/relist", id), &bobID, `{"price":"30","feePaid":"3"}`, jsonHeaders)
	require.Equal(t, http.StatusNoContent, res.Code, res.Body.String())

	res = h.do(t, http.MethodGet, fmt.Sprintf("/v1/listings/%d", id), nil, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var view listingView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &view))
	require.Equal(t, address(bobID), view.Seller)
	require.Equal(t, "30", view.Price)
	require.True(t, view.Relisted)
	require.False(t, view.Sold)

	res = h.do(t, http.MethodGet, "/v1/sellers/"+address(bobID)+"/items", nil, "", nil)
	require.Contains(t, res.Body.String(), `"assetId":1`)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	h.fund(t, aliceID, 5)
	h.fund(t, bobID, 100)
	id := h.createListing(t, aliceID)
	path := fmt.Sprintf("/v1/listings/%d/purchase", id)

	cases := []struct {
		name   string
		method string
		path   string
		caller *[20]byte
		body   string
		status int
		kind   string
	}{
		{"unknown asset", http.MethodPost, "/v1/listings/99/purchase", &bobID, `{"payment":"20"}`, http.StatusNotFound, "NotListed"},
		{"unknown listing view", http.MethodGet, "/v1/listings/99", nil, "", http.StatusNotFound, "NotListed"},
		{"payment mismatch", http.MethodPost, path, &bobID, `{"payment":"19"}`, http.StatusBadRequest, "PaymentMismatch"},
		{"fee mismatch", http.MethodPost, "/v1/listings", &aliceID, `{"contentRef":"x","price":"1","feePaid":"4"}`, http.StatusBadRequest, "FeeMismatch"},
		{"zero price", http.MethodPost, "/v1/listings", &aliceID, `{"contentRef":"x","price":"0","feePaid":"5"}`, http.StatusBadRequest, "InvalidPrice"},
		{"no caller", http.MethodPost, path, nil, `{"payment":"20"}`, http.StatusUnauthorized, "Unauthorized"},
		{"bad id", http.MethodGet, "/v1/listings/abc", nil, "", http.StatusBadRequest, kindInvalidRequest},
		{"bad amount", http.MethodPost, path, &bobID, `{"payment":"1.5"}`, http.StatusBadRequest, kindInvalidRequest},
		{"bad address", http.MethodGet, "/v1/owners/nope/items", nil, "", http.StatusBadRequest, kindInvalidRequest},
		{"deposit not admin", http.MethodPost, "/v1/admin/deposits", &bobID, `{"account":"x","amount":"1"}`, http.StatusForbidden, "Unauthorized"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := h.do(t, tc.method, tc.path, tc.caller, tc.body, jsonHeaders)
			require.Equal(t, tc.status, res.Code, res.Body.String())
			require.Equal(t, tc.kind, decodeError(t, res).Kind)
		})
	}

	res := h.do(t, http.MethodPost, path, &bobID, `{"payment":"20"}`, jsonHeaders)
	require.Equal(t, http.StatusOK, res.Code)
	res = h.do(t, http.MethodPost, path, &bobID, `{"payment":"20"}`, jsonHeaders)
	require.Equal(t, http.StatusConflict, res.Code)
	require.Equal(t, "AlreadySold", decodeError(t, res).Kind)
}

func TestUnfundedPurchaseIsPaymentRequired(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	h.fund(t, aliceID, 5)
	id := h.createListing(t, aliceID)

	res := h.do(t, http.MethodPost, fmt.Sprintf("/v1/listings/%d/purchase", id), &bobID, `{"payment":"20"}`, jsonHeaders)
	require.Equal(t, http.StatusPaymentRequired, res.Code, res.Body.String())
	require.Equal(t, "PaymentFailed", decodeError(t, res).Kind)
}

func TestIdempotentCreateListing(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	h.fund(t, aliceID, 10)

	body := fmt.Sprintf(`{"contentRef":%q,"price":"20","feePaid":"5"}`, contentRef)
	headers := map[string]string{"Content-Type": "application/json", headerIdempotencyKey: "create-1"}

	first := h.do(t, http.MethodPost, "/v1/listings", &aliceID, body, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	replay := h.do(t, http.MethodPost, "/v1/listings", &aliceID, body, headers)
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, "true", replay.Header().Get(headerReplayed))
	require.JSONEq(t, first.Body.String(), replay.Body.String())

	conflict := h.do(t, http.MethodPost, "/v1/listings", &aliceID,
		fmt.Sprintf(`{"contentRef":%q,"price":"21","feePaid":"5"}`, contentRef), headers)
	require.Equal(t, http.StatusConflict, conflict.Code)
	require.Equal(t, kindIdempotencyConflict, decodeError(t, conflict).Kind)

	stats, err := h.engine.Stats()
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Minted)
	require.EqualValues(t, 5, h.balance(t, aliceID))
}

func TestBearerAuthSuppliesCaller(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{
		Enabled:        true,
		HMACSecret:     testSecret,
		Issuer:         "marketd",
		Audience:       "market",
		AllowAnonymous: true,
	})
	h.fund(t, aliceID, 5)
	body := fmt.Sprintf(`{"contentRef":%q,"price":"20","feePaid":"5"}`, contentRef)

	res := h.do(t, http.MethodPost, "/v1/listings", &aliceID, body, jsonHeaders)
	require.Equal(t, http.StatusUnauthorized, res.Code, "dev caller header must be ignored when auth is enabled")

	token, err := middleware.IssueToken(testSecret, "marketd", "market", address(aliceID), []string{scopeWrite}, time.Hour)
	require.NoError(t, err)
	res = h.do(t, http.MethodPost, "/v1/listings", nil, body, map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + token,
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = h.do(t, http.MethodPut, "/v1/admin/fee", nil, `{"fee":"1"}`, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusForbidden, res.Code, "admin routes need the admin scope")

	res = h.do(t, http.MethodGet, "/v1/listings", nil, "", nil)
	require.Equal(t, http.StatusOK, res.Code, "anonymous reads are allowed")
}

func TestEventStreamDeliversBacklogAndLiveUpdates(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	h.fund(t, aliceID, 10)
	h.createListing(t, aliceID)

	ts := httptest.NewServer(h.server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events/stream", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() streamPayload {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var payload streamPayload
		require.NoError(t, json.Unmarshal(data, &payload))
		return payload
	}

	first := read()
	require.Equal(t, marketplace.EventTypeListingCreated, first.Type)
	require.Equal(t, "1", first.Cursor)

	h.createListing(t, aliceID)
	second := read()
	require.Equal(t, marketplace.EventTypeListingCreated, second.Type)
	require.Equal(t, "2", second.Attributes["id"])
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	res := h.do(t, http.MethodGet, "/healthz", nil, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.JSONEq(t, `{"status":"ok"}`, res.Body.String())
}

func TestStatusForKinds(t *testing.T) {
	cases := map[error]int{
		marketplace.ErrInvalidPrice:          http.StatusBadRequest,
		marketplace.ErrInvalidContent:        http.StatusBadRequest,
		marketplace.ErrNotOwner:              http.StatusForbidden,
		marketplace.ErrNotListed:             http.StatusConflict,
		marketplace.ErrAlreadySold:           http.StatusConflict,
		marketplace.ErrPaymentFailed:         http.StatusPaymentRequired,
		marketplace.ErrCustodyTransferFailed: http.StatusBadGateway,
		marketplace.ErrDisbursementFailed:    http.StatusBadGateway,
		marketplace.ErrPaused:                http.StatusServiceUnavailable,
		marketplace.ErrCanceled:              http.StatusServiceUnavailable,
		marketplace.ErrReentrant:             http.StatusInternalServerError,
		errors.New("disk on fire"):           http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(err), err.Error())
	}
}
