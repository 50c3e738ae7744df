package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onemorebsmith/kaspa-settler/src/cashier"
	"github.com/onemorebsmith/kaspa-settler/src/common"
	"github.com/onemorebsmith/kaspa-settler/src/events"
	"github.com/onemorebsmith/kaspa-settler/src/kaspaapi"
	"github.com/onemorebsmith/kaspa-settler/src/memledger"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/onemorebsmith/kaspa-settler/src/resolver"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const wallet model.KaspaWalletAddr = "kaspa:qzk3uh2twkhu0fmuq50mdy3r2yzuwqvstq745hxs7tet25hfd4egcafcdmpdl"

var logger = common.ConfigureZap(zap.DebugLevel)

type fixture struct {
	ledger *memledger.Store
	chain  *kaspaapi.MockChain
	server *httptest.Server
}

func newFixture(t *testing.T, disburser Disburser) *fixture {
	f := &fixture{ledger: memledger.NewStore(), chain: kaspaapi.NewMockChain()}
	pub := &events.MemoryPublisher{}
	opts := cashier.DefaultOptions(wallet)
	opts.Fees = cashier.LinearFee{}
	opts.DustFloor = 10
	if disburser == nil {
		disburser = cashier.NewCashier(opts, f.ledger, f.chain, nil, pub, logger)
	}
	settler := resolver.NewResolver(f.ledger, pub, resolver.RefundFee{}, logger)
	f.server = httptest.NewServer(NewServer(settler, disburser, f.ledger, logger).Router())
	t.Cleanup(f.server.Close)

	ctx := context.Background()
	f.chain.Fund(wallet, "e5022c2f0e1d49471e0eb6091e7431b3ec90a607f9ad47c92c22d88214bdb16c", 0, 1000000)
	require.NoError(t, f.ledger.PutPrediction(ctx, &model.Prediction{ID: "p1", Outcomes: []string{"yes", "no"}}))
	for _, b := range []*model.Bet{
		{ID: "A", PayoutAddress: "kaspa:a", Amount: 1000, Outcome: "yes"},
		{ID: "B", PayoutAddress: "kaspa:b", Amount: 3000, Outcome: "yes"},
		{ID: "C", PayoutAddress: "kaspa:c", Amount: 2000, Outcome: "no"},
	} {
		b.PredictionID = "p1"
		b.UserID = b.ID
		b.Status = model.BetStatusConfirmed
		require.NoError(t, f.ledger.PutBet(ctx, b))
	}
	return f
}

func (f *fixture) post(t *testing.T, path string, actor string, body any) (*http.Response, map[string]any) {
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestCloseResolveAndPay(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.post(t, "/v1/close", "ops", map[string]string{"prediction_id": "p1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.post(t, "/v1/resolve", "ops", map[string]string{"prediction_id": "p1", "outcome": "yes"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resolution := body["resolution"].(map[string]any)
	require.Equal(t, "resolved", resolution["status"])
	require.Equal(t, false, resolution["already_settled"])
	disbursement := body["disbursement"].(map[string]any)
	require.ElementsMatch(t, []any{"A", "B"}, disbursement["paid"])

	require.Equal(t, uint64(1500), f.chain.Paid("kaspa:a"))
	require.Equal(t, uint64(4500), f.chain.Paid("kaspa:b"))
	require.Equal(t, uint64(0), f.chain.Paid("kaspa:c"))

	payouts, err := http.Get(f.server.URL + "/v1/predictions/p1/payouts")
	require.NoError(t, err)
	defer payouts.Body.Close()
	var views []payoutView
	require.NoError(t, json.NewDecoder(payouts.Body).Decode(&views))
	require.Len(t, views, 2)
	for _, v := range views {
		require.Equal(t, "paid", v.Status)
		require.NotNil(t, v.TxId)
	}

	// a second trigger is a no-op
	resp, body = f.post(t, "/v1/resolve", "cron", map[string]string{"prediction_id": "p1", "outcome": "no"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["resolution"].(map[string]any)["already_settled"])
	require.Equal(t, 1, f.chain.AcceptedCount())
}

func TestResolveValidation(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.post(t, "/v1/resolve", "", map[string]string{"prediction_id": "p1", "outcome": "yes"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// still open
	resp, body := f.post(t, "/v1/resolve", "ops", map[string]string{"prediction_id": "p1", "outcome": "yes"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "must be closed")

	f.post(t, "/v1/close", "ops", map[string]string{"prediction_id": "p1"})
	resp, _ = f.post(t, "/v1/resolve", "ops", map[string]string{"prediction_id": "p1", "outcome": "maybe"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/v1/close", "ops", map[string]string{"prediction_id": "p1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	p, err := f.ledger.GetPrediction(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, model.PredictionStatusClosed, p.Status)
}

type brokenDisburser struct{}

func (brokenDisburser) Disburse(ctx context.Context) (*cashier.DisbursementReport, error) {
	return &cashier.DisbursementReport{}, errors.Wrap(kaspaapi.ErrChainTimeout, "failed syncing wallet outputs")
}

func TestResolveReportsDisbursementFailure(t *testing.T) {
	f := newFixture(t, brokenDisburser{})
	f.post(t, "/v1/close", "ops", map[string]string{"prediction_id": "p1"})

	resp, body := f.post(t, "/v1/resolve", "ops", map[string]string{"prediction_id": "p1", "outcome": "yes"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "resolved", body["resolution"].(map[string]any)["status"])
	require.Contains(t, body["error"], "timed out")

	p, err := f.ledger.GetPrediction(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, model.DisbursementStatusPending, p.DisbursementStatus)
}

func TestVoidRefunds(t *testing.T) {
	f := newFixture(t, nil)
	f.post(t, "/v1/close", "ops", map[string]string{"prediction_id": "p1"})

	resp, body := f.post(t, "/v1/void", "ops", map[string]string{"prediction_id": "p1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "voided", body["resolution"].(map[string]any)["status"])
	require.Equal(t, uint64(1000), f.chain.Paid("kaspa:a"))
	require.Equal(t, uint64(3000), f.chain.Paid("kaspa:b"))
	require.Equal(t, uint64(2000), f.chain.Paid("kaspa:c"))
}

func TestPrizePoolResolve(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.ledger.PutPrizePool(context.Background(), &model.PrizePool{ID: "cup", Total: 10000,
		SplitWeights: []uint64{10000}, Status: model.PrizePoolStatusClosed}))

	resp, _ := f.post(t, "/v1/prize-pools/cup/resolve", "ops", map[string]any{
		"participants": []map[string]string{{"user_id": "winner", "payout_address": "kaspa:winner"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, uint64(10000), f.chain.Paid("kaspa:winner"))
}

func TestReadyz(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.server.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

type ctxDisburser struct {
	err      error
	deadline bool
}

func (d *ctxDisburser) Disburse(ctx context.Context) (*cashier.DisbursementReport, error) {
	d.err = ctx.Err()
	_, d.deadline = ctx.Deadline()
	return &cashier.DisbursementReport{}, nil
}

func TestDisburseOutlivesRequest(t *testing.T) {
	d := &ctxDisburser{}
	f := newFixture(t, d)
	settler := resolver.NewResolver(f.ledger, &events.MemoryPublisher{}, resolver.RefundFee{}, logger)
	srv := NewServer(settler, d, f.ledger, logger)

	req := httptest.NewRequest(http.MethodPost, "/v1/disburse", nil)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req.WithContext(ctx))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, d.err, "disbursement ran on the cancelled request context")
	require.True(t, d.deadline, "disbursement should still be bounded")
}
