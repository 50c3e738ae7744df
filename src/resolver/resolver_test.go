package resolver

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/onemorebsmith/kaspa-settler/src/common"
	"github.com/onemorebsmith/kaspa-settler/src/events"
	"github.com/onemorebsmith/kaspa-settler/src/memledger"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var logger = common.ConfigureZap(zap.DebugLevel)

var testBets = []*model.Bet{
	{ID: "A", UserID: "alice", PayoutAddress: "kaspa:a", Amount: 1000, Outcome: "yes", Status: model.BetStatusConfirmed},
	{ID: "B", UserID: "bob", PayoutAddress: "kaspa:b", Amount: 3000, Outcome: "yes", Status: model.BetStatusConfirmed},
	{ID: "C", UserID: "carol", PayoutAddress: "kaspa:c", Amount: 2000, Outcome: "no", Status: model.BetStatusConfirmed},
}

func seedPrediction(t *testing.T, ledger *memledger.Store, id string, outcomes []string, status model.PredictionStatus, bets []*model.Bet) {
	ctx := context.Background()
	if err := ledger.PutPrediction(ctx, &model.Prediction{ID: id, Outcomes: outcomes, Status: status}); err != nil {
		t.Fatal(err)
	}
	for _, b := range bets {
		cp := *b
		cp.PredictionID = id
		if err := ledger.PutBet(ctx, &cp); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestResolver(ledger Ledger, fee RefundFee) (*Resolver, *events.MemoryPublisher) {
	pub := &events.MemoryPublisher{}
	return NewResolver(ledger, pub, fee, logger), pub
}

func TestResolveProportionalPayouts(t *testing.T) {
	ledger := memledger.NewStore()
	seedPrediction(t, ledger, "p1", []string{"yes", "no"}, model.PredictionStatusClosed, testBets)
	r, pub := newTestResolver(ledger, RefundFee{})

	res, err := r.ResolvePrediction(context.Background(), "p1", "yes", "admin")
	if err != nil {
		t.Fatal(err)
	}
	expected := []model.BetResult{
		{BetID: "A", Status: model.BetStatusWon, Payout: 1500},
		{BetID: "B", Status: model.BetStatusWon, Payout: 4500},
		{BetID: "C", Status: model.BetStatusLost, Payout: 0},
	}
	if d := cmp.Diff(expected, res.Bets); d != "" {
		t.Fatalf("incorrect bet results: %s", d)
	}
	expectedSummary := Summary{TotalPool: 6000, WinningPool: 4000, Paid: 6000, Margin: 0, Won: 2, Lost: 1}
	if d := cmp.Diff(expectedSummary, res.Summary); d != "" {
		t.Fatalf("incorrect summary: %s", d)
	}

	p, err := ledger.GetPrediction(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != model.PredictionStatusResolved || p.DisbursementStatus != model.DisbursementStatusPending {
		t.Fatalf("unexpected prediction state %s/%s", p.Status, p.DisbursementStatus)
	}
	if p.WinningOutcome == nil || *p.WinningOutcome != "yes" {
		t.Fatalf("winning outcome not stored")
	}
	bets, _ := ledger.GetBetsForPrediction(context.Background(), "p1")
	for _, b := range bets {
		if b.Payout == nil {
			t.Fatalf("bet %s has no payout", b.ID)
		}
	}
	if len(pub.OfType(events.PredictionResolved)) != 1 {
		t.Fatalf("expected a resolved event")
	}
}

func TestResolveWithNoWinnersRefundsStakes(t *testing.T) {
	ledger := memledger.NewStore()
	seedPrediction(t, ledger, "p1", []string{"yes", "no", "draw"}, model.PredictionStatusClosed, testBets)
	r, _ := newTestResolver(ledger, RefundFee{Flat: 50})

	res, err := r.ResolvePrediction(context.Background(), "p1", "draw", "admin")
	if err != nil {
		t.Fatal(err)
	}
	// refund fee only applies to voided predictions
	expected := []model.BetResult{
		{BetID: "A", Status: model.BetStatusRefunded, Payout: 1000},
		{BetID: "B", Status: model.BetStatusRefunded, Payout: 3000},
		{BetID: "C", Status: model.BetStatusRefunded, Payout: 2000},
	}
	if d := cmp.Diff(expected, res.Bets); d != "" {
		t.Fatalf("incorrect refunds: %s", d)
	}
	if res.Summary.Margin != 0 {
		t.Fatalf("expected no margin, got %d", res.Summary.Margin)
	}
}

func TestResolveTwiceIsNoop(t *testing.T) {
	ledger := memledger.NewStore()
	seedPrediction(t, ledger, "p1", []string{"yes", "no"}, model.PredictionStatusClosed, testBets)
	r, pub := newTestResolver(ledger, RefundFee{})

	if _, err := r.ResolvePrediction(context.Background(), "p1", "yes", "admin"); err != nil {
		t.Fatal(err)
	}
	res, err := r.ResolvePrediction(context.Background(), "p1", "no", "admin")
	if err != nil {
		t.Fatalf("second resolution should not fail: %s", err)
	}
	if !res.AlreadySettled || res.Outcome != "yes" {
		t.Fatalf("expected already settled for `yes`, got %+v", res)
	}
	bets, _ := ledger.GetBetsForPrediction(context.Background(), "p1")
	if bets[0].Status != model.BetStatusWon || *bets[0].Payout != 1500 {
		t.Fatalf("bet was re-settled: %+v", bets[0])
	}
	if len(pub.OfType(events.PredictionResolved)) != 1 {
		t.Fatalf("expected exactly one resolved event")
	}

	// a bad outcome is still rejected once the prediction is settled
	_, err = r.ResolvePrediction(context.Background(), "p1", "maybe", "admin")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for unknown outcome, got %v", err)
	}
}

func TestResolveConcurrentTriggers(t *testing.T) {
	ledger := memledger.NewStore()
	seedPrediction(t, ledger, "p1", []string{"yes", "no"}, model.PredictionStatusClosed, testBets)
	r, _ := newTestResolver(ledger, RefundFee{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	settled := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.ResolvePrediction(context.Background(), "p1", "yes", "cron")
			if err != nil {
				t.Error(err)
				return
			}
			if !res.AlreadySettled {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if settled != 1 {
		t.Fatalf("expected exactly one settlement, got %d", settled)
	}
}

func TestResolveValidation(t *testing.T) {
	ledger := memledger.NewStore()
	seedPrediction(t, ledger, "closed", []string{"yes", "no"}, model.PredictionStatusClosed, testBets)
	seedPrediction(t, ledger, "open", []string{"yes", "no"}, model.PredictionStatusOpen, nil)
	r, _ := newTestResolver(ledger, RefundFee{})

	for _, tc := range []struct {
		prediction string
		outcome    string
	}{
		{"closed", "maybe"},
		{"closed", ""},
		{"open", "yes"},
		{"missing", "yes"},
	} {
		_, err := r.ResolvePrediction(context.Background(), tc.prediction, tc.outcome, "admin")
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s/%s: expected validation error, got %v", tc.prediction, tc.outcome, err)
		}
	}
	p, _ := ledger.GetPrediction(context.Background(), "closed")
	if p.Status != model.PredictionStatusClosed {
		t.Fatalf("rejected resolution mutated prediction: %s", p.Status)
	}
	bets, _ := ledger.GetBetsForPrediction(context.Background(), "closed")
	for _, b := range bets {
		if b.Status != model.BetStatusConfirmed {
			t.Fatalf("rejected resolution mutated bet %s", b.ID)
		}
	}
}

func TestResolveWithoutBets(t *testing.T) {
	ledger := memledger.NewStore()
	pending := []*model.Bet{{ID: "P", Amount: 500, Outcome: "yes", Status: model.BetStatusPending}}
	seedPrediction(t, ledger, "p1", []string{"yes", "no"}, model.PredictionStatusClosed, pending)
	r, _ := newTestResolver(ledger, RefundFee{})

	res, err := r.ResolvePrediction(context.Background(), "p1", "yes", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Bets) != 0 || res.Status != model.PredictionStatusResolved {
		t.Fatalf("unexpected result %+v", res)
	}
	bets, _ := ledger.GetBetsForPrediction(context.Background(), "p1")
	if bets[0].Status != model.BetStatusPending {
		t.Fatalf("pending bet was settled")
	}
}

func TestVoidPrediction(t *testing.T) {
	ledger := memledger.NewStore()
	seedPrediction(t, ledger, "p1", []string{"yes", "no"}, model.PredictionStatusClosed, testBets)
	r, pub := newTestResolver(ledger, RefundFee{Flat: 10, Bps: 100})

	res, err := r.VoidPrediction(context.Background(), "p1", "admin")
	if err != nil {
		t.Fatal(err)
	}
	expected := []model.BetResult{
		{BetID: "A", Status: model.BetStatusRefunded, Payout: 980},
		{BetID: "B", Status: model.BetStatusRefunded, Payout: 2960},
		{BetID: "C", Status: model.BetStatusRefunded, Payout: 1970},
	}
	if d := cmp.Diff(expected, res.Bets); d != "" {
		t.Fatalf("incorrect refunds: %s", d)
	}
	if res.Summary.Margin != 90 {
		t.Fatalf("expected 90 in fees, got %d", res.Summary.Margin)
	}
	p, _ := ledger.GetPrediction(context.Background(), "p1")
	if p.Status != model.PredictionStatusVoided {
		t.Fatalf("expected voided, got %s", p.Status)
	}
	if len(pub.OfType(events.PredictionVoided)) != 1 {
		t.Fatalf("expected a voided event")
	}

	again, err := r.VoidPrediction(context.Background(), "p1", "admin")
	if err != nil || !again.AlreadySettled {
		t.Fatalf("expected second void to be a no-op, got %+v %v", again, err)
	}
	if _, err := r.ResolvePrediction(context.Background(), "p1", "yes", "admin"); err != nil {
		t.Fatalf("resolving a voided prediction should be a no-op: %s", err)
	}
}

func TestResolvePrizePool(t *testing.T) {
	ledger := memledger.NewStore()
	ctx := context.Background()
	ledger.PutPrizePool(ctx, &model.PrizePool{ID: "cup", Total: 10000, SplitWeights: []uint64{6000, 2500, 1500},
		PlatformFeeBps: 500, Status: model.PrizePoolStatusClosed})
	r, _ := newTestResolver(ledger, RefundFee{})

	ranked := []model.Participant{
		{UserID: "first", PayoutAddress: "kaspa:1"},
		{UserID: "second", PayoutAddress: "kaspa:2"},
		{UserID: "third", PayoutAddress: "kaspa:3"},
		{UserID: "fourth", PayoutAddress: "kaspa:4"},
	}
	res, err := r.ResolvePrizePool(ctx, "cup", ranked, "admin")
	if err != nil {
		t.Fatal(err)
	}
	type award struct {
		Rank            int
		User            string
		Gross, Fee, Net uint64
	}
	var got []award
	for _, a := range res.Awards {
		got = append(got, award{a.Rank, a.UserID, a.Gross, a.Fee, a.Net})
	}
	expected := []award{
		{1, "first", 6000, 300, 5700},
		{2, "second", 2500, 125, 2375},
		{3, "third", 1500, 75, 1425},
	}
	if d := cmp.Diff(expected, got); d != "" {
		t.Fatalf("incorrect awards: %s", d)
	}
	if res.Retained != 500 {
		t.Fatalf("expected 500 retained, got %d", res.Retained)
	}

	again, err := r.ResolvePrizePool(ctx, "cup", ranked, "admin")
	if err != nil || !again.AlreadySettled {
		t.Fatalf("expected already settled, got %+v %v", again, err)
	}
}

func TestResolvePrizePoolValidation(t *testing.T) {
	ledger := memledger.NewStore()
	ctx := context.Background()
	ledger.PutPrizePool(ctx, &model.PrizePool{ID: "bad", Total: 100, SplitWeights: []uint64{8000, 4000},
		Status: model.PrizePoolStatusClosed})
	ledger.PutPrizePool(ctx, &model.PrizePool{ID: "open", Total: 100, SplitWeights: []uint64{10000}})
	r, _ := newTestResolver(ledger, RefundFee{})

	ranked := []model.Participant{{UserID: "a", PayoutAddress: "kaspa:a"}}
	for _, id := range []string{"bad", "open", "missing"} {
		_, err := r.ResolvePrizePool(ctx, id, ranked, "admin")
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected validation error, got %v", id, err)
		}
	}
}

func TestProportionalPayoutBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(12345678)) // reproducable seed
	for i := 0; i < 500; i++ {
		var bets []*model.Bet
		for j := 0; j < 1+rng.Intn(40); j++ {
			outcome := "yes"
			if rng.Intn(3) == 0 {
				outcome = "no"
			}
			bets = append(bets, &model.Bet{
				ID:      string(rune('a' + j)),
				Amount:  uint64(1 + rng.Int63n(1_000_000_000)),
				Outcome: outcome,
				Status:  model.BetStatusConfirmed,
			})
		}
		results := ResolveBets(bets, "yes")
		summary := Summarize(bets, "yes", results)
		if summary.Paid > summary.TotalPool {
			t.Fatalf("overpaid: %d > %d", summary.Paid, summary.TotalPool)
		}
		if summary.Won > 0 && summary.TotalPool-summary.Paid >= uint64(summary.Won) {
			t.Fatalf("residual %d not below winner count %d", summary.TotalPool-summary.Paid, summary.Won)
		}
	}
}

func TestProportionalPayoutLargeAmounts(t *testing.T) {
	amount, total, winning := uint64(1)<<62, uint64(1)<<63, uint64(1)<<62
	if got := ProportionalPayout(amount, total, winning); got != uint64(1)<<63 {
		t.Fatalf("expected %d, got %d", uint64(1)<<63, got)
	}
	if got := ProportionalPayout(1, 3, 2); got != 1 {
		t.Fatalf("expected floor(3/2)=1, got %d", got)
	}
}

func TestRefundFee(t *testing.T) {
	for _, tc := range []struct {
		fee      RefundFee
		stake    uint64
		expected uint64
	}{
		{RefundFee{}, 1000, 0},
		{RefundFee{Flat: 25}, 1000, 25},
		{RefundFee{Bps: 250}, 1000, 25},
		{RefundFee{Flat: 5, Bps: 100}, 999, 14},
		{RefundFee{Flat: 5000}, 1000, 1000},
	} {
		if got := tc.fee.For(tc.stake); got != tc.expected {
			t.Fatalf("%+v on %d: expected %d, got %d", tc.fee, tc.stake, tc.expected, got)
		}
	}
}
