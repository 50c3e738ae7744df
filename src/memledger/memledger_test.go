package memledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/pkg/errors"
)

const wallet model.KaspaWalletAddr = "kaspa:wallet"

func output(tx string, idx uint32, amount uint64) model.SpendableOutput {
	return model.SpendableOutput{Outpoint: model.Outpoint{TxId: tx, Index: idx}, Address: wallet, Amount: amount}
}

func payment(claim string, amount uint64) model.Payment {
	return model.Payment{ClaimID: claim, ClaimKind: model.ClaimKindBet, GroupID: "p1", Destination: "kaspa:" + model.KaspaWalletAddr(claim), Amount: amount}
}

func statuses(s *Store) map[string]model.OutputStatus {
	out := map[string]model.OutputStatus{}
	for _, o := range s.GetOutputs() {
		out[o.Outpoint.String()] = o.Status
	}
	return out
}

func TestOutputLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	added, spent, _ := s.SyncOutputs(ctx, wallet, []model.SpendableOutput{output("a", 0, 100), output("a", 1, 300)})
	if added != 2 || spent != 0 {
		t.Fatalf("expected 2 added, got %d/%d", added, spent)
	}
	free, _ := s.GetFreeOutputs(ctx, wallet)
	if len(free) != 2 || free[0].Amount != 300 {
		t.Fatalf("expected largest output first, got %+v", free)
	}

	batch := &model.Batch{ID: "b1", TxId: "t1", Payments: []model.Payment{payment("c1", 250)}, Inputs: []model.SpendableOutput{free[0]}}
	if err := s.ReserveBatch(ctx, batch); err != nil {
		t.Fatalf("reserve failed: %s", err)
	}
	overlap := &model.Batch{ID: "b2", TxId: "t2", Payments: []model.Payment{payment("c2", 50)}, Inputs: []model.SpendableOutput{free[0]}}
	if err := s.ReserveBatch(ctx, overlap); !errors.Is(err, model.ErrReservationConflict) {
		t.Fatalf("expected conflict on reserved output, got %v", err)
	}
	sameClaim := &model.Batch{ID: "b3", TxId: "t3", Payments: []model.Payment{payment("c1", 250)}, Inputs: []model.SpendableOutput{free[1]}}
	if err := s.ReserveBatch(ctx, sameClaim); !errors.Is(err, model.ErrReservationConflict) {
		t.Fatalf("expected conflict on in-flight claim, got %v", err)
	}

	// a reserved output missing from the chain is left alone
	added, spent, _ = s.SyncOutputs(ctx, wallet, []model.SpendableOutput{output("a", 0, 100)})
	if added != 0 || spent != 0 {
		t.Fatalf("expected no changes, got %d/%d", added, spent)
	}

	at := time.Now()
	if err := s.CommitBatch(ctx, "b1", at); err != nil {
		t.Fatalf("commit failed: %s", err)
	}
	if err := s.CommitBatch(ctx, "b1", at); err != nil {
		t.Fatalf("second commit should be a no-op, got %s", err)
	}
	if err := s.ReleaseBatch(ctx, "b1"); !errors.Is(err, model.ErrStatusConflict) {
		t.Fatalf("expected committed batch to refuse release, got %v", err)
	}
	if d := cmp.Diff(map[string]model.OutputStatus{"a:0": model.OutputStatusFree, "a:1": model.OutputStatusSpent}, statuses(s)); d != "" {
		t.Fatalf("output statuses incorrect: %s", d)
	}
	records := s.GetPayoutRecords()
	if len(records) != 1 || records[0].Status != model.PayoutStatusPaid || *records[0].TxId != "t1" {
		t.Fatalf("expected one paid record for t1, got %+v", records)
	}
	if err := s.ReserveBatch(ctx, &model.Batch{ID: "b4", TxId: "t4", Payments: []model.Payment{payment("c1", 250)}, Inputs: []model.SpendableOutput{free[1]}}); !errors.Is(err, model.ErrReservationConflict) {
		t.Fatalf("expected paid claim to be refused, got %v", err)
	}
}

func TestReleaseAndPrune(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.SyncOutputs(ctx, wallet, []model.SpendableOutput{output("a", 0, 500)})
	free, _ := s.GetFreeOutputs(ctx, wallet)

	if err := s.ReserveBatch(ctx, &model.Batch{ID: "b1", TxId: "t1", Payments: []model.Payment{payment("c1", 400)}, Inputs: free}); err != nil {
		t.Fatalf("reserve failed: %s", err)
	}
	if err := s.MarkBatchUnknown(ctx, "b1"); err != nil {
		t.Fatalf("mark unknown failed: %s", err)
	}
	stale, _ := s.GetStaleBatches(ctx, time.Now().Add(time.Minute))
	if len(stale) != 1 || stale[0].Status != model.BatchStatusUnknown || len(stale[0].Inputs) != 1 {
		t.Fatalf("expected one unknown stale batch with its input, got %+v", stale)
	}
	if fresh, _ := s.GetStaleBatches(ctx, time.Now().Add(-time.Minute)); len(fresh) != 0 {
		t.Fatalf("fresh batch reported stale")
	}

	if err := s.ReleaseBatch(ctx, "b1"); err != nil {
		t.Fatalf("release failed: %s", err)
	}
	if err := s.CommitBatch(ctx, "b1", time.Now()); !errors.Is(err, model.ErrStatusConflict) {
		t.Fatalf("expected released batch to refuse commit, got %v", err)
	}
	if d := cmp.Diff(map[string]model.OutputStatus{"a:0": model.OutputStatusFree}, statuses(s)); d != "" {
		t.Fatalf("output not freed: %s", d)
	}
	// claim can be reserved again after release
	if err := s.ReserveBatch(ctx, &model.Batch{ID: "b2", TxId: "t2", Payments: []model.Payment{payment("c1", 400)}, Inputs: free}); err != nil {
		t.Fatalf("re-reserve failed: %s", err)
	}

	if n, _ := s.PruneFailedBatches(ctx, time.Now().Add(-time.Hour)); n != 0 {
		t.Fatalf("pruned a recent batch")
	}
	if n, _ := s.PruneFailedBatches(ctx, time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("expected 1 pruned batch, got %d", n)
	}
	if _, ok := s.GetBatch("b2"); !ok {
		t.Fatalf("reserved batch was pruned")
	}
}

func TestForfeitsAreTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	f := model.Forfeit{Payment: payment("c1", 5), Reason: "below dust floor"}
	s.RecordForfeits(ctx, []model.Forfeit{f, f})
	records := s.GetPayoutRecords()
	if len(records) != 1 || records[0].Status != model.PayoutStatusForfeited || *records[0].Reason != "below dust floor" {
		t.Fatalf("expected a single forfeit record, got %+v", records)
	}
}

func TestUnconfirmedPayoutsRotate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.SyncOutputs(ctx, wallet, []model.SpendableOutput{output("x", 0, 100), output("x", 1, 100), output("x", 2, 100)})
	free, _ := s.GetFreeOutputs(ctx, wallet)
	start := time.Now().UTC()
	for i, claim := range []string{"c1", "c2", "c3"} {
		id := "b" + claim
		batch := &model.Batch{ID: id, TxId: "t" + claim, Payments: []model.Payment{payment(claim, 50)}, Inputs: []model.SpendableOutput{free[i]}}
		if err := s.ReserveBatch(ctx, batch); err != nil {
			t.Fatal(err)
		}
		if err := s.CommitBatch(ctx, id, start.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	claims := func(limit int) []string {
		records, err := s.GetUnconfirmedPayouts(ctx, 10, limit)
		if err != nil {
			t.Fatal(err)
		}
		var out []string
		for _, r := range records {
			out = append(out, r.ClaimID)
		}
		return out
	}
	if d := cmp.Diff([]string{"c1", "c2"}, claims(2)); d != "" {
		t.Fatalf("expected oldest broadcasts first: %s", d)
	}

	checked := start.Add(time.Minute)
	s.UpdateConfirmations(ctx, model.ConfirmationCheck{TxId: "tc1", At: checked})
	s.UpdateConfirmations(ctx, model.ConfirmationCheck{TxId: "tc2", Found: true, Confirmations: 5, At: checked.Add(time.Second)})
	if d := cmp.Diff([]string{"c3", "c1"}, claims(2)); d != "" {
		t.Fatalf("expected unchecked payouts first: %s", d)
	}

	s.UpdateConfirmations(ctx, model.ConfirmationCheck{TxId: "tc3", Untrack: true, At: checked.Add(2 * time.Second)})
	if d := cmp.Diff([]string{"c1", "c2"}, claims(0)); d != "" {
		t.Fatalf("untracked payout still listed: %s", d)
	}
	for _, r := range s.GetPayoutRecords() {
		if r.ClaimID == "c2" && r.Confirmations != 5 {
			t.Fatalf("expected 5 confirmations, got %d", r.Confirmations)
		}
	}

	if ok, _ := s.HasOutputsFromTx(ctx, "x"); !ok {
		t.Fatalf("expected outputs of x")
	}
	if ok, _ := s.HasOutputsFromTx(ctx, "tc1"); ok {
		t.Fatalf("unexpected outputs of tc1")
	}
}
