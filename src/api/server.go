package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/onemorebsmith/kaspa-settler/src/cashier"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/onemorebsmith/kaspa-settler/src/resolver"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const ActorHeader = "X-Actor-Id"

type Settler interface {
	ResolvePrediction(ctx context.Context, predictionID string, outcome string, actor string) (*resolver.Result, error)
	VoidPrediction(ctx context.Context, predictionID string, actor string) (*resolver.Result, error)
	ResolvePrizePool(ctx context.Context, poolID string, ranked []model.Participant, actor string) (*resolver.PrizeResult, error)
}

type Disburser interface {
	Disburse(ctx context.Context) (*cashier.DisbursementReport, error)
}

type Store interface {
	Ping(ctx context.Context) error
	ClosePrediction(ctx context.Context, id string) error
	GetPayoutsForGroup(ctx context.Context, groupID string) ([]*model.PayoutRecord, error)
}

// DisburseTimeout bounds a disbursement started by a request. It runs
// detached from the request so a client hanging up cannot cut a broadcast
// short and leave batches unknown.
const DisburseTimeout = 5 * time.Minute

type Server struct {
	settler         Settler
	disburser       Disburser
	store           Store
	logger          *zap.Logger
	disburseTimeout time.Duration
}

func NewServer(settler Settler, disburser Disburser, store Store, logger *zap.Logger) *Server {
	return &Server{
		settler:   settler,
		disburser: disburser,
		store:     store,
		logger:    logger.With(zap.String("component", "api")),

		disburseTimeout: DisburseTimeout,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/readyz", s.readyz)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/resolve", s.resolve)
		r.Post("/void", s.void)
		r.Post("/close", s.close)
		r.Post("/disburse", s.disburse)
		r.Post("/prize-pools/{id}/resolve", s.resolvePrizePool)
		r.Get("/predictions/{id}/payouts", s.payouts)
	})
	return r
}

func (s *Server) runDisburse() (*cashier.DisbursementReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.disburseTimeout)
	defer cancel()
	return s.disburser.Disburse(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request", zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()), zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	var verr *resolver.ValidationError
	var cerr *cashier.ConsistencyViolation
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &cerr):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &resolver.ValidationError{Reason: "malformed request body: " + err.Error()}
	}
	return nil
}

func actorOf(r *http.Request) (string, error) {
	actor := r.Header.Get(ActorHeader)
	if actor == "" {
		return "", &resolver.ValidationError{Reason: ActorHeader + " header is required"}
	}
	return actor, nil
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(errors.Wrap(err, "failed pinging ledger").Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type resolveRequest struct {
	PredictionID string `json:"prediction_id"`
	Outcome      string `json:"outcome"`
}

type settleResponse struct {
	Resolution   *resolver.Result            `json:"resolution"`
	Disbursement *cashier.DisbursementReport `json:"disbursement,omitempty"`
	Error        string                      `json:"error,omitempty"`
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req := resolveRequest{}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.PredictionID == "" || req.Outcome == "" {
		s.writeError(w, &resolver.ValidationError{Reason: "prediction_id and outcome are required"})
		return
	}
	res, err := s.settler.ResolvePrediction(r.Context(), req.PredictionID, req.Outcome, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.disburseAfter(w, r, res)
}

type voidRequest struct {
	PredictionID string `json:"prediction_id"`
}

func (s *Server) void(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req := voidRequest{}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.PredictionID == "" {
		s.writeError(w, &resolver.ValidationError{Reason: "prediction_id is required"})
		return
	}
	res, err := s.settler.VoidPrediction(r.Context(), req.PredictionID, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.disburseAfter(w, r, res)
}

// disburseAfter pays a fresh settlement right away. The settlement is already
// durable, so a failed disbursement is reported alongside it and retried by
// the next scheduled run.
func (s *Server) disburseAfter(w http.ResponseWriter, r *http.Request, res *resolver.Result) {
	report, err := s.runDisburse()
	if err != nil {
		s.logger.Error("disbursement after settlement failed", zap.String("prediction", res.PredictionID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, settleResponse{Resolution: res, Disbursement: report, Error: err.Error()})
		return
	}
	for _, g := range report.Halted {
		if g == res.PredictionID {
			writeJSON(w, http.StatusConflict, settleResponse{Resolution: res, Disbursement: report,
				Error: "disbursement halted on a consistency violation"})
			return
		}
	}
	writeJSON(w, http.StatusOK, settleResponse{Resolution: res, Disbursement: report})
}

func (s *Server) close(w http.ResponseWriter, r *http.Request) {
	if _, err := actorOf(r); err != nil {
		s.writeError(w, err)
		return
	}
	req := voidRequest{}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.ClosePrediction(r.Context(), req.PredictionID); err != nil {
		if errors.Is(err, model.ErrStatusConflict) {
			err = &resolver.ValidationError{Reason: "prediction " + req.PredictionID + " is not open"}
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prediction_id": req.PredictionID, "status": string(model.PredictionStatusClosed)})
}

type prizePoolRequest struct {
	Participants []model.Participant `json:"participants"`
}

func (s *Server) resolvePrizePool(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req := prizePoolRequest{}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.settler.ResolvePrizePool(r.Context(), chi.URLParam(r, "id"), req.Participants, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.runDisburse()
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"resolution": res, "disbursement": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolution": res, "disbursement": report})
}

func (s *Server) disburse(w http.ResponseWriter, r *http.Request) {
	report, err := s.runDisburse()
	if err != nil {
		s.logger.Error("disbursement failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"disbursement": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type payoutView struct {
	ClaimID       string     `json:"claim_id"`
	Kind          string     `json:"kind"`
	Destination   string     `json:"destination"`
	Amount        uint64     `json:"amount"`
	Status        string     `json:"status"`
	Reason        *string    `json:"reason,omitempty"`
	TxId          *string    `json:"tx_id,omitempty"`
	BroadcastAt   *time.Time `json:"broadcast_at,omitempty"`
	Confirmations uint64     `json:"confirmations"`
}

func (s *Server) payouts(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.GetPayoutsForGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]payoutView, 0, len(records))
	for _, rec := range records {
		views = append(views, payoutView{
			ClaimID:       rec.ClaimID,
			Kind:          string(rec.ClaimKind),
			Destination:   string(rec.Destination),
			Amount:        rec.Amount,
			Status:        string(rec.Status),
			Reason:        rec.Reason,
			TxId:          rec.TxId,
			BroadcastAt:   rec.BroadcastAt,
			Confirmations: rec.Confirmations,
		})
	}
	writeJSON(w, http.StatusOK, views)
}
