package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/pool"
	"CoverLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBytes = 1 << 20

type apiHandlers struct {
	qs      *query.QueryService
	ingest  *ingestion.IngestService
	snaps   *persistence.SnapshotManager
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// handlerFunc returns a JSON-encodable body or an error carrying a gRPC
// status; the status code picks the HTTP code.
type handlerFunc func(r *http.Request, params map[string]string) (interface{}, error)

func (a *apiHandlers) register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path, endpoint string
		h                      handlerFunc
	}{
		{"POST", "/v1/commands/{type}", "submit_command", a.submitCommand},
		{"GET", "/v1/commands/{sequence}", "get_command", a.getCommand},
		{"GET", "/v1/pool", "get_pool", a.getPool},
		{"GET", "/v1/quote", "get_quote", a.getQuote},
		{"GET", "/v1/protections/{id}", "get_protection", a.getProtection},
		{"GET", "/v1/holders/{address}/protections", "list_protections", a.listProtections},
		{"GET", "/v1/providers/{address}", "get_provider", a.getProvider},
		{"GET", "/v1/accounts/{address}/records", "list_records", a.listRecords},
		{"GET", "/v1/journal", "journal_history", a.journalHistory},
		{"GET", "/v1/admin/integrity", "verify_integrity", a.verifyIntegrity},
		{"GET", "/v1/admin/snapshots", "list_snapshots", a.listSnapshots},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, a.instrument(rt.endpoint, rt.h)); err != nil {
			return err
		}
	}
	return nil
}

func (a *apiHandlers) instrument(endpoint string, h handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, err := h(r, params)

		code := codes.OK
		if err != nil {
			code = status.Code(err)
		}
		if a.metrics != nil {
			a.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			a.metrics.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
			if err != nil {
				a.metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
			}
		}

		if err != nil {
			if code == codes.Internal {
				a.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	st, _ := status.FromError(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]string{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok && status.Code(err) != codes.Unknown {
		return err
	}
	switch {
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrCoreClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, core.ErrMissingIdempotencyKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, core.ErrNonceGap),
		errors.Is(err, core.ErrNonceOutOfOrder),
		errors.Is(err, core.ErrClockRegression):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	var perr *pool.Error
	if errors.As(err, &perr) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// --- ingest ---

func (a *apiHandlers) submitCommand(r *http.Request, params map[string]string) (interface{}, error) {
	if a.limiter != nil && !a.limiter.Allow() {
		if a.metrics != nil {
			a.metrics.IngestRateLimited.Inc()
		}
		return nil, status.Error(codes.ResourceExhausted, "ingest rate limit exceeded")
	}

	ct, err := event.ParseCommandType(params["type"])
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "command type: %v", err)
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes+1))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	if len(data) > maxCommandBytes {
		return nil, status.Error(codes.InvalidArgument, "command body too large")
	}

	cmd, err := ingestion.ParseCommand(ct, data, time.Now())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := a.ingest.SubmitCommand(r.Context(), cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

// --- query ---

func (a *apiHandlers) getCommand(r *http.Request, params map[string]string) (interface{}, error) {
	seq, err := strconv.ParseInt(params["sequence"], 10, 64)
	if err != nil || seq < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid sequence %q", params["sequence"])
	}
	res, err := a.qs.GetCommand(r.Context(), seq)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (a *apiHandlers) getPool(r *http.Request, _ map[string]string) (interface{}, error) {
	res, err := a.qs.GetPool(r.Context())
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (a *apiHandlers) getQuote(r *http.Request, _ map[string]string) (interface{}, error) {
	q := r.URL.Query()
	concept, err := strconv.ParseUint(q.Get("concept"), 10, 8)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "concept: %v", err)
	}
	coverage, err := uint256.FromDecimal(q.Get("coverage"))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "coverage: %v", err)
	}
	duration, err := strconv.ParseUint(q.Get("duration"), 10, 32)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "duration: %v", err)
	}

	res, err := a.qs.GetQuote(uint8(concept), coverage, uint32(duration))
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (a *apiHandlers) getProtection(r *http.Request, params map[string]string) (interface{}, error) {
	id, err := strconv.ParseUint(params["id"], 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid protection id %q", params["id"])
	}
	res, err := a.qs.GetProtection(r.Context(), id)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (a *apiHandlers) listProtections(r *http.Request, params map[string]string) (interface{}, error) {
	holder, err := parseAddress(params["address"])
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}

	var after *uint64
	if s := r.URL.Query().Get("after"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "after: %v", err)
		}
		after = &v
	}

	res, err := a.qs.GetProtectionsByHolder(r.Context(), holder, int(limit), after)
	if err != nil {
		return nil, toStatus(err)
	}
	return map[string]interface{}{"protections": res}, nil
}

func (a *apiHandlers) getProvider(r *http.Request, params map[string]string) (interface{}, error) {
	addr, err := parseAddress(params["address"])
	if err != nil {
		return nil, err
	}
	res, err := a.qs.GetProvider(r.Context(), addr)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (a *apiHandlers) listRecords(r *http.Request, params map[string]string) (interface{}, error) {
	addr, err := parseAddress(params["address"])
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}

	before, err := queryBefore(r)
	if err != nil {
		return nil, err
	}

	res, err := a.qs.GetRecords(r.Context(), addr, int(limit), before)
	if err != nil {
		return nil, toStatus(err)
	}
	return map[string]interface{}{"records": res}, nil
}

func (a *apiHandlers) journalHistory(r *http.Request, _ map[string]string) (interface{}, error) {
	account := r.URL.Query().Get("account")
	if account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	before, err := queryBefore(r)
	if err != nil {
		return nil, err
	}

	res, err := a.qs.GetJournalHistory(r.Context(), account, int(limit), before)
	if err != nil {
		return nil, toStatus(err)
	}
	return map[string]interface{}{"journals": res}, nil
}

// --- admin ---

func (a *apiHandlers) verifyIntegrity(r *http.Request, _ map[string]string) (interface{}, error) {
	res, err := a.qs.VerifyIntegrity(r.Context())
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (a *apiHandlers) listSnapshots(r *http.Request, _ map[string]string) (interface{}, error) {
	if a.snaps == nil {
		return nil, status.Error(codes.Unavailable, "snapshot store not configured")
	}
	snaps, err := a.snaps.ListSnapshots(r.Context(), 20)
	if err != nil {
		return nil, toStatus(err)
	}
	return map[string]interface{}{"snapshots": snaps}, nil
}

// --- helpers ---

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func queryInt(r *http.Request, key string) (int64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
	}
	return v, nil
}

func queryBefore(r *http.Request) (*int64, error) {
	s := r.URL.Query().Get("before")
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "before: %v", err)
	}
	return &v, nil
}
