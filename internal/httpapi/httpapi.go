// Package httpapi implements the HTTP Adapter (C10): a thin transport
// shell binding the external interfaces of spec.md §6 onto the Relay
// Pipeline, Store, and Policy Engine. It carries no business logic of its
// own — every decision is made by the component it calls.
//
// Routing uses github.com/go-chi/chi/v5, a dependency the teacher
// declares but never exercises directly; this is the concrete home for
// it per the expanded spec's domain-stack wiring.
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/gas-relay/internal/pipeline"
	"github.com/synnergy-labs/gas-relay/internal/policy"
	"github.com/synnergy-labs/gas-relay/internal/relayerrors"
	"github.com/synnergy-labs/gas-relay/internal/store"
	"github.com/synnergy-labs/gas-relay/internal/types"
)

// HealthChecker reports whether a dependency has been observed healthy at
// least once, the readiness contract of spec.md §6.
type HealthChecker interface {
	Healthy() bool
}

// Server wires chi handlers onto the relay's components.
type Server struct {
	pipeline *pipeline.Pipeline
	store    *store.Store
	policy   *policy.Engine
	health   []HealthChecker
	log      *logrus.Logger

	router chi.Router
}

// New builds a Server with all routes bound.
func New(p *pipeline.Pipeline, st *store.Store, policyEngine *policy.Engine, health []HealthChecker, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{pipeline: p, store: st, policy: policyEngine, health: health, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(log))

	r.Post("/relay", s.handleRelay)
	r.Get("/tx/{hash}", s.handleGetTx)
	r.Get("/accounts/{address}/transactions", s.handleListByAccount)

	r.Post("/policy/reload", s.handlePolicyReload)
	r.Route("/policy/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
		})
	})

	r.Get("/healthz", s.handleLive)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func loggingMiddleware(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("httpapi: request")
		})
	}
}

// wireRequest is the JSON wire shape of an inbound relay request, per
// spec.md §3/§6: 20-byte fields are lower-case hex, 256-bit fields are
// decimal strings, data is hex-encoded.
type wireRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Value        string `json:"value"`
	Gas          string `json:"gas"`
	UserNonce    string `json:"user-nonce"`
	Data         string `json:"data"`
	Signature    string `json:"signature"`
	Network      string `json:"network"`
	TokenAddress string `json:"token-address,omitempty"`
	TokenKind    string `json:"token-kind,omitempty"`
	Amount       string `json:"amount,omitempty"`
	TokenID      string `json:"token-id,omitempty"`
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	var wr wireRequest
	if err := json.NewDecoder(r.Body).Decode(&wr); err != nil {
		writeRejection(w, http.StatusBadRequest, relayerrors.CodeInvalidRequest, "malformed JSON body")
		return
	}

	req, err := parseWireRequest(wr)
	if err != nil {
		writeRejection(w, http.StatusBadRequest, relayerrors.CodeInvalidRequest, err.Error())
		return
	}

	result, err := s.pipeline.Run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"tx-hash":   result.TxHash.Hex(),
		"gas-price": result.GasPrice.Dec(),
		"gas-limit": strconv.FormatUint(result.GasLimit, 10),
	})
}

func parseWireRequest(wr wireRequest) (*types.Request, error) {
	from, err := types.AddressFromHex(wr.From)
	if err != nil {
		return nil, err
	}
	to, err := types.AddressFromHex(wr.To)
	if err != nil {
		return nil, err
	}
	value, err := parseU256(wr.Value)
	if err != nil {
		return nil, err
	}
	gas, err := parseU256(wr.Gas)
	if err != nil {
		return nil, err
	}
	userNonce, err := parseU256(wr.UserNonce)
	if err != nil {
		return nil, err
	}
	data, err := decodeHexData(wr.Data)
	if err != nil {
		return nil, err
	}
	sigBytes, err := decodeHexData(wr.Signature)
	if err != nil {
		return nil, err
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	var sig types.Signature
	copy(sig[:], sigBytes)

	req := &types.Request{
		From: from, To: to, Value: value, Gas: gas, UserNonce: userNonce,
		Data: data, Signature: sig, Network: types.Network(wr.Network),
	}

	if wr.TokenKind != "" {
		switch wr.TokenKind {
		case "fungible":
			req.TokenKind = types.TokenKindFungible
		case "non-fungible":
			req.TokenKind = types.TokenKindNonFungible
		case "multi":
			req.TokenKind = types.TokenKindMulti
		default:
			return nil, fmt.Errorf("unknown token-kind %q", wr.TokenKind)
		}
		if req.TokenAddress, err = types.AddressFromHex(wr.TokenAddress); err != nil {
			return nil, err
		}
		if req.Amount, err = parseU256(wr.Amount); err != nil {
			return nil, err
		}
		if wr.TokenID != "" {
			if req.TokenID, err = parseU256(wr.TokenID); err != nil {
				return nil, err
			}
		}
	}
	return req, nil
}

func parseU256(s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	return uint256.FromDecimal(s)
}

func decodeHexData(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func (s *Server) handleGetTx(w http.ResponseWriter, r *http.Request) {
	hash, err := types.HashFromHex(chi.URLParam(r, "hash"))
	if err != nil {
		writeRejection(w, http.StatusBadRequest, relayerrors.CodeInvalidRequest, "malformed tx hash")
		return
	}
	rec, err := s.store.GetByHash(r.Context(), hash)
	if err == store.ErrNotFound {
		writeRejection(w, http.StatusNotFound, "not-found", "no record for this tx hash")
		return
	}
	if err != nil {
		writeRejection(w, http.StatusInternalServerError, relayerrors.CodeInternal, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, recordToWire(rec))
}

func (s *Server) handleListByAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := types.AddressFromHex(chi.URLParam(r, "address"))
	if err != nil {
		writeRejection(w, http.StatusBadRequest, relayerrors.CodeInvalidRequest, "malformed address")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	records, err := s.store.ListByAccount(r.Context(), addr, limit, offset)
	if err != nil {
		writeRejection(w, http.StatusInternalServerError, relayerrors.CodeInternal, "lookup failed")
		return
	}
	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		out = append(out, recordToWire(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": out})
}

func recordToWire(rec *types.TransactionRecord) map[string]interface{} {
	m := map[string]interface{}{
		"tx-hash":             rec.TxHash.Hex(),
		"from":                rec.From.Hex(),
		"to":                  rec.To.Hex(),
		"network":             string(rec.Network),
		"status":              string(rec.Status),
		"declared-gas-limit":  rec.DeclaredGasLimit.Dec(),
		"effective-gas-price": rec.EffectiveGasPrice.Dec(),
		"gas-used":            rec.GasUsed.Dec(),
		"relayer-address":     rec.RelayerAddress.Hex(),
		"sequence-number":     rec.SequenceNumber,
		"submitted-at":        rec.SubmittedAt,
		"updated-at":          rec.UpdatedAt,
	}
	if rec.BlockNumber != nil {
		m["block-number"] = *rec.BlockNumber
	}
	if rec.StuckSince != nil {
		m["stuck-since"] = *rec.StuckSince
	}
	return m
}

type wireRule struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Target  string          `json:"target"`
	Value   json.RawMessage `json:"value"`
	Enabled bool            `json:"enabled"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	kind := types.RuleKind(r.URL.Query().Get("kind"))
	if kind == "" {
		writeRejection(w, http.StatusBadRequest, relayerrors.CodeInvalidRequest, "kind query parameter is required")
		return
	}
	rules, err := s.store.ListPolicyRules(r.Context(), kind)
	if err != nil {
		writeRejection(w, http.StatusInternalServerError, relayerrors.CodeInternal, "list rules failed")
		return
	}
	out := make([]wireRule, 0, len(rules))
	for _, rule := range rules {
		out = append(out, wireRule{ID: rule.ID, Kind: string(rule.Kind), Target: rule.Target, Value: rule.Value, Enabled: rule.Enabled})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	s.upsertRule(w, r, "")
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	s.upsertRule(w, r, chi.URLParam(r, "id"))
}

func (s *Server) upsertRule(w http.ResponseWriter, r *http.Request, pathID string) {
	var wr wireRule
	if err := json.NewDecoder(r.Body).Decode(&wr); err != nil {
		writeRejection(w, http.StatusBadRequest, relayerrors.CodeInvalidRequest, "malformed JSON body")
		return
	}
	id := wr.ID
	if pathID != "" {
		id = pathID
	}
	rule := types.PolicyRule{ID: id, Kind: types.RuleKind(wr.Kind), Target: wr.Target, Value: wr.Value, Enabled: wr.Enabled}
	if err := policy.Validate(rule); err != nil {
		writeRejection(w, http.StatusBadRequest, relayerrors.CodeInvalidRequest, err.Error())
		return
	}
	if err := s.store.UpsertPolicyRule(r.Context(), rule); err != nil {
		writeRejection(w, http.StatusInternalServerError, relayerrors.CodeInternal, "persist rule failed")
		return
	}
	if err := s.policy.Reload(r.Context()); err != nil {
		s.log.WithError(err).Error("httpapi: policy reload after write")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": id})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeletePolicyRule(r.Context(), id); err != nil && err != store.ErrNotFound {
		writeRejection(w, http.StatusInternalServerError, relayerrors.CodeInternal, "delete rule failed")
		return
	}
	if err := s.policy.Reload(r.Context()); err != nil {
		s.log.WithError(err).Error("httpapi: policy reload after delete")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if err := s.policy.Reload(r.Context()); err != nil {
		writeRejection(w, http.StatusInternalServerError, relayerrors.CodeInternal, "policy reload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "live"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, h := range s.health {
		if !h.Healthy() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not-ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func writeError(w http.ResponseWriter, err error) {
	re, ok := err.(*relayerrors.RelayError)
	if !ok {
		writeRejection(w, http.StatusInternalServerError, relayerrors.CodeInternal, "internal error")
		return
	}
	status := http.StatusBadRequest
	if re.Retryable() || re.Kind == relayerrors.KindInternal || re.Kind == relayerrors.KindPersistFailed || re.Kind == relayerrors.KindBroadcastPostPersist {
		status = http.StatusInternalServerError
	}
	writeRejection(w, status, re.Code, re.Reason)
}

func writeRejection(w http.ResponseWriter, status int, code relayerrors.Code, reason string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "code": code, "reason": reason})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
