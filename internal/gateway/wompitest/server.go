// Package wompitest provides an in-process Wompi sandbox for tests.
package wompitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sandbox card tokens.
const (
	ApprovedCardToken = "tok_test_4242424242424242"
	DeclinedCardToken = "tok_test_4111111111111111"

	PublicKey       = "pub_test_key"
	PrivateKey      = "prv_test_key"
	AcceptanceToken = "acceptance_test_token"
)

type Transaction struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Reference     string     `json:"reference"`
	AmountInCents int64      `json:"amount_in_cents"`
	Currency      string     `json:"currency"`
	StatusMessage *string    `json:"status_message"`
	FinalizedAt   *time.Time `json:"finalized_at"`
	PaymentMethod struct {
		Type  string         `json:"type"`
		Extra map[string]any `json:"extra,omitempty"`
	} `json:"payment_method"`
	PaymentMethodType string `json:"payment_method_type"`

	voided int64
}

// Server is a fake gateway. Its zero value is not usable; call NewServer.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	transactions map[string]*Transaction
	references   map[string]string
	voids        map[string]map[string]any
	failures     int
	failStatus   int
	lose         map[string]int
	calls        map[string]int
}

func NewServer() *Server {
	s := &Server{
		transactions: make(map[string]*Transaction),
		references:   make(map[string]string),
		voids:        make(map[string]map[string]any),
		lose:         make(map[string]int),
		calls:        make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions", s.handleTransactions)
	mux.HandleFunc("/transactions/", s.handleTransaction)
	mux.HandleFunc("/pse/financial_institutions", s.handleBanks)
	mux.HandleFunc("/merchants/", s.handleMerchant)
	s.Server = httptest.NewServer(s.intercept(mux))
	return s
}

// FailNext makes the next n requests answer with status before reaching the handlers.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failStatus = status
}

// LoseResponses makes the next n requests to "METHOD /path-prefix" take effect and then drop
// the connection before the client sees the answer.
func (s *Server) LoseResponses(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lose[key] = n
}

// Voided returns the amount voided so far on a gateway transaction.
func (s *Server) Voided(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.transactions[id]; ok {
		return tx.voided
	}
	return 0
}

// Calls returns how many requests reached the given "METHOD /path-prefix".
func (s *Server) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// Resolve moves a gateway transaction to a final status, as the bank would.
func (s *Server) Resolve(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.transactions[id]; ok {
		tx.Status = status
		now := time.Now().UTC()
		tx.FinalizedAt = &now
	}
}

// Transaction returns a copy of the stored gateway transaction.
func (s *Server) Transaction(id string) (Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// TransactionByReference finds the gateway transaction created for a merchant reference.
func (s *Server) TransactionByReference(reference string) (Transaction, bool) {
	s.mu.Lock()
	id, ok := s.references[reference]
	s.mu.Unlock()
	if !ok {
		return Transaction{}, false
	}
	return s.Transaction(id)
}

func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		key := r.Method + " " + routeKey(r.URL.Path)
		s.calls[key]++
		fail := s.failures > 0
		status := s.failStatus
		if fail {
			s.failures--
		}
		lose := s.lose[key] > 0
		if lose {
			s.lose[key]--
		}
		s.mu.Unlock()

		if fail {
			writeJSON(w, status, map[string]any{"error": map[string]string{"type": "UNAVAILABLE", "reason": "try later"}})
			return
		}
		if lose {
			next.ServeHTTP(httptest.NewRecorder(), r)
			dropConnection(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("wompitest: response writer cannot be hijacked")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}

func routeKey(path string) string {
	switch {
	case strings.HasSuffix(path, "/void"):
		return "/transactions/void"
	case strings.HasPrefix(path, "/transactions/"):
		return "/transactions/id"
	case strings.HasPrefix(path, "/merchants/"):
		return "/merchants"
	default:
		return path
	}
}

func authorized(r *http.Request, key string) bool {
	return r.Header.Get("Authorization") == "Bearer "+key
}

type createRequest struct {
	AmountInCents   int64  `json:"amount_in_cents"`
	Currency        string `json:"currency"`
	Reference       string `json:"reference"`
	AcceptanceToken string `json:"acceptance_token"`
	PaymentMethod   struct {
		Type        string `json:"type"`
		Token       string `json:"token"`
		PhoneNumber string `json:"phone_number"`
	} `json:"payment_method"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if !authorized(r, PrivateKey) {
		writeError(w, http.StatusUnauthorized, "INVALID_ACCESS_TOKEN", "bad private key")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	case http.MethodGet:
		s.handleLookup(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := []*Transaction{}
	if id, ok := s.references[r.URL.Query().Get("reference")]; ok {
		found = append(found, s.transactions[id])
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": found})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", err.Error())
		return
	}
	if req.AcceptanceToken != AcceptanceToken {
		writeError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", "invalid acceptance token")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.references[req.Reference]; dup {
		writeError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", "reference already used")
		return
	}

	tx := &Transaction{
		ID:                "gw-" + uuid.NewString(),
		Reference:         req.Reference,
		AmountInCents:     req.AmountInCents,
		Currency:          req.Currency,
		PaymentMethodType: req.PaymentMethod.Type,
	}
	tx.PaymentMethod.Type = req.PaymentMethod.Type
	now := time.Now().UTC()

	switch req.PaymentMethod.Type {
	case "CARD":
		switch req.PaymentMethod.Token {
		case ApprovedCardToken:
			tx.Status = "APPROVED"
			tx.FinalizedAt = &now
		case DeclinedCardToken:
			tx.Status = "DECLINED"
			msg := "Transacción rechazada por la entidad financiera"
			tx.StatusMessage = &msg
			tx.FinalizedAt = &now
		default:
			writeError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", "unknown card token")
			return
		}
	case "NEQUI":
		tx.Status = "PENDING"
	case "PSE":
		tx.Status = "PENDING"
		tx.PaymentMethod.Extra = map[string]any{
			"async_payment_url": "https://bank.example.test/pse/" + tx.ID,
		}
	default:
		writeError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", "unsupported payment method")
		return
	}

	s.transactions[tx.ID] = tx
	s.references[tx.Reference] = tx.ID
	writeJSON(w, http.StatusCreated, map[string]any{"data": tx})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !authorized(r, PrivateKey) {
		writeError(w, http.StatusUnauthorized, "INVALID_ACCESS_TOKEN", "bad private key")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/transactions/")
	if id, ok := strings.CutSuffix(rest, "/void"); ok {
		s.handleVoid(w, r, id)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[rest]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND_ERROR", "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": tx})
}

func (s *Server) handleVoid(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		AmountInCents int64  `json:"amount_in_cents"`
		Reference     string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND_ERROR", "transaction not found")
		return
	}
	voidKey := id + "/" + req.Reference
	if prior, seen := s.voids[voidKey]; seen && req.Reference != "" {
		writeJSON(w, http.StatusOK, map[string]any{"data": prior})
		return
	}
	if tx.Status != "APPROVED" && tx.Status != "VOIDED" {
		writeError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", "transaction is not approved")
		return
	}
	if req.AmountInCents <= 0 || tx.voided+req.AmountInCents > tx.AmountInCents {
		writeError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", "amount exceeds captured")
		return
	}

	tx.voided += req.AmountInCents
	if tx.voided == tx.AmountInCents {
		tx.Status = "VOIDED"
	}
	now := time.Now().UTC()
	void := map[string]any{
		"id":              "rf-" + uuid.NewString()[:8],
		"status":          "APPROVED",
		"reference":       req.Reference,
		"amount_in_cents": req.AmountInCents,
		"finalized_at":    now,
		"transaction_id":  tx.ID,
	}
	if req.Reference != "" {
		s.voids[voidKey] = void
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": void})
}

func (s *Server) handleBanks(w http.ResponseWriter, r *http.Request) {
	if !authorized(r, PublicKey) {
		writeError(w, http.StatusUnauthorized, "INVALID_ACCESS_TOKEN", "bad public key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]string{
		{"financial_institution_code": "0", "financial_institution_name": "A continuación seleccione su banco"},
		{"financial_institution_code": "1", "financial_institution_name": "Banco que aprueba"},
		{"financial_institution_code": "2", "financial_institution_name": "Banco que rechaza"},
	}})
}

func (s *Server) handleMerchant(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.URL.Path, "/merchants/") != PublicKey {
		writeError(w, http.StatusNotFound, "NOT_FOUND_ERROR", "merchant not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"presigned_acceptance": map[string]string{
			"acceptance_token": AcceptanceToken,
			"permalink":        "https://wompi.example.test/terms.pdf",
			"type":             "END_USER_POLICY",
		},
	}})
}

// EventPayload builds a transaction.updated notification body for a gateway transaction.
func EventPayload(tx Transaction, status string) []byte {
	tx.Status = status
	body, _ := json.Marshal(map[string]any{
		"event":       "transaction.updated",
		"data":        map[string]any{"transaction": tx},
		"environment": "test",
		"timestamp":   time.Now().Unix(),
		"sent_at":     time.Now().UTC(),
	})
	return body
}

func writeError(w http.ResponseWriter, status int, typ, reason string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"type": typ, "reason": reason}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
