package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/apperrors"
	"github.com/akylbek/storefront-payments/internal/interfaces"
	"github.com/akylbek/storefront-payments/internal/models"
	"github.com/akylbek/storefront-payments/internal/signature"
)

const WompiName = "wompi"

// Config holds the gateway endpoint layout and client limits. Paths containing %s take
// the gateway transaction id (or the public key for MerchantPath). LookupPath is queried
// with ?reference=.
type Config struct {
	BaseURL        string
	PublicKey      string
	PrivateKey     string
	IntegrityKey   string
	ChargePath     string
	VerifyPath     string
	LookupPath     string
	RefundPath     string
	BanksPath      string
	MerchantPath   string
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://sandbox.wompi.co/v1",
		ChargePath:     "/transactions",
		VerifyPath:     "/transactions/%s",
		LookupPath:     "/transactions",
		RefundPath:     "/transactions/%s/void",
		BanksPath:      "/pse/financial_institutions",
		MerchantPath:   "/merchants/%s",
		Timeout:        10 * time.Second,
		MaxRetries:     3,
		BackoffInitial: 200 * time.Millisecond,
		BackoffMax:     2 * time.Second,
	}
}

// WompiClient talks to the Wompi REST API. It never touches the transaction store.
type WompiClient struct {
	cfg      Config
	http     *http.Client
	recorder interfaces.GatewayLogRecorder
	logger   *zap.Logger
}

func NewWompiClient(cfg Config, httpClient *http.Client, recorder interfaces.GatewayLogRecorder, logger *zap.Logger) *WompiClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &WompiClient{
		cfg:      cfg,
		http:     httpClient,
		recorder: recorder,
		logger:   logger,
	}
}

func (c *WompiClient) Name() string {
	return WompiName
}

type wompiPaymentMethod struct {
	Type                     string `json:"type"`
	Token                    string `json:"token,omitempty"`
	Installments             int    `json:"installments,omitempty"`
	PhoneNumber              string `json:"phone_number,omitempty"`
	UserType                 *int   `json:"user_type,omitempty"`
	UserLegalIDType          string `json:"user_legal_id_type,omitempty"`
	UserLegalID              string `json:"user_legal_id,omitempty"`
	FinancialInstitutionCode string `json:"financial_institution_code,omitempty"`
	PaymentDescription       string `json:"payment_description,omitempty"`
}

type wompiCustomerData struct {
	PhoneNumber string `json:"phone_number,omitempty"`
	FullName    string `json:"full_name,omitempty"`
	LegalID     string `json:"legal_id,omitempty"`
	LegalIDType string `json:"legal_id_type,omitempty"`
}

type wompiTransactionRequest struct {
	AmountInCents   int64              `json:"amount_in_cents"`
	Currency        string             `json:"currency"`
	CustomerEmail   string             `json:"customer_email"`
	Reference       string             `json:"reference"`
	AcceptanceToken string             `json:"acceptance_token"`
	Signature       string             `json:"signature,omitempty"`
	RedirectURL     string             `json:"redirect_url,omitempty"`
	PaymentMethod   wompiPaymentMethod `json:"payment_method"`
	CustomerData    *wompiCustomerData `json:"customer_data,omitempty"`
}

type wompiVoidRequest struct {
	AmountInCents int64  `json:"amount_in_cents"`
	Reference     string `json:"reference,omitempty"`
}

type wompiTransaction struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Reference     *string         `json:"reference"`
	AmountInCents *int64          `json:"amount_in_cents"`
	StatusMessage *string         `json:"status_message"`
	RedirectURL   *string         `json:"redirect_url"`
	FinalizedAt   *time.Time      `json:"finalized_at"`
	PaymentMethod json.RawMessage `json:"payment_method"`
}

type wompiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *wompiError     `json:"error"`
}

type wompiError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (c *WompiClient) CreateCharge(ctx context.Context, req models.ChargeRequest) (*models.GatewayResult, error) {
	pm := wompiPaymentMethod{Type: string(req.Method)}
	switch req.Method {
	case models.MethodCard:
		pm.Token = req.CardToken
		pm.Installments = req.Installments
		if pm.Installments <= 0 {
			pm.Installments = 1
		}
	case models.MethodNequi:
		pm.PhoneNumber = req.WalletPhone
	default:
		return nil, apperrors.Validation("method %s has no charge call", req.Method)
	}

	body, err := c.transactionRequest(ctx, req.Reference, req.Amount, req.Currency, req.Customer,
		req.AcceptanceToken, req.RedirectURL, pm)
	if err != nil {
		return nil, err
	}
	return c.postTransaction(ctx, "create_charge", body)
}

func (c *WompiClient) CreatePSERedirect(ctx context.Context, req models.PSERequest) (*models.GatewayResult, error) {
	userType := req.UserType
	pm := wompiPaymentMethod{
		Type:                     string(models.MethodPSE),
		UserType:                 &userType,
		UserLegalIDType:          req.Customer.LegalIDType,
		UserLegalID:              req.Customer.LegalID,
		FinancialInstitutionCode: req.BankCode,
		PaymentDescription:       req.Description,
	}

	body, err := c.transactionRequest(ctx, req.Reference, req.Amount, req.Currency, req.Customer,
		req.AcceptanceToken, req.RedirectURL, pm)
	if err != nil {
		return nil, err
	}
	return c.postTransaction(ctx, "create_pse_redirect", body)
}

func (c *WompiClient) transactionRequest(ctx context.Context, reference string, amount int64, currency string,
	customer models.Customer, acceptanceToken, redirectURL string, pm wompiPaymentMethod) (*wompiTransactionRequest, error) {
	if acceptanceToken == "" {
		token, err := c.acceptanceToken(ctx)
		if err != nil {
			return nil, err
		}
		acceptanceToken = token
	}

	body := &wompiTransactionRequest{
		AmountInCents:   amount,
		Currency:        currency,
		CustomerEmail:   customer.Email,
		Reference:       reference,
		AcceptanceToken: acceptanceToken,
		RedirectURL:     redirectURL,
		PaymentMethod:   pm,
	}
	if c.cfg.IntegrityKey != "" {
		body.Signature = signature.IntegrityChecksum(reference, amount, currency, c.cfg.IntegrityKey)
	}
	if customer.FullName != "" || customer.PhoneNumber != "" {
		body.CustomerData = &wompiCustomerData{
			PhoneNumber: customer.PhoneNumber,
			FullName:    customer.FullName,
			LegalID:     customer.LegalID,
			LegalIDType: customer.LegalIDType,
		}
	}
	return body, nil
}

// postTransaction creates a gateway transaction. A create whose answer was lost may have
// charged anyway, so it is looked up by reference and never posted a second time.
func (c *WompiClient) postTransaction(ctx context.Context, operation string, body *wompiTransactionRequest) (*models.GatewayResult, error) {
	resp, err := c.do(ctx, operation, http.MethodPost, c.cfg.ChargePath, body, c.cfg.PrivateKey, false)
	if apperrors.IsOutcomeUnknown(err) {
		return c.recoverCreate(ctx, operation, body.Reference, err)
	}
	if err != nil {
		return nil, err
	}
	if declined := resp.decline(); declined != nil {
		declined.Reference = models.StringPtr(body.Reference)
		return declined, nil
	}
	if err := resp.rejection(operation); err != nil {
		return nil, err
	}
	if err := resp.expectSuccess(operation); err != nil {
		return nil, err
	}
	return decodeTransaction(operation, resp.body)
}

// recoverCreate returns the transaction a lost create produced. When the gateway shows none
// the unknown outcome stands: the request may still land, so the caller must not treat it
// as failed.
func (c *WompiClient) recoverCreate(ctx context.Context, operation, reference string, cause error) (*models.GatewayResult, error) {
	found, err := c.FindByReference(context.WithoutCancel(ctx), reference)
	if err != nil {
		c.logger.Warn("Gateway outcome still unknown",
			zap.String("operation", operation),
			zap.String("reference", reference),
			zap.Error(err),
		)
		return nil, cause
	}
	c.logger.Info("Recovered gateway outcome by reference",
		zap.String("operation", operation),
		zap.String("reference", reference),
		zap.String("status", string(found.Status)),
	)
	return found, nil
}

func (c *WompiClient) Verify(ctx context.Context, gatewayTransactionID string) (*models.GatewayResult, error) {
	path := fmt.Sprintf(c.cfg.VerifyPath, gatewayTransactionID)
	resp, err := c.do(ctx, "verify", http.MethodGet, path, nil, c.cfg.PrivateKey, true)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNotFound {
		return nil, apperrors.NotFound("gateway transaction %s not found", gatewayTransactionID)
	}
	if err := resp.expectSuccess("verify"); err != nil {
		return nil, err
	}
	return decodeTransaction("verify", resp.body)
}

// FindByReference returns the gateway transaction created for a merchant reference. It
// fails with apperrors.ErrNotFound when the gateway has none.
func (c *WompiClient) FindByReference(ctx context.Context, reference string) (*models.GatewayResult, error) {
	path := c.cfg.LookupPath + "?" + url.Values{"reference": {reference}}.Encode()
	resp, err := c.do(ctx, "find_by_reference", http.MethodGet, path, nil, c.cfg.PrivateKey, true)
	if err != nil {
		return nil, err
	}
	if err := resp.expectSuccess("find_by_reference"); err != nil {
		return nil, err
	}

	var env struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return nil, apperrors.GatewayUnavailable("find_by_reference", fmt.Errorf("decode response: %w", err))
	}
	if len(env.Data) == 0 {
		return nil, apperrors.NotFound("no gateway transaction for reference %s", reference)
	}
	if len(env.Data) > 1 {
		c.logger.Warn("Several gateway transactions share a reference",
			zap.String("reference", reference),
			zap.Int("count", len(env.Data)),
		)
	}
	return transactionResult("find_by_reference", env.Data[0])
}

// Refund voids amount of a captured transaction. The reference identifies the refund to the
// gateway, so submitting it again with the same reference never voids twice.
func (c *WompiClient) Refund(ctx context.Context, gatewayTransactionID string, amount int64, reference string) (*models.GatewayResult, error) {
	path := fmt.Sprintf(c.cfg.RefundPath, gatewayTransactionID)
	body := wompiVoidRequest{AmountInCents: amount, Reference: reference}

	resp, err := c.do(ctx, "refund", http.MethodPost, path, body, c.cfg.PrivateKey, false)
	if err != nil {
		return nil, err
	}
	if declined := resp.decline(); declined != nil {
		return declined, nil
	}
	if err := resp.rejection("refund"); err != nil {
		return nil, err
	}
	if err := resp.expectSuccess("refund"); err != nil {
		return nil, err
	}
	return decodeTransaction("refund", resp.body)
}

func (c *WompiClient) ListPSEBanks(ctx context.Context) ([]models.Bank, error) {
	resp, err := c.do(ctx, "list_pse_banks", http.MethodGet, c.cfg.BanksPath, nil, c.cfg.PublicKey, true)
	if err != nil {
		return nil, err
	}
	if err := resp.expectSuccess("list_pse_banks"); err != nil {
		return nil, err
	}

	var env struct {
		Data []struct {
			Code string `json:"financial_institution_code"`
			Name string `json:"financial_institution_name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return nil, apperrors.GatewayUnavailable("list_pse_banks", fmt.Errorf("decode banks: %w", err))
	}

	banks := make([]models.Bank, 0, len(env.Data))
	for _, b := range env.Data {
		banks = append(banks, models.Bank{Code: b.Code, Name: b.Name})
	}
	return banks, nil
}

// acceptanceToken fetches the merchant's presigned acceptance token.
func (c *WompiClient) acceptanceToken(ctx context.Context) (string, error) {
	path := fmt.Sprintf(c.cfg.MerchantPath, c.cfg.PublicKey)
	resp, err := c.do(ctx, "acceptance_token", http.MethodGet, path, nil, c.cfg.PublicKey, true)
	if err != nil {
		return "", err
	}
	if err := resp.expectSuccess("acceptance_token"); err != nil {
		return "", err
	}

	var env struct {
		Data struct {
			PresignedAcceptance struct {
				AcceptanceToken string `json:"acceptance_token"`
			} `json:"presigned_acceptance"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &env); err != nil || env.Data.PresignedAcceptance.AcceptanceToken == "" {
		return "", apperrors.GatewayUnavailable("acceptance_token", errors.New("missing acceptance token"))
	}
	return env.Data.PresignedAcceptance.AcceptanceToken, nil
}

func decodeTransaction(operation string, body []byte) (*models.GatewayResult, error) {
	var env wompiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.GatewayUnavailable(operation, fmt.Errorf("decode response: %w", err))
	}
	return transactionResult(operation, env.Data)
}

func transactionResult(operation string, data json.RawMessage) (*models.GatewayResult, error) {
	var tx wompiTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, apperrors.GatewayUnavailable(operation, fmt.Errorf("decode transaction: %w", err))
	}
	if tx.Status == "" {
		return nil, apperrors.GatewayUnavailable(operation, errors.New("response without status"))
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.GatewayUnavailable(operation, fmt.Errorf("decode transaction metadata: %w", err))
	}
	return resultFromTransaction(tx, raw), nil
}

func resultFromTransaction(tx wompiTransaction, raw map[string]any) *models.GatewayResult {
	result := &models.GatewayResult{
		Status:               normalizeStatus(tx.Status),
		GatewayTransactionID: models.StringPtr(tx.ID),
		Reference:            tx.Reference,
		StatusMessage:        tx.StatusMessage,
		AmountInCents:        tx.AmountInCents,
		FinalizedAt:          tx.FinalizedAt,
		RedirectURL:          asyncPaymentURL(tx.PaymentMethod),
	}
	if result.RedirectURL == nil {
		result.RedirectURL = tx.RedirectURL
	}
	if raw != nil {
		result.Metadata = displayMetadata(raw)
	}
	return result
}

func normalizeStatus(s string) models.GatewayStatus {
	switch strings.ToUpper(s) {
	case "APPROVED":
		return models.GatewayApproved
	case "DECLINED":
		return models.GatewayDeclined
	case "ERROR":
		return models.GatewayError
	case "VOIDED":
		return models.GatewayVoided
	default:
		return models.GatewayPending
	}
}

// asyncPaymentURL extracts the bank redirect of a PSE transaction.
func asyncPaymentURL(pm json.RawMessage) *string {
	if len(pm) == 0 {
		return nil
	}
	var method struct {
		Extra struct {
			AsyncPaymentURL string `json:"async_payment_url"`
		} `json:"extra"`
	}
	if err := json.Unmarshal(pm, &method); err != nil {
		return nil
	}
	return models.StringPtr(method.Extra.AsyncPaymentURL)
}

var metadataDropped = map[string]bool{
	"id":              true,
	"status":          true,
	"amount_in_cents": true,
	"reference":       true,
	"redirect_url":    true,
}

// displayMetadata keeps everything the gateway sent except the typed fields and secrets.
func displayMetadata(raw map[string]any) models.Metadata {
	filtered := make(map[string]any, len(raw))
	for k, v := range raw {
		if !metadataDropped[k] {
			filtered[k] = v
		}
	}
	md := models.FlattenMetadata(filtered)
	for k := range md {
		if isSecretKey(k[strings.LastIndex(k, ".")+1:]) {
			delete(md, k)
		}
	}
	return md
}
