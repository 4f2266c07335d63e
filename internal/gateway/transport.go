package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/storefront-payments/internal/apperrors"
	"github.com/akylbek/storefront-payments/internal/models"
	"github.com/akylbek/storefront-payments/internal/telemetry"
)

const (
	maxResponseBytes = 1 << 20
	logWriteTimeout  = 2 * time.Second
	maskedValue      = "****"
)

type response struct {
	status int
	body   []byte
}

func (r *response) gatewayError() *wompiError {
	var env wompiEnvelope
	if err := json.Unmarshal(r.body, &env); err != nil || env.Error == nil {
		return &wompiError{Type: "HTTP_" + strconv.Itoa(r.status)}
	}
	return env.Error
}

// decline turns a 402 into a DECLINED result: the gateway understood the request and refused
// the money movement.
func (r *response) decline() *models.GatewayResult {
	if r.status != http.StatusPaymentRequired {
		return nil
	}
	gwErr := r.gatewayError()
	return &models.GatewayResult{
		Status:        models.GatewayDeclined,
		ErrorCode:     models.StringPtr(gwErr.Type),
		StatusMessage: models.StringPtr(gwErr.Reason),
	}
}

// rejection reports a 400 or 422: the gateway refused the request itself (bad input,
// reused reference, expired acceptance token). That is an error, never a decline.
func (r *response) rejection(operation string) error {
	if r.status != http.StatusBadRequest && r.status != http.StatusUnprocessableEntity {
		return nil
	}
	gwErr := r.gatewayError()
	return apperrors.GatewayRejected(operation, gwErr.Type, gwErr.Reason)
}

func (r *response) expectSuccess(operation string) error {
	if r.status >= 200 && r.status < 300 {
		return nil
	}
	return &apperrors.Error{
		Kind:    apperrors.KindGatewayUnavailable,
		Message: fmt.Sprintf("gateway %s rejected the request with HTTP %d", operation, r.status),
	}
}

// retryableStatus reports whether a response may be retried: server errors and rate limiting.
func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// do sends one logical call. Network failures, 5xx and 429 are retried with bounded exponential
// backoff inside the overall timeout; any other response is returned to the caller as is.
//
// A call that is not idempotent (creating a transaction, voiding one) is only retried on 429,
// which the gateway answers before acting. A lost answer or a 5xx ends the call with
// apperrors.OutcomeUnknown so the caller can recover the outcome instead of acting twice.
func (c *WompiClient) do(ctx context.Context, operation, method, path string, payload any, key string, idempotent bool) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "wompi."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway", WompiName),
			attribute.String("gateway.operation", operation),
		),
	)
	defer span.End()

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, apperrors.Internal("encode gateway request", err)
		}
	}
	logged := maskBody(body)

	attempt := 0
	ambiguous := false
	giveUp := func(err error) error {
		if idempotent {
			return err
		}
		ambiguous = true
		return backoff.Permanent(err)
	}

	var resp *response
	call := func() error {
		attempt++
		started := time.Now()

		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		httpResp, err := c.http.Do(req)
		if err != nil {
			c.record(ctx, operation, attempt, logged, "", nil, started, err)
			return giveUp(err)
		}
		defer httpResp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		status := httpResp.StatusCode
		if err != nil {
			c.record(ctx, operation, attempt, logged, "", &status, started, err)
			return giveUp(err)
		}

		if retryableStatus(status) {
			err := fmt.Errorf("gateway responded %d", status)
			c.record(ctx, operation, attempt, logged, string(raw), &status, started, err)
			if status == http.StatusTooManyRequests {
				return err
			}
			return giveUp(err)
		}

		c.record(ctx, operation, attempt, logged, string(raw), &status, started, nil)
		resp = &response{status: status, body: raw}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BackoffInitial
	policy.MaxInterval = c.cfg.BackoffMax
	policy.MaxElapsedTime = 0

	retries := c.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Retrying gateway call",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(call, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx), notify)
	span.SetAttributes(attribute.Int("gateway.attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway call failed")
		c.logger.Error("Gateway call failed",
			zap.String("operation", operation),
			zap.Int("attempts", attempt),
			zap.Bool("outcome_unknown", ambiguous),
			zap.Error(err),
		)
		if ambiguous {
			return nil, apperrors.OutcomeUnknown(operation, err)
		}
		return nil, apperrors.GatewayUnavailable(operation, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.status))
	return resp, nil
}

// record appends the attempt to the gateway log. It runs detached from the caller's
// cancellation so a timed-out call is still logged.
func (c *WompiClient) record(ctx context.Context, operation string, attempt int, request, responseBody string,
	status *int, started time.Time, callErr error) {
	elapsed := time.Since(started)
	success := callErr == nil && status != nil && *status >= 200 && *status < 300

	telemetry.GatewayCalls.WithLabelValues(WompiName, operation, strconv.FormatBool(success)).Inc()
	telemetry.GatewayLatency.WithLabelValues(WompiName, operation).Observe(elapsed.Seconds())

	if c.recorder == nil {
		return
	}

	entry := &models.GatewayLog{
		Gateway:      WompiName,
		Operation:    operation,
		Attempt:      attempt,
		Request:      request,
		Response:     responseBody,
		StatusCode:   status,
		ResponseTime: elapsed.Milliseconds(),
		Success:      success,
		CreatedAt:    time.Now(),
	}
	if callErr != nil {
		entry.Error = models.StringPtr(callErr.Error())
	}

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
	defer cancel()
	if err := c.recorder.AppendGatewayLog(logCtx, entry); err != nil {
		c.logger.Error("Failed to record gateway log",
			zap.String("operation", operation),
			zap.Error(err),
		)
	}
}

var secretKeys = map[string]bool{
	"token":            true,
	"acceptance_token": true,
	"signature":        true,
	"number":           true,
	"cvc":              true,
}

func isSecretKey(k string) bool {
	return secretKeys[strings.ToLower(k)]
}

// maskBody returns the request body with card tokens and signatures replaced.
func maskBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return maskedValue
	}
	masked, err := json.Marshal(maskValue(v))
	if err != nil {
		return maskedValue
	}
	return string(masked)
}

func maskValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if isSecretKey(k) {
				val[k] = maskedValue
				continue
			}
			val[k] = maskValue(inner)
		}
		return val
	case []any:
		for i := range val {
			val[i] = maskValue(val[i])
		}
		return val
	default:
		return v
	}
}
