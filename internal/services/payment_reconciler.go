package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/repositories"
)

const (
	reconcilerMeterName = "github.com/storefront/api/internal/services"
	redirectStatusOK    = "OK"
)

// IntentLookup cross-checks a webhook settlement against the gateway's current view.
type IntentLookup interface {
	LookupIntent(ctx context.Context, intentID string) (payments.IntentSettlement, bool, error)
}

// PaymentReconcilerDeps wires the collaborators that settle orders from gateway confirmations.
type PaymentReconcilerDeps struct {
	Orders            OrderService
	Events            repositories.PaymentEventRepository
	Webhooks          WebhookParser
	Intents           IntentLookup
	Redirect          RedirectVerifier
	GatewayUnitFactor int64
	Meter             metric.Meter
	Clock             func() time.Time
	Logger            func(context.Context, string, map[string]any)
}

type paymentReconciler struct {
	orders     OrderService
	events     repositories.PaymentEventRepository
	webhooks   WebhookParser
	intents    IntentLookup
	redirect   RedirectVerifier
	unitFactor int64
	outcomes   metric.Int64Counter
	now        func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewPaymentReconciler constructs the reconciler. Webhooks and Redirect may be nil when the
// corresponding gateway is disabled; calls for a disabled gateway fail with ErrGatewayUnavailable.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment reconciler: order service is required")
	}
	if deps.Events == nil {
		return nil, errors.New("payment reconciler: payment event repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(reconcilerMeterName)
	}
	outcomes, err := meter.Int64Counter(
		"payments.reconciliations",
		metric.WithDescription("Count of gateway confirmations by gateway and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("payment reconciler: register metric: %w", err)
	}

	return &paymentReconciler{
		orders:     deps.Orders,
		events:     deps.Events,
		webhooks:   deps.Webhooks,
		intents:    deps.Intents,
		redirect:   deps.Redirect,
		unitFactor: deps.GatewayUnitFactor,
		outcomes:   outcomes,
		now:        func() time.Time { return clock().UTC() },
		logger:     logger,
	}, nil
}

func (r *paymentReconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (ReconcileResult, error) {
	if r.webhooks == nil {
		return ReconcileResult{}, fmt.Errorf("%w: webhook gateway disabled", payments.ErrGatewayUnavailable)
	}
	event, err := r.webhooks.Parse(ctx, payload, signature)
	if err != nil {
		r.logger(ctx, "payment.webhook.rejected", map[string]any{
			"error": err.Error(),
		})
		return ReconcileResult{}, err
	}

	switch event.Kind {
	case payments.WebhookEventFailed:
		created := r.record(ctx, domain.PaymentEvent{
			ID:            event.ID,
			OrderID:       event.OrderID,
			Gateway:       payments.GatewayStripe,
			Kind:          domain.PaymentEventFailed,
			ReceiptID:     event.IntentID,
			Amount:        event.Amount,
			Currency:      event.Currency,
			FailureReason: event.FailureReason,
			ReceivedAt:    r.now(),
		})
		outcome := ReconcileFailed
		if !created {
			outcome = ReconcileDuplicate
		}
		return r.finish(ctx, payments.GatewayStripe, ReconcileResult{OrderID: event.OrderID, Outcome: outcome}), nil
	case payments.WebhookEventSucceeded:
		if event.Confirmation == nil || strings.TrimSpace(event.OrderID) == "" {
			r.logger(ctx, "payment.webhook.unattributed", map[string]any{
				"eventId": event.ID,
				"type":    event.Type,
			})
			return r.finish(ctx, payments.GatewayStripe, ReconcileResult{Outcome: ReconcileIgnored}), nil
		}
		if err := r.crossCheckIntent(ctx, *event.Confirmation); err != nil {
			return ReconcileResult{OrderID: event.OrderID, Outcome: ReconcileFailed}, err
		}
		return r.Reconcile(ctx, *event.Confirmation)
	default:
		return r.finish(ctx, payments.GatewayStripe, ReconcileResult{OrderID: event.OrderID, Outcome: ReconcileIgnored}), nil
	}
}

func (r *paymentReconciler) crossCheckIntent(ctx context.Context, conf payments.WebhookConfirmation) error {
	if r.intents == nil || conf.IntentID == "" {
		return nil
	}
	settlement, ok, err := r.intents.LookupIntent(ctx, conf.IntentID)
	if err != nil {
		return err
	}
	if ok && !settlement.Succeeded {
		r.logger(ctx, "payment.webhook.intent_not_settled", map[string]any{
			"orderId":  conf.OrderID,
			"intentId": conf.IntentID,
		})
		return fmt.Errorf("%w: intent %s has not succeeded", payments.ErrVerificationFailed, conf.IntentID)
	}
	return nil
}

func (r *paymentReconciler) HandleRedirectCallback(ctx context.Context, cb RedirectCallback) (ReconcileResult, error) {
	orderID := strings.TrimSpace(cb.OrderID)
	authority := strings.TrimSpace(cb.Authority)
	if orderID == "" || authority == "" {
		return ReconcileResult{}, fmt.Errorf("%w: order id and authority are required", payments.ErrMalformedPayload)
	}
	result := ReconcileResult{OrderID: orderID}

	order, err := r.orders.Get(ctx, orderID, Actor{Operator: true})
	if err != nil {
		return result, err
	}
	if order.PaymentAuthority != "" && order.PaymentAuthority != authority {
		r.logger(ctx, "payment.redirect.authority_mismatch", map[string]any{
			"orderId":   orderID,
			"authority": authority,
		})
		return result, fmt.Errorf("%w: authority does not belong to order", payments.ErrVerificationFailed)
	}
	if order.IsPaid && order.PaymentResult != nil && order.PaymentResult.ReceiptID == authority {
		result.Outcome = ReconcileAlreadySettled
		result.Order = &order
		return r.finish(ctx, payments.GatewayRedirect, result), nil
	}

	if !strings.EqualFold(strings.TrimSpace(cb.Status), redirectStatusOK) {
		r.record(ctx, domain.PaymentEvent{
			ID:         redirectEventID(authority, domain.PaymentEventCancelled),
			OrderID:    orderID,
			Gateway:    payments.GatewayRedirect,
			Kind:       domain.PaymentEventCancelled,
			ReceiptID:  authority,
			ReceivedAt: r.now(),
		})
		result.Outcome = ReconcileCancelled
		result.Order = &order
		return r.finish(ctx, payments.GatewayRedirect, result), nil
	}

	if r.redirect == nil {
		return result, fmt.Errorf("%w: redirect gateway disabled", payments.ErrGatewayUnavailable)
	}
	expected := payments.ToGatewayUnit(order.Totals.Total, r.unitFactor)
	verified, err := r.redirect.Verify(ctx, authority, expected)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrAmountMismatch):
			r.record(ctx, domain.PaymentEvent{
				ID:            redirectEventID(authority, domain.PaymentEventAmountMismatch),
				OrderID:       orderID,
				Gateway:       payments.GatewayRedirect,
				Kind:          domain.PaymentEventAmountMismatch,
				ReceiptID:     authority,
				Amount:        verified.Amount,
				FailureReason: err.Error(),
				ReceivedAt:    r.now(),
			})
			r.logger(ctx, "payment.redirect.amount_mismatch", map[string]any{
				"orderId":  orderID,
				"expected": expected,
				"verified": verified.Amount,
			})
			result.Outcome = ReconcileFailed
			r.finish(ctx, payments.GatewayRedirect, result)
		case errors.Is(err, payments.ErrVerificationFailed):
			r.record(ctx, domain.PaymentEvent{
				ID:            redirectEventID(authority, domain.PaymentEventFailed),
				OrderID:       orderID,
				Gateway:       payments.GatewayRedirect,
				Kind:          domain.PaymentEventFailed,
				ReceiptID:     authority,
				FailureReason: err.Error(),
				ReceivedAt:    r.now(),
			})
			result.Outcome = ReconcileFailed
			r.finish(ctx, payments.GatewayRedirect, result)
		default:
			r.logger(ctx, "payment.redirect.verify.failed", map[string]any{
				"orderId": orderID,
				"error":   err.Error(),
			})
		}
		return result, err
	}

	return r.Reconcile(ctx, payments.RedirectConfirmation{
		OrderID:         orderID,
		Authority:       authority,
		RefID:           verified.RefID,
		Currency:        order.Currency,
		Amount:          order.Totals.Total,
		GatewayAmount:   verified.Amount,
		AlreadyVerified: verified.AlreadyVerified,
		VerifiedAt:      r.now(),
	})
}

// Reconcile settles the order named by a verified confirmation. Replays of the same
// confirmation and confirmations for orders already settled by another gateway are no-ops.
func (r *paymentReconciler) Reconcile(ctx context.Context, conf payments.Confirmation) (ReconcileResult, error) {
	if conf == nil {
		return ReconcileResult{}, fmt.Errorf("%w: confirmation is required", payments.ErrMalformedPayload)
	}
	orderID := strings.TrimSpace(conf.Order())
	result := ReconcileResult{OrderID: orderID}
	eventID := confirmationEventID(conf)

	if webhook, ok := conf.(payments.WebhookConfirmation); ok && (webhook.Amount > 0 || webhook.Currency != "") {
		order, err := r.orders.Get(ctx, orderID, Actor{Operator: true})
		if err != nil {
			return result, err
		}
		amountOK := webhook.Amount <= 0 || webhook.Amount == order.Totals.Total
		currencyOK := webhook.Currency == "" || strings.EqualFold(webhook.Currency, order.Currency)
		if !amountOK || !currencyOK {
			expected := fmt.Sprintf("%d %s", order.Totals.Total, strings.ToUpper(order.Currency))
			settled := fmt.Sprintf("%d %s", webhook.Amount, strings.ToUpper(webhook.Currency))
			r.record(ctx, domain.PaymentEvent{
				ID:            eventID,
				OrderID:       orderID,
				Gateway:       conf.Gateway(),
				Kind:          domain.PaymentEventAmountMismatch,
				ReceiptID:     conf.Reference(),
				Amount:        webhook.Amount,
				Currency:      webhook.Currency,
				FailureReason: "expected " + expected,
				ReceivedAt:    r.now(),
			})
			r.logger(ctx, "payment.webhook.amount_mismatch", map[string]any{
				"orderId":  orderID,
				"expected": order.Totals.Total,
				"settled":  webhook.Amount,
				"currency": webhook.Currency,
			})
			result.Outcome = ReconcileFailed
			r.finish(ctx, conf.Gateway(), result)
			return result, fmt.Errorf("%w: order %s expected %s, settled %s", payments.ErrAmountMismatch, orderID, expected, settled)
		}
	}

	paid, err := r.orders.MarkPaid(ctx, MarkPaidCommand{
		OrderID: orderID,
		Receipt: PaymentReceipt{
			ReceiptID: conf.Reference(),
			Gateway:   conf.Gateway(),
			Status:    "succeeded",
			Amount:    conf.SettledAmount(),
			SettledAt: conf.SettledAt(),
		},
	})
	settledElsewhere := errors.Is(err, ErrOrderPaymentConflict)
	if errors.Is(err, ErrOrderInvalidTransition) {
		return r.reject(ctx, conf, result, err)
	}
	if err != nil && !settledElsewhere {
		r.logger(ctx, "payment.reconcile.failed", map[string]any{
			"orderId": orderID,
			"gateway": conf.Gateway(),
			"error":   err.Error(),
		})
		return result, err
	}

	created := r.record(ctx, domain.PaymentEvent{
		ID:         eventID,
		OrderID:    orderID,
		Gateway:    conf.Gateway(),
		Kind:       domain.PaymentEventSucceeded,
		ReceiptID:  conf.Reference(),
		Amount:     conf.SettledAmount(),
		Currency:   confirmationCurrency(conf),
		ReceivedAt: r.now(),
	})

	switch {
	case settledElsewhere:
		r.logger(ctx, "payment.reconcile.already_settled", map[string]any{
			"orderId":   orderID,
			"gateway":   conf.Gateway(),
			"reference": conf.Reference(),
		})
		result.Outcome = ReconcileAlreadySettled
	case paid.Changed:
		result.Outcome = ReconcileSettled
		result.Order = &paid.Order
	case !created:
		result.Outcome = ReconcileDuplicate
		result.Order = &paid.Order
	default:
		result.Outcome = ReconcileAlreadySettled
		result.Order = &paid.Order
	}
	return r.finish(ctx, conf.Gateway(), result), nil
}

func (r *paymentReconciler) PaymentHistory(ctx context.Context, orderID string) ([]PaymentEvent, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if _, err := r.orders.Get(ctx, orderID, Actor{Operator: true}); err != nil {
		return nil, err
	}
	events, err := r.events.ListByOrder(ctx, orderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
			return nil, fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
		return nil, err
	}
	slices.SortStableFunc(events, func(a, b PaymentEvent) int {
		return a.ReceivedAt.Compare(b.ReceivedAt)
	})
	return events, nil
}

// reject records money the gateway captured for an order that can no longer be paid, such as
// one cancelled while the purchaser was at the gateway. The rejected event is what operators
// refund from. The original error is returned so callers still see why settlement failed.
func (r *paymentReconciler) reject(ctx context.Context, conf payments.Confirmation, result ReconcileResult, cause error) (ReconcileResult, error) {
	eventID := confirmationEventID(conf)
	if redirect, ok := conf.(payments.RedirectConfirmation); ok {
		eventID = redirectEventID(redirect.Authority, domain.PaymentEventRejected)
	}
	r.record(ctx, domain.PaymentEvent{
		ID:            eventID,
		OrderID:       result.OrderID,
		Gateway:       conf.Gateway(),
		Kind:          domain.PaymentEventRejected,
		ReceiptID:     conf.Reference(),
		Amount:        conf.SettledAmount(),
		Currency:      confirmationCurrency(conf),
		FailureReason: cause.Error(),
		ReceivedAt:    r.now(),
	})
	r.logger(ctx, "payment.reconcile.refund_required", map[string]any{
		"orderId":   result.OrderID,
		"gateway":   conf.Gateway(),
		"reference": conf.Reference(),
		"amount":    conf.SettledAmount(),
		"error":     cause.Error(),
	})
	result.Outcome = ReconcileRejected
	r.finish(ctx, conf.Gateway(), result)
	return result, cause
}

// record stores the event and reports whether it was new. Storage failures are logged and
// treated as new so settlement never depends on the audit trail.
func (r *paymentReconciler) record(ctx context.Context, event domain.PaymentEvent) bool {
	if strings.TrimSpace(event.ID) == "" {
		return true
	}
	created, err := r.events.Record(ctx, event)
	if err != nil {
		r.logger(ctx, "payment.event.record.failed", map[string]any{
			"eventId": event.ID,
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
		return true
	}
	return created
}

func (r *paymentReconciler) finish(ctx context.Context, gateway string, result ReconcileResult) ReconcileResult {
	r.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("payment.gateway", gateway),
		attribute.String("payment.outcome", string(result.Outcome)),
	))
	r.logger(ctx, "payment.reconcile."+string(result.Outcome), map[string]any{
		"orderId": result.OrderID,
		"gateway": gateway,
	})
	return result
}

func confirmationEventID(conf payments.Confirmation) string {
	switch c := conf.(type) {
	case payments.WebhookConfirmation:
		if c.EventID != "" {
			return c.EventID
		}
		return "stripe:" + c.Reference()
	case payments.RedirectConfirmation:
		return redirectEventID(c.Authority, domain.PaymentEventSucceeded)
	default:
		return ""
	}
}

func confirmationCurrency(conf payments.Confirmation) string {
	switch c := conf.(type) {
	case payments.WebhookConfirmation:
		return c.Currency
	case payments.RedirectConfirmation:
		return c.Currency
	default:
		return ""
	}
}

func redirectEventID(authority string, kind domain.PaymentEventKind) string {
	return "redirect:" + authority + ":" + string(kind)
}
