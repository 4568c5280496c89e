package worker

import (
	"context"
	"fmt"
	"net/url"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/mailer"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/resilience"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// EmailWorker consumes fulfillment events and dispatches buyer emails.
// Everything here is best effort: the entitlements these emails describe
// are already durable, so a send failure is logged and dropped, never
// retried into the core path.
type EmailWorker struct {
	consumer      *broker.Consumer
	eventHandler  *broker.EventHandler
	tokens        *service.AccessTokenService
	sender        mailer.Sender
	bulkhead      *resilience.Bulkhead
	publicBaseURL string
	logger        *zap.Logger
}

// NewEmailWorker creates a new email worker
func NewEmailWorker(
	consumer *broker.Consumer,
	tokens *service.AccessTokenService,
	sender mailer.Sender,
	publicBaseURL string,
	maxConcurrentSends int,
) *EmailWorker {
	w := &EmailWorker{
		consumer:      consumer,
		tokens:        tokens,
		sender:        sender,
		bulkhead:      resilience.NewBulkhead("mail-dispatcher", maxConcurrentSends),
		publicBaseURL: publicBaseURL,
		logger:        util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnEntitlementGranted(w.handleEntitlementGranted)
	eventHandler.OnOrderRefunded(w.handleOrderRefunded)
	eventHandler.OnAccessLinkRequested(w.handleAccessLinkRequested)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *EmailWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting email worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *EmailWorker) Stop() error {
	w.logger.Info("Stopping email worker")
	return w.consumer.Close()
}

func (w *EmailWorker) handleEntitlementGranted(ctx context.Context, event *models.EntitlementGrantedEvent) error {
	link, err := w.accessLink(event.BuyerEmail, event.ProductID, event.EntitlementID, event.ProductSlug)
	if err != nil {
		w.logger.Error("Failed to mint access link",
			zap.Int64("entitlement_id", event.EntitlementID),
			zap.Error(err))
		return nil
	}

	w.send(ctx, mailer.Message{
		To:      event.BuyerEmail,
		Subject: fmt.Sprintf("Your download: %s", event.ProductName),
		TextBody: fmt.Sprintf(
			"Thanks for your purchase!\n\n%s is ready for download:\n%s\n\nThe link is valid for 7 days. You can request a fresh one any time.",
			event.ProductName, link),
	})
	return nil
}

func (w *EmailWorker) handleOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error {
	w.send(ctx, mailer.Message{
		To:      event.BuyerEmail,
		Subject: "Your refund has been processed",
		TextBody: fmt.Sprintf(
			"Your order #%d has been refunded and the associated downloads were deactivated.",
			event.OrderID),
	})
	return nil
}

func (w *EmailWorker) handleAccessLinkRequested(ctx context.Context, event *models.AccessLinkRequestedEvent) error {
	link, err := w.accessLink(event.BuyerEmail, event.ProductID, event.EntitlementID, event.ProductSlug)
	if err != nil {
		w.logger.Error("Failed to mint access link",
			zap.Int64("entitlement_id", event.EntitlementID),
			zap.Error(err))
		return nil
	}

	w.send(ctx, mailer.Message{
		To:      event.BuyerEmail,
		Subject: fmt.Sprintf("Fresh download link: %s", event.ProductName),
		TextBody: fmt.Sprintf(
			"Here is a fresh download link for %s:\n%s\n\nThe link is valid for 7 days.",
			event.ProductName, link),
	})
	return nil
}

func (w *EmailWorker) accessLink(email string, productID, entitlementID int64, productSlug string) (string, error) {
	token, err := w.tokens.Issue(email, productID, entitlementID, 0)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/access/%s?token=%s",
		w.publicBaseURL, url.PathEscape(productSlug), url.QueryEscape(token)), nil
}

// send pushes the message through the bulkhead. Failures count against a
// metric and stop there.
func (w *EmailWorker) send(ctx context.Context, msg mailer.Message) {
	err := w.bulkhead.Do(ctx, func(ctx context.Context) error {
		return w.sender.Send(ctx, msg)
	})
	if err != nil {
		util.EmailsFailedTotal.Inc()
		w.logger.Warn("Email dispatch failed",
			zap.String("to", msg.To),
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}
	util.EmailsDispatchedTotal.Inc()
}
