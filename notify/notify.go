// Package notify adapts the channels package's outbound messaging onto the
// validation queue's NotifySink contract: a rejection notice goes back to
// the supplier over the same WhatsApp-shaped channel their offer arrived on.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Louguiman/tekra-submissions/channels"
	"github.com/Louguiman/tekra-submissions/supplier"
)

// SupplierLookup resolves a supplier ID to its contact phone number.
type SupplierLookup interface {
	FindByID(ctx context.Context, supplierID string) (*supplier.Supplier, error)
}

// WhatsAppNotifier sends validation decisions back to suppliers over a
// single configured outbound channel.
type WhatsAppNotifier struct {
	channel   channels.Channel
	suppliers SupplierLookup
	logger    *slog.Logger
}

// New creates a WhatsAppNotifier. channel is expected to already be
// running (Listen/Send usable); the caller owns its lifecycle.
func New(channel channels.Channel, suppliers SupplierLookup, logger *slog.Logger) *WhatsAppNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsAppNotifier{channel: channel, suppliers: suppliers, logger: logger}
}

// Send implements validation.NotifySink. Lookup and delivery failures are
// logged and also returned to the caller, wrapped; nothing is sent when the
// supplier cannot be resolved.
func (n *WhatsAppNotifier) Send(ctx context.Context, supplierID, message string) error {
	s, err := n.suppliers.FindByID(ctx, supplierID)
	if err != nil {
		n.logger.WarnContext(ctx, "notify: supplier lookup failed", "supplierId", supplierID, "error", err)
		return fmt.Errorf("notify: resolve supplier: %w", err)
	}

	msg := channels.Message{
		Platform:    "whatsapp",
		Direction:   channels.Outbound,
		RecipientID: s.Phone,
		Text:        message,
		Timestamp:   time.Now(),
	}
	if err := n.channel.Send(ctx, msg); err != nil {
		n.logger.WarnContext(ctx, "notify: send failed", "supplierId", supplierID, "error", err)
		return fmt.Errorf("notify: send: %w", err)
	}
	return nil
}
