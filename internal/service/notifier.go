package service

import (
	"context"

	"github.com/digkill/TestborBot/internal/models"
)

// Notifier delivers out-of-band messages after a state change has committed.
// Failures are logged by the caller and never undo the change.
type Notifier interface {
	NotifyUser(ctx context.Context, userID int64, text string) error
	NotifyAdmins(ctx context.Context, text string) error
}

// ReceiptArchive stores the raw processor confirmation of a completed payment.
type ReceiptArchive interface {
	ArchiveReceipt(ctx context.Context, intent models.PaymentIntent, raw []byte) (string, error)
}

type nopNotifier struct{}

func (nopNotifier) NotifyUser(context.Context, int64, string) error { return nil }
func (nopNotifier) NotifyAdmins(context.Context, string) error      { return nil }
