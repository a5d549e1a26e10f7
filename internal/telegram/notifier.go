package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the part of the Bot API needed to push messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier pushes out-of-band messages to users and to every admin.
type Notifier struct {
	api      Sender
	adminIDs []int64
	log      *slog.Logger
}

func NewNotifier(api Sender, adminIDs []int64, log *slog.Logger) *Notifier {
	return &Notifier{api: api, adminIDs: adminIDs, log: log}
}

func (n *Notifier) NotifyUser(ctx context.Context, userID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.api.Send(tgbotapi.NewMessage(userID, text)); err != nil {
		return fmt.Errorf("notify user %d: %w", userID, err)
	}
	return nil
}

// NotifyAdmins tries every admin and reports the ones that failed.
func (n *Notifier) NotifyAdmins(ctx context.Context, text string) error {
	var errs []error
	for _, id := range n.adminIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := n.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
			n.log.Warn("notify admin", "admin_id", id, "err", err)
			errs = append(errs, fmt.Errorf("admin %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
