package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

var ErrEmptyBroadcast = errors.New("broadcast message is empty")

type BroadcastReport struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Blocked int `json:"blocked"`
	Failed  int `json:"failed"`
}

// BroadcastService sends one message to every registered account, paced
// below Telegram's global bot limit.
type BroadcastService struct {
	log     *slog.Logger
	api     TelegramAPI
	users   *UserService
	limiter *rate.Limiter
}

func NewBroadcastService(log *slog.Logger, api TelegramAPI, users *UserService, perSecond float64) *BroadcastService {
	if perSecond <= 0 {
		perSecond = 25
	}
	return &BroadcastService{
		log:     log,
		api:     api,
		users:   users,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

func (s *BroadcastService) Broadcast(ctx context.Context, text string) (BroadcastReport, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return BroadcastReport{}, ErrEmptyBroadcast
	}
	ids, err := s.users.ListUserIDs(ctx)
	if err != nil {
		return BroadcastReport{}, err
	}

	report := BroadcastReport{Total: len(ids)}
	for _, id := range ids {
		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}
		if _, err := s.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
			if isBlocked(err) {
				report.Blocked++
				continue
			}
			report.Failed++
			s.log.Warn("send broadcast", "user_id", id, "err", err)
			continue
		}
		report.Sent++
	}
	s.log.Info("broadcast finished", "total", report.Total, "sent", report.Sent, "blocked", report.Blocked, "failed", report.Failed)
	return report, nil
}

// isBlocked reports whether the user stopped or blocked the bot.
func isBlocked(err error) bool {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return tgErr.Code == http.StatusForbidden
	}
	return false
}
