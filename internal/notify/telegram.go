package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/plateful/backend/internal/models"
)

// UserResolver maps user IDs to their telegram chat, if linked.
type UserResolver interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// TelegramNotifier delivers exchange lifecycle messages over a Telegram bot.
// Delivery is best-effort: every failure is logged and swallowed, because the
// exchange transaction has already committed by the time we run.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	users  UserResolver
	logger *slog.Logger
}

func NewTelegramNotifier(token string, users UserResolver, logger *slog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &TelegramNotifier{bot: bot, users: users, logger: logger}, nil
}

func (n *TelegramNotifier) ExchangeConfirmed(ctx context.Context, ex *models.Exchange) {
	msg := fmt.Sprintf("Pickup confirmed! Both of you agreed on %s. See you there.", ex.PickupLocation)
	n.sendTo(ctx, ex.SharerID, msg)
	n.sendTo(ctx, ex.RecipientID, msg)
}

func (n *TelegramNotifier) ExchangeCompleted(ctx context.Context, ex *models.Exchange) {
	n.sendTo(ctx, ex.SharerID,
		fmt.Sprintf("Exchange complete — you earned %d credits. Thanks for sharing!", ex.CreditAmount))
	n.sendTo(ctx, ex.RecipientID,
		fmt.Sprintf("Exchange complete — %d credits went to your neighbour. Enjoy the food!", ex.CreditAmount))
}

func (n *TelegramNotifier) ExchangeCancelled(ctx context.Context, ex *models.Exchange, cancelledBy uuid.UUID, reason string) {
	msg := "The exchange was cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	if ex.IsParticipant(cancelledBy) {
		// Only the party who didn't cancel needs to hear about it.
		n.sendTo(ctx, ex.OtherParty(cancelledBy), msg)
		return
	}
	// System cancellation (e.g. expiry sweep): tell both.
	n.sendTo(ctx, ex.SharerID, msg)
	n.sendTo(ctx, ex.RecipientID, msg)
}

func (n *TelegramNotifier) sendTo(ctx context.Context, userID uuid.UUID, text string) {
	user, err := n.users.GetByID(ctx, userID)
	if err != nil {
		n.logger.Warn("notify: resolve user failed", "user_id", userID, "error", err)
		return
	}
	if user.TelegramChatID == nil {
		return
	}
	if _, err := n.bot.Send(tgbotapi.NewMessage(*user.TelegramChatID, text)); err != nil {
		n.logger.Warn("notify: telegram send failed", "user_id", userID, "error", err)
	}
}

// LogNotifier is the fallback when no bot token is configured. It satisfies
// the same contract by writing structured log lines.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) ExchangeConfirmed(_ context.Context, ex *models.Exchange) {
	n.Logger.Info("notify: exchange confirmed", "exchange_id", ex.ID)
}

func (n *LogNotifier) ExchangeCompleted(_ context.Context, ex *models.Exchange) {
	n.Logger.Info("notify: exchange completed", "exchange_id", ex.ID, "credit_amount", ex.CreditAmount)
}

func (n *LogNotifier) ExchangeCancelled(_ context.Context, ex *models.Exchange, cancelledBy uuid.UUID, reason string) {
	n.Logger.Info("notify: exchange cancelled", "exchange_id", ex.ID, "cancelled_by", cancelledBy, "reason", reason)
}
