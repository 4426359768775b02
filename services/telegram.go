package services

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"lifeline/config"
	"lifeline/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const escalationAlertCooldown = 15 * time.Second

type TelegramService struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	config         *config.Config
	mu             sync.Mutex
	lastAlertTimes map[string]time.Time // Track last alert time per user
	logger         *zap.Logger
}

func NewTelegramService(cfg *config.Config, logger *zap.Logger) (*TelegramService, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %v", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %v", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	ts := &TelegramService{
		bot:            bot,
		chatID:         chatID,
		config:         cfg,
		lastAlertTimes: make(map[string]time.Time),
		logger:         logger,
	}

	// Test Telegram connection with retry
	if err := ts.testConnection(); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %v", err)
	}

	return ts, nil
}

// testConnection tests Telegram connection with retry logic
func (ts *TelegramService) testConnection() error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ts.logger.Info("Testing Telegram connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		_, err := ts.bot.GetMe()
		if err == nil {
			ts.logger.Info("Telegram connection successful")
			return nil
		}

		ts.logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

func (ts *TelegramService) Name() string {
	return "telegram"
}

// OnEscalated sends one operator alert per escalated session, throttled per user
func (ts *TelegramService) OnEscalated(ctx context.Context, sessions []models.Session) error {
	now := time.Now()
	var failed int

	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ts.shouldThrottleAlert(s.UserID, now) {
			ts.logger.Debug("Throttling escalation alert", zap.String("user_id", s.UserID))
			continue
		}

		msg := tgbotapi.NewMessage(ts.chatID, formatEscalationMessage(s, now))
		msg.ParseMode = "HTML"
		msg.DisableWebPagePreview = true

		if _, err := ts.bot.Send(msg); err != nil {
			ts.logger.Error("Failed to send escalation alert",
				zap.String("session_id", s.ID),
				zap.Error(err))
			failed++
			continue
		}

		ts.markAlerted(s.UserID, now)
		ts.logger.Info("Sent escalation alert",
			zap.String("session_id", s.ID),
			zap.String("user_id", s.UserID))
	}

	if failed > 0 {
		return fmt.Errorf("error sending %d of %d escalation alerts", failed, len(sessions))
	}
	return nil
}

// shouldThrottleAlert checks if an alert for this user went out within the cooldown
func (ts *TelegramService) shouldThrottleAlert(userID string, now time.Time) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	lastAlertTime, exists := ts.lastAlertTimes[userID]
	if !exists {
		return false
	}
	return now.Sub(lastAlertTime) < escalationAlertCooldown
}

func (ts *TelegramService) markAlerted(userID string, now time.Time) {
	ts.mu.Lock()
	ts.lastAlertTimes[userID] = now
	ts.mu.Unlock()
}

// formatEscalationMessage creates the HTML alert for a session that lost signal
func formatEscalationMessage(s models.Session, now time.Time) string {
	var sb strings.Builder

	sb.WriteString("🚨 <b>SOS SIGNAL LOST</b> 🚨\n\n")

	sb.WriteString(fmt.Sprintf("👤 <b>User:</b> <code>%s</code>\n", html.EscapeString(s.UserID)))
	sb.WriteString(fmt.Sprintf("🆔 <b>Session:</b> <code>%s</code>\n", html.EscapeString(s.ID)))
	sb.WriteString(fmt.Sprintf("🕐 <b>SOS Started:</b> %s\n", s.StartTime.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("📶 <b>Last Heartbeat:</b> %s\n", s.LastHeartbeat.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Silent For:</b> %s\n\n", formatDuration(now.Sub(s.LastHeartbeat))))

	sb.WriteString("📍 <b>Last Known Position:</b>\n")
	if s.CurrentLocation != nil {
		sb.WriteString(fmt.Sprintf("%.5f, %.5f\n", s.CurrentLocation.Latitude, s.CurrentLocation.Longitude))
		sb.WriteString(fmt.Sprintf("https://maps.google.com/?q=%.6f,%.6f\n", s.CurrentLocation.Latitude, s.CurrentLocation.Longitude))
	} else {
		sb.WriteString("unknown\n")
	}
	sb.WriteString(fmt.Sprintf("🔋 <b>Battery:</b> %s\n\n", formatBattery(s.BatteryLevel)))

	sb.WriteString("💡 <b>Action Required:</b>\n")
	sb.WriteString("The device stopped reporting during an active SOS. Dispatch responders to the last known position.\n\n")

	sb.WriteString("🔴 <b>Status:</b> ESCALATED_SIGNAL_LOST")

	return sb.String()
}

// SendStatusMessage sends a general status message
func (ts *TelegramService) SendStatusMessage(message string) error {
	msg := tgbotapi.NewMessage(ts.chatID, message)
	msg.ParseMode = "HTML"

	_, err := ts.bot.Send(msg)
	return err
}

// SendStartupMessage sends a message when the watchdog starts
func (ts *TelegramService) SendStartupMessage() error {
	message := "🟢 <b>Lifeline Watchdog Started</b>\n\n" +
		fmt.Sprintf("🗄️ Session store: %s\n", ts.config.StoreBackend) +
		fmt.Sprintf("⏱️ Staleness threshold: %s\n", ts.config.StalenessThreshold) +
		"👀 Watching SOS sessions for lost signal...\n\n" +
		"✅ System is ready and operational!"

	return ts.SendStatusMessage(message)
}

func formatBattery(level int) string {
	switch {
	case level <= 10:
		return fmt.Sprintf("%d%% ⚠️ critical", level)
	case level <= 25:
		return fmt.Sprintf("%d%% low", level)
	default:
		return fmt.Sprintf("%d%%", level)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hr", days, hours)
}
