// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Notifier is the optional, disabled-by-default operational alerting
// sidecar. It is scoped strictly to session-fatal diagnostic
// conditions (device open failure, handshake failure, PIN failure,
// registration failure) and their recovery; it never touches the MO/MT
// pipelines or the retry/backoff decisions.
//
// Adapted from an ErrorNotifier pattern (errors.go): same
// dedup-by-last-condition and Telegram HTML-message shape, narrowed from
// a general per-condition-type taxonomy to the single "fatal or not"
// axis as session-fatal alerting.
type Notifier struct {
	mu       sync.Mutex
	active   bool
	lastMsg  string
	tgBot    *bot.Bot
	chatIDs  []int64
	hostname string
	timeout  time.Duration
	log      *slog.Logger
}

// newNotifier returns nil (a nil *Notifier, whose methods are all
// nil-receiver-safe no-ops) when no Telegram token is configured, so
// call sites never need to check for "alerting disabled" separately.
func newNotifier(cfg *Config, hostname string, log *slog.Logger) *Notifier {
	if cfg.TelegramToken == "" {
		return nil
	}
	b, err := bot.New(cfg.TelegramToken)
	if err != nil {
		log.Error("telegram bot init failed, alerting disabled", "error", err)
		return nil
	}
	return &Notifier{
		tgBot:    b,
		chatIDs:  cfg.TelegramChatIDs,
		hostname: hostname,
		timeout:  20 * time.Second,
		log:      log,
	}
}

func (n *Notifier) notifyFatal(reason string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.active && n.lastMsg == reason {
		return
	}
	n.active = true
	n.lastMsg = reason

	text := fmt.Sprintf("<b>SMS gateway fatal condition</b>\n\n<b>Host:</b> <code>%s</code>\n<b>Reason:</b> %s",
		n.hostname, reason)
	n.send(text)
}

func (n *Notifier) notifyRecovery() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.active {
		return
	}
	n.active = false
	prev := n.lastMsg
	n.lastMsg = ""

	text := fmt.Sprintf("<b>SMS gateway recovered</b>\n\n<b>Host:</b> <code>%s</code>\n<b>Previous condition:</b> %s",
		n.hostname, prev)
	n.send(text)
}

func (n *Notifier) send(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	for _, chatID := range n.chatIDs {
		_, err := n.tgBot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      text,
			ParseMode: models.ParseModeHTML,
		})
		if err != nil {
			n.log.Error("telegram send failed", "chat_id", chatID, "error", err)
		}
	}
}

// notifyFatal/notifyRecovery on Gateway delegate to the (possibly nil)
// notifier, keeping every call site in session.go free of nil checks.
func (g *Gateway) notifyFatal(reason string) {
	g.log.Error("session-fatal condition", "reason", reason)
	g.notifier.notifyFatal(reason)
}

func (g *Gateway) notifyRecovery() {
	g.notifier.notifyRecovery()
}
