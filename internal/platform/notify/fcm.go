// Package notify delivers order status push messages.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/messaging"

	"github.com/grocery-backoffice/api/internal/services"
)

// ErrStaleToken reports that FCM no longer recognises the device token.
var ErrStaleToken = errors.New("notify: device token is no longer registered")

// Sender is the subset of *messaging.Client used by the notifier.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier sends order notifications through Firebase Cloud Messaging.
type FCMNotifier struct {
	sender    Sender
	channelID string
	dryRun    bool
}

var _ services.OrderNotifier = (*FCMNotifier)(nil)

// Option customises the FCM notifier.
type Option func(*FCMNotifier)

// WithAndroidChannel routes Android notifications to the given channel.
func WithAndroidChannel(channelID string) Option {
	return func(n *FCMNotifier) {
		n.channelID = strings.TrimSpace(channelID)
	}
}

// WithDryRun validates messages with FCM without delivering them.
func WithDryRun(enabled bool) Option {
	return func(n *FCMNotifier) {
		n.dryRun = enabled
	}
}

// NewFCMNotifier wraps an FCM sender.
func NewFCMNotifier(sender Sender, opts ...Option) (*FCMNotifier, error) {
	if sender == nil {
		return nil, errors.New("notify: fcm sender is required")
	}
	n := &FCMNotifier{sender: sender}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n, nil
}

func (n *FCMNotifier) NotifyOrder(ctx context.Context, notification services.OrderNotification) error {
	token := strings.TrimSpace(notification.Token)
	if token == "" {
		return errors.New("notify: device token is required")
	}

	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: notification.Title,
			Body:  notification.Body,
		},
		Data: notification.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: n.channelID,
			},
		},
	}

	send := n.sender.Send
	if n.dryRun {
		if client, ok := n.sender.(*messaging.Client); ok {
			send = client.SendDryRun
		}
	}
	if _, err := send(ctx, message); err != nil {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
			return fmt.Errorf("%w: %v", ErrStaleToken, err)
		}
		return fmt.Errorf("notify: fcm send: %w", err)
	}
	return nil
}

// Noop discards notifications. It backs local runs without Firebase credentials.
type Noop struct{}

var _ services.OrderNotifier = Noop{}

func (Noop) NotifyOrder(context.Context, services.OrderNotification) error { return nil }
