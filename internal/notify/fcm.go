// Package notify raises driver-facing push notifications through Firebase
// Cloud Messaging.
package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// ErrNoTarget is returned when a notifier has no device token to send to
var ErrNoTarget = errors.New("no notification target configured")

// sender is the part of the messaging client the notifier uses
type sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier sends alerts to a single device token
type FCMNotifier struct {
	client sender
	token  string
}

// NewFCMNotifier creates a notifier from a service-account credentials file
func NewFCMNotifier(ctx context.Context, credentialsFile, token string) (*FCMNotifier, error) {
	return newFCMNotifier(ctx, token, option.WithCredentialsFile(credentialsFile))
}

// NewFCMNotifierFromBase64 creates a notifier from base64-encoded credentials,
// for deployments where a credentials file cannot be shipped
func NewFCMNotifierFromBase64(ctx context.Context, credentialsBase64, token string) (*FCMNotifier, error) {
	credentialsJSON, err := base64.StdEncoding.DecodeString(credentialsBase64)
	if err != nil {
		return nil, fmt.Errorf("error decoding base64 credentials: %w", err)
	}
	return newFCMNotifier(ctx, token, option.WithCredentialsJSON(credentialsJSON))
}

func newFCMNotifier(ctx context.Context, token string, opt option.ClientOption) (*FCMNotifier, error) {
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	return &FCMNotifier{client: client, token: token}, nil
}

// Alert sends a high-priority notification with data attached
func (n *FCMNotifier) Alert(ctx context.Context, title, body string, data map[string]string) error {
	if n.token == "" {
		return ErrNoTarget
	}

	response, err := n.client.Send(ctx, buildMessage(n.token, title, body, data))
	if err != nil {
		return fmt.Errorf("error sending FCM message: %w", err)
	}

	log.Info().
		Str("component", "notify").
		Str("message_id", response).
		Str("type", data["type"]).
		Msg("FCM notification sent")
	return nil
}

func buildMessage(token, title, body string, data map[string]string) *messaging.Message {
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
					Sound:            "default",
				},
			},
		},
	}
}

// Nop drops every alert. Used when no Firebase credentials are configured.
type Nop struct{}

// Alert logs the alert at debug level and returns nil
func (Nop) Alert(_ context.Context, title, _ string, data map[string]string) error {
	log.Debug().Str("component", "notify").Str("title", title).Str("type", data["type"]).Msg("Notifications disabled, alert dropped")
	return nil
}
