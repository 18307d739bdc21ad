// Package broker wraps amqp091-go for the bridge: one connection per worker,
// confirm-mode publishing with channel reopen, and manual-ack consumers with
// an explicit nack policy.
package broker

import (
	"errors"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/veolab/igeo-bridge/internal/domain"
)

var (
	// ErrChannelClosed indicates a publish on a channel the broker closed.
	// The publisher reopens the channel on the next attempt.
	ErrChannelClosed = errors.New("broker channel closed")

	// ErrPublishNacked indicates the broker refused a publish confirmation.
	ErrPublishNacked = errors.New("publish not confirmed by broker")

	// ErrConnectionLost indicates a consumer's delivery stream ended while
	// its context was still live.
	ErrConnectionLost = errors.New("broker connection lost")
)

// URI builds the AMQP URI for settings. Credentials are escaped by amqp.URI.
func URI(settings domain.BrokerSettings) string {
	vhost := settings.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     settings.Host,
		Port:     settings.Port,
		Username: settings.User,
		Password: settings.Password,
		Vhost:    vhost,
	}.String()
}

// RedactedURI is URI with the password masked, for logs.
func RedactedURI(settings domain.BrokerSettings) string {
	uri := URI(settings)
	if settings.Password == "" {
		return uri
	}
	masked := settings
	masked.Password = "xxxxx"
	return strings.Replace(URI(masked), "xxxxx", "***", 1)
}

// isClosedError reports whether err means the channel or connection is gone.
func isClosedError(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.ChannelError || amqpErr.Code == amqp.ConnectionForced
	}
	return false
}
