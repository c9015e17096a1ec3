package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"proctoring-recorder/dto"
	"proctoring-recorder/pkg/rabbitmq"
	"proctoring-recorder/service"
)

type ServiceDependencies struct {
	MergeService service.MergeService
}

// MergeJobHandler runs one merge job from the queue. Malformed messages are
// dead-lettered without retries.
func MergeJobHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var message dto.MergeJobMessage
	if err := json.Unmarshal(msg.Body, &message); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal merge job message")
		return errors.Join(rabbitmq.ErrNonRetryable, err)
	}
	if message.SessionId == uuid.Nil || !message.Channel.Mergeable() {
		err := fmt.Errorf("invalid merge job for session %s channel %q", message.SessionId, message.Channel)
		zerolog.Ctx(ctx).Error().Err(err).Msg("rejecting merge job message")
		return errors.Join(rabbitmq.ErrNonRetryable, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("job_id", message.JobId.String()).
		Str("session_id", message.SessionId.String()).
		Str("channel", message.Channel.String()).
		Msg("received merge job message")

	return deps.MergeService.Run(ctx, message)
}
