package cron

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/pkg/types"
)

// ChangeTopic carries a JSON copy of every changed task.
const ChangeTopic = "cron.task.changed"

// notifier fans task changes out to watchers over a watermill channel.
type notifier struct {
	pubsub *gochannel.GoChannel
	log    zerolog.Logger
}

func newNotifier() *notifier {
	return &notifier{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{}),
		log:    logging.For("cron"),
	}
}

func (n *notifier) publish(task types.CronTask) {
	payload, err := json.Marshal(task)
	if err != nil {
		n.log.Error().Err(err).Str("taskId", task.ID).Msg("failed to encode task change")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("task_id", task.ID)
	if err := n.pubsub.Publish(ChangeTopic, msg); err != nil {
		n.log.Warn().Err(err).Str("taskId", task.ID).Msg("failed to publish task change")
	}
}

func (n *notifier) watch(ctx context.Context) (<-chan types.CronTask, error) {
	msgs, err := n.pubsub.Subscribe(ctx, ChangeTopic)
	if err != nil {
		return nil, err
	}
	out := make(chan types.CronTask, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var task types.CronTask
			err := json.Unmarshal(msg.Payload, &task)
			msg.Ack()
			if err != nil {
				n.log.Warn().Err(err).Msg("dropping undecodable task change")
				continue
			}
			select {
			case out <- task:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (n *notifier) close() error {
	return n.pubsub.Close()
}
