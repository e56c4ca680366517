package task

import (
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/enascvm/admiral/pkg/types"
	"github.com/rs/zerolog"
)

// callbackTopic carries terminal notifications from child tasks to the
// tasks named in their callbacks
const callbackTopic = "task.callbacks"

// callbackPayload is the notification a terminated task sends to its parent
type callbackPayload struct {
	Address        string         `json:"address"`
	SubStage       types.SubStage `json:"subStage"`
	ChildID        string         `json:"childId"`
	ChildKind      string         `json:"childKind"`
	FailureMessage string         `json:"failureMessage,omitempty"`
}

func newCallbackPubSub(logger zerolog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		zerologAdapter{logger: logger},
	)
}

// subscribeCallbacks forwards every callback notification to the
// addressed task as a transition message
func (e *Engine) subscribeCallbacks() error {
	messages, err := e.pubSub.Subscribe(e.ctx, callbackTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to callbacks: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for msg := range messages {
			var payload callbackPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				e.logger.Error().Err(err).Str("message_id", msg.UUID).Msg("Discarded malformed callback")
				msg.Ack()
				continue
			}

			patch := Patch{}
			if payload.SubStage == types.SubStageError {
				patch.FailureMessage = payload.FailureMessage
			}
			e.Send(payload.Address, payload.SubStage, patch)
			msg.Ack()
		}
	}()
	return nil
}

// publishCallback notifies the parent task of t's outcome
func (e *Engine) publishCallback(t *types.Task) error {
	payload := callbackPayload{
		Address:   t.Callback.Address,
		SubStage:  t.Callback.SuccessSubStage,
		ChildID:   t.ID,
		ChildKind: t.Kind,
	}
	if t.Stage != types.TaskStageFinished {
		payload.SubStage = t.Callback.FailureSubStage
		payload.FailureMessage = t.FailureMessage
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := wmmessage.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("child_id", t.ID)
	return e.pubSub.Publish(callbackTopic, msg)
}

// zerologAdapter routes watermill's internal logging through zerolog
type zerologAdapter struct {
	logger zerolog.Logger
}

func (a zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a zerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{logger: a.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
