package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/pkg/protocol"
)

const ChannelRoomFmt = "marathon:room:%s"

type PubSubEnvelope struct {
	SourceInstance string            `json:"sourceInstance"`
	Message        *protocol.Message `json:"message"`
	TargetRoom     string            `json:"targetRoom"`
}

type MessageHandler func(envelope *PubSubEnvelope)

// PubSub relays room messages between gateway instances. Envelopes published
// by this instance are dropped on receipt.
type PubSub struct {
	client     *Client
	pubsub     *redis.PubSub
	instanceID string
	handler    MessageHandler
	logger     zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewPubSub(client *Client, instanceID string, handler MessageHandler, logger zerolog.Logger) *PubSub {
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSub{
		client:     client,
		instanceID: instanceID,
		handler:    handler,
		logger:     logger.With().Str("component", "pubsub").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetHandler replaces the delivery callback. It must be called before Start.
func (p *PubSub) SetHandler(handler MessageHandler) {
	p.handler = handler
}

func (p *PubSub) Start() error {
	p.pubsub = p.client.Subscribe(p.ctx)
	if err := p.pubsub.Ping(p.ctx); err != nil {
		return fmt.Errorf("failed to open pubsub connection: %w", err)
	}

	go p.listen()

	p.logger.Info().
		Str("instanceId", p.instanceID).
		Msg("PubSub started")
	return nil
}

func (p *PubSub) Stop() error {
	p.cancel()
	if p.pubsub != nil {
		return p.pubsub.Close()
	}
	return nil
}

func (p *PubSub) GetInstanceID() string {
	return p.instanceID
}

func (p *PubSub) listen() {
	ch := p.pubsub.Channel()
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.handleMessage(msg)
		}
	}
}

func (p *PubSub) handleMessage(msg *redis.Message) {
	var envelope PubSubEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
		p.logger.Error().Err(err).Msg("Failed to unmarshal pubsub message")
		return
	}
	if envelope.SourceInstance == p.instanceID || envelope.Message == nil {
		return
	}

	p.logger.Debug().
		Str("channel", msg.Channel).
		Str("sourceInstance", envelope.SourceInstance).
		Msg("Received pubsub message")

	if p.handler != nil {
		p.handler(&envelope)
	}
}

func (p *PubSub) PublishToRoom(ctx context.Context, roomID string, msg *protocol.Message) error {
	data, err := json.Marshal(PubSubEnvelope{
		SourceInstance: p.instanceID,
		Message:        msg,
		TargetRoom:     roomID,
	})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, fmt.Sprintf(ChannelRoomFmt, roomID), data)
}

func (p *PubSub) SubscribeToRoom(roomID string) error {
	return p.pubsub.Subscribe(p.ctx, fmt.Sprintf(ChannelRoomFmt, roomID))
}

func (p *PubSub) UnsubscribeFromRoom(roomID string) error {
	return p.pubsub.Unsubscribe(p.ctx, fmt.Sprintf(ChannelRoomFmt, roomID))
}
