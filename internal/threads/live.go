package threads

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/reflectionguide/reflect/internal/fhir"
	inats "github.com/reflectionguide/reflect/internal/nats"
)

type subscriber interface {
	Run(ctx context.Context, criteria string, handle fhir.Handler) error
}

// Live turns Medplum Communication notifications and voice usage events into
// hub pushes.
type Live struct {
	hub *Hub
	sub subscriber
}

func NewLive(hub *Hub, sub subscriber) *Live {
	return &Live{hub: hub, sub: sub}
}

// Run blocks until ctx is cancelled.
func (l *Live) Run(ctx context.Context) error {
	slog.Info("live thread updates started")
	return l.sub.Run(ctx, "Communication", l.handleResource)
}

func (l *Live) handleResource(_ context.Context, r fhir.Resource) {
	if r.ResourceType() != "Communication" {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		slog.Error("live: encoding notification", "error", err)
		return
	}
	var c fhir.Communication
	if err := json.Unmarshal(raw, &c); err != nil {
		slog.Warn("live: decoding communication", "error", err, "id", r.ID())
		return
	}
	l.Dispatch(c)
}

// Dispatch pushes c to every participant, shaped from their point of view.
func (l *Live) Dispatch(c fhir.Communication) {
	for _, p := range participants(c) {
		if !l.hub.IsOnline(p.Reference) {
			continue
		}
		ev := Event{Type: EventMessage}
		if isThread(c) {
			ev = Event{Type: EventThread, Data: threadFromCommunication(c, p.Reference, directory{})}
		} else {
			ev.Data = messageFromCommunication(c, p.Reference, directory{})
		}
		_ = l.hub.SendToProfile(p.Reference, ev)
	}
}

// RelayVoiceUsage forwards voice usage events from every instance to the
// connections held by this one. Blocks until ctx is cancelled.
func (l *Live) RelayVoiceUsage(ctx context.Context, consumerMgr *inats.ConsumerManager) error {
	consumer, err := consumerMgr.OrderedConsumer(ctx, inats.StreamEvents, inats.SubjectVoiceUsage)
	if err != nil {
		return err
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		l.relay(msg.Data())
	})
	if err != nil {
		return err
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}

func (l *Live) relay(data []byte) {
	var ev inats.VoiceUsageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("live: decoding voice usage event", "error", err)
		return
	}
	_ = l.hub.SendToProfile(ev.ProfileID, Event{Type: EventVoiceUsage, Data: ev})
}
