package batch

import (
	"context"

	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/push"
)

// PendingPush is one queued device push. Loc keys default from the type
// when left empty.
type PendingPush struct {
	Token          string
	NotificationID string
	Type           model.NotificationType
	TitleLocKey    string
	BodyLocKey     string
	Data           map[string]string
}

// FCMBatcher collects pushes and sends them grouped by payload signature.
// Records with empty tokens are dropped silently; the index space of the
// result still covers every Add call so callers can map invalid tokens
// back to their users.
type FCMBatcher struct {
	sender push.Sender
	log    *zap.Logger

	pending []PendingPush
	sent    bool
}

func NewFCMBatcher(sender push.Sender, log *zap.Logger) *FCMBatcher {
	return &FCMBatcher{sender: sender, log: log}
}

// Add queues one push. Empty tokens are accepted and skipped at send time.
func (b *FCMBatcher) Add(p PendingPush) {
	b.pending = append(b.pending, p)
}

func (b *FCMBatcher) Len() int { return len(b.pending) }

// Send delivers everything queued and reports aggregate counts plus the
// global indices (into Add order) of permanently invalid tokens. Send is
// one-shot; a second call returns an empty result.
func (b *FCMBatcher) Send(ctx context.Context) push.Result {
	if b.sent {
		return push.Result{}
	}
	b.sent = true

	type group struct {
		payload push.Payload
		tokens  []string
		indices []int
	}
	groups := make(map[string]*group)
	var order []string

	for i, p := range b.pending {
		if p.Token == "" {
			continue
		}
		payload := b.payloadFor(p)
		sig := payload.Signature()
		g, ok := groups[sig]
		if !ok {
			g = &group{payload: payload}
			groups[sig] = g
			order = append(order, sig)
		}
		g.tokens = append(g.tokens, p.Token)
		g.indices = append(g.indices, i)
	}

	var total push.Result
	for _, sig := range order {
		g := groups[sig]

		// Multi-recipient groups share one payload, so the data map cannot
		// carry a per-recipient notification id. A group of one keeps it.
		payload := g.payload
		if len(g.tokens) == 1 {
			payload = push.PayloadFor(b.pending[g.indices[0]].Type,
				b.pending[g.indices[0]].NotificationID,
				b.pending[g.indices[0]].Data)
		}

		res, err := b.sender.SendMulticast(ctx, g.tokens, payload)
		if err != nil {
			total.FailureCount += len(g.tokens)
			b.log.Warn("push group send failed",
				zap.String("signature", sig),
				zap.Int("tokens", len(g.tokens)),
				zap.Error(err))
			continue
		}

		total.SuccessCount += res.SuccessCount
		total.FailureCount += res.FailureCount
		for _, idx := range res.InvalidTokenIndices {
			total.InvalidTokenIndices = append(total.InvalidTokenIndices, g.indices[idx])
		}
	}

	if total.FailureCount > 0 {
		b.log.Info("push fanout finished with failures",
			zap.Int("success", total.SuccessCount),
			zap.Int("failure", total.FailureCount),
			zap.Int("invalidTokens", len(total.InvalidTokenIndices)))
	}
	return total
}

// Record returns the pending push at a result index, for token cleanup.
func (b *FCMBatcher) Record(i int) PendingPush {
	return b.pending[i]
}

func (b *FCMBatcher) payloadFor(p PendingPush) push.Payload {
	data := map[string]string{"type": string(p.Type)}
	for k, v := range p.Data {
		if k == "notificationId" || k == "type" {
			continue
		}
		data[k] = v
	}
	payload := push.Payload{TitleLocKey: p.TitleLocKey, BodyLocKey: p.BodyLocKey, Data: data}
	if payload.TitleLocKey == "" || payload.BodyLocKey == "" {
		defaults := push.PayloadFor(p.Type, "", nil)
		if payload.TitleLocKey == "" {
			payload.TitleLocKey = defaults.TitleLocKey
		}
		if payload.BodyLocKey == "" {
			payload.BodyLocKey = defaults.BodyLocKey
		}
	}
	return payload
}
