// Package batch accumulates the write and push fanout of one propagation
// run and commits it in bounded chunks. Both batchers are single-shot:
// build, commit, discard.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/store"
)

// PendingNotification is one notification to be written, together with the
// recipient's hashes so callers can map results back to users.
type PendingNotification struct {
	Data                 map[string]any
	HashedInteractionID  string
	HashedNotificationID string
}

// CommitResult reports per-index outcomes. CreatedIDs[i] holds the
// notification document id written (or merged into) for pending item i;
// Errors[i] is non-empty when that item failed.
type CommitResult struct {
	CreatedIDs []string
	Errors     []string
	Created    int
	Updated    int
}

// NotificationBatcher collects notifications and commits them in store
// batches of at most store.MaxBatchOps. Creation is keyed by
// (recipientId, reportId): when that pair already exists the write becomes
// a merge that extends paths and never increases hopDepth.
type NotificationBatcher struct {
	store store.Store
	log   *zap.Logger
	now   func() int64

	pending   []PendingNotification
	committed bool
}

func NewNotificationBatcher(st store.Store, log *zap.Logger) *NotificationBatcher {
	return &NotificationBatcher{store: st, log: log, now: model.NowMillis}
}

// Add queues one notification. Adding after Commit is an error.
func (b *NotificationBatcher) Add(p PendingNotification) error {
	if b.committed {
		return store.ErrBatchCommitted
	}
	if p.Data == nil {
		return fmt.Errorf("%w: pending notification without data", store.ErrInvalidArgument)
	}
	b.pending = append(b.pending, p)
	return nil
}

func (b *NotificationBatcher) Len() int { return len(b.pending) }

// Commit writes everything queued. Per-item failures land in the result
// and do not abort the rest; Commit itself only errors when reused.
func (b *NotificationBatcher) Commit(ctx context.Context) (CommitResult, error) {
	if b.committed {
		return CommitResult{}, store.ErrBatchCommitted
	}
	b.committed = true

	res := CommitResult{
		CreatedIDs: make([]string, len(b.pending)),
		Errors:     make([]string, len(b.pending)),
	}

	type plannedWrite struct {
		index int
		id    string
		data  map[string]any
		merge bool
	}
	var plan []plannedWrite

	// The propagator emits at most one notification per recipient per run,
	// so a repeated (recipientId, reportId) pair inside one commit is a
	// caller bug. The first occurrence wins.
	seenPair := make(map[string]struct{})

	for i, p := range b.pending {
		recipient, _ := p.Data["recipientId"].(string)
		reportID, _ := p.Data["reportId"].(string)
		if recipient == "" || reportID == "" {
			res.Errors[i] = "notification missing recipientId or reportId"
			continue
		}

		pairKey := recipient + "\x00" + reportID
		if _, dup := seenPair[pairKey]; dup {
			res.Errors[i] = "duplicate recipient for report in one commit"
			continue
		}
		seenPair[pairKey] = struct{}{}

		existing, err := b.findExisting(ctx, recipient, reportID)
		if err != nil {
			res.Errors[i] = err.Error()
			continue
		}

		if existing != nil {
			res.CreatedIDs[i] = existing.ID
			res.Updated++
			patch, changed := mergeNotificationData(existing.Data, p.Data, b.now())
			if !changed {
				// A longer rediscovery of an already-notified recipient
				// leaves the document alone.
				continue
			}
			plan = append(plan, plannedWrite{index: i, id: existing.ID, data: patch, merge: true})
			continue
		}

		id, err := uuid.NewV7()
		if err != nil {
			res.Errors[i] = err.Error()
			continue
		}
		res.CreatedIDs[i] = id.String()
		plan = append(plan, plannedWrite{index: i, id: id.String(), data: p.Data})
		res.Created++
	}

	// Commit the plan in store-sized chunks. A failed chunk marks its own
	// items and the sweep continues with the next chunk.
	for start := 0; start < len(plan); start += store.MaxBatchOps {
		end := start + store.MaxBatchOps
		if end > len(plan) {
			end = len(plan)
		}
		chunk := plan[start:end]

		sb := b.store.Batch()
		for _, w := range chunk {
			if err := sb.Set(model.CollectionNotifications, w.id, w.data, w.merge); err != nil {
				res.Errors[w.index] = err.Error()
			}
		}
		if err := sb.Commit(ctx); err != nil {
			b.log.Warn("notification batch chunk failed",
				zap.Int("size", len(chunk)),
				zap.Error(err))
			for _, w := range chunk {
				if res.Errors[w.index] == "" {
					res.Errors[w.index] = err.Error()
					res.CreatedIDs[w.index] = ""
				}
			}
		}
	}
	return res, nil
}

func (b *NotificationBatcher) findExisting(ctx context.Context, recipient, reportID string) (*store.Doc, error) {
	docs, err := b.store.Query(ctx, model.CollectionNotifications,
		store.Where("recipientId", store.OpEqual, recipient).
			And("reportId", store.OpEqual, reportID).
			Limited(1))
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

// mergeNotificationData folds an incoming notification into an existing one
// for the same (recipientId, reportId). Shorter paths replace longer ones
// outright; equal-depth discoveries union the path sets; longer ones change
// nothing. The bool reports whether a write is needed.
func mergeNotificationData(existing, incoming map[string]any, now int64) (map[string]any, bool) {
	oldDepth := asInt(existing["hopDepth"])
	newDepth := asInt(incoming["hopDepth"])

	switch {
	case newDepth < oldDepth:
		patch := map[string]any{
			"hopDepth":   newDepth,
			"chainPath":  incoming["chainPath"],
			"chainData":  incoming["chainData"],
			"chainPaths": stringOr(incoming["chainPaths"], ""),
			"updatedAt":  now,
		}
		return patch, true

	case newDepth == oldDepth:
		all := collectPaths(existing)
		before := len(all)
		all = appendPaths(all, collectPaths(incoming))
		if len(all) == before {
			return nil, false
		}

		patch := map[string]any{"updatedAt": now}
		if encoded, err := model.EncodeChainPaths(pathsOf(all)); err == nil {
			patch["chainPaths"] = encoded
		}
		if viz, err := model.DecodeChainData(stringOr(existing["chainData"], "")); err == nil {
			viz.Paths = pathsOf(all)
			if encoded, err := model.EncodeChainData(viz); err == nil {
				patch["chainData"] = encoded
			}
		}
		return patch, true

	default:
		return nil, false
	}
}

type keyedPath struct {
	key  string
	path []string
}

// collectPaths gathers every path a notification document knows about: the
// primary chainPath plus any serialized chainPaths.
func collectPaths(data map[string]any) []keyedPath {
	var out []keyedPath
	if p := anyToStrings(data["chainPath"]); len(p) > 0 {
		out = append(out, keyedPath{strings.Join(p, ">"), p})
	}
	if s := stringOr(data["chainPaths"], ""); s != "" {
		if decoded, err := model.DecodeChainPaths(s); err == nil {
			for _, p := range decoded {
				out = appendPaths(out, []keyedPath{{strings.Join(p, ">"), p}})
			}
		}
	}
	return out
}

func appendPaths(base, extra []keyedPath) []keyedPath {
	seen := make(map[string]struct{}, len(base))
	for _, kp := range base {
		seen[kp.key] = struct{}{}
	}
	for _, kp := range extra {
		if _, dup := seen[kp.key]; dup {
			continue
		}
		seen[kp.key] = struct{}{}
		base = append(base, kp)
	}
	return base
}

func pathsOf(kps []keyedPath) [][]string {
	out := make([][]string, len(kps))
	for i, kp := range kps {
		out[i] = kp.path
	}
	return out
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return int(f)
		}
	}
	return 0
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

func anyToStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, el := range vv {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
