package batch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/store"
	"github.com/veilhealth/exposure-service/internal/store/memstore"
)

func notificationData(t *testing.T, n model.Notification) map[string]any {
	t.Helper()
	data, err := model.ToDoc(n)
	require.NoError(t, err)
	return data
}

func TestCommitCreatesNotifications(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	b := NewNotificationBatcher(ms, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Add(PendingNotification{
			Data: notificationData(t, model.Notification{
				RecipientID: fmt.Sprintf("recipient-%d", i),
				Type:        model.TypeExposure,
				ChainData:   `{"nodes":[]}`,
				ChainPath:   []string{"a", "b"},
				HopDepth:    1,
				ReceivedAt:  100,
				UpdatedAt:   100,
				ReportID:    "r1",
			}),
		}))
	}
	assert.Equal(t, 3, b.Len())

	res, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Zero(t, res.Updated)

	for i, id := range res.CreatedIDs {
		require.NotEmpty(t, id, "index %d", i)
		assert.Empty(t, res.Errors[i])
		doc, err := ms.Get(ctx, model.CollectionNotifications, id)
		require.NoError(t, err)
		assert.Equal(t, "r1", doc.Data["reportId"])
	}
}

func TestCommitIsTerminal(t *testing.T) {
	b := NewNotificationBatcher(memstore.New(), zaptest.NewLogger(t))
	_, err := b.Commit(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, b.Add(PendingNotification{Data: map[string]any{}}), store.ErrBatchCommitted)
	_, err = b.Commit(context.Background())
	assert.ErrorIs(t, err, store.ErrBatchCommitted)
}

func TestCommitMergesEqualDepthPaths(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()

	first := NewNotificationBatcher(ms, zaptest.NewLogger(t))
	require.NoError(t, first.Add(PendingNotification{
		Data: notificationData(t, model.Notification{
			RecipientID: "recipient-D",
			Type:        model.TypeExposure,
			ChainData:   `{"nodes":[],"paths":[["a","b","d"]]}`,
			ChainPath:   []string{"a", "b", "d"},
			HopDepth:    2,
			ReceivedAt:  100,
			UpdatedAt:   100,
			ReportID:    "r1",
		}),
	}))
	firstRes, err := first.Commit(ctx)
	require.NoError(t, err)
	existingID := firstRes.CreatedIDs[0]

	second := NewNotificationBatcher(ms, zaptest.NewLogger(t))
	second.now = func() int64 { return 200 }
	require.NoError(t, second.Add(PendingNotification{
		Data: notificationData(t, model.Notification{
			RecipientID: "recipient-D",
			Type:        model.TypeExposure,
			ChainData:   `{"nodes":[],"paths":[["a","c","d"]]}`,
			ChainPath:   []string{"a", "c", "d"},
			HopDepth:    2,
			ReceivedAt:  150,
			UpdatedAt:   150,
			ReportID:    "r1",
		}),
	}))
	res, err := second.Commit(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Created)
	assert.Equal(t, existingID, res.CreatedIDs[0], "merge resolves to the existing document")

	doc, err := ms.Get(ctx, model.CollectionNotifications, existingID)
	require.NoError(t, err)

	var n model.Notification
	require.NoError(t, model.FromDoc(doc.Data, &n))
	assert.Equal(t, 2, n.HopDepth)
	assert.Equal(t, []string{"a", "b", "d"}, n.ChainPath, "primary path keeps the first discovery")
	assert.Equal(t, int64(200), n.UpdatedAt)

	paths, err := model.DecodeChainPaths(n.ChainPaths)
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]string{{"a", "b", "d"}, {"a", "c", "d"}}, paths)

	viz, err := model.DecodeChainData(n.ChainData)
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]string{{"a", "b", "d"}, {"a", "c", "d"}}, viz.Paths)
}

func TestCommitShorterPathWins(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()

	first := NewNotificationBatcher(ms, zaptest.NewLogger(t))
	require.NoError(t, first.Add(PendingNotification{
		Data: notificationData(t, model.Notification{
			RecipientID: "recipient-D",
			ChainData:   `{"nodes":[],"paths":[["a","b","c","d"]]}`,
			ChainPath:   []string{"a", "b", "c", "d"},
			HopDepth:    3,
			ReportID:    "r1",
		}),
	}))
	firstRes, err := first.Commit(ctx)
	require.NoError(t, err)

	second := NewNotificationBatcher(ms, zaptest.NewLogger(t))
	require.NoError(t, second.Add(PendingNotification{
		Data: notificationData(t, model.Notification{
			RecipientID: "recipient-D",
			ChainData:   `{"nodes":[],"paths":[["a","d"]]}`,
			ChainPath:   []string{"a", "d"},
			HopDepth:    1,
			ReportID:    "r1",
		}),
	}))
	_, err = second.Commit(ctx)
	require.NoError(t, err)

	doc, err := ms.Get(ctx, model.CollectionNotifications, firstRes.CreatedIDs[0])
	require.NoError(t, err)

	var n model.Notification
	require.NoError(t, model.FromDoc(doc.Data, &n))
	assert.Equal(t, 1, n.HopDepth)
	assert.Equal(t, []string{"a", "d"}, n.ChainPath)
	assert.Empty(t, n.ChainPaths, "longer paths are dropped when a shorter one arrives")
}

func TestCommitLongerPathIsNoOp(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()

	first := NewNotificationBatcher(ms, zaptest.NewLogger(t))
	require.NoError(t, first.Add(PendingNotification{
		Data: notificationData(t, model.Notification{
			RecipientID: "recipient-D",
			ChainPath:   []string{"a", "d"},
			ChainData:   `{"nodes":[]}`,
			HopDepth:    1,
			UpdatedAt:   100,
			ReportID:    "r1",
		}),
	}))
	firstRes, err := first.Commit(ctx)
	require.NoError(t, err)

	second := NewNotificationBatcher(ms, zaptest.NewLogger(t))
	require.NoError(t, second.Add(PendingNotification{
		Data: notificationData(t, model.Notification{
			RecipientID: "recipient-D",
			ChainPath:   []string{"a", "b", "d"},
			ChainData:   `{"nodes":[]}`,
			HopDepth:    2,
			UpdatedAt:   200,
			ReportID:    "r1",
		}),
	}))
	res, err := second.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, firstRes.CreatedIDs[0], res.CreatedIDs[0])

	doc, err := ms.Get(ctx, model.CollectionNotifications, firstRes.CreatedIDs[0])
	require.NoError(t, err)

	var n model.Notification
	require.NoError(t, model.FromDoc(doc.Data, &n))
	assert.Equal(t, 1, n.HopDepth)
	assert.Equal(t, []string{"a", "d"}, n.ChainPath)
	assert.Equal(t, int64(100), n.UpdatedAt, "longer rediscovery leaves the document untouched")
}

func TestCommitReportsPerIndexErrors(t *testing.T) {
	ctx := context.Background()
	b := NewNotificationBatcher(memstore.New(), zaptest.NewLogger(t))

	require.NoError(t, b.Add(PendingNotification{
		Data: notificationData(t, model.Notification{
			RecipientID: "recipient-A", ReportID: "r1", ChainData: "{}", ChainPath: []string{"a"}, HopDepth: 1,
		}),
	}))
	require.NoError(t, b.Add(PendingNotification{Data: map[string]any{"type": "EXPOSURE"}}))
	require.NoError(t, b.Add(PendingNotification{
		Data: notificationData(t, model.Notification{
			RecipientID: "recipient-A", ReportID: "r1", ChainData: "{}", ChainPath: []string{"a"}, HopDepth: 1,
		}),
	}))

	res, err := b.Commit(ctx)
	require.NoError(t, err)

	assert.Empty(t, res.Errors[0])
	assert.NotEmpty(t, res.CreatedIDs[0])

	assert.Contains(t, res.Errors[1], "missing recipientId")
	assert.Empty(t, res.CreatedIDs[1])

	assert.Contains(t, res.Errors[2], "duplicate recipient")
	assert.Equal(t, 1, res.Created)
}

func TestMergeNotificationDataDirect(t *testing.T) {
	existing := map[string]any{
		"hopDepth":  float64(2),
		"chainPath": []any{"a", "b", "d"},
		"chainData": `{"nodes":[]}`,
	}

	// Same path again: nothing to write.
	_, changed := mergeNotificationData(existing, map[string]any{
		"hopDepth":  2,
		"chainPath": []string{"a", "b", "d"},
		"chainData": `{"nodes":[]}`,
	}, 500)
	assert.False(t, changed, "identical rediscovery is a no-op")

	patch, changed := mergeNotificationData(existing, map[string]any{
		"hopDepth":  2,
		"chainPath": []string{"a", "c", "d"},
		"chainData": `{"nodes":[]}`,
	}, 500)
	require.True(t, changed)
	assert.Equal(t, int64(500), patch["updatedAt"])

	paths, err := model.DecodeChainPaths(patch["chainPaths"].(string))
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}
