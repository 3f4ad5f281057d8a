package report

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veilhealth/exposure-service/internal/chain"
	"github.com/veilhealth/exposure-service/internal/hashing"
	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/push"
	"github.com/veilhealth/exposure-service/internal/store"
	"github.com/veilhealth/exposure-service/internal/store/memstore"
)

// recordingSender collects every push without delivering anything.
type recordingSender struct {
	invalid map[string]bool
	sent    []sentPush
}

type sentPush struct {
	token   string
	payload push.Payload
}

func (r *recordingSender) Send(ctx context.Context, token string, p push.Payload) error {
	if r.invalid[token] {
		return push.ErrInvalidToken
	}
	r.sent = append(r.sent, sentPush{token: token, payload: p})
	return nil
}

func (r *recordingSender) SendMulticast(ctx context.Context, tokens []string, p push.Payload) (push.Result, error) {
	var res push.Result
	for i, tok := range tokens {
		if r.invalid[tok] {
			res.FailureCount++
			res.InvalidTokenIndices = append(res.InvalidTokenIndices, i)
			continue
		}
		r.sent = append(r.sent, sentPush{token: tok, payload: p})
		res.SuccessCount++
	}
	return res, nil
}

// recordingEvents captures published report events in order. A non-nil err
// makes every publish fail.
type recordingEvents struct {
	published []string
	err       error
}

func (r *recordingEvents) ReportCreated(ctx context.Context, reportID string, result model.TestResult) error {
	if r.err != nil {
		return r.err
	}
	r.published = append(r.published, reportID)
	return nil
}

type fixture struct {
	t      *testing.T
	ms     *memstore.Store
	sender *recordingSender
	events *recordingEvents
	svc    *Service
	nextID int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := memstore.New()
	sender := &recordingSender{}
	events := &recordingEvents{}
	log := zaptest.NewLogger(t)
	svc := NewService(ms, sender, chain.NewPropagator(ms, sender, log), events, log)
	return &fixture{t: t, ms: ms, sender: sender, events: events, svc: svc}
}

func (f *fixture) addUser(uid, username string) {
	f.t.Helper()
	doc, err := model.ToDoc(model.User{
		UID:                  uid,
		AnonymousID:          uid,
		Username:             username,
		CreatedAt:            model.NowMillis() - 100*model.Day,
		FCMToken:             "token-" + uid,
		HashedInteractionID:  hashing.InteractionHash(uid),
		HashedNotificationID: hashing.NotificationHash(uid),
	})
	require.NoError(f.t, err)
	require.NoError(f.t, f.ms.Set(context.Background(), model.CollectionUsers, uid, doc, false))
}

func (f *fixture) addInteraction(ownerUID, partnerUID string, at int64, partnerName string) {
	f.t.Helper()
	f.nextID++
	doc, err := model.ToDoc(model.Interaction{
		OwnerID:                 hashing.InteractionHash(ownerUID),
		PartnerAnonymousID:      hashing.InteractionHash(partnerUID),
		PartnerUsernameSnapshot: partnerName,
		RecordedAt:              at,
	})
	require.NoError(f.t, err)
	id := fmt.Sprintf("interaction-%d", f.nextID)
	require.NoError(f.t, f.ms.Set(context.Background(), model.CollectionInteractions, id, doc, false))
}

// seedNotification writes a notification shaped like propagator output: one
// node per path entry, the recipient last and flagged as the current user.
func (f *fixture) seedNotification(id, recipientUID, reportID string, stiTypes []string, pathUIDs []string, receivedAt int64) {
	f.t.Helper()
	nodes := make([]model.ChainNode, len(pathUIDs))
	for i, uid := range pathUIDs {
		nodes[i] = model.ChainNode{Username: uid, TestStatus: model.TestUnknown}
	}
	nodes[0].TestStatus = model.TestPositive
	nodes[len(nodes)-1].IsCurrentUser = true

	chainData, err := model.EncodeChainData(model.ChainVisualization{Nodes: nodes})
	require.NoError(f.t, err)

	doc, err := model.ToDoc(model.Notification{
		RecipientID: hashing.NotificationHash(recipientUID),
		Type:        model.TypeExposure,
		STIType:     stiTypes,
		ChainData:   chainData,
		ChainPath:   chainOf(pathUIDs...),
		HopDepth:    len(pathUIDs) - 1,
		ReceivedAt:  receivedAt,
		UpdatedAt:   receivedAt,
		ReportID:    reportID,
	})
	require.NoError(f.t, err)
	require.NoError(f.t, f.ms.Set(context.Background(), model.CollectionNotifications, id, doc, false))
}

func (f *fixture) getNotification(id string) model.Notification {
	f.t.Helper()
	doc, err := f.ms.Get(context.Background(), model.CollectionNotifications, id)
	require.NoError(f.t, err)
	var n model.Notification
	require.NoError(f.t, model.FromDoc(doc.Data, &n))
	return n
}

func (f *fixture) getReport(id string) model.Report {
	f.t.Helper()
	doc, err := f.ms.Get(context.Background(), model.CollectionReports, id)
	require.NoError(f.t, err)
	var rep model.Report
	require.NoError(f.t, model.FromDoc(doc.Data, &rep))
	return rep
}

func (f *fixture) notificationsFor(uid string) []storedNotification {
	f.t.Helper()
	docs, err := f.ms.Query(context.Background(), model.CollectionNotifications,
		store.Where("recipientId", store.OpEqual, hashing.NotificationHash(uid)))
	require.NoError(f.t, err)
	out := make([]storedNotification, len(docs))
	for i, doc := range docs {
		var n model.Notification
		require.NoError(f.t, model.FromDoc(doc.Data, &n))
		out[i] = storedNotification{ID: doc.ID, Notification: n}
	}
	return out
}

func chainOf(uids ...string) []string {
	out := make([]string, len(uids))
	for i, uid := range uids {
		out[i] = hashing.ChainHash(hashing.InteractionHash(uid))
	}
	return out
}

func nodesOf(t *testing.T, n model.Notification) []model.ChainNode {
	t.Helper()
	viz, err := model.DecodeChainData(n.ChainData)
	require.NoError(t, err)
	return viz.Nodes
}

func TestSubmitPositiveWritesPendingReport(t *testing.T) {
	f := newFixture(t)
	f.addUser("A", "Alice")

	before := model.NowMillis()
	receipt, err := f.svc.SubmitPositive(context.Background(), "A", PositiveInput{
		STITypes:     []string{"HIV"},
		TestDate:     before - model.Day,
		PrivacyLevel: string(model.PrivacyFull),
	})
	require.NoError(t, err)
	require.NotEmpty(t, receipt.ReportID)
	assert.Empty(t, receipt.LinkedReportID)

	rep := f.getReport(receipt.ReportID)
	assert.Equal(t, hashing.ReportHash("A"), rep.ReporterID)
	assert.Equal(t, hashing.InteractionHash("A"), rep.ReporterInteractionHashedID)
	assert.Equal(t, hashing.NotificationHash("A"), rep.ReporterNotificationHashedID)
	assert.Equal(t, []string{"HIV"}, rep.STITypes)
	assert.Equal(t, model.PrivacyFull, rep.PrivacyLevel)
	assert.Equal(t, model.ResultPositive, rep.TestResult)
	assert.Equal(t, model.StatusPending, rep.Status)
	assert.GreaterOrEqual(t, rep.ReportedAt, before)
	assert.Equal(t, []string{receipt.ReportID}, f.events.published)
}

func TestSubmitSurvivesEventPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.addUser("A", "Alice")
	f.events.err = fmt.Errorf("nats is down")

	receipt, err := f.svc.SubmitPositive(context.Background(), "A", PositiveInput{
		STITypes: []string{"HIV"},
		TestDate: model.NowMillis() - model.Day,
	})
	require.NoError(t, err)

	// The report is durable and pending; the reconciler will resubmit it.
	assert.Equal(t, model.StatusPending, f.getReport(receipt.ReportID).Status)
	assert.Empty(t, f.events.published)
}

func TestSubmitPositiveDefaultsToAnonymous(t *testing.T) {
	f := newFixture(t)
	f.addUser("A", "Alice")

	receipt, err := f.svc.SubmitPositive(context.Background(), "A", PositiveInput{
		STITypes: []string{"HIV"},
		TestDate: model.NowMillis() - model.Day,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PrivacyAnonymous, f.getReport(receipt.ReportID).PrivacyLevel)
}

func TestSubmitPositiveValidation(t *testing.T) {
	f := newFixture(t)
	f.addUser("A", "Alice")
	now := model.NowMillis()

	tests := []struct {
		name string
		uid  string
		in   PositiveInput
		want error
	}{
		{
			name: "missing uid",
			in:   PositiveInput{STITypes: []string{"HIV"}, TestDate: now - model.Day},
			want: store.ErrUnauthenticated,
		},
		{
			name: "empty sti types",
			uid:  "A",
			in:   PositiveInput{TestDate: now - model.Day},
			want: store.ErrInvalidArgument,
		},
		{
			name: "future test date",
			uid:  "A",
			in:   PositiveInput{STITypes: []string{"HIV"}, TestDate: now + 10*model.Day},
			want: store.ErrInvalidArgument,
		},
		{
			name: "test date past retention",
			uid:  "A",
			in:   PositiveInput{STITypes: []string{"HIV"}, TestDate: now - 200*model.Day},
			want: store.ErrInvalidArgument,
		},
		{
			name: "bad privacy level",
			uid:  "A",
			in:   PositiveInput{STITypes: []string{"HIV"}, TestDate: now - model.Day, PrivacyLevel: "LOUD"},
			want: store.ErrInvalidArgument,
		},
		{
			name: "unknown reporter",
			uid:  "ghost",
			in:   PositiveInput{STITypes: []string{"HIV"}, TestDate: now - model.Day},
			want: store.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitPositive(context.Background(), tt.uid, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Nothing was written along the way.
	docs, err := f.ms.Query(context.Background(), model.CollectionReports, store.Query{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSubmitPositiveLinksMostRecentMatchingChain(t *testing.T) {
	f := newFixture(t)
	f.addUser("B", "Bob")
	now := model.NowMillis()

	// Two prior exposures with overlapping STI, one non-overlapping.
	f.seedNotification("n-old", "B", "report-old", []string{"HIV"}, []string{"A", "B"}, now-5*model.Day)
	f.seedNotification("n-new", "B", "report-new", []string{"HIV", "SYPHILIS"}, []string{"C", "B"}, now-2*model.Day)
	f.seedNotification("n-other", "B", "report-other", []string{"CHLAMYDIA"}, []string{"D", "B"}, now-model.Day)

	receipt, err := f.svc.SubmitPositive(context.Background(), "B", PositiveInput{
		STITypes:     []string{"hiv"},
		TestDate:     now - model.Day,
		PrivacyLevel: string(model.PrivacyFull),
	})
	require.NoError(t, err)
	assert.Equal(t, "report-new", receipt.LinkedReportID)
	assert.Equal(t, "report-new", f.getReport(receipt.ReportID).LinkedReportID)

	// Bob's node flips positive on both matching chains, case-insensitively.
	for _, id := range []string{"n-old", "n-new"} {
		n := f.getNotification(id)
		nodes := nodesOf(t, n)
		last := nodes[len(nodes)-1]
		assert.True(t, last.IsCurrentUser)
		assert.Equal(t, model.TestPositive, last.TestStatus, "notification %s", id)
		assert.Equal(t, []string{"HIV"}, last.TestedPositiveFor, "notification %s", id)
		assert.Greater(t, n.UpdatedAt, n.ReceivedAt)
	}

	// The non-overlapping chain is untouched.
	other := f.getNotification("n-other")
	nodes := nodesOf(t, other)
	assert.Equal(t, model.TestUnknown, nodes[len(nodes)-1].TestStatus)
	assert.Equal(t, other.ReceivedAt, other.UpdatedAt)
}

func TestSubmitPositiveIgnoresDeletedChains(t *testing.T) {
	f := newFixture(t)
	f.addUser("B", "Bob")
	now := model.NowMillis()

	f.seedNotification("n-dead", "B", "report-dead", []string{"HIV"}, []string{"A", "B"}, now-3*model.Day)
	require.NoError(t, f.ms.Update(context.Background(), model.CollectionNotifications, "n-dead",
		map[string]any{"deletedAt": now - model.Day}))

	receipt, err := f.svc.SubmitPositive(context.Background(), "B", PositiveInput{
		STITypes: []string{"HIV"},
		TestDate: now - model.Day,
	})
	require.NoError(t, err)
	assert.Empty(t, receipt.LinkedReportID)

	nodes := nodesOf(t, f.getNotification("n-dead"))
	assert.Equal(t, model.TestUnknown, nodes[len(nodes)-1].TestStatus)
}

func TestSubmitNegative(t *testing.T) {
	f := newFixture(t)
	f.addUser("B", "Bob")
	f.addUser("C", "Cara")
	now := model.NowMillis()
	f.seedNotification("n-b", "B", "report-a", []string{"HIV"}, []string{"A", "B"}, now-2*model.Day)

	t.Run("records reply", func(t *testing.T) {
		receipt, err := f.svc.SubmitNegative(context.Background(), "B", NegativeInput{
			STIType:        "HIV",
			NotificationID: "n-b",
		})
		require.NoError(t, err)

		rep := f.getReport(receipt.ReportID)
		assert.Equal(t, model.ResultNegative, rep.TestResult)
		assert.Equal(t, model.PrivacyAnonymous, rep.PrivacyLevel)
		assert.Equal(t, model.StatusPending, rep.Status)
		assert.Equal(t, []string{"HIV"}, rep.STITypes)
		assert.Equal(t, "n-b", rep.NotificationID)
		assert.Contains(t, f.events.published, receipt.ReportID)
	})

	t.Run("no sti and no notification", func(t *testing.T) {
		receipt, err := f.svc.SubmitNegative(context.Background(), "B", NegativeInput{})
		require.NoError(t, err)
		rep := f.getReport(receipt.ReportID)
		assert.Empty(t, rep.STITypes)
		assert.Empty(t, rep.NotificationID)
	})

	t.Run("foreign notification looks absent", func(t *testing.T) {
		_, err := f.svc.SubmitNegative(context.Background(), "C", NegativeInput{NotificationID: "n-b"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("missing notification", func(t *testing.T) {
		_, err := f.svc.SubmitNegative(context.Background(), "B", NegativeInput{NotificationID: "nope"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("missing uid", func(t *testing.T) {
		_, err := f.svc.SubmitNegative(context.Background(), "", NegativeInput{})
		assert.ErrorIs(t, err, store.ErrUnauthenticated)
	})
}

func TestChainLinkInfo(t *testing.T) {
	f := newFixture(t)
	f.addUser("B", "Bob")
	now := model.NowMillis()

	info, err := f.svc.ChainLink(context.Background(), "B", "")
	require.NoError(t, err)
	assert.False(t, info.HasExistingNotification)

	f.seedNotification("n-1", "B", "report-1", []string{"HIV"}, []string{"A", "B"}, now-3*model.Day)
	f.seedNotification("n-2", "B", "report-2", []string{"SYPHILIS"}, []string{"C", "B"}, now-model.Day)

	info, err = f.svc.ChainLink(context.Background(), "B", "")
	require.NoError(t, err)
	assert.True(t, info.HasExistingNotification)
	assert.Equal(t, "report-2", info.LinkedReportID)

	info, err = f.svc.ChainLink(context.Background(), "B", "hiv")
	require.NoError(t, err)
	assert.True(t, info.HasExistingNotification)
	assert.Equal(t, "report-1", info.LinkedReportID)

	info, err = f.svc.ChainLink(context.Background(), "B", "HPV")
	require.NoError(t, err)
	assert.False(t, info.HasExistingNotification)
	assert.Empty(t, info.LinkedReportID)
}

func TestRecoverAccount(t *testing.T) {
	f := newFixture(t)
	savedID := "abcDEF0123456789abcdef012345"
	f.addUser(savedID, "Renee")

	t.Run("bad format", func(t *testing.T) {
		_, err := f.svc.Recover(context.Background(), "short")
		assert.ErrorIs(t, err, store.ErrInvalidArgument)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := f.svc.Recover(context.Background(), "zzzzzzzzzzzzzzzzzzzzzzzzzzzz")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("found", func(t *testing.T) {
		rec, err := f.svc.Recover(context.Background(), savedID)
		require.NoError(t, err)
		assert.Equal(t, savedID, rec.UID)
		assert.Equal(t, "Renee", rec.User.Username)
	})
}

func TestExportBundlesEverything(t *testing.T) {
	f := newFixture(t)
	f.addUser("A", "Alice")
	f.addUser("B", "Bob")
	now := model.NowMillis()
	f.addInteraction("A", "B", now-2*model.Day, "Bob")
	f.addInteraction("B", "A", now-2*model.Day, "Alice")
	f.seedNotification("n-a", "A", "report-x", []string{"HIV"}, []string{"B", "A"}, now-model.Day)

	receipt, err := f.svc.SubmitNegative(context.Background(), "A", NegativeInput{})
	require.NoError(t, err)

	bundle, err := f.svc.Export(context.Background(), "A")
	require.NoError(t, err)

	assert.Equal(t, "A", bundle.User["id"])
	assert.Equal(t, "Alice", bundle.User["username"])

	require.Len(t, bundle.Interactions, 1, "only Alice's own interaction records")
	assert.Equal(t, hashing.InteractionHash("A"), bundle.Interactions[0]["ownerId"])

	require.Len(t, bundle.Notifications, 1)
	assert.Equal(t, "n-a", bundle.Notifications[0]["id"])

	require.Len(t, bundle.Reports, 1)
	assert.Equal(t, receipt.ReportID, bundle.Reports[0]["id"])

	_, err = f.svc.Export(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExportRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Export(context.Background(), "")
	assert.ErrorIs(t, err, store.ErrUnauthenticated)
}
