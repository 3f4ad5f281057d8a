// Package chain walks the interaction graph outward from a reporter and
// produces the notification fanout for one positive report.
//
// Traversal is breadth-first over hashed ids only. Edges are discovered
// strictly in the partner→owner direction: an interaction is traversable
// toward the user who recorded it, never back. Per hop, the contact window
// is recomputed from the interaction date that reached the current user, so
// the window rolls forward along the chain.
package chain

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/batch"
	"github.com/veilhealth/exposure-service/internal/cache"
	"github.com/veilhealth/exposure-service/internal/hashing"
	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/push"
	"github.com/veilhealth/exposure-service/internal/sti"
	"github.com/veilhealth/exposure-service/internal/store"
)

// MaxHops bounds traversal depth. Risk past ten hops is negligible and the
// cap keeps a propagation run's compute bounded.
const MaxHops = 10

const anonymousUsername = "Anonymous"

// Result summarizes one propagation run.
type Result struct {
	Reached              int
	NotificationsCreated int
	NotificationsUpdated int
	PushSuccess          int
	PushFailure          int
	TokensCleared        int
}

// Propagator runs the fanout for positive reports. Caches are created per
// run and die with it.
type Propagator struct {
	store  store.Store
	sender push.Sender
	log    *zap.Logger

	now     func() int64
	maxHops int
}

func NewPropagator(st store.Store, sender push.Sender, log *zap.Logger) *Propagator {
	return &Propagator{
		store:   st,
		sender:  sender,
		log:     log,
		now:     model.NowMillis,
		maxHops: MaxHops,
	}
}

// reachedUser is the per-node traversal state.
type reachedUser struct {
	depth           int
	interactionDate int64
	paths           [][]string
	pathKeys        map[string]struct{}
}

// traversal is the working state of one run.
type traversal struct {
	reporterHash string
	testDate     int64
	incubation   int

	visited   map[string]*reachedUser
	usernames map[string]string
	order     []string // discovery order, for stable output
}

// Propagate walks the graph from the report's interaction hash, writes one
// notification per reached user and sends the exposure pushes. Writes
// commit before any push goes out.
func (p *Propagator) Propagate(ctx context.Context, reportID string, rep model.Report) (Result, error) {
	interactions := cache.NewInteractionCache(p.store, cache.DefaultInteractionEntries)
	users := cache.NewUserCache(p.store, "hashedInteractionId", cache.DefaultUserEntries)

	tr, err := p.traverse(ctx, rep, interactions)
	if err != nil {
		return Result{}, err
	}

	res := Result{Reached: len(tr.order)}
	if len(tr.order) == 0 {
		p.log.Info("propagation reached nobody", zap.String("reportId", reportID))
		return res, nil
	}

	notifs, recipients, err := p.buildNotifications(ctx, reportID, rep, tr, users)
	if err != nil {
		return Result{}, err
	}

	nb := batch.NewNotificationBatcher(p.store, p.log)
	for _, n := range notifs {
		if err := nb.Add(n); err != nil {
			return Result{}, err
		}
	}
	commit, err := nb.Commit(ctx)
	if err != nil {
		return Result{}, err
	}
	res.NotificationsCreated = commit.Created
	res.NotificationsUpdated = commit.Updated
	for i, msg := range commit.Errors {
		if msg != "" {
			p.log.Warn("notification write failed",
				zap.String("reportId", reportID),
				zap.Int("index", i),
				zap.String("error", msg))
		}
	}

	pushRes := p.dispatchPushes(ctx, commit, recipients)
	res.PushSuccess = pushRes.SuccessCount
	res.PushFailure = pushRes.FailureCount
	res.TokensCleared = len(pushRes.InvalidTokenIndices)

	iStats, uStats := interactions.Stats(), users.Stats()
	p.log.Info("propagation complete",
		zap.String("reportId", reportID),
		zap.Int("reached", res.Reached),
		zap.Int("created", res.NotificationsCreated),
		zap.Int("updated", res.NotificationsUpdated),
		zap.Int("pushSuccess", res.PushSuccess),
		zap.Int("pushFailure", res.PushFailure),
		zap.Int("interactionCacheHits", iStats.Hits),
		zap.Int("interactionCacheMisses", iStats.Misses),
		zap.Int("userCacheHits", uStats.Hits),
		zap.Int("userCacheMisses", uStats.Misses))
	return res, nil
}

// traverse runs the bounded BFS and returns every user reached, keyed by
// interaction hash, with shortest-depth paths only.
func (p *Propagator) traverse(ctx context.Context, rep model.Report, interactions *cache.InteractionCache) (*traversal, error) {
	tr := &traversal{
		reporterHash: rep.ReporterInteractionHashedID,
		testDate:     rep.TestDate,
		incubation:   sti.EffectiveIncubationDays(rep.STITypes),
		visited: map[string]*reachedUser{
			rep.ReporterInteractionHashedID: {
				depth:           0,
				interactionDate: rep.TestDate,
				paths:           [][]string{{rep.ReporterInteractionHashedID}},
			},
		},
		usernames: make(map[string]string),
	}

	now := p.now()
	frontier := []string{tr.reporterHash}

	for hop := 0; hop < p.maxHops && len(frontier) > 0; hop++ {
		var next []string

		for _, u := range frontier {
			state := tr.visited[u]
			ws, we := sti.Window(state.interactionDate, now, tr.incubation)

			edges, err := interactions.Window(ctx, u, ws, we)
			if err != nil {
				return nil, err
			}

			for _, edge := range edges {
				if name := edge.PartnerUsernameSnapshot; name != "" && tr.usernames[u] == "" {
					tr.usernames[u] = name
				}

				v := edge.OwnerID
				if v == tr.reporterHash {
					continue
				}

				if known, ok := tr.visited[v]; ok {
					if known.depth < hop+1 {
						continue
					}
					// Reached again at the same depth: keep the path if it
					// is a genuinely new route.
					for _, basePath := range state.paths {
						known.addPath(appendPath(basePath, v))
					}
					continue
				}

				nv := &reachedUser{
					depth:           hop + 1,
					interactionDate: edge.RecordedAt,
					pathKeys:        make(map[string]struct{}),
				}
				for _, basePath := range state.paths {
					nv.addPath(appendPath(basePath, v))
				}
				tr.visited[v] = nv
				tr.order = append(tr.order, v)
				next = append(next, v)
			}
		}

		p.log.Info("propagation hop",
			zap.Int("hop", hop+1),
			zap.Int("frontier", len(next)),
			zap.Int("reachedTotal", len(tr.order)))
		frontier = next
	}
	return tr, nil
}

// addPath appends a path after canonical group dedup: two routes that share
// endpoints and the same set of intermediates count once.
func (r *reachedUser) addPath(path []string) {
	if r.pathKeys == nil {
		r.pathKeys = make(map[string]struct{})
	}
	key := canonicalKey(path)
	if _, dup := r.pathKeys[key]; dup {
		return
	}
	r.pathKeys[key] = struct{}{}
	r.paths = append(r.paths, path)
}

func appendPath(base []string, v string) []string {
	out := make([]string, len(base)+1)
	copy(out, base)
	out[len(base)] = v
	return out
}

// canonicalKey is (first, sorted middle, last): the group-event identity of
// a path.
func canonicalKey(path []string) string {
	if len(path) <= 2 {
		return strings.Join(path, "|")
	}
	middle := make([]string, len(path)-2)
	copy(middle, path[1:len(path)-1])
	sort.Strings(middle)
	return path[0] + "|" + strings.Join(middle, ",") + "|" + path[len(path)-1]
}

// recipient carries what the push fanout needs per created notification.
type recipient struct {
	uid   string
	token string
}

// buildNotifications resolves reached hashes to users and assembles one
// pending notification per resolvable recipient. Hashes with no account are
// skipped; their edges were still traversed.
func (p *Propagator) buildNotifications(
	ctx context.Context,
	reportID string,
	rep model.Report,
	tr *traversal,
	users *cache.UserCache,
) ([]batch.PendingNotification, []recipient, error) {
	now := p.now()
	var pendings []batch.PendingNotification
	var recipients []recipient

	for _, h := range tr.order {
		rec, found, err := users.Lookup(ctx, h)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			continue
		}

		state := tr.visited[h]
		primary := state.paths[0]

		n := model.Notification{
			RecipientID: rec.User.HashedNotificationID,
			Type:        model.TypeExposure,
			ChainPath:   hashing.ChainPath(primary),
			HopDepth:    state.depth,
			ReceivedAt:  now,
			UpdatedAt:   now,
			ReportID:    reportID,
		}
		if rep.PrivacyLevel.ShareSTI() {
			n.STIType = rep.STITypes
		}
		if rep.PrivacyLevel.ShareDate() {
			n.ExposureDate = rep.TestDate
		}

		viz := model.ChainVisualization{Nodes: p.buildNodes(tr, rep, primary, rec.User)}
		if len(state.paths) > 1 {
			hashed := make([][]string, len(state.paths))
			for i, pth := range state.paths {
				hashed[i] = hashing.ChainPath(pth)
			}
			viz.Paths = hashed
			encoded, err := model.EncodeChainPaths(hashed)
			if err != nil {
				return nil, nil, err
			}
			n.ChainPaths = encoded
		}
		chainData, err := model.EncodeChainData(viz)
		if err != nil {
			return nil, nil, err
		}
		n.ChainData = chainData

		data, err := model.ToDoc(n)
		if err != nil {
			return nil, nil, err
		}
		pendings = append(pendings, batch.PendingNotification{
			Data:                 data,
			HashedInteractionID:  h,
			HashedNotificationID: rec.User.HashedNotificationID,
		})
		recipients = append(recipients, recipient{uid: rec.UID, token: rec.User.FCMToken})
	}
	return pendings, recipients, nil
}

// buildNodes renders the representative path for one recipient. The
// reporter is the first node and tests positive; everyone in between is
// unknown; the recipient closes the chain. Usernames come from interaction
// snapshots, dates follow the reporter's privacy choice.
func (p *Propagator) buildNodes(tr *traversal, rep model.Report, path []string, recipientUser model.User) []model.ChainNode {
	nodes := make([]model.ChainNode, len(path))
	for i, h := range path {
		node := model.ChainNode{
			Username:   tr.usernames[h],
			TestStatus: model.TestUnknown,
		}
		if i == 0 {
			node.TestStatus = model.TestPositive
		}
		if i == len(path)-1 {
			node.IsCurrentUser = true
			if recipientUser.Username != "" {
				node.Username = recipientUser.Username
			}
		}
		if node.Username == "" {
			node.Username = anonymousUsername
		}
		if rep.PrivacyLevel.ShareDate() {
			node.Date = tr.visited[h].interactionDate
		}
		nodes[i] = node
	}
	return nodes
}

// dispatchPushes fans out the exposure pushes for committed notifications
// and clears tokens the provider rejected as dead.
func (p *Propagator) dispatchPushes(ctx context.Context, commit batch.CommitResult, recipients []recipient) push.Result {
	fb := batch.NewFCMBatcher(p.sender, p.log)
	for i, r := range recipients {
		if commit.Errors[i] != "" || commit.CreatedIDs[i] == "" {
			fb.Add(batch.PendingPush{}) // keep index alignment, dropped as empty token
			continue
		}
		fb.Add(batch.PendingPush{
			Token:          r.token,
			NotificationID: commit.CreatedIDs[i],
			Type:           model.TypeExposure,
		})
	}

	res := fb.Send(ctx)
	for _, idx := range res.InvalidTokenIndices {
		uid := recipients[idx].uid
		if err := p.store.Update(ctx, model.CollectionUsers, uid, map[string]any{"fcmToken": ""}); err != nil {
			p.log.Warn("failed to clear dead token",
				zap.String("uid", uid),
				zap.Error(err))
		}
	}
	return res
}
