package report

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/hashing"
	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/sti"
	"github.com/veilhealth/exposure-service/internal/store"
)

// PositiveInput is the payload for a positive test submission.
type PositiveInput struct {
	STITypes     []string `json:"stiTypes"`
	TestDate     int64    `json:"testDate"`
	PrivacyLevel string   `json:"privacyLevel"`
}

// PositiveReceipt is returned to the submitting client. LinkedReportID is
// set when the reporter had a matching exposure notification, meaning this
// positive extends an existing chain.
type PositiveReceipt struct {
	ReportID       string `json:"reportId"`
	LinkedReportID string `json:"linkedReportId,omitempty"`
}

// NegativeInput is the payload for a negative test submission. Both fields
// are optional: stiType scopes which chains the result applies to, and
// notificationId names the exposure notice being answered.
type NegativeInput struct {
	STIType        string `json:"stiType"`
	NotificationID string `json:"notificationId"`
}

// NegativeReceipt is returned to the submitting client.
type NegativeReceipt struct {
	ReportID string `json:"reportId"`
}

// ChainLinkInfo says whether a positive report from this user would attach
// to an existing chain, and which report it would link to.
type ChainLinkInfo struct {
	HasExistingNotification bool   `json:"hasExistingNotification"`
	LinkedReportID          string `json:"linkedReportId,omitempty"`
}

// SubmitPositive validates and records a positive test result. The report
// lands with status pending; the processing trigger picks it up from there.
// As part of submission the reporter's own prior notifications are marked
// positive and the most recent matching one becomes the linked report.
func (s *Service) SubmitPositive(ctx context.Context, uid string, in PositiveInput) (PositiveReceipt, error) {
	if uid == "" {
		return PositiveReceipt{}, fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	if err := model.ValidateSTITypes(in.STITypes); err != nil {
		return PositiveReceipt{}, fmt.Errorf("%w: %v", store.ErrInvalidArgument, err)
	}
	now := s.now()
	if in.TestDate > now {
		return PositiveReceipt{}, fmt.Errorf("%w: testDate cannot be in the future", store.ErrInvalidArgument)
	}
	if in.TestDate < model.RetentionFloor(now) {
		return PositiveReceipt{}, fmt.Errorf("%w: testDate is outside the retention window", store.ErrInvalidArgument)
	}
	level := model.PrivacyLevel(in.PrivacyLevel)
	if in.PrivacyLevel == "" {
		level = model.PrivacyAnonymous
	}
	if !level.Valid() {
		return PositiveReceipt{}, fmt.Errorf("%w: unknown privacy level", store.ErrInvalidArgument)
	}

	if _, err := s.loadUser(ctx, uid); err != nil {
		return PositiveReceipt{}, err
	}
	notificationHash := hashing.NotificationHash(uid)

	owned, err := s.ownNotifications(ctx, notificationHash)
	if err != nil {
		return PositiveReceipt{}, err
	}
	linkedReportID := findLinkedReport(owned, in.STITypes)
	s.markOwnNodesPositive(ctx, owned, in.STITypes, now)

	rep := model.Report{
		ReporterID:                   hashing.ReportHash(uid),
		ReporterInteractionHashedID:  hashing.InteractionHash(uid),
		ReporterNotificationHashedID: notificationHash,
		STITypes:                     in.STITypes,
		TestDate:                     in.TestDate,
		PrivacyLevel:                 level,
		TestResult:                   model.ResultPositive,
		ReportedAt:                   now,
		Status:                       model.StatusPending,
		LinkedReportID:               linkedReportID,
	}
	data, err := model.ToDoc(rep)
	if err != nil {
		return PositiveReceipt{}, fmt.Errorf("encode report: %w", err)
	}
	id := newDocID()
	if err := s.store.Set(ctx, model.CollectionReports, id, data, false); err != nil {
		return PositiveReceipt{}, fmt.Errorf("write report: %w", err)
	}
	s.publishCreated(ctx, id, model.ResultPositive)

	s.log.Info("positive report submitted",
		zap.String("reportId", id),
		zap.Bool("linked", linkedReportID != ""))
	return PositiveReceipt{ReportID: id, LinkedReportID: linkedReportID}, nil
}

// SubmitNegative records a negative test result. When notificationId is
// given it must name a notification addressed to the caller.
func (s *Service) SubmitNegative(ctx context.Context, uid string, in NegativeInput) (NegativeReceipt, error) {
	if uid == "" {
		return NegativeReceipt{}, fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	if _, err := s.loadUser(ctx, uid); err != nil {
		return NegativeReceipt{}, err
	}
	notificationHash := hashing.NotificationHash(uid)

	if in.NotificationID != "" {
		doc, err := s.store.Get(ctx, model.CollectionNotifications, in.NotificationID)
		if err != nil {
			return NegativeReceipt{}, fmt.Errorf("%w: notification not found", store.ErrNotFound)
		}
		var n model.Notification
		if err := model.FromDoc(doc.Data, &n); err != nil {
			return NegativeReceipt{}, fmt.Errorf("decode notification: %w", err)
		}
		// A notification addressed to someone else is reported absent, not
		// forbidden, so callers cannot probe for foreign document ids.
		if n.RecipientID != notificationHash {
			return NegativeReceipt{}, fmt.Errorf("%w: notification not found", store.ErrNotFound)
		}
	}

	now := s.now()
	var stiTypes []string
	if in.STIType != "" {
		stiTypes = []string{in.STIType}
	}
	rep := model.Report{
		ReporterID:                   hashing.ReportHash(uid),
		ReporterInteractionHashedID:  hashing.InteractionHash(uid),
		ReporterNotificationHashedID: notificationHash,
		STITypes:                     stiTypes,
		TestDate:                     now,
		PrivacyLevel:                 model.PrivacyAnonymous,
		TestResult:                   model.ResultNegative,
		ReportedAt:                   now,
		Status:                       model.StatusPending,
		NotificationID:               in.NotificationID,
	}
	data, err := model.ToDoc(rep)
	if err != nil {
		return NegativeReceipt{}, fmt.Errorf("encode report: %w", err)
	}
	id := newDocID()
	if err := s.store.Set(ctx, model.CollectionReports, id, data, false); err != nil {
		return NegativeReceipt{}, fmt.Errorf("write report: %w", err)
	}
	s.publishCreated(ctx, id, model.ResultNegative)

	s.log.Info("negative report submitted", zap.String("reportId", id))
	return NegativeReceipt{ReportID: id}, nil
}

// ChainLink reports whether a positive submission from this user would link
// into an existing exposure chain. Pure read.
func (s *Service) ChainLink(ctx context.Context, uid, stiType string) (ChainLinkInfo, error) {
	if uid == "" {
		return ChainLinkInfo{}, fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	if _, err := s.loadUser(ctx, uid); err != nil {
		return ChainLinkInfo{}, err
	}
	owned, err := s.ownNotifications(ctx, hashing.NotificationHash(uid))
	if err != nil {
		return ChainLinkInfo{}, err
	}
	var filter []string
	if stiType != "" {
		filter = []string{stiType}
	}
	linked := findLinkedReport(owned, filter)
	return ChainLinkInfo{HasExistingNotification: linked != "", LinkedReportID: linked}, nil
}

// publishCreated emits the report-created event that drives processing.
// The submission stands even when the publish fails: the hourly
// reconciler resubmits pending reports whose event never made it out.
func (s *Service) publishCreated(ctx context.Context, reportID string, result model.TestResult) {
	if err := s.events.ReportCreated(ctx, reportID, result); err != nil {
		s.log.Warn("report-created event publish failed",
			zap.String("reportId", reportID),
			zap.Error(err))
	}
}

// findLinkedReport picks the report this submission chains onto: the most
// recently received live EXPOSURE notification whose STI set intersects the
// reported one. An empty reported set matches any notification that carries
// STI data.
func findLinkedReport(owned []storedNotification, stiTypes []string) string {
	candidates := make([]storedNotification, 0, len(owned))
	for _, n := range owned {
		if n.Type != model.TypeExposure || n.DeletedAt != 0 || n.ReportID == "" {
			continue
		}
		if len(n.STIType) == 0 {
			continue
		}
		if len(stiTypes) > 0 && !sti.Intersects(n.STIType, stiTypes) {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ReceivedAt > candidates[j].ReceivedAt
	})
	return candidates[0].ReportID
}

// markOwnNodesPositive flips the reporter's own node to POSITIVE inside each
// of their prior matching notifications. Failures here are logged, not
// fatal: the submission still stands.
func (s *Service) markOwnNodesPositive(ctx context.Context, owned []storedNotification, stiTypes []string, now int64) {
	for _, n := range owned {
		if n.Type != model.TypeExposure || n.DeletedAt != 0 {
			continue
		}
		if len(n.STIType) == 0 || !sti.Intersects(n.STIType, stiTypes) {
			continue
		}
		intersection := sti.Intersection(n.STIType, stiTypes)
		chainData, changed, err := mutateCurrentUserNode(n.ChainData, model.TestPositive, intersection)
		if err != nil {
			s.log.Warn("skipping notification with unreadable chain data",
				zap.String("notificationId", n.ID),
				zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		patch := map[string]any{"chainData": chainData, "updatedAt": now}
		if err := s.store.Update(ctx, model.CollectionNotifications, n.ID, patch); err != nil {
			s.log.Warn("failed to mark own node positive",
				zap.String("notificationId", n.ID),
				zap.Error(err))
		}
	}
}

// mutateCurrentUserNode rewrites the isCurrentUser node's status inside a
// chainData payload. testedPositiveFor is set for POSITIVE and cleared
// otherwise. Returns the re-encoded payload and whether anything changed.
func mutateCurrentUserNode(chainData string, status model.TestStatus, testedPositiveFor []string) (string, bool, error) {
	viz, err := model.DecodeChainData(chainData)
	if err != nil {
		return "", false, err
	}
	changed := false
	for i := range viz.Nodes {
		if !viz.Nodes[i].IsCurrentUser {
			continue
		}
		if viz.Nodes[i].TestStatus != status || !sameStrings(viz.Nodes[i].TestedPositiveFor, testedPositiveFor) {
			viz.Nodes[i].TestStatus = status
			if status == model.TestPositive {
				viz.Nodes[i].TestedPositiveFor = testedPositiveFor
			} else {
				viz.Nodes[i].TestedPositiveFor = nil
			}
			changed = true
		}
	}
	if !changed {
		return chainData, false, nil
	}
	encoded, err := model.EncodeChainData(viz)
	if err != nil {
		return "", false, err
	}
	return encoded, true, nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
