// Package model defines the persisted entities and their invariants.
//
// Documents are stored as JSON maps (see package store); the tagged records
// here are the only way in and out of that representation. Decoding drops
// unknown fields, encoding writes the exact persisted field names, and each
// record validates itself at the boundary.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Collection names. Field layouts per collection are fixed by the structs
// below; timestamps are milliseconds since epoch throughout.
const (
	CollectionUsers         = "users"
	CollectionInteractions  = "interactions"
	CollectionNotifications = "notifications"
	CollectionReports       = "reports"
	CollectionRateLimits    = "rateLimits"
	CollectionCleanupLogs   = "cleanupLogs"
)

const (
	// Day is one day in epoch milliseconds.
	Day int64 = 86_400_000

	// RetentionDays is how long interaction, notification and report
	// records are kept before the sweeper removes them.
	RetentionDays = 180

	// MaxUsernameLen bounds display names.
	MaxUsernameLen = 50
)

var (
	ErrInvalid = errors.New("model: invalid")

	hexID   = regexp.MustCompile(`^[0-9a-f]{64}$`)
	savedID = regexp.MustCompile(`^[A-Za-z0-9]{20,40}$`)
)

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// RetentionFloor is the oldest permissible record timestamp relative to now.
func RetentionFloor(nowMillis int64) int64 {
	return nowMillis - RetentionDays*Day
}

// ── Users ─────────────────────────────────────────────────────────────────

// User is one account document, keyed by uid. The two precomputed hashes
// are always derived server-side; client-supplied values are ignored.
type User struct {
	UID                  string `json:"uid"`
	AnonymousID          string `json:"anonymousId"`
	Username             string `json:"username,omitempty"`
	CreatedAt            int64  `json:"createdAt"`
	FCMToken             string `json:"fcmToken,omitempty"`
	HashedInteractionID  string `json:"hashedInteractionId"`
	HashedNotificationID string `json:"hashedNotificationId"`
}

func (u User) Validate() error {
	if u.UID == "" {
		return fmt.Errorf("%w: uid is required", ErrInvalid)
	}
	if !hexID.MatchString(u.HashedInteractionID) || !hexID.MatchString(u.HashedNotificationID) {
		return fmt.Errorf("%w: user hashes must be 64 hex chars", ErrInvalid)
	}
	if err := ValidateUsername(u.Username); err != nil {
		return err
	}
	return nil
}

// ValidateUsername accepts empty or printable-ASCII names up to
// MaxUsernameLen characters.
func ValidateUsername(name string) error {
	if len(name) > MaxUsernameLen {
		return fmt.Errorf("%w: username exceeds %d chars", ErrInvalid, MaxUsernameLen)
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7e {
			return fmt.Errorf("%w: username must be printable ASCII", ErrInvalid)
		}
	}
	return nil
}

// ValidateSavedID checks the account-recovery id format.
func ValidateSavedID(id string) error {
	if !savedID.MatchString(id) {
		return fmt.Errorf("%w: malformed recovery id", ErrInvalid)
	}
	return nil
}

// ── Interactions ──────────────────────────────────────────────────────────

// Interaction is one proximity record, written by the user who logged it.
// The propagation engine only ever discovers it in the partner→owner
// direction; the reverse direction is intentionally never queried.
type Interaction struct {
	OwnerID                 string `json:"ownerId"`
	PartnerAnonymousID      string `json:"partnerAnonymousId"`
	PartnerUsernameSnapshot string `json:"partnerUsernameSnapshot,omitempty"`
	RecordedAt              int64  `json:"recordedAt"`
}

func (i Interaction) Validate() error {
	if !hexID.MatchString(i.OwnerID) || !hexID.MatchString(i.PartnerAnonymousID) {
		return fmt.Errorf("%w: interaction ids must be 64 hex chars", ErrInvalid)
	}
	if i.OwnerID == i.PartnerAnonymousID {
		return fmt.Errorf("%w: interaction cannot reference self", ErrInvalid)
	}
	if i.RecordedAt <= 0 {
		return fmt.Errorf("%w: recordedAt is required", ErrInvalid)
	}
	return nil
}

// ── Reports ───────────────────────────────────────────────────────────────

// PrivacyLevel controls which report details are projected into the
// notifications it produces.
type PrivacyLevel string

const (
	PrivacyFull      PrivacyLevel = "FULL"
	PrivacySTIOnly   PrivacyLevel = "STI_ONLY"
	PrivacyDateOnly  PrivacyLevel = "DATE_ONLY"
	PrivacyAnonymous PrivacyLevel = "ANONYMOUS"
)

func (p PrivacyLevel) Valid() bool {
	switch p {
	case PrivacyFull, PrivacySTIOnly, PrivacyDateOnly, PrivacyAnonymous:
		return true
	}
	return false
}

// ShareSTI reports whether the level exposes the STI types.
func (p PrivacyLevel) ShareSTI() bool {
	return p == PrivacyFull || p == PrivacySTIOnly
}

// ShareDate reports whether the level exposes the exposure date.
func (p PrivacyLevel) ShareDate() bool {
	return p == PrivacyFull || p == PrivacyDateOnly
}

// TestResult is the reported outcome.
type TestResult string

const (
	ResultPositive TestResult = "POSITIVE"
	ResultNegative TestResult = "NEGATIVE"
)

// ReportStatus is the processing state machine. Transitions only move
// forward: pending → processing → {completed, failed}.
type ReportStatus string

const (
	StatusPending    ReportStatus = "pending"
	StatusProcessing ReportStatus = "processing"
	StatusCompleted  ReportStatus = "completed"
	StatusFailed     ReportStatus = "failed"
)

// CanTransition reports whether moving from s to next is legal.
func (s ReportStatus) CanTransition(next ReportStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Report is one submitted test result, keyed by a generated id.
type Report struct {
	ReporterID                   string       `json:"reporterId"`
	ReporterInteractionHashedID  string       `json:"reporterInteractionHashedId"`
	ReporterNotificationHashedID string       `json:"reporterNotificationHashedId"`
	STITypes                     []string     `json:"stiTypes"`
	TestDate                     int64        `json:"testDate"`
	PrivacyLevel                 PrivacyLevel `json:"privacyLevel"`
	TestResult                   TestResult   `json:"testResult"`
	ReportedAt                   int64        `json:"reportedAt"`
	Status                       ReportStatus `json:"status"`
	LinkedReportID               string       `json:"linkedReportId,omitempty"`
	NotificationID               string       `json:"notificationId,omitempty"`
	ProcessedAt                  int64        `json:"processedAt,omitempty"`
	Error                        string       `json:"error,omitempty"`
}

// MaxSTITypesBytes bounds the serialized stiTypes array.
const MaxSTITypesBytes = 500

// ValidateSTITypes rejects empty or oversized STI lists.
func ValidateSTITypes(types []string) error {
	if len(types) == 0 {
		return fmt.Errorf("%w: stiTypes must be a non-empty array", ErrInvalid)
	}
	raw, err := json.Marshal(types)
	if err != nil {
		return fmt.Errorf("%w: stiTypes not serializable", ErrInvalid)
	}
	if len(raw) > MaxSTITypesBytes {
		return fmt.Errorf("%w: stiTypes exceeds %d bytes", ErrInvalid, MaxSTITypesBytes)
	}
	return nil
}

// ── Notifications ─────────────────────────────────────────────────────────

// NotificationType tags why the recipient is being told something.
type NotificationType string

const (
	TypeExposure      NotificationType = "EXPOSURE"
	TypeUpdate        NotificationType = "UPDATE"
	TypeReportDeleted NotificationType = "REPORT_DELETED"
)

// Notification is one issued exposure notice, keyed by a generated id.
// Exactly one exists per (recipientId, reportId) pair; re-processing merges
// into the existing document instead of duplicating it.
type Notification struct {
	RecipientID  string           `json:"recipientId"`
	Type         NotificationType `json:"type"`
	STIType      []string         `json:"stiType,omitempty"`
	ExposureDate int64            `json:"exposureDate,omitempty"`
	ChainData    string           `json:"chainData"`
	ChainPath    []string         `json:"chainPath"`
	ChainPaths   string           `json:"chainPaths,omitempty"`
	HopDepth     int              `json:"hopDepth"`
	IsRead       bool             `json:"isRead"`
	ReceivedAt   int64            `json:"receivedAt"`
	UpdatedAt    int64            `json:"updatedAt"`
	ReportID     string           `json:"reportId"`
	DeletedAt    int64            `json:"deletedAt,omitempty"`
}

// ── Rate limits ───────────────────────────────────────────────────────────

// RateLimit is one sliding-window counter, keyed "<uid>_<opKind>". The
// expiresAt field makes stale documents eligible for TTL-style cleanup.
type RateLimit struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStart"`
	ExpiresAt   int64 `json:"expiresAt"`
}

// ── Cleanup logs ──────────────────────────────────────────────────────────

// CleanupLog records one retention sweep.
type CleanupLog struct {
	InteractionsDeleted  int   `json:"interactionsDeleted"`
	NotificationsDeleted int   `json:"notificationsDeleted"`
	ReportsDeleted       int   `json:"reportsDeleted"`
	RateLimitsDeleted    int   `json:"rateLimitsDeleted"`
	Timestamp            int64 `json:"timestamp"`
}
