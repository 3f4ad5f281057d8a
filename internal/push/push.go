// Package push defines the device-notification surface. Payloads carry
// localization keys only: the push body must stay meaningless on a lock
// screen, so no infection, date or chain detail ever rides along.
package push

import (
	"context"
	"errors"

	"github.com/veilhealth/exposure-service/internal/model"
)

// Localization keys the clients render. The pair is the entire visible
// content of a push.
const (
	ExposureTitleKey      = "notification_exposure_title"
	ExposureBodyKey       = "notification_exposure_body"
	UpdateTitleKey        = "notification_update_title"
	UpdateBodyKey         = "notification_update_body"
	ReportDeletedTitleKey = "notification_report_deleted_title"
	ReportDeletedBodyKey  = "notification_report_deleted_body"
)

// AndroidChannelID is the fixed client-side notification channel.
const AndroidChannelID = "exposure_notifications"

// MaxMulticastTokens caps one multicast request.
const MaxMulticastTokens = 500

// ErrInvalidToken marks a device token the provider no longer accepts. The
// caller clears the token from the owning user document; the error is never
// surfaced further.
var ErrInvalidToken = errors.New("push: invalid device token")

// Payload is one push message: the loc-key pair plus a small string data
// map delivered to the app.
type Payload struct {
	TitleLocKey string
	BodyLocKey  string
	Data        map[string]string
}

// Signature groups payloads that can share a multicast request.
func (p Payload) Signature() string {
	return p.TitleLocKey + "|" + p.BodyLocKey + "|" + p.Data["type"]
}

// Result summarizes a multicast send. InvalidTokenIndices index into the
// token slice passed to SendMulticast, across all underlying batches.
type Result struct {
	SuccessCount        int
	FailureCount        int
	InvalidTokenIndices []int
}

// Sender delivers pushes. SendMulticast splits the token list into batches
// of MaxMulticastTokens; Send reports ErrInvalidToken for dead tokens.
type Sender interface {
	Send(ctx context.Context, token string, p Payload) error
	SendMulticast(ctx context.Context, tokens []string, p Payload) (Result, error)
}

// PayloadFor builds the canonical payload for a notification type. Data is
// always {notificationId, type} plus whatever extra strings the caller
// adds; extras never override the canonical keys.
func PayloadFor(t model.NotificationType, notificationID string, extra map[string]string) Payload {
	p := Payload{Data: map[string]string{
		"notificationId": notificationID,
		"type":           string(t),
	}}
	for k, v := range extra {
		if k == "notificationId" || k == "type" {
			continue
		}
		p.Data[k] = v
	}

	switch t {
	case model.TypeUpdate:
		p.TitleLocKey = UpdateTitleKey
		p.BodyLocKey = UpdateBodyKey
	case model.TypeReportDeleted:
		p.TitleLocKey = ReportDeletedTitleKey
		p.BodyLocKey = ReportDeletedBodyKey
	default:
		p.TitleLocKey = ExposureTitleKey
		p.BodyLocKey = ExposureBodyKey
	}
	return p
}

// invalidTokenCodes are the provider error strings that mean the token is
// permanently dead. Both the HTTP-API and SDK-style spellings appear in the
// wild depending on provider version.
var invalidTokenCodes = map[string]struct{}{
	"InvalidRegistration":               {},
	"NotRegistered":                     {},
	"MissingRegistration":               {},
	"invalid-registration-token":        {},
	"registration-token-not-registered": {},
}

// IsInvalidTokenCode reports whether a provider error string condemns the
// token itself rather than the delivery attempt.
func IsInvalidTokenCode(code string) bool {
	_, ok := invalidTokenCodes[code]
	return ok
}
