package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestUserValidate(t *testing.T) {
	valid := User{
		UID:                  "user-1",
		AnonymousID:          "anon-1",
		CreatedAt:            1_700_000_000_000,
		HashedInteractionID:  hashA,
		HashedNotificationID: hashB,
	}

	assert.NoError(t, valid.Validate())

	noUID := valid
	noUID.UID = ""
	assert.ErrorIs(t, noUID.Validate(), ErrInvalid)

	badHash := valid
	badHash.HashedInteractionID = "not-hex"
	assert.ErrorIs(t, badHash.Validate(), ErrInvalid)

	upperHash := valid
	upperHash.HashedNotificationID = strings.ToUpper(hashB)
	assert.ErrorIs(t, upperHash.Validate(), ErrInvalid)
}

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername(""))
	assert.NoError(t, ValidateUsername("Alex (they/them) #42"))
	assert.NoError(t, ValidateUsername(strings.Repeat("x", MaxUsernameLen)))

	assert.ErrorIs(t, ValidateUsername(strings.Repeat("x", MaxUsernameLen+1)), ErrInvalid)
	assert.ErrorIs(t, ValidateUsername("line\nbreak"), ErrInvalid)
	assert.ErrorIs(t, ValidateUsername("émile"), ErrInvalid)
}

func TestValidateSavedID(t *testing.T) {
	assert.NoError(t, ValidateSavedID(strings.Repeat("a", 20)))
	assert.NoError(t, ValidateSavedID(strings.Repeat("A1", 20)))

	assert.ErrorIs(t, ValidateSavedID(strings.Repeat("a", 19)), ErrInvalid)
	assert.ErrorIs(t, ValidateSavedID(strings.Repeat("a", 41)), ErrInvalid)
	assert.ErrorIs(t, ValidateSavedID("short-with-dashes-xx"), ErrInvalid)
	assert.ErrorIs(t, ValidateSavedID(""), ErrInvalid)
}

func TestInteractionValidate(t *testing.T) {
	valid := Interaction{
		OwnerID:            hashA,
		PartnerAnonymousID: hashB,
		RecordedAt:         1_700_000_000_000,
	}
	assert.NoError(t, valid.Validate())

	self := valid
	self.PartnerAnonymousID = self.OwnerID
	assert.ErrorIs(t, self.Validate(), ErrInvalid)

	noTime := valid
	noTime.RecordedAt = 0
	assert.ErrorIs(t, noTime.Validate(), ErrInvalid)
}

func TestValidateSTITypes(t *testing.T) {
	assert.NoError(t, ValidateSTITypes([]string{"HIV"}))
	assert.NoError(t, ValidateSTITypes([]string{"HIV", "SYPHILIS", "HPV"}))

	assert.ErrorIs(t, ValidateSTITypes(nil), ErrInvalid)
	assert.ErrorIs(t, ValidateSTITypes([]string{}), ErrInvalid)

	// 50 entries of 10 chars each serializes past the byte cap.
	big := make([]string, 50)
	for i := range big {
		big[i] = strings.Repeat("X", 10)
	}
	assert.ErrorIs(t, ValidateSTITypes(big), ErrInvalid)
}

func TestPrivacyLevelProjection(t *testing.T) {
	tests := []struct {
		level     PrivacyLevel
		shareSTI  bool
		shareDate bool
	}{
		{PrivacyFull, true, true},
		{PrivacySTIOnly, true, false},
		{PrivacyDateOnly, false, true},
		{PrivacyAnonymous, false, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.level), func(t *testing.T) {
			assert.True(t, tc.level.Valid())
			assert.Equal(t, tc.shareSTI, tc.level.ShareSTI())
			assert.Equal(t, tc.shareDate, tc.level.ShareDate())
		})
	}

	assert.False(t, PrivacyLevel("PUBLIC").Valid())
}

func TestReportStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusProcessing))
	assert.True(t, StatusProcessing.CanTransition(StatusCompleted))
	assert.True(t, StatusProcessing.CanTransition(StatusFailed))

	assert.False(t, StatusPending.CanTransition(StatusCompleted))
	assert.False(t, StatusCompleted.CanTransition(StatusProcessing))
	assert.False(t, StatusFailed.CanTransition(StatusPending))
	assert.False(t, StatusProcessing.CanTransition(StatusPending))
}

func TestDocRoundTrip(t *testing.T) {
	n := Notification{
		RecipientID: hashA,
		Type:        TypeExposure,
		STIType:     []string{"HIV"},
		ChainData:   `{"nodes":[]}`,
		ChainPath:   []string{"c1", "c2"},
		HopDepth:    2,
		ReceivedAt:  1_700_000_000_123,
		UpdatedAt:   1_700_000_000_123,
		ReportID:    "report-1",
	}

	doc, err := ToDoc(n)
	require.NoError(t, err)
	assert.Equal(t, hashA, doc["recipientId"])
	assert.Equal(t, float64(1_700_000_000_123), doc["receivedAt"])
	_, present := doc["deletedAt"]
	assert.False(t, present, "zero optional fields stay off the document")

	var back Notification
	require.NoError(t, FromDoc(doc, &back))
	assert.Equal(t, n, back)
}

func TestFromDocDropsUnknownFields(t *testing.T) {
	doc := map[string]any{
		"count":       float64(3),
		"windowStart": float64(1_700_000_000_000),
		"expiresAt":   float64(1_700_003_600_000),
		"legacyField": "ignored",
	}

	var rl RateLimit
	require.NoError(t, FromDoc(doc, &rl))
	assert.Equal(t, RateLimit{Count: 3, WindowStart: 1_700_000_000_000, ExpiresAt: 1_700_003_600_000}, rl)
}

func TestChainDataRoundTrip(t *testing.T) {
	viz := ChainVisualization{
		Nodes: []ChainNode{
			{Username: "Anonymous User", TestStatus: TestPositive, TestedPositiveFor: []string{"HIV"}},
			{Username: "Sam", TestStatus: TestUnknown},
			{Username: "You", TestStatus: TestUnknown, IsCurrentUser: true},
		},
		Paths: [][]string{{"c1", "c2", "c3"}, {"c1", "c4", "c3"}},
	}

	encoded, err := EncodeChainData(viz)
	require.NoError(t, err)

	back, err := DecodeChainData(encoded)
	require.NoError(t, err)
	assert.Equal(t, viz, back)

	_, err = DecodeChainData("{broken")
	assert.Error(t, err)
}

func TestChainPathsRoundTrip(t *testing.T) {
	paths := [][]string{{"a", "b"}, {"a", "c", "b"}}

	encoded, err := EncodeChainPaths(paths)
	require.NoError(t, err)

	back, err := DecodeChainPaths(encoded)
	require.NoError(t, err)
	assert.Equal(t, paths, back)
}

func TestRetentionFloor(t *testing.T) {
	now := int64(1_700_000_000_000)
	assert.Equal(t, now-180*Day, RetentionFloor(now))
}
