package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultEndpoint = "https://fcm.googleapis.com/fcm/send"

// FCMSender delivers pushes over the FCM HTTP API.
type FCMSender struct {
	serverKey string
	endpoint  string
	logger    *zap.Logger
	client    *http.Client
}

var _ Sender = (*FCMSender)(nil)

// NewFCMSender creates a sender with a default 10s timeout.
func NewFCMSender(serverKey string, logger *zap.Logger) *FCMSender {
	return &FCMSender{
		serverKey: serverKey,
		endpoint:  defaultEndpoint,
		logger:    logger,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// fcmNotification is the visible part of the message. Only loc keys, never
// rendered text.
type fcmNotification struct {
	TitleLocKey      string `json:"title_loc_key"`
	BodyLocKey       string `json:"body_loc_key"`
	AndroidChannelID string `json:"android_channel_id"`
	Sound            string `json:"sound,omitempty"`
}

type fcmRequest struct {
	To              string            `json:"to,omitempty"`
	RegistrationIDs []string          `json:"registration_ids,omitempty"`
	Notification    fcmNotification   `json:"notification"`
	Data            map[string]string `json:"data,omitempty"`
	Priority        string            `json:"priority,omitempty"`
}

type fcmResult struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

type fcmResponse struct {
	Success int         `json:"success"`
	Failure int         `json:"failure"`
	Results []fcmResult `json:"results"`
}

// Send delivers one push. Dead tokens come back as ErrInvalidToken so the
// caller can clear them; other failures are plain errors.
func (s *FCMSender) Send(ctx context.Context, token string, p Payload) error {
	resp, err := s.post(ctx, fcmRequest{
		To:           token,
		Notification: s.notification(p),
		Data:         p.Data,
		Priority:     "high",
	})
	if err != nil {
		return err
	}
	if len(resp.Results) > 0 && resp.Results[0].Error != "" {
		code := resp.Results[0].Error
		if IsInvalidTokenCode(code) {
			return fmt.Errorf("%w: %s", ErrInvalidToken, code)
		}
		return fmt.Errorf("push delivery failed: %s", code)
	}
	return nil
}

// SendMulticast delivers one payload to many tokens, batching by
// MaxMulticastTokens. Per-token failures never fail the call; they are
// counted, and invalid tokens are reported by index for cleanup.
func (s *FCMSender) SendMulticast(ctx context.Context, tokens []string, p Payload) (Result, error) {
	var res Result
	if len(tokens) == 0 {
		return res, nil
	}

	notification := s.notification(p)
	for start := 0; start < len(tokens); start += MaxMulticastTokens {
		end := start + MaxMulticastTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		batch := tokens[start:end]

		resp, err := s.post(ctx, fcmRequest{
			RegistrationIDs: batch,
			Notification:    notification,
			Data:            p.Data,
			Priority:        "high",
		})
		if err != nil {
			// The whole batch failed to send; count it and keep going so
			// one bad batch does not starve the rest of the fanout.
			res.FailureCount += len(batch)
			s.logger.Warn("multicast batch failed",
				zap.Int("tokens", len(batch)),
				zap.Error(err))
			continue
		}

		res.SuccessCount += resp.Success
		res.FailureCount += resp.Failure
		for i, r := range resp.Results {
			if r.Error == "" {
				continue
			}
			if IsInvalidTokenCode(r.Error) {
				res.InvalidTokenIndices = append(res.InvalidTokenIndices, start+i)
			}
		}
	}
	return res, nil
}

func (s *FCMSender) notification(p Payload) fcmNotification {
	return fcmNotification{
		TitleLocKey:      p.TitleLocKey,
		BodyLocKey:       p.BodyLocKey,
		AndroidChannelID: AndroidChannelID,
		Sound:            "default",
	}
}

func (s *FCMSender) post(ctx context.Context, reqBody fcmRequest) (*fcmResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.serverKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("push request: HTTP %d", resp.StatusCode)
	}

	var out fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}
	return &out, nil
}
