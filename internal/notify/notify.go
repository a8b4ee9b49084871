// Package notify decides which user notifications a sign-in produces and
// hands them to a delivery gateway.
package notify

import (
	"context"
	"strings"
	"time"

	"fleet-master/internal/model"
)

type Kind string

const (
	KindDetected Kind = "detected"
	KindSigned   Kind = "signed"
)

const (
	TitleDetected = "Sign-in detected"
	TitleSuccess  = "Sign-in succeeded"
	TitleFailed   = "Sign-in failed"
)

type Notification struct {
	UserID     string `json:"userId"`
	Kind       Kind   `json:"kind"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	ActivityID string `json:"activityId"`
	Detection  string `json:"detection,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	BarkKey    string `json:"-"`
	NtfyKey    string `json:"-"`
	CreatedAt  int64  `json:"createdAt"`
}

// Gateway delivers notifications. Delivery failures are the gateway's to
// report; callers log and carry on.
type Gateway interface {
	Send(ctx context.Context, n Notification) error
}

type Nop struct{}

func (Nop) Send(context.Context, Notification) error { return nil }

func describe(a model.Activity) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.CourseName, a.Title, a.SignType} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Detected returns the detect-time notification, if cfg asks for one.
func Detected(userID string, a model.Activity, d model.Detection, cfg model.SignConfig) (Notification, bool) {
	if !cfg.NotifyOnDetect {
		return Notification{}, false
	}
	return Notification{
		UserID:     userID,
		Kind:       KindDetected,
		Title:      TitleDetected,
		Message:    describe(a),
		ActivityID: a.ActivityID,
		Detection:  d.UUID,
		BarkKey:    cfg.BarkKey,
		NtfyKey:    cfg.NtfyKey,
		CreatedAt:  time.Now().UnixMilli(),
	}, true
}

// Signed returns the post-sign notification, if cfg asks for one.
func Signed(userID string, a model.Activity, d model.Detection, cfg model.SignConfig, success bool) (Notification, bool) {
	if !cfg.NotifyOnSign {
		return Notification{}, false
	}
	title := TitleFailed
	if success {
		title = TitleSuccess
	}
	return Notification{
		UserID:     userID,
		Kind:       KindSigned,
		Title:      title,
		Message:    describe(a),
		ActivityID: a.ActivityID,
		Detection:  d.UUID,
		Success:    &success,
		BarkKey:    cfg.BarkKey,
		NtfyKey:    cfg.NtfyKey,
		CreatedAt:  time.Now().UnixMilli(),
	}, true
}
