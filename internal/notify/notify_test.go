package notify

import (
	"context"
	"strings"
	"testing"

	"fleet-master/internal/hub"
	"fleet-master/internal/model"
)

type recorder struct{ frames []string }

func (r *recorder) Write(b []byte) error {
	r.frames = append(r.frames, string(b))
	return nil
}

func (r *recorder) Close() error { return nil }

func TestDetectedAndSigned_RespectConfig(t *testing.T) {
	a := model.Activity{ActivityID: "a1", CourseName: "Math", Title: "Week 3", SignType: "gesture"}
	d := model.Detection{UUID: "d1"}

	if _, ok := Detected("u1", a, d, model.SignConfig{}); ok {
		t.Fatalf("expected no detect notification when disabled")
	}
	n, ok := Detected("u1", a, d, model.SignConfig{NotifyOnDetect: true, BarkKey: "bk"})
	if !ok || n.Title != TitleDetected || n.Message != "Math Week 3 gesture" || n.BarkKey != "bk" {
		t.Fatalf("unexpected detect notification: %+v", n)
	}

	n, ok = Signed("u1", a, d, model.SignConfig{NotifyOnSign: true}, false)
	if !ok || n.Title != TitleFailed || n.Success == nil || *n.Success {
		t.Fatalf("unexpected sign notification: %+v", n)
	}
}

func TestHubGateway_DeliversToUser(t *testing.T) {
	h := hub.New()
	rec := &recorder{}
	h.Register(&hub.Connection{UserID: "u1", Writer: rec})
	g := NewHubGateway(h)

	if err := g.Send(context.Background(), Notification{UserID: "u1", Title: TitleSuccess, NtfyKey: "secret"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	g.PublishDetection(model.Detection{UUID: "d1", UserID: "u1", Status: model.DetectionSuccess})

	if len(rec.frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(rec.frames))
	}
	if strings.Contains(rec.frames[0], "secret") {
		t.Fatalf("push keys must not reach clients: %s", rec.frames[0])
	}
	if !strings.Contains(rec.frames[1], `"status":"success"`) {
		t.Fatalf("unexpected detection frame: %s", rec.frames[1])
	}
}
