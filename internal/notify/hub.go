package notify

import (
	"context"

	"fleet-master/internal/hub"
	"fleet-master/internal/model"
)

// HubGateway pushes notifications and detection changes to the user's live
// websocket connections.
type HubGateway struct {
	hub *hub.Hub
}

func NewHubGateway(h *hub.Hub) *HubGateway {
	return &HubGateway{hub: h}
}

func (g *HubGateway) Send(_ context.Context, n Notification) error {
	_, err := g.hub.Publish(n.UserID, "notification", n)
	return err
}

type detectionView struct {
	UUID        string `json:"uuid"`
	ActivityID  string `json:"activityId"`
	CourseName  string `json:"courseName"`
	TeacherName string `json:"teacherName"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	DetectedAt  int64  `json:"detectedAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// PublishDetection matches detection.Observer.
func (g *HubGateway) PublishDetection(d model.Detection) {
	_, _ = g.hub.Publish(d.UserID, "detection", detectionView{
		UUID:        d.UUID,
		ActivityID:  d.ActivityID,
		CourseName:  d.CourseName,
		TeacherName: d.TeacherName,
		Status:      string(d.Status),
		Message:     d.Message,
		DetectedAt:  d.DetectedAt,
		UpdatedAt:   d.UpdatedAt,
	})
}
