package handler

import (
	"github.com/gin-gonic/gin"

	"fleet-master/internal/model"
)

func workerView(w model.Worker) gin.H {
	return gin.H{
		"name":          w.Name,
		"description":   w.Description,
		"subdomain":     w.Subdomain,
		"endpoint":      w.Endpoint,
		"status":        w.Status,
		"capabilities":  w.Capabilities,
		"lastHeartbeat": w.LastHeartbeat,
		"createdAt":     w.CreatedAt,
		"updatedAt":     w.UpdatedAt,
	}
}

func userView(u model.User) gin.H {
	return gin.H{
		"id":            u.ID,
		"username":      u.Username,
		"personName":    u.PersonName,
		"imUsername":    u.IMUsername,
		"worker":        u.WorkerName,
		"monitorStatus": u.MonitorStatus,
		"createdAt":     u.CreatedAt,
		"updatedAt":     u.UpdatedAt,
	}
}

func activityView(a model.Activity) gin.H {
	return gin.H{
		"activityId":      a.ActivityID,
		"courseId":        a.CourseID,
		"classId":         a.ClassID,
		"courseName":      a.CourseName,
		"teacherName":     a.TeacherName,
		"title":           a.Title,
		"otherId":         a.OtherID,
		"signType":        a.SignType,
		"status":          a.Status,
		"startTime":       a.StartTime,
		"endTime":         a.EndTime,
		"totalUsers":      a.TotalUsers,
		"signedUsers":     a.SignedUsers,
		"signPercent":     a.SignPercent,
		"needPhoto":       a.NeedPhoto,
		"needLocation":    a.NeedLocation,
		"needCode":        a.NeedCode,
		"needCaptcha":     a.NeedCaptcha,
		"attendUpdatedAt": a.AttendUpdatedAt,
	}
}

// detectionView embeds the activity when the caller has it.
func detectionView(d model.Detection, a *model.Activity) gin.H {
	out := gin.H{
		"uuid":        d.UUID,
		"activityId":  d.ActivityID,
		"courseName":  d.CourseName,
		"teacherName": d.TeacherName,
		"status":      d.Status,
		"message":     d.Message,
		"detectedAt":  d.DetectedAt,
		"updatedAt":   d.UpdatedAt,
	}
	if a != nil {
		out["activity"] = activityView(*a)
	}
	return out
}

func signConfigView(c model.SignConfig) gin.H {
	return gin.H{
		"uuid":             c.UUID,
		"name":             c.Name,
		"isDefault":        c.IsDefault,
		"courseId":         c.CourseID,
		"classId":          c.ClassID,
		"triggerType":      c.TriggerType,
		"thresholdCount":   c.ThresholdCount,
		"thresholdPercent": c.ThresholdPercent,
		"thresholdTime":    c.ThresholdTime,
		"pollInterval":     c.PollInterval,
		"useRandomPhoto":   c.UseRandomPhoto,
		"notifyOnDetect":   c.NotifyOnDetect,
		"notifyOnSign":     c.NotifyOnSign,
		"barkKey":          c.BarkKey,
		"ntfyKey":          c.NtfyKey,
		"createdAt":        c.CreatedAt,
		"updatedAt":        c.UpdatedAt,
	}
}
