package dispatch

import (
	"strings"

	"github.com/goccy/go-json"

	"fleet-master/internal/model"
)

// Worker endpoints called by the master.
const (
	pathResolveActivity = "/api/v1/fleet/activity"
	pathSignIn          = "/api/v1/fleet/signin"
	pathThreshold       = "/api/v1/fleet/threshold"
	pathMonitorOn       = "/api/v1/fleet/ws/connect"
	pathMonitorOff      = "/api/v1/fleet/ws/disconnect"
)

// ActivityReport is what a worker sends when its monitor sees a sign-in
// opportunity for the user identified by DetectedBy.
type ActivityReport struct {
	ActivityID  string
	ClassID     string
	CourseID    string
	CourseName  string
	TeacherName string
	Title       string
	DetectedAt  int64
	DetectedBy  string
	Cookies     map[string]string
}

type activityQuery struct {
	ActivityID  string            `json:"aid"`
	ClassID     string            `json:"classid"`
	CourseID    string            `json:"courseid"`
	CourseName  string            `json:"coursename"`
	TeacherName string            `json:"teacherfactor"`
	Title       string            `json:"title"`
	DetectedAt  int64             `json:"detected_at"`
	DetectedBy  string            `json:"detected_by"`
	Cookies     map[string]string `json:"cookies,omitempty"`
}

// activityPayload is the activity descriptor as exchanged with workers.
type activityPayload struct {
	ActivityID      string  `json:"activity_id"`
	CourseID        string  `json:"course_id"`
	ClassID         string  `json:"class_id"`
	CourseName      string  `json:"course_name,omitempty"`
	TeacherName     string  `json:"teacher_name,omitempty"`
	Title           string  `json:"title"`
	OtherID         int     `json:"other_id"`
	SignType        string  `json:"sign_type"`
	Status          int     `json:"status"`
	StartTime       int64   `json:"start_time"`
	EndTime         int64   `json:"end_time"`
	SignOutTime     int64   `json:"sign_out_time,omitempty"`
	TimeLong        int     `json:"time_long,omitempty"`
	SignOutTimeLong int     `json:"sign_out_time_long,omitempty"`
	Manual          bool    `json:"manual"`
	TotalUsers      int     `json:"total_users"`
	SignedUsers     int     `json:"signed_users"`
	SignPercent     float64 `json:"sign_percent"`
	NeedPhoto       bool    `json:"need_photo"`
	NeedLocation    bool    `json:"need_location"`
	LocationRange   float64 `json:"location_range"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	Address         string  `json:"address"`
	NeedCode        bool    `json:"need_code"`
	SignCode        string  `json:"sign_code"`
	NeedSignOut     bool    `json:"need_sign_out"`
	NeedCaptcha     bool    `json:"need_captcha"`
	CaptchaType     string  `json:"captcha_type"`
	NeedFace        bool    `json:"need_face"`
}

func toPayload(a model.Activity) activityPayload {
	return activityPayload{
		ActivityID:      a.ActivityID,
		CourseID:        a.CourseID,
		ClassID:         a.ClassID,
		CourseName:      a.CourseName,
		TeacherName:     a.TeacherName,
		Title:           a.Title,
		OtherID:         a.OtherID,
		SignType:        a.SignType,
		Status:          a.Status,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		SignOutTime:     a.SignOutTime,
		TimeLong:        a.TimeLong,
		SignOutTimeLong: a.SignOutTimeLong,
		Manual:          a.Manual,
		TotalUsers:      a.TotalUsers,
		SignedUsers:     a.SignedUsers,
		SignPercent:     a.SignPercent,
		NeedPhoto:       a.NeedPhoto,
		NeedLocation:    a.NeedLocation,
		LocationRange:   a.LocationRange,
		Latitude:        a.Latitude,
		Longitude:       a.Longitude,
		Address:         a.Address,
		NeedCode:        a.NeedCode,
		SignCode:        a.SignCode,
		NeedSignOut:     a.NeedSignOut,
		NeedCaptcha:     a.NeedCaptcha,
		CaptchaType:     a.CaptchaType,
		NeedFace:        a.NeedFace,
	}
}

// toActivity merges a worker's answer with the identifiers from the report;
// the report wins for course and class naming.
func (p activityPayload) toActivity(r ActivityReport) model.Activity {
	a := model.Activity{
		ActivityID:      p.ActivityID,
		CourseID:        r.CourseID,
		ClassID:         r.ClassID,
		CourseName:      r.CourseName,
		TeacherName:     r.TeacherName,
		Title:           p.Title,
		OtherID:         p.OtherID,
		SignType:        p.SignType,
		Status:          p.Status,
		StartTime:       p.StartTime,
		EndTime:         p.EndTime,
		SignOutTime:     p.SignOutTime,
		TimeLong:        p.TimeLong,
		SignOutTimeLong: p.SignOutTimeLong,
		Manual:          p.Manual,
		TotalUsers:      p.TotalUsers,
		SignedUsers:     p.SignedUsers,
		SignPercent:     p.SignPercent,
		NeedPhoto:       p.NeedPhoto,
		NeedLocation:    p.NeedLocation,
		LocationRange:   p.LocationRange,
		Latitude:        p.Latitude,
		Longitude:       p.Longitude,
		Address:         p.Address,
		NeedCode:        p.NeedCode,
		SignCode:        p.SignCode,
		NeedSignOut:     p.NeedSignOut,
		NeedCaptcha:     p.NeedCaptcha,
		CaptchaType:     p.CaptchaType,
		NeedFace:        p.NeedFace,
	}
	if a.ActivityID == "" {
		a.ActivityID = r.ActivityID
	}
	if a.Title == "" {
		a.Title = r.Title
	}
	return a
}

type signRequest struct {
	activityPayload
	Cookies     map[string]string `json:"cookies"`
	Enc         string            `json:"enc,omitempty"`
	RandomPhoto bool              `json:"random_photo"`
}

type thresholdRequest struct {
	activityPayload
	Cookies          map[string]string `json:"cookies"`
	UUID             string            `json:"uuid"`
	ThresholdTime    int               `json:"threshold_time"`
	PollInterval     int               `json:"poll_interval"`
	ThresholdCount   int               `json:"threshold_count"`
	ThresholdPercent float64           `json:"threshold_percent"`
	RandomPhoto      bool              `json:"random_photo"`
}

// signResponse is the worker's sign-in verdict. Result is nil when the
// worker could not tell either way.
type signResponse struct {
	Result       *bool           `json:"result"`
	Message      string          `json:"message"`
	ResponseData json.RawMessage `json:"response_data"`
}

// failureMessage is stored verbatim on the detection for operators.
func (r signResponse) failureMessage() string {
	detail := strings.TrimSpace(string(r.ResponseData))
	var s string
	if err := json.Unmarshal(r.ResponseData, &s); err == nil {
		detail = s
	}
	if detail == "null" {
		detail = ""
	}
	raw, err := json.Marshal(struct {
		Result  bool   `json:"result"`
		Message string `json:"message"`
	}{
		Result:  false,
		Message: strings.TrimSpace(r.Message + " " + detail),
	})
	if err != nil {
		return r.Message
	}
	return string(raw)
}
