package model

type NodeIdentity struct {
	Name         string
	PublicKeyPEM string
	Trusted      bool
}

type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
	WorkerBusy    WorkerStatus = "busy"
	WorkerError   WorkerStatus = "error"
)

func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerOnline, WorkerOffline, WorkerBusy, WorkerError:
		return true
	}
	return false
}

type Worker struct {
	Name          string
	Description   string
	Subdomain     string
	Endpoint      string
	Status        WorkerStatus
	Capabilities  map[string]any
	LastHeartbeat int64
	CreatedAt     int64
	UpdatedAt     int64
}

type User struct {
	ID            string
	Username      string
	PersonName    string
	IMUsername    string
	WorkerName    string
	Cookies       map[string]string
	MonitorStatus bool
	CreatedAt     int64
	UpdatedAt     int64
}

func (u User) DisplayName() string {
	if u.PersonName != "" {
		return u.PersonName
	}
	return u.Username
}

// OtherIDQRCode marks the QR/enc sign-in variant, which needs a scanned enc code.
const OtherIDQRCode = 2

type Activity struct {
	ActivityID      string
	CourseID        string
	CourseName      string
	ClassID         string
	Title           string
	OtherID         int
	SignType        string
	TeacherName     string
	Status          int
	StartTime       int64
	EndTime         int64
	SignOutTime     int64
	TimeLong        int
	SignOutTimeLong int
	Manual          bool

	TotalUsers  int
	SignedUsers int
	SignPercent float64

	NeedPhoto     bool
	NeedLocation  bool
	LocationRange float64
	Latitude      float64
	Longitude     float64
	Address       string
	NeedCode      bool
	SignCode      string
	NeedSignOut   bool
	NeedCaptcha   bool
	CaptchaType   string
	NeedFace      bool

	AttendUpdatedAt int64
	CreatedAt       int64
	UpdatedAt       int64
}

func (a Activity) IsQRCode() bool { return a.OtherID == OtherIDQRCode }

type TriggerType string

const (
	TriggerImmediate TriggerType = "immediate"
	TriggerThreshold TriggerType = "threshold"
	TriggerManual    TriggerType = "manual"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerImmediate, TriggerThreshold, TriggerManual:
		return true
	}
	return false
}

type SignConfig struct {
	UUID      string
	UserID    string
	Name      string
	IsDefault bool
	CourseID  string
	ClassID   string

	TriggerType      TriggerType
	ThresholdCount   int
	ThresholdPercent float64
	ThresholdTime    int
	PollInterval     int
	UseRandomPhoto   bool

	NotifyOnDetect bool
	NotifyOnSign   bool
	BarkKey        string
	NtfyKey        string

	CreatedAt int64
	UpdatedAt int64
}

// FallbackSignConfig is used when a user has neither a class-specific nor a default config.
func FallbackSignConfig(userID string) SignConfig {
	return SignConfig{
		UserID:         userID,
		TriggerType:    TriggerManual,
		ThresholdCount: 1,
		ThresholdTime:  1200,
		PollInterval:   10,
		UseRandomPhoto: true,
	}
}

// Clamp bounds the threshold polling parameters to what workers accept.
func (c *SignConfig) Clamp() {
	if c.ThresholdTime < 120 {
		c.ThresholdTime = 120
	}
	if c.ThresholdTime > 3600 {
		c.ThresholdTime = 3600
	}
	if c.PollInterval < 3 {
		c.PollInterval = 3
	}
	if c.PollInterval > 60 {
		c.PollInterval = 60
	}
	if c.ThresholdCount < 0 {
		c.ThresholdCount = 0
	}
}

type DetectionStatus string

const (
	DetectionPending    DetectionStatus = "pending"
	DetectionEnc        DetectionStatus = "enc"
	DetectionPolling    DetectionStatus = "polling"
	DetectionWaiting    DetectionStatus = "waiting"
	DetectionProcessing DetectionStatus = "processing"
	DetectionSuccess    DetectionStatus = "success"
	DetectionFailed     DetectionStatus = "failed"
)

func ParseDetectionStatus(raw string) (DetectionStatus, bool) {
	s := DetectionStatus(raw)
	switch s {
	case DetectionPending, DetectionEnc, DetectionPolling, DetectionWaiting,
		DetectionProcessing, DetectionSuccess, DetectionFailed:
		return s, true
	}
	return "", false
}

func (s DetectionStatus) Terminal() bool {
	return s == DetectionSuccess || s == DetectionFailed
}

type Detection struct {
	UUID        string
	UserID      string
	ActivityID  string
	CourseName  string
	TeacherName string
	Status      DetectionStatus
	Message     string
	DetectedAt  int64
	UpdatedAt   int64
}

// AttendanceCounters carries optional live counters reported by workers.
type AttendanceCounters struct {
	TotalUsers  *int
	SignedUsers *int
	SignPercent *float64
}

func (c AttendanceCounters) Empty() bool {
	return c.TotalUsers == nil && c.SignedUsers == nil && c.SignPercent == nil
}

func (c AttendanceCounters) ApplyTo(a *Activity) {
	if c.TotalUsers != nil {
		a.TotalUsers = *c.TotalUsers
	}
	if c.SignedUsers != nil {
		a.SignedUsers = *c.SignedUsers
	}
	if c.SignPercent != nil {
		a.SignPercent = *c.SignPercent
	}
}
