package model

import "time"

type Outcome string

const (
	OutcomePermitted Outcome = "permitted"
	OutcomeDenied    Outcome = "denied"
)

type DeviceClass string

const (
	ClassTurnstile DeviceClass = "turnstile"
	ClassDoor      DeviceClass = "door"
	ClassGate      DeviceClass = "gate"
)

type HealthStatus string

const (
	StatusOnline      HealthStatus = "online"
	StatusOffline     HealthStatus = "offline"
	StatusWarning     HealthStatus = "warning"
	StatusMaintenance HealthStatus = "maintenance"
)

type Device struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Location    string      `json:"location"`
	Class       DeviceClass `json:"class"`
	Model       string      `json:"model,omitempty"`
	Firmware    string      `json:"firmware,omitempty"`
	InstalledAt time.Time   `json:"installed_at"`
	Active      bool        `json:"active"`

	// Live fields. Status and LastSeen are owned by the health
	// classifier, PendingCommand by the dispatcher.
	Status         HealthStatus `json:"status"`
	LastSeen       time.Time    `json:"last_seen"`
	IP             string       `json:"ip,omitempty"`
	Temperature    float64      `json:"temperature,omitempty"`
	Battery        float64      `json:"battery,omitempty"`
	PendingCommand string       `json:"pending_command,omitempty"`
}

// AccessEvent is an immutable fact once published by the ingestion
// pipeline. An empty Outcome marks a heartbeat.
type AccessEvent struct {
	DeviceID     string    `json:"device_id"`
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
	Outcome      Outcome   `json:"outcome,omitempty"`
	DenialReason string    `json:"denial_reason,omitempty"`
	SubjectRef   string    `json:"subject_ref,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Battery      *float64  `json:"battery,omitempty"`
	ResponseMS   float64   `json:"response_ms,omitempty"`
	IP           string    `json:"ip,omitempty"`
	Firmware     string    `json:"firmware,omitempty"`
}

func (e AccessEvent) Heartbeat() bool { return e.Outcome == "" }

// HealthTransition records one classifier state change. Cause carries
// the alert kind a warning transition maps to; it is empty for
// transitions the alert engine derives from To alone.
type HealthTransition struct {
	DeviceID string       `json:"device_id"`
	From     HealthStatus `json:"from"`
	To       HealthStatus `json:"to"`
	Reason   string       `json:"reason"`
	Cause    AlertKind    `json:"cause,omitempty"`
	At       time.Time    `json:"at"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

type AlertKind string

const (
	AlertOffline          AlertKind = "offline"
	AlertHighErrorRate    AlertKind = "high-error-rate"
	AlertOverheating      AlertKind = "overheating"
	AlertLowBattery       AlertKind = "low-battery"
	AlertStaleFirmware    AlertKind = "stale-firmware"
	AlertCommandTimeout   AlertKind = "command-timeout"
	AlertDenialSpike      AlertKind = "denial-spike"
	AlertDegradedAlerting AlertKind = "degraded-alerting"
)

// Alert lifecycle is owned by the alert engine. At most one open alert
// exists per (DeviceID, Kind) pair.
type Alert struct {
	ID          string     `json:"id"`
	DeviceID    string     `json:"device_id"`
	Severity    Severity   `json:"severity"`
	Kind        AlertKind  `json:"kind"`
	OpenedAt    time.Time  `json:"opened_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Manual      bool       `json:"manual,omitempty"`
	Description string     `json:"description"`
}

func (a Alert) Open() bool { return a.ResolvedAt == nil }

type CommandAction string

const (
	ActionOpen             CommandAction = "open"
	ActionClose            CommandAction = "close"
	ActionReboot           CommandAction = "reboot"
	ActionEnterMaintenance CommandAction = "enter-maintenance"
	ActionExitMaintenance  CommandAction = "exit-maintenance"
)

type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
	CommandTimedOut     CommandStatus = "timed-out"
)

type Command struct {
	ID           string        `json:"id"`
	DeviceID     string        `json:"device_id"`
	Action       CommandAction `json:"action"`
	IssuedAt     time.Time     `json:"issued_at"`
	Status       CommandStatus `json:"status"`
	ResultDetail string        `json:"result_detail,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

func (c Command) Terminal() bool { return c.Status != CommandPending }

// StatWindow aggregates access counts for one bucket. DeviceID is empty
// for the fleet-wide bucket. Partial windows are still accumulating.
type StatWindow struct {
	DeviceID       string        `json:"device_id,omitempty"`
	BucketStart    time.Time     `json:"bucket_start"`
	Granularity    time.Duration `json:"granularity"`
	Permitted      int64         `json:"permitted"`
	Denied         int64         `json:"denied"`
	MeanResponseMS float64       `json:"mean_response_ms"`
	// ResponseSamples counts the events behind MeanResponseMS so a
	// partial bucket can resume accumulating after a restart.
	ResponseSamples int64 `json:"response_samples,omitempty"`
	Partial         bool  `json:"partial"`
}

func (w StatWindow) Total() int64 { return w.Permitted + w.Denied }

func ValidAction(a CommandAction) bool {
	switch a {
	case ActionOpen, ActionClose, ActionReboot, ActionEnterMaintenance, ActionExitMaintenance:
		return true
	}
	return false
}

func ValidClass(c DeviceClass) bool {
	switch c {
	case ClassTurnstile, ClassDoor, ClassGate:
		return true
	}
	return false
}
