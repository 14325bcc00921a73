package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the Update Coordinator state persisted in the record.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusChecking        Status = "checking"
	StatusUpdateAvailable Status = "update_available"
	StatusUpToDate        Status = "up_to_date"
	StatusDownloading     Status = "downloading"
	StatusVerifying       Status = "verifying"
	StatusStagedReady     Status = "staged_ready"
	StatusSwitching       Status = "switching"
	StatusHealthChecking  Status = "health_checking"
	StatusCommitted       Status = "committed"
	StatusRolledBack      Status = "rolled_back"
	StatusFailed          Status = "failed"
)

var statuses = map[Status]bool{
	StatusIdle: true, StatusChecking: true, StatusUpdateAvailable: true,
	StatusUpToDate: true, StatusDownloading: true, StatusVerifying: true,
	StatusStagedReady: true, StatusSwitching: true, StatusHealthChecking: true,
	StatusCommitted: true, StatusRolledBack: true, StatusFailed: true,
}

// InFlight reports whether an update has progressed past the point where
// check results or config changes may overwrite the status.
func (s Status) InFlight() bool {
	switch s {
	case StatusDownloading, StatusVerifying, StatusStagedReady, StatusSwitching, StatusHealthChecking:
		return true
	}
	return false
}

// Channel selects which release stream the installation follows.
type Channel string

const (
	ChannelStable  Channel = "stable"
	ChannelBeta    Channel = "beta"
	ChannelNightly Channel = "nightly"
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case ChannelStable, ChannelBeta, ChannelNightly:
		return c, nil
	}
	return "", fmt.Errorf("unknown update channel %q (want stable, beta or nightly)", s)
}

// DefaultMaxFailedBoots is used when the record is seeded without an override.
const DefaultMaxFailedBoots = 3

// Record is the singleton update state of one installation.
type Record struct {
	CurrentVersion  string     `json:"current_version"`
	LastGoodVersion string     `json:"last_good_version"`
	PendingVersion  string     `json:"pending_version"`
	UpdateChannel   Channel    `json:"update_channel"`
	LastCheck       *time.Time `json:"last_check"`
	Status          Status     `json:"status"`
	FailedBootCount int        `json:"failed_boot_count"`
	MaxFailedBoots  int        `json:"max_failed_boots"`
}

// New seeds a record for a fresh install of version.
func New(version string, channel Channel, maxFailedBoots int) *Record {
	if maxFailedBoots <= 0 {
		maxFailedBoots = DefaultMaxFailedBoots
	}
	return &Record{
		CurrentVersion:  version,
		LastGoodVersion: version,
		UpdateChannel:   channel,
		Status:          StatusIdle,
		MaxFailedBoots:  maxFailedBoots,
	}
}

// Validate checks the structural invariants that do not need the disk.
func (r *Record) Validate() error {
	if r.CurrentVersion == "" {
		return fmt.Errorf("current_version is empty")
	}
	if r.LastGoodVersion == "" {
		return fmt.Errorf("last_good_version is empty")
	}
	if !statuses[r.Status] {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if _, err := ParseChannel(string(r.UpdateChannel)); err != nil {
		return err
	}
	if r.FailedBootCount < 0 {
		return fmt.Errorf("failed_boot_count is negative")
	}
	if r.MaxFailedBoots <= 0 {
		return fmt.Errorf("max_failed_boots must be positive")
	}
	return nil
}

type recordAlias Record

// MarshalJSON writes pending_version as null when nothing is pending.
func (r Record) MarshalJSON() ([]byte, error) {
	var pending *string
	if r.PendingVersion != "" {
		pending = &r.PendingVersion
	}
	return json.Marshal(struct {
		recordAlias
		PendingVersion *string `json:"pending_version"`
	}{recordAlias(r), pending})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	aux := struct {
		*recordAlias
		PendingVersion *string `json:"pending_version"`
	}{recordAlias: (*recordAlias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.PendingVersion = ""
	if aux.PendingVersion != nil {
		r.PendingVersion = *aux.PendingVersion
	}
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.LastCheck != nil {
		t := *r.LastCheck
		c.LastCheck = &t
	}
	return &c
}

// CrashLooping reports whether the boot counter reached the threshold.
func (r *Record) CrashLooping() bool {
	return r.FailedBootCount >= r.MaxFailedBoots
}
