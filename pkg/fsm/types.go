package fsm

import "fmt"

// ApplyRequest is the FSM input
type ApplyRequest struct {
	AttemptID      int64
	Channel        string
	CurrentVersion string
	// HolderID is the process that must hold the update lock for the run.
	HolderID int
}

// ApplyResponse is the FSM output (accumulated across transitions)
type ApplyResponse struct {
	// From ResolveManifest
	Version        string
	ArtifactURL    string
	ExpectedSHA256 string
	Changelog      string

	// From Download
	DownloadPath string
	DownloadSize int64

	// From Verify
	SHA256 string

	// From Stage
	StagedPath string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateResolveManifest = "resolve_manifest"
	StateDownload        = "download"
	StateVerify          = "verify"
	StateStage           = "stage"
	StateComplete        = "complete"
	StateFailed          = "failed"
)

// RunID names the FSM run of an apply attempt.
func RunID(attemptID int64) string {
	return fmt.Sprintf("apply-%d", attemptID)
}
