package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/superfly/fsm"

	"github.com/fly-io/stagehand/pkg/db"
	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/lock"
	"github.com/fly-io/stagehand/pkg/manifest"
	"github.com/fly-io/stagehand/pkg/security"
	"github.com/fly-io/stagehand/pkg/storage"
	"github.com/fly-io/stagehand/pkg/versionstore"
)

// ErrNotNewer aborts a run whose manifest no longer offers a newer version.
var ErrNotNewer = errors.New("manifest version is not newer than current")

// Machine holds dependencies for FSM transitions
type Machine struct {
	locks      *lock.Manager
	fetcher    storage.Fetcher
	verifier   *manifest.Verifier
	store      *versionstore.Store
	journal    *db.Repository
	workDir    string
	maxRetries int
	goos       string
	goarch     string

	mu       sync.Mutex
	callers  map[string]context.Context
	failures map[string]error
	results  map[string]*ApplyResponse
}

// NewMachine creates a new FSM machine with dependencies. journal may be nil.
func NewMachine(
	locks *lock.Manager,
	fetcher storage.Fetcher,
	verifier *manifest.Verifier,
	store *versionstore.Store,
	journal *db.Repository,
	workDir string,
	maxRetries int,
) *Machine {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Machine{
		locks:      locks,
		fetcher:    fetcher,
		verifier:   verifier,
		store:      store,
		journal:    journal,
		workDir:    workDir,
		maxRetries: maxRetries,
		goos:       runtime.GOOS,
		goarch:     runtime.GOARCH,
		callers:    map[string]context.Context{},
		failures:   map[string]error{},
		results:    map[string]*ApplyResponse{},
	}
}

type stepFunc func(ctx context.Context, req *ApplyRequest, resp *ApplyResponse) error

// handler adapts a step to the FSM. Classified failures abort the run at
// once; anything else is retried by the FSM until maxRetries.
func (m *Machine) handler(state string, step stepFunc) func(context.Context, *fsm.Request[ApplyRequest, ApplyResponse]) (*fsm.Response[ApplyResponse], error) {
	return func(ctx context.Context, req *fsm.Request[ApplyRequest, ApplyResponse]) (*fsm.Response[ApplyResponse], error) {
		runID := RunID(req.Msg.AttemptID)
		slog.Info("fsm_state_"+state, "run_id", runID)

		resp := req.W.Msg
		if resp == nil {
			resp = &ApplyResponse{}
		}

		if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
			slog.Error("max_retries_exceeded", "run_id", runID, "state", state, "max_retries", m.maxRetries)
			err := fmt.Errorf("max retries (%d) exceeded in %s", m.maxRetries, state)
			m.fail(runID, req.Msg, resp, err)
			return nil, fsm.Abort(err)
		}

		if parent := m.caller(runID); parent != nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(parent, cancel)
			defer stop()
		}

		if err := step(ctx, req.Msg, resp); err != nil {
			if !permanent(err) {
				slog.Warn("fsm_state_retry", "run_id", runID, "state", state, "error", err)
				return nil, err
			}
			m.fail(runID, req.Msg, resp, err)
			return nil, fsm.Abort(err)
		}

		if state == StateComplete {
			m.finish(runID, resp)
		}
		return fsm.NewResponse(resp), nil
	}
}

// permanent reports whether retrying the step cannot help.
func permanent(err error) bool {
	for _, kind := range []error{
		errors.ErrNetwork,
		errors.ErrManifestInvalid,
		errors.ErrVerificationFailed,
		errors.ErrConflict,
		ErrNotNewer,
		versionstore.ErrVersionExists,
		security.ErrUnsafeBundle,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// resolveManifest fetches and verifies the channel manifest and picks the
// artifact for this platform.
func (m *Machine) resolveManifest(ctx context.Context, req *ApplyRequest, resp *ApplyResponse) error {
	holder, err := m.locks.Get(ctx, lock.KindUpdate)
	if err != nil {
		return errors.Wrap(err, "failed to read update lock")
	}
	if holder == nil || holder.HolderID != req.HolderID {
		return fmt.Errorf("%w: update lock is not held by %d", errors.ErrConflict, req.HolderID)
	}

	data, err := m.fetcher.FetchManifest(ctx, req.Channel)
	if err != nil {
		return err
	}
	man, err := manifest.Parse(data)
	if err != nil {
		return err
	}
	if err := m.verifier.VerifySignature(man); err != nil {
		return err
	}
	if !man.AppliesTo(req.Channel) {
		return fmt.Errorf("%w: manifest is for channel %s, want %s", errors.ErrManifestInvalid, man.Channel, req.Channel)
	}

	newer, err := man.IsNewerThan(req.CurrentVersion)
	if err != nil {
		return err
	}
	if !newer {
		return fmt.Errorf("%w: %s <= %s", ErrNotNewer, man.Version, req.CurrentVersion)
	}
	if ok, err := man.CanUpgradeFrom(req.CurrentVersion); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s requires at least %s", errors.ErrManifestInvalid, man.Version, man.MinSupportedVersion)
	}

	artifact, err := man.ArtifactFor(m.goos, m.goarch)
	if err != nil {
		return err
	}

	resp.Version = man.Version
	resp.ArtifactURL = artifact.URL
	resp.ExpectedSHA256 = artifact.SHA256
	resp.Changelog = man.Changelog

	slog.Info("manifest_resolved", "version", man.Version, "channel", req.Channel, "artifact_url", artifact.URL)
	m.track(resp, req.Channel, db.StatusPending, "")
	return nil
}

func (m *Machine) download(ctx context.Context, req *ApplyRequest, resp *ApplyResponse) error {
	if resp.Version == "" {
		return fmt.Errorf("%w: response not initialized", errors.ErrManifestInvalid)
	}
	m.track(resp, req.Channel, db.StatusDownloading, "")

	downloadDir := filepath.Join(m.workDir, "downloads")
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		slog.Error("download_dir_creation_failed", "path", downloadDir, "error", err)
		return errors.Wrap(err, "failed to create download dir")
	}

	localPath := filepath.Join(downloadDir, fmt.Sprintf("%s-%d.bundle", resp.Version, req.AttemptID))
	result, err := m.fetcher.Download(ctx, resp.ArtifactURL, localPath)
	if err != nil {
		slog.Error("download_failed", "version", resp.Version, "url", resp.ArtifactURL, "error", err)
		return err
	}

	resp.DownloadPath = result.LocalPath
	resp.DownloadSize = result.Size
	return nil
}

// verify hashes the file on disk rather than trusting the streamed digest,
// since the run may have resumed in another process.
func (m *Machine) verify(ctx context.Context, req *ApplyRequest, resp *ApplyResponse) error {
	m.track(resp, req.Channel, db.StatusVerifying, "")

	sum, err := manifest.FileSHA256(resp.DownloadPath)
	if err != nil {
		return err
	}
	if err := manifest.VerifyChecksum(resp.ExpectedSHA256, sum); err != nil {
		slog.Error("artifact_verification_failed", "version", resp.Version, "expected", resp.ExpectedSHA256, "actual", sum)
		m.discard(resp)
		return err
	}

	resp.SHA256 = sum
	slog.Info("artifact_verified", "version", resp.Version, "sha256", sum[:16]+"...")
	return nil
}

func (m *Machine) stage(ctx context.Context, req *ApplyRequest, resp *ApplyResponse) error {
	id, err := m.store.Stage(ctx, versionstore.StageRequest{
		Version:    resp.Version,
		BundlePath: resp.DownloadPath,
		SHA256:     resp.SHA256,
		Channel:    req.Channel,
	})
	if err != nil {
		return err
	}

	m.discard(resp)
	resp.StagedPath = m.store.Path(id)
	return nil
}

func (m *Machine) complete(ctx context.Context, req *ApplyRequest, resp *ApplyResponse) error {
	resp.Status = db.StatusStaged
	m.track(resp, req.Channel, db.StatusStaged, "")
	slog.Info("fsm_complete", "run_id", RunID(req.AttemptID), "version", resp.Version, "staged_path", resp.StagedPath)
	return nil
}

func (m *Machine) discard(resp *ApplyResponse) {
	if resp.DownloadPath == "" {
		return
	}
	if err := os.Remove(resp.DownloadPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("artifact_cleanup_failed", "path", resp.DownloadPath, "error", err)
	}
}

// track mirrors progress into the journal. Journal failures are logged and
// never fail the run.
func (m *Machine) track(resp *ApplyResponse, channel, status, message string) {
	if m.journal == nil || resp.Version == "" {
		return
	}

	rel, err := m.journal.GetByVersion(resp.Version)
	if err != nil {
		slog.Warn("journal_read_failed", "version", resp.Version, "error", err)
		return
	}
	if rel == nil {
		rel = &db.Release{Version: resp.Version}
		defer func() {
			if err := m.journal.Create(rel); err != nil {
				slog.Warn("journal_write_failed", "version", resp.Version, "error", err)
			}
		}()
	} else {
		defer func() {
			if err := m.journal.Update(rel); err != nil {
				slog.Warn("journal_write_failed", "version", resp.Version, "error", err)
			}
		}()
	}

	rel.Channel = channel
	rel.SHA256 = resp.ExpectedSHA256
	rel.ArtifactURL = resp.ArtifactURL
	rel.Status = status
	rel.StagedPath = resp.StagedPath
	rel.ErrorMessage = message
}

func (m *Machine) caller(runID string) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callers[runID]
}

func (m *Machine) begin(ctx context.Context, runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callers[runID] = ctx
	delete(m.failures, runID)
	delete(m.results, runID)
}

func (m *Machine) fail(runID string, req *ApplyRequest, resp *ApplyResponse, err error) {
	m.discard(resp)
	resp.Status = db.StatusFailed
	resp.ErrorMessage = err.Error()
	m.track(resp, req.Channel, db.StatusFailed, err.Error())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[runID] = err
}

func (m *Machine) finish(runID string, resp *ApplyResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := *resp
	m.results[runID] = &out
}

// outcome collects the result of a finished run. The caller context stays
// registered so steps still running after an abandoned wait are cancelled.
func (m *Machine) outcome(runID string, waitErr error) (*ApplyResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() {
		delete(m.failures, runID)
		delete(m.results, runID)
	}()

	if err, ok := m.failures[runID]; ok {
		return nil, err
	}
	if waitErr != nil {
		return nil, errors.Wrap(waitErr, "apply run failed")
	}
	if resp, ok := m.results[runID]; ok {
		return resp, nil
	}
	return nil, fmt.Errorf("apply run %s finished without a result", runID)
}
