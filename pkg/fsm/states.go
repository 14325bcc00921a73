// Package fsm implements the apply workflow as a durable finite state
// machine. It resolves the channel manifest, downloads and verifies the
// artifact and stages it into the version store using the superfly/fsm
// library. It never touches the State Record: the coordinator records the
// outcome once the run has finished.
package fsm

import (
	"context"
	"os"
	"time"

	"github.com/superfly/fsm"

	"github.com/fly-io/stagehand/pkg/errors"
)

// Register registers the apply FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[ApplyRequest, ApplyResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ApplyRequest, ApplyResponse](manager, "update-apply").
		Start(StateResolveManifest, m.handler(StateResolveManifest, m.resolveManifest)).
		To(StateDownload, m.handler(StateDownload, m.download)).
		To(StateVerify, m.handler(StateVerify, m.verify)).
		To(StateStage, m.handler(StateStage, m.stage)).
		To(StateComplete, m.handler(StateComplete, m.complete)).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Pipeline owns an FSM manager and runs apply attempts to completion.
type Pipeline struct {
	manager *fsm.Manager
	machine *Machine
	start   fsm.Start[ApplyRequest, ApplyResponse]
}

// Open starts an FSM manager persisting runs under dbPath.
func Open(ctx context.Context, dbPath string, machine *Machine) (*Pipeline, error) {
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create FSM directory")
	}

	manager, err := fsm.New(fsm.Config{DBPath: dbPath})
	if err != nil {
		return nil, errors.Wrap(err, "FSM manager failed")
	}

	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		manager.Shutdown(10 * time.Second)
		return nil, err
	}

	return &Pipeline{manager: manager, machine: machine, start: start}, nil
}

// Close stops the FSM manager.
func (p *Pipeline) Close() {
	p.manager.Shutdown(10 * time.Second)
}

// Apply runs one attempt and returns the staged version. Failures keep
// their classification (errors.ErrNetwork, errors.ErrVerificationFailed...).
func (p *Pipeline) Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error) {
	runID := RunID(req.AttemptID)
	p.machine.begin(ctx, runID)

	version, err := p.start(ctx, runID, fsm.NewRequest(req, &ApplyResponse{}))
	if err != nil {
		p.machine.outcome(runID, nil)
		return nil, errors.Wrap(err, "FSM start failed")
	}

	return p.machine.outcome(runID, p.manager.Wait(ctx, version))
}
