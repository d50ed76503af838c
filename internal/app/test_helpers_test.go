package app

import (
	"context"
	"errors"
	"testing"

	"sockwake/internal/config"
	"sockwake/internal/supervise"
)

type controlStubs struct {
	running bool
	ping    func(context.Context, string) error
	status  func(context.Context, string) (supervise.Snapshot, error)
	record  config.Record
}

func stubControl(t *testing.T, stubs controlStubs) {
	t.Helper()
	resetControlDeps()

	supervisorRunning = func(string) bool { return stubs.running }

	if stubs.ping == nil {
		stubs.ping = func(context.Context, string) error {
			return errors.New("ping not stubbed")
		}
	}
	pingSupervisor = stubs.ping

	if stubs.status == nil {
		stubs.status = func(context.Context, string) (supervise.Snapshot, error) {
			return supervise.Snapshot{}, errors.New("status not stubbed")
		}
	}
	fetchStatus = stubs.status

	loadRecord = func(string) (config.Record, error) {
		return stubs.record, nil
	}

	t.Cleanup(resetControlDeps)
}
