package facetql

import (
	"context"
	"log/slog"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/database"
	"github.com/facetql/facetql/store"
	syncer "github.com/facetql/facetql/sync"
)

// SyncRunRequest triggers syncs for one datasource, or one task of it.
type SyncRunRequest struct {
	DatasourceID string `json:"datasourceId"`
	TaskID       string `json:"taskId,omitempty"`
	// Force releases existing group locks before acquiring, recovering
	// from a crashed holder without waiting for the stale-lock sweep.
	Force bool `json:"force,omitempty"`
	// Background detaches the run and returns immediately; outcomes land
	// in the sync run log instead of the response.
	Background bool   `json:"background,omitempty"`
	Actor      string `json:"-"`
}

// SyncRunResult reports per-task outcomes, or just that a detached run
// started.
type SyncRunResult struct {
	Outcomes   []syncer.TaskOutcome `json:"outcomes,omitempty"`
	Background bool                 `json:"background,omitempty"`
}

// SyncRun executes the datasource's enabled tasks, snapshots first. A
// background run detaches from the request context; Close waits for any
// still in flight.
func (s *Service) SyncRun(ctx context.Context, req *SyncRunRequest) (*SyncRunResult, error) {
	run := syncer.RunRequest{
		DatasourceID: req.DatasourceID,
		TaskID:       req.TaskID,
		Force:        req.Force,
		Actor:        req.Actor,
	}
	if !req.Background {
		outcomes, err := s.coord.Run(ctx, run)
		if err != nil {
			return nil, err
		}
		return &SyncRunResult{Outcomes: outcomes}, nil
	}

	// Access is checked before detaching so the caller still sees
	// authorization failures synchronously.
	if _, err := s.store.AccessibleDatasource(ctx, req.DatasourceID, req.Actor); err != nil {
		return nil, err
	}
	bg := context.WithoutCancel(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := s.coord.Run(bg, run); err != nil {
			slog.Warn("background sync failed", "datasource", req.DatasourceID, "error", err)
		}
	}()
	return &SyncRunResult{Background: true}, nil
}

// SyncAbort requests cooperative cancellation for one task, or for every
// task of the datasource currently in progress. It returns the task ids
// flagged; the runs notice at their next phase boundary.
func (s *Service) SyncAbort(ctx context.Context, datasourceID, taskID, actor string) ([]string, error) {
	return s.coord.Abort(ctx, datasourceID, taskID, actor)
}

// SyncResetStuck clears in-progress flags whose heartbeat went silent and
// releases stale locks. It returns the number of states reset.
func (s *Service) SyncResetStuck(ctx context.Context, datasourceID, actor string) (int64, error) {
	return s.coord.ResetStuck(ctx, datasourceID, actor)
}

// SyncStatus joins the datasource's tasks with their sync states.
func (s *Service) SyncStatus(ctx context.Context, datasourceID, actor string) ([]syncer.TaskStatus, error) {
	return s.coord.Status(ctx, datasourceID, actor)
}

// SyncLogs lists recent runs, newest first.
func (s *Service) SyncLogs(ctx context.Context, datasourceID, actor string, limit int) ([]store.SyncRun, error) {
	return s.coord.Runs(ctx, datasourceID, actor, limit)
}

// SyncFlush drops a task's destination table and watermark so the next run
// rebuilds from scratch.
func (s *Service) SyncFlush(ctx context.Context, datasourceID, taskID, actor string) error {
	return s.coord.Flush(ctx, datasourceID, taskID, actor)
}

// DisposeEngine drops the pooled engine for one datasource. The next query
// dials fresh, picking up credential or network changes.
func (s *Service) DisposeEngine(ctx context.Context, datasourceID, actor string) error {
	ds, err := s.store.AccessibleDatasource(ctx, datasourceID, actor)
	if err != nil {
		return err
	}
	dialect, err := database.DialectForKind(ds.Kind)
	if err != nil {
		return apperr.Wrap(err, apperr.BadRequest, "unsupported datasource kind %q", ds.Kind)
	}
	// The embedded store has no pooled engine to drop.
	if dialect == database.DialectDuckDB {
		return nil
	}
	return s.pool.DisposeByDSN(dialect, ds.DSN)
}

// DisposeAllEngines drops every pooled engine.
func (s *Service) DisposeAllEngines() {
	s.pool.DisposeAll()
}
