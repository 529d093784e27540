package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/xelth-com/ecktrackgo/internal/config"
	"github.com/xelth-com/ecktrackgo/internal/models"
	"github.com/xelth-com/ecktrackgo/internal/ratelimit"
	"github.com/xelth-com/ecktrackgo/internal/services/tracker"
)

// errCancelled aborts a run when the operation's cancel flag was observed
var errCancelled = errors.New("operation cancelled")

// Remote is the tracker API surface the engine needs. tracker.Client
// implements it; tests substitute a fake.
type Remote interface {
	ListPage(ctx context.Context, repo, kind string, since time.Time, page, perPage int) ([]tracker.Record, int, error)
	Fetch(ctx context.Context, repo, kind string, number int) (*tracker.Record, error)
	Push(ctx context.Context, repo, kind string, number int, fields models.JSONB) (*tracker.Record, error)
}

// Engine orchestrates sync operations: one worker goroutine drains the
// operation queue, a scheduler goroutine files periodic pulls, and all
// mutual exclusion lives in the sync_operations table so it survives
// restarts.
type Engine struct {
	mu sync.RWMutex

	db           *gorm.DB
	config       *config.SyncConfig
	remote       Remote
	resolver     *ConflictResolver
	applier      *Applier
	events       EventPublisher
	repositories []string

	// State
	isRunning bool
	lastSync  time.Time
	lastRuns  map[string]time.Time // repo/kind -> last scheduled trigger

	// Channels
	stopChan chan struct{}
	opChan   chan string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates a sync engine with its resolver and applier wired up
func NewEngine(db *gorm.DB, cfg *config.SyncConfig, remote Remote, repositories []string) *Engine {
	resolver := NewConflictResolver(db, cfg.ConflictTolerance())
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		db:           db,
		config:       cfg,
		remote:       remote,
		resolver:     resolver,
		applier:      NewApplier(db, resolver),
		repositories: repositories,
		lastRuns:     make(map[string]time.Time),
		opChan:       make(chan string, 64),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetEventPublisher wires the realtime hub in. Safe to skip in tools that
// have no subscribers.
func (e *Engine) SetEventPublisher(p EventPublisher) {
	e.events = p
}

// Applier exposes the shared write path for the webhook processor and the
// entity handlers.
func (e *Engine) Applier() *Applier {
	return e.applier
}

// Resolver exposes manual conflict resolution for the handlers
func (e *Engine) Resolver() *ConflictResolver {
	return e.resolver
}

// Start launches the worker and scheduler goroutines
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isRunning {
		return fmt.Errorf("sync engine already running")
	}

	e.stopChan = make(chan struct{})
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.isRunning = true

	go e.worker()
	if e.config.PollIntervalSeconds > 0 {
		go e.schedulerLoop()
	}

	log.Println("🔄 Sync engine started")
	return nil
}

// Stop shuts the engine down. A run in flight is interrupted and its
// operation reverts to pending so the next start resumes it from the cursor.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isRunning {
		return
	}
	e.isRunning = false
	e.cancel()
	close(e.stopChan)
	log.Println("🛑 Sync engine stopped")
}

// RecoverInterrupted re-queues operations left non-terminal by a previous
// process. They resume from their persisted cursor.
func (e *Engine) RecoverInterrupted(ctx context.Context) error {
	var stale []models.SyncOperation
	err := e.db.WithContext(ctx).
		Where("status IN ?", []string{models.OpStatusPending, models.OpStatusRunning}).
		Find(&stale).Error
	if err != nil {
		return fmt.Errorf("scan interrupted operations: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	for _, op := range stale {
		if op.Status == models.OpStatusRunning {
			updates := map[string]interface{}{
				"status":    models.OpStatusPending,
				"initiator": models.InitiatorRecovery,
			}
			if err := e.db.WithContext(ctx).Model(&op).Updates(updates).Error; err != nil {
				return fmt.Errorf("requeue operation %s: %w", op.ID, err)
			}
		}
		e.enqueue(op.ID)
	}

	log.Printf("♻️ Recovered %d interrupted sync operation(s)", len(stale))
	return nil
}

// ExecuteSync atomically registers a sync operation and queues it for the
// worker. At most one live operation may exist per (repository, kind); a
// second request returns ErrConflictingOperation.
func (e *Engine) ExecuteSync(ctx context.Context, repository, kind, direction, initiator string) (*models.SyncOperation, error) {
	if repository == "" {
		return nil, fmt.Errorf("%w: repository is required", ErrValidation)
	}
	if !models.ValidOpKind(kind) {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrValidation, kind)
	}
	if !models.ValidDirection(direction) {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrValidation, direction)
	}
	if initiator == "" {
		initiator = models.InitiatorAPI
	}

	op := &models.SyncOperation{
		Repository: repository,
		Kind:       kind,
		Direction:  direction,
		Status:     models.OpStatusPending,
		Initiator:  initiator,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A full run covers every kind, so it conflicts with everything on
		// the repository; a kind run conflicts with its kind and with full.
		q := tx.Model(&models.SyncOperation{}).
			Where("repository = ? AND completed_at IS NULL", repository)
		if kind != models.OpKindFull {
			q = q.Where("kind IN ?", []string{kind, models.OpKindFull})
		}

		var count int64
		if err := q.Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflictingOperation
		}
		return tx.Create(op).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the insert race against a concurrent trigger
			return nil, ErrConflictingOperation
		}
		return nil, err
	}

	e.enqueue(op.ID)
	return op, nil
}

// Cancel requests cooperative cancellation. Pending operations cancel
// immediately; running ones stop at the next page or batch boundary.
func (e *Engine) Cancel(ctx context.Context, operationID string) (*models.SyncOperation, error) {
	op, err := e.Status(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.IsTerminal() {
		return op, ErrOperationTerminal
	}

	if err := e.db.WithContext(ctx).Model(op).Update("cancel_requested", true).Error; err != nil {
		return nil, err
	}

	// A pending op is not claimed yet, finish it right here
	now := time.Now().UTC()
	res := e.db.WithContext(ctx).Model(&models.SyncOperation{}).
		Where("id = ? AND status = ?", operationID, models.OpStatusPending).
		Updates(map[string]interface{}{
			"status":       models.OpStatusCancelled,
			"completed_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}

	return e.Status(ctx, operationID)
}

// Status loads one operation
func (e *Engine) Status(ctx context.Context, operationID string) (*models.SyncOperation, error) {
	var op models.SyncOperation
	err := e.db.WithContext(ctx).First(&op, "id = ?", operationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return &op, nil
}

// ListOperations returns recent operations, newest first
func (e *Engine) ListOperations(ctx context.Context, repository, status string, limit int) ([]models.SyncOperation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := e.db.WithContext(ctx).Model(&models.SyncOperation{}).Order("created_at DESC").Limit(limit)
	if repository != "" {
		q = q.Where("repository = ?", repository)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var ops []models.SyncOperation
	if err := q.Find(&ops).Error; err != nil {
		return nil, err
	}
	return ops, nil
}

// RequestPull files a best-effort pull for a repository. Used by the webhook
// backlog watchdog; an already live operation satisfies the request.
func (e *Engine) RequestPull(repository string) {
	_, err := e.ExecuteSync(context.Background(), repository, models.OpKindFull, models.DirectionFromRemote, models.InitiatorWebhook)
	if err != nil && !errors.Is(err, ErrConflictingOperation) {
		log.Printf("⚠️ Backlog pull request for %s failed: %v", repository, err)
	}
}

// GetStatus summarizes engine state for the status endpoint
func (e *Engine) GetStatus(ctx context.Context) map[string]interface{} {
	e.mu.RLock()
	running := e.isRunning
	lastSync := e.lastSync
	e.mu.RUnlock()

	counts := map[string]int64{}
	rows, err := e.db.WithContext(ctx).Model(&models.SyncOperation{}).
		Select("status, count(*) as n").Group("status").Rows()
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err == nil {
				counts[status] = n
			}
		}
	}

	status := map[string]interface{}{
		"running":      running,
		"repositories": e.repositories,
		"operations":   counts,
	}
	if !lastSync.IsZero() {
		status["lastSync"] = lastSync.UTC().Format(time.RFC3339)
	}
	return status
}

// enqueue hands an operation to the worker without blocking. A full queue is
// fine: the requeue tick picks stragglers up.
func (e *Engine) enqueue(operationID string) {
	select {
	case e.opChan <- operationID:
	default:
	}
}

// worker drains the operation queue
func (e *Engine) worker() {
	requeue := time.NewTicker(30 * time.Second)
	defer requeue.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case opID := <-e.opChan:
			e.runOperation(opID)
		case <-requeue.C:
			e.enqueuePending()
		}
	}
}

// enqueuePending picks up pending operations that never made it into the
// channel (full queue, crash between insert and enqueue)
func (e *Engine) enqueuePending() {
	var ids []string
	err := e.db.Model(&models.SyncOperation{}).
		Where("status = ?", models.OpStatusPending).
		Order("created_at ASC").Limit(16).
		Pluck("id", &ids).Error
	if err != nil {
		return
	}
	for _, id := range ids {
		e.enqueue(id)
	}
}

// runOperation claims and executes one operation end to end
func (e *Engine) runOperation(operationID string) {
	now := time.Now().UTC()

	// Claim: only a pending op may start. Losing the claim means the op was
	// cancelled or another enqueue of the same id already ran it.
	res := e.db.Model(&models.SyncOperation{}).
		Where("id = ? AND status = ?", operationID, models.OpStatusPending).
		Updates(map[string]interface{}{
			"status":     models.OpStatusRunning,
			"started_at": now,
		})
	if res.Error != nil {
		log.Printf("❌ Claim of sync operation %s failed: %v", operationID, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		return
	}

	// Background context: the claim is already written, terminal bookkeeping
	// must still work while the engine context is shutting down.
	op, err := e.Status(context.Background(), operationID)
	if err != nil {
		log.Printf("❌ Reload of sync operation %s failed: %v", operationID, err)
		return
	}

	// Fresh operations inherit the incremental watermark of the last
	// completed pull for this repository and kind.
	if op.Cursor == "" {
		since := e.findWatermark(op.Repository, op.Kind)
		if !since.IsZero() {
			op.Cursor = Cursor{Since: since}.Encode()
			e.db.Model(op).Update("cursor", op.Cursor)
		}
	}

	log.Printf("🔄 Sync %s: %s %s %s (initiator=%s)", op.ID, op.Repository, op.Kind, op.Direction, op.Initiator)
	e.publish(EventSyncStarted, map[string]interface{}{
		"operationId": op.ID,
		"repository":  op.Repository,
		"kind":        op.Kind,
		"direction":   op.Direction,
	})

	runErr := e.runDirection(op)
	e.finishOperation(op, runErr)
}

// finishOperation writes the terminal state and emits the closing event
func (e *Engine) finishOperation(op *models.SyncOperation, runErr error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"records_processed": op.RecordsProcessed,
		"records_failed":    op.RecordsFailed,
	}

	switch {
	case runErr == nil:
		// Completed pulls advance the watermark to this run's start
		updates["status"] = models.OpStatusCompleted
		updates["completed_at"] = now
		if op.Direction != models.DirectionToRemote && op.StartedAt != nil {
			updates["cursor"] = Cursor{Since: op.StartedAt.UTC()}.Encode()
		}

		e.mu.Lock()
		e.lastSync = now
		e.mu.Unlock()

		log.Printf("✅ Sync %s completed: %d processed, %d failed", op.ID, op.RecordsProcessed, op.RecordsFailed)
		e.publish(EventSyncCompleted, map[string]interface{}{
			"operationId": op.ID,
			"repository":  op.Repository,
			"processed":   op.RecordsProcessed,
			"failed":      op.RecordsFailed,
		})

	case errors.Is(runErr, errCancelled):
		updates["status"] = models.OpStatusCancelled
		updates["completed_at"] = now
		updates["error_code"] = ErrCodeCancelled

		log.Printf("🛑 Sync %s cancelled after %d records", op.ID, op.RecordsProcessed)
		e.publish(EventSyncCancelled, map[string]interface{}{"operationId": op.ID})

	case errors.Is(runErr, context.Canceled):
		// Engine shutdown: hand the operation back for the next start
		updates["status"] = models.OpStatusPending
		log.Printf("♻️ Sync %s interrupted by shutdown, will resume from cursor", op.ID)

	default:
		detail := runErr.Error()
		updates["status"] = models.OpStatusFailed
		updates["completed_at"] = now
		updates["error_code"] = classifyError(runErr)
		updates["error_detail"] = detail

		log.Printf("❌ Sync %s failed: %v", op.ID, runErr)
		e.publish(EventSyncFailed, map[string]interface{}{
			"operationId": op.ID,
			"repository":  op.Repository,
			"errorCode":   updates["error_code"],
		})
	}

	if err := e.db.Model(op).Updates(updates).Error; err != nil {
		log.Printf("❌ Persisting terminal state of %s failed: %v", op.ID, err)
	}
}

// classifyError maps a run error onto the operation error taxonomy
func classifyError(err error) string {
	switch {
	case tracker.IsAuthError(err):
		return ErrCodeAuth
	case tracker.IsRateLimit(err), errors.Is(err, ratelimit.ErrTimeout):
		return ErrCodeRateLimit
	case tracker.IsTransient(err):
		return ErrCodeRemote
	}
	return ErrCodeInternal
}

// runDirection dispatches to the pull and push passes
func (e *Engine) runDirection(op *models.SyncOperation) error {
	switch op.Direction {
	case models.DirectionFromRemote:
		return e.runPull(op)
	case models.DirectionToRemote:
		return e.runPush(op)
	case models.DirectionBidirectional:
		if err := e.runPull(op); err != nil {
			return err
		}
		return e.runPush(op)
	}
	return fmt.Errorf("unknown direction %q", op.Direction)
}

// runPull pages changed entities out of the remote and applies them. The
// cursor is persisted after every page so an interrupted run resumes without
// refetching finished pages.
func (e *Engine) runPull(op *models.SyncOperation) error {
	cursor, err := DecodeCursor(op.Cursor)
	if err != nil {
		log.Printf("⚠️ Sync %s: unreadable cursor, starting over (%v)", op.ID, err)
		cursor = Cursor{}
	}
	if cursor.Phase == PhasePush {
		// Bidirectional resume landed past the pull phase already
		return nil
	}

	since := cursor.Since
	kinds := e.enabledKinds(op.Kind)

	// Resume where the cursor left off. A cursor naming a kind that is no
	// longer in the run restarts from the first kind.
	start := 0
	if cursor.EntityKind != "" {
		for i, kind := range kinds {
			if kind == cursor.EntityKind {
				start = i
				break
			}
		}
	}

	for _, kind := range kinds[start:] {
		page := 1
		if kind == cursor.EntityKind && cursor.Page > 0 {
			page = cursor.Page
		}

		for page != 0 {
			if err := e.checkInterrupted(op); err != nil {
				return err
			}

			var records []tracker.Record
			var next int
			fetchErr := e.retryPolicy().Do(e.ctx, func() error {
				var listErr error
				records, next, listErr = e.remote.ListPage(e.ctx, op.Repository, kind, since, page, e.pageSize())
				return listErr
			}, tracker.IsTransient)
			if fetchErr != nil {
				return fmt.Errorf("list %s page %d: %w", kind, page, fetchErr)
			}

			for i := range records {
				result, applyErr := e.applier.ApplyRemote(e.ctx, op.Repository, records[i])
				if applyErr != nil {
					op.RecordsFailed++
					log.Printf("⚠️ Sync %s: applying %s #%d failed: %v", op.ID, kind, records[i].Number, applyErr)
					continue
				}
				op.RecordsProcessed++
				e.noteConflict(op, result)
			}

			// Persist progress: the cursor points at the next unfetched page
			progress := Cursor{Phase: PhasePull, EntityKind: kind, Page: next, Since: since}
			if next == 0 {
				progress = e.advanceKind(kinds, kind, since)
			}
			op.Cursor = progress.Encode()
			e.persistProgress(op)

			e.publish(EventSyncProgress, map[string]interface{}{
				"operationId": op.ID,
				"kind":        kind,
				"processed":   op.RecordsProcessed,
			})

			page = next
		}
	}

	if op.Direction == models.DirectionBidirectional {
		op.Cursor = Cursor{Phase: PhasePush, Since: since}.Encode()
		e.persistProgress(op)
	}
	return nil
}

// advanceKind builds the cursor for the next kind in the run, or the
// end-of-pull cursor after the last one
func (e *Engine) advanceKind(kinds []string, current string, since time.Time) Cursor {
	for i, kind := range kinds {
		if kind == current && i+1 < len(kinds) {
			return Cursor{Phase: PhasePull, EntityKind: kinds[i+1], Page: 1, Since: since}
		}
	}
	return Cursor{Phase: PhasePull, Since: since}
}

// runPush walks the dirty entities and writes their pending changes to the
// remote. Entities with a pending conflict are skipped until resolved.
func (e *Engine) runPush(op *models.SyncOperation) error {
	kinds := e.enabledKinds(op.Kind)
	batch := e.config.PushBatchSize
	if batch <= 0 {
		batch = 50
	}

	var lastID uint
	for {
		if err := e.checkInterrupted(op); err != nil {
			return err
		}

		pendingConflicts := e.db.Model(&models.SyncConflict{}).
			Select("entity_id").
			Where("status = ?", models.ConflictStatusPending)

		var entities []models.TrackedEntity
		err := e.db.WithContext(e.ctx).
			Where("repository = ? AND kind IN ? AND local_modified = ?", op.Repository, kinds, true).
			Where("id > ?", lastID).
			Where("id NOT IN (?)", pendingConflicts).
			Order("id ASC").Limit(batch).
			Find(&entities).Error
		if err != nil {
			return fmt.Errorf("scan dirty entities: %w", err)
		}
		if len(entities) == 0 {
			return nil
		}

		for i := range entities {
			entity := &entities[i]
			lastID = entity.ID

			if err := e.pushEntity(op, entity); err != nil {
				if tracker.IsAuthError(err) {
					return err
				}
				op.RecordsFailed++
				log.Printf("⚠️ Sync %s: pushing %s #%d failed: %v", op.ID, entity.Kind, entity.RemoteNumber, err)
				continue
			}
			op.RecordsProcessed++
		}

		e.persistProgress(op)
	}
}

// pushEntity writes one dirty entity to the remote, checking for a newer
// remote state first so concurrent remote edits go through the resolver
// instead of being overwritten.
func (e *Engine) pushEntity(op *models.SyncOperation, entity *models.TrackedEntity) error {
	policy := e.retryPolicy()

	// Locally created entities have nothing to check against yet
	if entity.RemoteNumber != 0 {
		var remote *tracker.Record
		err := policy.Do(e.ctx, func() error {
			var fetchErr error
			remote, fetchErr = e.remote.Fetch(e.ctx, entity.Repository, entity.Kind, entity.RemoteNumber)
			return fetchErr
		}, tracker.IsTransient)
		if err != nil {
			if errors.Is(err, tracker.ErrRemoteNotFound) {
				// Deleted remotely while locally modified: keep the local
				// copy dirty and let an operator decide.
				return fmt.Errorf("remote %s #%d vanished, keeping local changes: %w", entity.Kind, entity.RemoteNumber, err)
			}
			return err
		}

		if remote.UpdatedAt.After(entity.RemoteUpdatedAt) {
			result, resolveErr := e.resolver.Resolve(e.ctx, entity, *remote)
			if resolveErr != nil {
				return resolveErr
			}
			e.noteConflict(op, result)
			if result.Outcome == OutcomeConflict {
				// Pending manual resolution blocks this push
				return nil
			}
			entity = result.Entity
			if !entity.LocalModified {
				return nil
			}
		}
	}

	var fields models.JSONB
	if entity.RemoteNumber == 0 {
		fields = entity.FieldMap()
	} else {
		fields = PickFields(entity.FieldMap(), entity.LocalChanges)
	}
	if len(fields) == 0 {
		return nil
	}

	var pushed *tracker.Record
	err := policy.Do(e.ctx, func() error {
		var pushErr error
		pushed, pushErr = e.remote.Push(e.ctx, entity.Repository, entity.Kind, entity.RemoteNumber, fields)
		return pushErr
	}, tracker.IsTransient)
	if err != nil {
		return err
	}

	ok, err := e.applier.MarkSynced(e.ctx, entity, pushed)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("ℹ️ Sync %s: %s #%d changed during push, staying dirty", op.ID, entity.Kind, pushed.Number)
	}
	return nil
}

// noteConflict publishes pending conflicts surfaced by the applier
func (e *Engine) noteConflict(op *models.SyncOperation, result *ApplyResult) {
	if result == nil || result.Conflict == nil {
		return
	}
	if result.Conflict.Status != models.ConflictStatusPending {
		return
	}
	e.publish(EventConflictDetected, map[string]interface{}{
		"operationId": op.ID,
		"conflictId":  result.Conflict.ID,
		"repository":  result.Conflict.Repository,
		"entityKind":  result.Conflict.EntityKind,
		"fields":      []string(result.Conflict.ConflictingFields),
	})
}

// persistProgress stores cursor and counters after a page or batch
func (e *Engine) persistProgress(op *models.SyncOperation) {
	err := e.db.Model(op).Updates(map[string]interface{}{
		"cursor":            op.Cursor,
		"records_processed": op.RecordsProcessed,
		"records_failed":    op.RecordsFailed,
	}).Error
	if err != nil {
		log.Printf("⚠️ Persisting progress of %s failed: %v", op.ID, err)
	}
}

// checkInterrupted surfaces shutdown and cooperative cancellation between
// pages and batches
func (e *Engine) checkInterrupted(op *models.SyncOperation) error {
	if e.ctx.Err() != nil {
		return context.Canceled
	}

	var cancelRequested bool
	err := e.db.Model(&models.SyncOperation{}).
		Select("cancel_requested").
		Where("id = ?", op.ID).
		Scan(&cancelRequested).Error
	if err == nil && cancelRequested {
		return errCancelled
	}
	return nil
}

// findWatermark returns the incremental since of the newest completed pull
// covering this repository and kind
func (e *Engine) findWatermark(repository, kind string) time.Time {
	kinds := []string{kind, models.OpKindFull}
	if kind == models.OpKindFull {
		kinds = []string{models.OpKindFull}
	}

	var op models.SyncOperation
	err := e.db.
		Where("repository = ? AND kind IN ? AND status = ? AND direction <> ?",
			repository, kinds, models.OpStatusCompleted, models.DirectionToRemote).
		Order("completed_at DESC").
		First(&op).Error
	if err != nil {
		return time.Time{}
	}

	cursor, err := DecodeCursor(op.Cursor)
	if err != nil {
		return time.Time{}
	}
	return cursor.Since
}

// enabledKinds expands an operation kind into the enabled entity kinds
func (e *Engine) enabledKinds(opKind string) []string {
	all := models.EntityKindsFor(opKind)
	out := make([]string, 0, len(all))
	for _, kind := range all {
		cfg, ok := e.config.Entities[configKeyFor(kind)]
		if ok && !cfg.Enabled {
			continue
		}
		out = append(out, kind)
	}
	if len(out) == 0 {
		// Nothing enabled: honor the explicit request anyway
		return all
	}
	return out
}

// configKeyFor maps an entity kind onto its entities config key
func configKeyFor(entityKind string) string {
	switch entityKind {
	case models.KindProject:
		return "projects"
	case models.KindIssue:
		return "issues"
	case models.KindMilestone:
		return "milestones"
	}
	return entityKind
}

// retryPolicy builds the transient-failure policy from configuration
func (e *Engine) retryPolicy() RetryPolicy {
	policy := DefaultRetryPolicy
	if e.config.MaxRetries > 0 {
		policy.MaxAttempts = e.config.MaxRetries
	}
	if e.config.RetryBaseDelayMs > 0 {
		policy.BaseDelay = e.config.RetryBaseDelay()
	}
	return policy
}

// pageSize returns the configured remote page size
func (e *Engine) pageSize() int {
	if e.config.PageSize > 0 {
		return e.config.PageSize
	}
	return 100
}

// schedulerLoop files periodic pulls for the configured repositories
func (e *Engine) schedulerLoop() {
	ticker := time.NewTicker(e.config.PollInterval())
	defer ticker.Stop()

	log.Printf("⏰ Sync scheduler started (every %s)", e.config.PollInterval())

	if e.config.SyncOnStartup {
		e.runScheduledTriggers(true)
	}

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.runScheduledTriggers(false)
		}
	}
}

// runScheduledTriggers files one pull per repository and due kind
func (e *Engine) runScheduledTriggers(startup bool) {
	if !e.config.Enabled {
		return
	}

	direction := e.config.Direction
	if !models.ValidDirection(direction) {
		direction = models.DirectionBidirectional
	}

	for _, repo := range e.repositories {
		for key, entityCfg := range e.config.Entities {
			if !entityCfg.Enabled {
				continue
			}
			if !models.ValidOpKind(key) {
				continue
			}

			interval := time.Duration(entityCfg.SyncInterval) * time.Second
			if interval <= 0 {
				interval = e.config.PollInterval()
			}

			e.mu.Lock()
			last := e.lastRuns[repo+"/"+key]
			due := startup || time.Since(last) >= interval
			if due {
				e.lastRuns[repo+"/"+key] = time.Now()
			}
			e.mu.Unlock()
			if !due {
				continue
			}

			_, err := e.ExecuteSync(e.ctx, repo, key, direction, models.InitiatorScheduler)
			if err != nil && !errors.Is(err, ErrConflictingOperation) {
				log.Printf("⚠️ Scheduled sync of %s/%s failed to start: %v", repo, key, err)
			}
		}
	}
}

// publish fans an event out when a hub is attached
func (e *Engine) publish(event string, payload map[string]interface{}) {
	if e.events == nil {
		return
	}
	e.events.Publish(event, payload)
}
