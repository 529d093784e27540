package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	stdsync "sync"
	"time"

	"github.com/google/go-github/v57/github"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/xelth-com/ecktrackgo/internal/config"
	"github.com/xelth-com/ecktrackgo/internal/models"
	"github.com/xelth-com/ecktrackgo/internal/services/tracker"
	"github.com/xelth-com/ecktrackgo/internal/sync"
	"github.com/xelth-com/ecktrackgo/internal/utils"
)

// ErrSignature rejects deliveries whose HMAC does not match the shared secret
var ErrSignature = errors.New("webhook signature mismatch")

// staleProcessingAfter is how long a delivery may sit in 'processing' before
// the watchdog hands it back to the queue (crash recovery).
const staleProcessingAfter = 5 * time.Minute

// maxRetryDelay caps the exponential backoff between delivery retries
const maxRetryDelay = 10 * time.Minute

// SyncRequester files a best-effort pull for a repository. The sync engine
// implements it; the processor uses it when the delivery backlog grows.
type SyncRequester interface {
	RequestPull(repository string)
}

// Processor receives signed tracker deliveries, persists them and applies
// them asynchronously through the shared entity write path. Deliveries that
// fail transiently are retried with exponential backoff; exhausted ones are
// parked as dead letters.
type Processor struct {
	mu stdsync.Mutex

	db        *gorm.DB
	applier   *sync.Applier
	config    *config.SyncConfig
	secret    []byte
	dedup     *utils.Deduplicator
	requester SyncRequester
	events    sync.EventPublisher

	isRunning   bool
	processChan chan uint
	stopChan    chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewProcessor creates a webhook processor. secret is the shared HMAC secret
// configured on the remote tracker's webhook.
func NewProcessor(db *gorm.DB, applier *sync.Applier, cfg *config.SyncConfig, secret string) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		db:          db,
		applier:     applier,
		config:      cfg,
		secret:      []byte(secret),
		dedup:       utils.NewDeduplicator(5 * time.Minute),
		processChan: make(chan uint, 256),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetSyncRequester wires the backlog watchdog to the sync engine
func (p *Processor) SetSyncRequester(r SyncRequester) {
	p.requester = r
}

// SetEventPublisher wires the realtime hub in
func (p *Processor) SetEventPublisher(pub sync.EventPublisher) {
	p.events = pub
}

// Start launches the delivery worker
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return fmt.Errorf("webhook processor already running")
	}
	p.stopChan = make(chan struct{})
	p.isRunning = true

	go p.worker()
	log.Println("📨 Webhook processor started")
	return nil
}

// Stop shuts the worker down. Queued deliveries stay pending and are picked
// up again on the next start.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return
	}
	p.isRunning = false
	p.cancel()
	close(p.stopChan)
	log.Println("🛑 Webhook processor stopped")
}

// payloadPeek pulls the routing fields out of a raw delivery body
type payloadPeek struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Ingest verifies and stores one delivery. The signature is checked before
// anything touches the database; replayed delivery ids return the already
// stored event. Processing happens asynchronously, callers respond 202.
func (p *Processor) Ingest(ctx context.Context, deliveryID, eventType, signature string, body []byte) (*models.WebhookEvent, error) {
	if err := github.ValidateSignature(signature, body, p.secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	if deliveryID == "" {
		return nil, fmt.Errorf("%w: missing delivery id", sync.ErrValidation)
	}
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing event type", sync.ErrValidation)
	}

	// Fast path for replays; the unique index below is the authority
	if p.dedup.Seen(deliveryID) {
		if existing, err := p.findByDelivery(ctx, deliveryID); err == nil {
			return existing, nil
		}
	}

	var peek payloadPeek
	if err := json.Unmarshal(body, &peek); err != nil {
		return nil, fmt.Errorf("%w: payload is not JSON", sync.ErrValidation)
	}

	maxRetries := p.config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	event := &models.WebhookEvent{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Action:     peek.Action,
		Repository: peek.Repository.FullName,
		Payload:    datatypes.JSON(body),
		Status:     models.WebhookStatusPending,
		MaxRetries: maxRetries,
	}
	if err := p.db.WithContext(ctx).Create(event).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return p.findByDelivery(ctx, deliveryID)
		}
		return nil, fmt.Errorf("store delivery %s: %w", deliveryID, err)
	}

	p.enqueue(event.ID)
	return event, nil
}

func (p *Processor) findByDelivery(ctx context.Context, deliveryID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := p.db.WithContext(ctx).Where("delivery_id = ?", deliveryID).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// ListEvents returns recent deliveries, newest first
func (p *Processor) ListEvents(ctx context.Context, repository, status string, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := p.db.WithContext(ctx).Model(&models.WebhookEvent{}).Order("created_at DESC").Limit(limit)
	if repository != "" {
		q = q.Where("repository = ?", repository)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var events []models.WebhookEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// Stats counts deliveries per status for the status endpoint
func (p *Processor) Stats(ctx context.Context) map[string]int64 {
	counts := map[string]int64{}
	rows, err := p.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Select("status, count(*) as n").Group("status").Rows()
	if err != nil {
		return counts
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err == nil {
			counts[status] = n
		}
	}
	return counts
}

// enqueue hands a delivery to the worker without blocking; the retry tick
// picks up anything that did not fit.
func (p *Processor) enqueue(eventID uint) {
	select {
	case p.processChan <- eventID:
	default:
	}
}

// worker drains the delivery queue and runs the retry and backlog watchdogs
func (p *Processor) worker() {
	retry := time.NewTicker(15 * time.Second)
	defer retry.Stop()
	backlog := time.NewTicker(time.Minute)
	defer backlog.Stop()

	// Pick up whatever an earlier process left behind
	p.enqueueDue()

	for {
		select {
		case <-p.stopChan:
			return
		case eventID := <-p.processChan:
			p.process(eventID)
		case <-retry.C:
			p.enqueueDue()
		case <-backlog.C:
			p.checkBacklog()
		}
	}
}

// enqueueDue moves retryable and orphaned deliveries back into the queue
func (p *Processor) enqueueDue() {
	now := time.Now().UTC()

	// Failed deliveries whose backoff has elapsed
	err := p.db.Model(&models.WebhookEvent{}).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", models.WebhookStatusFailed, now).
		Updates(map[string]interface{}{"status": models.WebhookStatusPending, "next_retry_at": nil}).Error
	if err != nil {
		log.Printf("⚠️ Webhook retry scan failed: %v", err)
	}

	// Deliveries a crashed worker left in 'processing'
	err = p.db.Model(&models.WebhookEvent{}).
		Where("status = ? AND updated_at < ?", models.WebhookStatusProcessing, now.Add(-staleProcessingAfter)).
		Update("status", models.WebhookStatusPending).Error
	if err != nil {
		log.Printf("⚠️ Webhook orphan scan failed: %v", err)
	}

	var ids []uint
	err = p.db.Model(&models.WebhookEvent{}).
		Where("status = ?", models.WebhookStatusPending).
		Order("created_at ASC").Limit(32).
		Pluck("id", &ids).Error
	if err != nil {
		return
	}
	for _, id := range ids {
		p.enqueue(id)
	}
}

// process claims and applies one delivery
func (p *Processor) process(eventID uint) {
	// Claim: only pending deliveries run, double enqueues lose here
	res := p.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", eventID, models.WebhookStatusPending).
		Update("status", models.WebhookStatusProcessing)
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}

	var event models.WebhookEvent
	if err := p.db.First(&event, eventID).Error; err != nil {
		log.Printf("❌ Reload of webhook event %d failed: %v", eventID, err)
		return
	}

	status, note, err := p.apply(p.ctx, &event)
	now := time.Now().UTC()

	if err == nil {
		updates := map[string]interface{}{
			"status":       status,
			"processed_at": now,
		}
		if note != "" {
			updates["error_message"] = note
		}
		if dbErr := p.db.Model(&event).Updates(updates).Error; dbErr != nil {
			log.Printf("❌ Persisting webhook event %d failed: %v", eventID, dbErr)
			return
		}
		if status == models.WebhookStatusProcessed {
			p.publish(event.DeliveryID, event.EventType, event.Repository)
		} else if note != "" {
			log.Printf("📭 Webhook %s (%s %s) ignored: %s", event.DeliveryID, event.EventType, event.Action, note)
		}
		return
	}

	if errors.Is(err, context.Canceled) {
		// Shutdown mid-apply: leave the delivery for the next start
		p.db.Model(&event).Update("status", models.WebhookStatusPending)
		return
	}

	detail := err.Error()
	retryCount := event.RetryCount + 1

	if !tracker.IsTransient(err) || retryCount >= event.MaxRetries {
		// Dead letter: kept for inspection, never retried again
		log.Printf("💀 Webhook %s (%s) dead-lettered after %d attempt(s): %v",
			event.DeliveryID, event.EventType, retryCount, err)
		dbErr := p.db.Model(&event).Updates(map[string]interface{}{
			"status":        models.WebhookStatusIgnored,
			"retry_count":   retryCount,
			"next_retry_at": nil,
			"error_message": detail,
		}).Error
		if dbErr != nil {
			log.Printf("❌ Persisting webhook event %d failed: %v", eventID, dbErr)
		}
		return
	}

	delay := p.retryDelay(retryCount)
	log.Printf("⚠️ Webhook %s (%s) attempt %d failed, retrying in %s: %v",
		event.DeliveryID, event.EventType, retryCount, delay, err)
	dbErr := p.db.Model(&event).Updates(map[string]interface{}{
		"status":        models.WebhookStatusFailed,
		"retry_count":   retryCount,
		"next_retry_at": now.Add(delay),
		"error_message": detail,
	}).Error
	if dbErr != nil {
		log.Printf("❌ Persisting webhook event %d failed: %v", eventID, dbErr)
	}
}

// retryDelay doubles the configured base per attempt, capped
func (p *Processor) retryDelay(retryCount int) time.Duration {
	base := p.config.RetryBaseDelay()
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// apply parses the typed payload and routes it through the shared write path.
// A nil error carries the terminal status; errors are retried by the caller.
func (p *Processor) apply(ctx context.Context, event *models.WebhookEvent) (string, string, error) {
	payload, parseErr := github.ParseWebHook(event.EventType, []byte(event.Payload))
	if parseErr != nil {
		return models.WebhookStatusIgnored, fmt.Sprintf("unparseable %s payload: %v", event.EventType, parseErr), nil
	}

	var repo string
	var rec tracker.Record

	switch ev := payload.(type) {
	case *github.PingEvent:
		return models.WebhookStatusProcessed, "", nil

	case *github.IssuesEvent:
		if ev.GetIssue() == nil {
			return models.WebhookStatusIgnored, "issues event without issue", nil
		}
		if ev.GetIssue().IsPullRequest() {
			return models.WebhookStatusIgnored, "pull requests are not tracked", nil
		}
		repo = ev.GetRepo().GetFullName()
		rec = tracker.ConvertIssue(ev.GetIssue())

	case *github.MilestoneEvent:
		if ev.GetMilestone() == nil {
			return models.WebhookStatusIgnored, "milestone event without milestone", nil
		}
		repo = ev.GetRepo().GetFullName()
		rec = tracker.ConvertMilestone(ev.GetMilestone())

	case *github.ProjectEvent:
		if ev.GetProject() == nil {
			return models.WebhookStatusIgnored, "project event without project", nil
		}
		repo = ev.GetRepo().GetFullName()
		rec = tracker.ConvertProject(ev.GetProject())

	default:
		return models.WebhookStatusIgnored, fmt.Sprintf("event type %q is not tracked", event.EventType), nil
	}

	if repo == "" {
		return models.WebhookStatusIgnored, "delivery without repository", nil
	}
	if event.Action == "deleted" {
		// Remote deletions keep the local copy; an operator decides
		return models.WebhookStatusIgnored, "remote deletion, local copy kept", nil
	}

	result, err := p.applier.ApplyRemote(ctx, repo, rec)
	if err != nil {
		return "", "", err
	}
	if result.Outcome == sync.OutcomeConflict {
		log.Printf("⚠️ Webhook %s surfaced a conflict on %s #%d", event.DeliveryID, rec.Kind, rec.Number)
	}
	return models.WebhookStatusProcessed, "", nil
}

// checkBacklog requests a reconciling pull when too many deliveries for one
// repository are stuck pending or failed.
func (p *Processor) checkBacklog() {
	if p.requester == nil {
		return
	}
	threshold := p.config.WebhookBacklogThreshold
	if threshold <= 0 {
		return
	}

	rows, err := p.db.Model(&models.WebhookEvent{}).
		Select("repository, count(*) as n").
		Where("status IN ? AND repository <> ''", []string{models.WebhookStatusPending, models.WebhookStatusFailed}).
		Group("repository").Rows()
	if err != nil {
		return
	}

	var backlogged []string
	for rows.Next() {
		var repo string
		var n int64
		if err := rows.Scan(&repo, &n); err != nil {
			continue
		}
		if n > int64(threshold) {
			backlogged = append(backlogged, repo)
		}
	}
	rows.Close()

	for _, repo := range backlogged {
		log.Printf("🌊 Webhook backlog for %s exceeds %d, requesting a pull", repo, threshold)
		p.requester.RequestPull(repo)
	}
}

// publish fans the processed notification out when a hub is attached
func (p *Processor) publish(deliveryID, eventType, repository string) {
	if p.events == nil {
		return
	}
	p.events.Publish(sync.EventWebhookProcessed, map[string]interface{}{
		"deliveryId": deliveryID,
		"eventType":  eventType,
		"repository": repository,
	})
}
