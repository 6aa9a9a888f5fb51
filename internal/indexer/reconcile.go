package indexer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/pkg/utils"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ReconcileIndex is the part of the vector store the reconciler inspects and prunes.
type ReconcileIndex interface {
	Reload() error
	DocumentIDs() map[int64]int
	DeleteDocuments(ctx context.Context, keep func(documentID int64) bool) (int, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	OrphansRemoved int
	// Mismatched lists completed documents whose vector count differs from their chunk count.
	Mismatched []int64
}

// Reconciler periodically removes vector entries of deleted documents.
type Reconciler struct {
	storage  storage.Storage
	index    ReconcileIndex
	schedule string
	logger   *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets a logger for reconciliation results.
func WithReconcilerLogger(l *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

// NewReconciler creates a reconciler. schedule is a cron spec such as "@every 1h"; "off" or ""
// disables the periodic run.
func NewReconciler(st storage.Storage, idx ReconcileIndex, schedule string, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{storage: st, index: idx, schedule: strings.TrimSpace(schedule)}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = utils.OrNop(r.logger)
	return r
}

// Enabled reports whether a schedule is configured.
func (r *Reconciler) Enabled() bool {
	return r.schedule != "" && !strings.EqualFold(r.schedule, "off")
}

// Start schedules periodic runs. Overlapping runs are skipped.
func (r *Reconciler) Start() error {
	if !r.Enabled() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.Run(context.Background()); err != nil {
			r.logger.Warn("reconcile failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", r.schedule, err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("reconciler scheduled", zap.String("schedule", r.schedule))
	return nil
}

// Stop cancels the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Run reconciles the vector store with the document table once.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	if err := r.index.Reload(); err != nil {
		return nil, fmt.Errorf("reload vector index: %w", err)
	}
	counts := r.index.DocumentIDs()
	if len(counts) == 0 {
		return &Report{}, nil
	}
	ids := make([]int64, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	docs, err := r.storage.GetDocumentsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	report := &Report{}
	// Ids first seen after the snapshot belong to ingestions that finished during the lookup.
	removed, err := r.index.DeleteDocuments(ctx, func(id int64) bool {
		if _, seen := counts[id]; !seen {
			return true
		}
		_, ok := docs[id]
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("remove orphans: %w", err)
	}
	report.OrphansRemoved = removed

	for id, doc := range docs {
		if doc.Status == models.StatusCompleted && counts[id] != doc.ChunkCount {
			report.Mismatched = append(report.Mismatched, id)
			r.logger.Warn("vector count differs from chunk count",
				zap.Int64("document_id", id), zap.Int("vectors", counts[id]), zap.Int("chunks", doc.ChunkCount))
		}
	}
	sort.Slice(report.Mismatched, func(i, j int) bool { return report.Mismatched[i] < report.Mismatched[j] })

	if removed > 0 || len(report.Mismatched) > 0 {
		r.logger.Info("reconcile done", zap.Int("orphans_removed", removed), zap.Int("mismatched", len(report.Mismatched)))
	}
	return report, nil
}
