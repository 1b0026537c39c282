package algo

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/kiteexec/pkg/metrics"
	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/gregtusar/kiteexec/pkg/registry"
	"github.com/gregtusar/kiteexec/pkg/router"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const cleanupTimeout = 30 * time.Second

// OrderRouter is the part of the router jobs drive.
type OrderRouter interface {
	Place(ctx context.Context, req models.OrderRequest) (router.Result, error)
	Modify(ctx context.Context, orderID string, update models.OrderUpdate) (router.Result, error)
	Cancel(ctx context.Context, orderID string) (router.Result, error)
	Mode() models.ExecutionMode
}

type QuoteSource interface {
	LastPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error)
}

// JobStore persists job records. registry.Store satisfies it.
type JobStore interface {
	SaveJob(ctx context.Context, job *models.AlgoJob) error
	LoadJobs(ctx context.Context) ([]*models.AlgoJob, error)
}

type Options struct {
	ChaseInterval   time.Duration
	ScaleInterval   time.Duration
	SwarmInterval   time.Duration
	PollInterval    time.Duration
	DefaultTickSize decimal.Decimal
	DefaultExchange string
	DefaultProduct  string
	Rand            *rand.Rand
	Now             func() time.Time
}

func (o *Options) setDefaults() {
	if o.ChaseInterval <= 0 {
		o.ChaseInterval = 500 * time.Millisecond
	}
	if o.ScaleInterval < 0 {
		o.ScaleInterval = 0
	}
	if o.SwarmInterval < 0 {
		o.SwarmInterval = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6b697465))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// executor runs one job to its end. It returns nil when the job completed and
// an error when it failed or was cancelled.
type executor func(ctx context.Context, r *run) error

var executors = map[models.JobType]executor{
	models.JobTypeScale: runScale,
	models.JobTypeChase: runChase,
	models.JobTypeSwarm: runSwarm,
}

type tracked struct {
	job    *models.AlgoJob
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager starts, tracks and persists chase, scale and swarm jobs. Each job
// runs in its own goroutine; all of them share the router's limiter and
// registry.
type Manager struct {
	router   OrderRouter
	registry *registry.Registry
	quotes   QuoteSource
	store    JobStore
	opts     Options
	logger   *logrus.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*tracked
	randMu sync.Mutex
}

// NewManager loads earlier jobs from store. Jobs that were still running when
// the previous process exited cannot be resumed and are marked failed.
func NewManager(ctx context.Context, rt OrderRouter, reg *registry.Registry, quotes QuoteSource, store JobStore, opts Options, logger *logrus.Logger) (*Manager, error) {
	opts.setDefaults()
	base, stop := context.WithCancel(context.Background())
	m := &Manager{
		router:   rt,
		registry: reg,
		quotes:   quotes,
		store:    store,
		opts:     opts,
		logger:   logger,
		base:     base,
		stop:     stop,
		jobs:     make(map[string]*tracked),
	}

	if store == nil {
		return m, nil
	}
	loaded, err := store.LoadJobs(ctx)
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	for _, job := range loaded {
		if !job.State.IsTerminal() {
			job.State = models.JobStateFailed
			job.Error = "interrupted by restart"
			job.EndedAt = opts.Now()
			if err := store.SaveJob(ctx, job); err != nil {
				stop()
				return nil, err
			}
			logger.WithField("job_id", job.JobID).Warn("Job was interrupted by a restart")
		}
		done := make(chan struct{})
		close(done)
		m.jobs[job.JobID] = &tracked{job: job, cancel: func() {}, done: done}
	}
	return m, nil
}

// Start validates params and launches a job. The job keeps running after ctx
// ends; use Cancel to stop it.
func (m *Manager) Start(ctx context.Context, typ models.JobType, params models.JobParams) (*models.AlgoJob, error) {
	exec, ok := executors[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown job type %q", models.ErrInvalidParams, typ)
	}
	m.applyDefaults(typ, &params)
	if err := validate(typ, params); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrInvalidParams, typ, err)
	}

	job := &models.AlgoJob{
		JobID:     newJobID(typ),
		Type:      typ,
		Params:    params,
		State:     models.JobStatePending,
		CreatedAt: m.opts.Now(),
	}
	if err := m.save(ctx, job); err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(m.base)
	t := &tracked{job: job, cancel: cancel, done: make(chan struct{})}
	snapshot := cloneJob(job)

	m.mu.Lock()
	m.jobs[job.JobID] = t
	m.mu.Unlock()

	metrics.JobTransitions.WithLabelValues(string(typ), string(models.JobStatePending)).Inc()
	m.wg.Add(1)
	go m.run(jobCtx, t, exec)
	return snapshot, nil
}

func (m *Manager) run(ctx context.Context, t *tracked, exec executor) {
	defer m.wg.Done()
	defer close(t.done)
	defer t.cancel()

	r := &run{
		m:      m,
		t:      t,
		id:     t.job.JobID,
		params: t.job.Params,
		logger: m.logger.WithFields(logrus.Fields{"job_id": t.job.JobID, "type": t.job.Type}),
	}
	m.transition(t, models.JobStateRunning, "")

	err := exec(ctx, r)
	switch {
	case err == nil:
		m.transition(t, models.JobStateCompleted, "")
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		m.cleanup(ctx, r)
		m.transition(t, models.JobStateCancelled, "")
	default:
		m.transition(t, models.JobStateFailed, err.Error())
	}
}

// cleanup cancels the job's orders that are still working. Failures are
// logged; they never change the job's own outcome.
func (m *Manager) cleanup(ctx context.Context, r *run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	for _, id := range r.children() {
		order, err := m.registry.Get(id)
		if err != nil || !order.Status.IsActive() {
			continue
		}
		if _, err := m.router.Cancel(ctx, id); err != nil {
			r.logger.WithError(err).WithField("order_id", id).Warn("Failed to cancel job order during cleanup")
		}
	}
}

func (m *Manager) transition(t *tracked, state models.JobState, reason string) {
	m.mu.Lock()
	if t.job.State.IsTerminal() {
		m.mu.Unlock()
		return
	}
	now := m.opts.Now()
	t.job.State = state
	switch {
	case state == models.JobStateRunning:
		t.job.StartedAt = now
	case state.IsTerminal():
		t.job.EndedAt = now
		t.job.Error = reason
	}
	snapshot := cloneJob(t.job)
	m.mu.Unlock()

	if err := m.save(context.Background(), snapshot); err != nil {
		m.logger.WithError(err).WithField("job_id", snapshot.JobID).Error("Failed to persist job state")
	}
	metrics.JobTransitions.WithLabelValues(string(snapshot.Type), string(state)).Inc()

	entry := m.logger.WithFields(logrus.Fields{
		"job_id":   snapshot.JobID,
		"type":     snapshot.Type,
		"state":    state,
		"children": len(snapshot.ChildOrderIDs),
	})
	if reason != "" {
		entry = entry.WithField("error", reason)
	}
	if state == models.JobStateFailed {
		entry.Warn("Job state changed")
	} else {
		entry.Info("Job state changed")
	}
}

func (m *Manager) addChild(t *tracked, orderID string) {
	m.mu.Lock()
	t.job.ChildOrderIDs = append(t.job.ChildOrderIDs, orderID)
	snapshot := cloneJob(t.job)
	m.mu.Unlock()

	if err := m.save(context.Background(), snapshot); err != nil {
		m.logger.WithError(err).WithField("job_id", snapshot.JobID).Error("Failed to persist job child")
	}
}

func (m *Manager) save(ctx context.Context, job *models.AlgoJob) error {
	if m.store == nil {
		return nil
	}
	return m.store.SaveJob(ctx, job)
}

func (m *Manager) lookup(jobID string) (*tracked, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	return t, nil
}

func (m *Manager) Status(jobID string) (*models.AlgoJob, error) {
	t, err := m.lookup(jobID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneJob(t.job), nil
}

// Wait blocks until the job has ended or ctx is done.
func (m *Manager) Wait(ctx context.Context, jobID string) (*models.AlgoJob, error) {
	t, err := m.lookup(jobID)
	if err != nil {
		return nil, err
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.Status(jobID)
}

// Cancel signals the job and waits for it to finish its cleanup. Cancelling a
// job that has already ended returns its final record.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*models.AlgoJob, error) {
	t, err := m.lookup(jobID)
	if err != nil {
		return nil, err
	}
	t.cancel()
	return m.Wait(ctx, jobID)
}

// List returns every known job, oldest first.
func (m *Manager) List() []*models.AlgoJob {
	m.mu.Lock()
	jobs := make([]*models.AlgoJob, 0, len(m.jobs))
	for _, t := range m.jobs {
		jobs = append(jobs, cloneJob(t.job))
	}
	m.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].JobID < jobs[j].JobID
	})
	return jobs
}

// LadderGroups returns the group tags of scale and swarm jobs on symbol. Child
// orders carry their job id as group.
func (m *Manager) LadderGroups(symbol string) []string {
	var groups []string
	for _, job := range m.List() {
		if job.Type != models.JobTypeScale && job.Type != models.JobTypeSwarm {
			continue
		}
		if strings.EqualFold(job.Params.Symbol, symbol) {
			groups = append(groups, job.JobID)
		}
	}
	return groups
}

// Shutdown cancels every running job and waits for them to clean up.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) applyDefaults(typ models.JobType, p *models.JobParams) {
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	p.Side = models.OrderSide(strings.ToUpper(string(p.Side)))
	if p.Exchange == "" {
		p.Exchange = m.opts.DefaultExchange
	}
	if p.Product == "" {
		p.Product = m.opts.DefaultProduct
	}
	if typ == models.JobTypeChase && p.TickSize.IsZero() {
		p.TickSize = m.opts.DefaultTickSize
	}
}

func (m *Manager) intN(n int) int {
	m.randMu.Lock()
	defer m.randMu.Unlock()
	return m.opts.Rand.IntN(n)
}

func newJobID(typ models.JobType) string {
	return fmt.Sprintf("%s-%s", typ, strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

func cloneJob(job *models.AlgoJob) *models.AlgoJob {
	c := *job
	c.ChildOrderIDs = append([]string(nil), job.ChildOrderIDs...)
	return &c
}
