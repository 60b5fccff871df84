package sdk

import (
	"context"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agorahq/agora-sdk-go/pkg/backend"
	"github.com/agorahq/agora-sdk-go/pkg/metrics"
	"github.com/agorahq/agora-sdk-go/pkg/model"
	"github.com/agorahq/agora-sdk-go/pkg/notify"
)

// defaultSettleWindow is how long a job stays marked as being paid after a
// payment attempt finishes, absorbing near-concurrent observations of the
// same job from the poll and notification paths.
const defaultSettleWindow = 30 * time.Second

// Handler reacts to an observed job. Returning an error logs it; it never
// stops the loop or other jobs.
type Handler interface {
	HandleJob(ctx context.Context, j *model.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, j *model.Job) error

func (f HandlerFunc) HandleJob(ctx context.Context, j *model.Job) error { return f(ctx, j) }

// AgentClient runs the long-lived agent loop: a fixed-interval poll over the
// wallet's active jobs plus an optional notification path, both feeding the
// same handler. Each job is handled on its own goroutine so one job's
// settlement never blocks another's poll.
type AgentClient struct {
	core     *Core
	handler  Handler
	interval time.Duration

	pay *payLock

	// inFlight dedupes dispatch when the poll and notification paths observe
	// the same job near-concurrently.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewAgentClient builds the loop runner. interval is the poll period.
func NewAgentClient(core *Core, handler Handler, interval time.Duration) *AgentClient {
	return &AgentClient{
		core:     core,
		handler:  handler,
		interval: interval,
		pay:      newPayLock(defaultSettleWindow),
		inFlight: make(map[string]struct{}),
	}
}

// Run polls active jobs until ctx is cancelled.
func (a *AgentClient) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		a.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunNotifications consumes the push channel at wsURL, feeding the same
// dispatch as the poll loop. Blocks until ctx is cancelled.
func (a *AgentClient) RunNotifications(ctx context.Context, wsURL string) error {
	listener := notify.NewListener(wsURL, a.core.address, a.core.auth, func(ctx context.Context, ev notify.Event) {
		a.dispatch(ctx, ev.Job)
	})
	listener.Instrument(a.core.recorder, a.core.cfg.Deployment.Name)
	return listener.Run(ctx)
}

func (a *AgentClient) poll(ctx context.Context) {
	jobs, err := a.core.backend.ListActiveJobs(ctx, backend.Page{})
	if err != nil {
		zap.L().Warn("active job poll failed", zap.Error(err))
		return
	}
	a.core.recorder.IncCounter(metrics.OperationJobPoll,
		map[string]string{"network": a.core.cfg.Deployment.Name})
	for _, j := range jobs {
		a.dispatch(ctx, j)
	}
}

// dispatch hands one job to the handler on its own goroutine, skipping jobs
// already being handled. Handler errors are logged and isolated.
func (a *AgentClient) dispatch(ctx context.Context, j *model.Job) {
	if j == nil || j.IsTerminal() {
		return
	}
	id := j.ID.String()

	a.mu.Lock()
	if _, busy := a.inFlight[id]; busy {
		a.mu.Unlock()
		return
	}
	a.inFlight[id] = struct{}{}
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.inFlight, id)
			a.mu.Unlock()
		}()
		if err := a.handler.HandleJob(ctx, j); err != nil {
			zap.L().Error("job handling failed",
				zap.String("job", id), zap.String("phase", j.Phase.String()), zap.Error(err))
		}
	}()
}

// PayJob funds a job exactly once even when observed from both the poll and
// notification paths: a second near-concurrent attempt is skipped while the
// first is running and for the settle window after it finishes.
func (a *AgentClient) PayJob(ctx context.Context, j *model.Job, reason string) error {
	if !a.pay.tryAcquire(j.ID) {
		zap.L().Debug("payment already in flight, skipping", zap.String("job", j.ID.String()))
		return nil
	}
	defer a.pay.release(j.ID)

	return a.core.jobs.PayAndAcceptRequirement(ctx, j, reason)
}

// payLock is the short-lived set of jobs currently being paid. An entry is
// held while the attempt runs and lingers for the settle window afterwards,
// success or failure alike.
type payLock struct {
	mu     sync.Mutex
	busy   map[string]time.Time
	settle time.Duration
	now    func() time.Time
}

func newPayLock(settle time.Duration) *payLock {
	return &payLock{
		busy:   make(map[string]time.Time),
		settle: settle,
		now:    time.Now,
	}
}

// tryAcquire claims the job for payment. It fails while an attempt is running
// (zero-valued entry) or within the settle window after one finished.
func (p *payLock) tryAcquire(id *big.Int) bool {
	key := id.String()
	p.mu.Lock()
	defer p.mu.Unlock()

	if until, ok := p.busy[key]; ok {
		if until.IsZero() || p.now().Before(until) {
			return false
		}
	}
	p.busy[key] = time.Time{}
	return true
}

// release ends the attempt, keeping the claim until the settle window passes.
func (p *payLock) release(id *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy[id.String()] = p.now().Add(p.settle)
}
