package spend

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/internal/spend/services"
	"github.com/Aidin1998/cashspend/pkg/errors"
)

// Worker represents a background worker
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// LeaderGate tells a worker whether this replica should do the work.
type LeaderGate interface {
	IsLeader() bool
}

type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }

// ticker runs fn every interval until the context ends or Stop is called.
type ticker struct {
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func (t *ticker) start(ctx context.Context, fn func(ctx context.Context)) {
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		tk := time.NewTicker(t.interval)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case <-tk.C:
				fn(ctx)
			}
		}
	}()
}

func (t *ticker) stop() {
	if t.stopCh != nil {
		close(t.stopCh)
		t.wg.Wait()
		t.stopCh = nil
	}
}

// WithdrawalKeeper processes matured withdrawal requests. Processing is
// permissionless, so the keeper only saves owners from calling it themselves.
//
// The keeper walks the queue with a cursor that survives between runs, so
// requests that keep failing never block the ones behind them. The cursor
// wraps to the head once the end of the queue is reached.
type WithdrawalKeeper struct {
	engine    *services.Engine
	store     interfaces.StateStore
	gate      LeaderGate
	batchSize int
	log       *zap.Logger
	t         ticker

	mu     sync.Mutex
	cursor *interfaces.DueWithdrawal
}

func NewWithdrawalKeeper(engine *services.Engine, store interfaces.StateStore, gate LeaderGate, interval time.Duration, batchSize int, log *zap.Logger) *WithdrawalKeeper {
	if gate == nil {
		gate = alwaysLeader{}
	}
	return &WithdrawalKeeper{
		engine:    engine,
		store:     store,
		gate:      gate,
		batchSize: batchSize,
		log:       log,
		t:         ticker{interval: interval},
	}
}

// Name returns the worker name
func (w *WithdrawalKeeper) Name() string {
	return "withdrawal-keeper"
}

// Start starts the keeper
func (w *WithdrawalKeeper) Start(ctx context.Context) error {
	w.t.start(ctx, func(ctx context.Context) {
		if !w.gate.IsLeader() {
			return
		}
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Error("failed to process matured withdrawals", zap.Error(err))
		}
	})
	return nil
}

// Stop stops the keeper
func (w *WithdrawalKeeper) Stop(ctx context.Context) error {
	w.t.stop()
	return nil
}

// RunOnce processes up to batchSize matured requests and returns how many
// went out. Requests failing for economic reasons stay pending for the owners
// and are retried once the cursor comes back around.
func (w *WithdrawalKeeper) RunOnce(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.engine.Now().Add(-w.engine.Config().WithdrawalDelay())
	limit := w.batchSize
	if limit <= 0 {
		limit = 100
	}

	processed, visited := 0, 0
	wrapped := w.cursor == nil
	for processed < limit {
		page, err := w.store.PendingWithdrawals(ctx, cutoff, w.cursor, limit)
		if err != nil {
			return processed, fmt.Errorf("failed to list pending withdrawals: %w", err)
		}
		for i := range page {
			due := page[i]
			w.cursor = &due
			visited++
			if w.process(ctx, due.Account) {
				processed++
				if processed == limit {
					break
				}
			}
		}
		if processed == limit {
			break
		}
		if len(page) < limit {
			// End of queue: start from the head next time. One wrap per
			// run keeps a queue of failing requests from spinning.
			w.cursor = nil
			if wrapped {
				break
			}
			wrapped = true
		}
	}

	if processed > 0 {
		w.log.Info("processed matured withdrawals", zap.Int("count", processed), zap.Int("visited", visited))
	}
	return processed, nil
}

func (w *WithdrawalKeeper) process(ctx context.Context, account interfaces.Address) bool {
	if _, err := w.engine.ProcessWithdrawal(ctx, account); err != nil {
		switch {
		case errors.Is(err, interfaces.ErrCannotWithdrawYet), errors.Is(err, interfaces.ErrWithdrawalDoesNotExist):
			w.log.Debug("withdrawal not ready", zap.String("account", account.Hex()), zap.Error(err))
		default:
			w.log.Warn("withdrawal processing failed",
				zap.String("account", account.Hex()),
				zap.String("kind", errors.KindOf(err)),
				zap.Error(err))
		}
		return false
	}
	return true
}

// Redeliverer sends parked event batches again.
type Redeliverer interface {
	Redeliver(ctx context.Context, limit int) (int, error)
}

// OutboxWorker drains the event outbox.
type OutboxWorker struct {
	publisher Redeliverer
	batch     int
	log       *zap.Logger
	t         ticker
}

func NewOutboxWorker(publisher Redeliverer, interval time.Duration, batch int, log *zap.Logger) *OutboxWorker {
	return &OutboxWorker{publisher: publisher, batch: batch, log: log, t: ticker{interval: interval}}
}

// Name returns the worker name
func (w *OutboxWorker) Name() string {
	return "outbox-redelivery"
}

// Start starts the worker
func (w *OutboxWorker) Start(ctx context.Context) error {
	w.t.start(ctx, func(ctx context.Context) {
		n, err := w.publisher.Redeliver(ctx, w.batch)
		if err != nil {
			w.log.Error("failed to redeliver events", zap.Error(err))
			return
		}
		if n > 0 {
			w.log.Info("redelivered parked events", zap.Int("count", n))
		}
	})
	return nil
}

// Stop stops the worker
func (w *OutboxWorker) Stop(ctx context.Context) error {
	w.t.stop()
	return nil
}

// EtcdElection campaigns for the keeper leadership in etcd. Until elected,
// IsLeader reports false.
type EtcdElection struct {
	client *clientv3.Client
	key    string
	nodeID string
	log    *zap.Logger
	leader int32
	cancel context.CancelFunc
	done   chan struct{}
}

func NewEtcdElection(endpoints []string, key string, log *zap.Logger) (*EtcdElection, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	host, _ := os.Hostname()
	return &EtcdElection{
		client: client,
		key:    key,
		nodeID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		log:    log,
	}, nil
}

// Name returns the worker name
func (e *EtcdElection) Name() string {
	return "keeper-election"
}

func (e *EtcdElection) IsLeader() bool {
	return atomic.LoadInt32(&e.leader) == 1
}

// Start campaigns in the background and re-campaigns when the session expires.
func (e *EtcdElection) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		for ctx.Err() == nil {
			if err := e.campaign(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn("leader election failed, retrying", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(5 * time.Second):
				}
			}
		}
	}()
	return nil
}

func (e *EtcdElection) campaign(ctx context.Context) error {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(10))
	if err != nil {
		return fmt.Errorf("failed to create etcd session: %w", err)
	}
	defer session.Close()

	election := concurrency.NewElection(session, e.key)
	if err := election.Campaign(ctx, e.nodeID); err != nil {
		return fmt.Errorf("failed to campaign for leadership: %w", err)
	}
	atomic.StoreInt32(&e.leader, 1)
	e.log.Info("became keeper leader", zap.String("node", e.nodeID))

	select {
	case <-ctx.Done():
		resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := election.Resign(resignCtx); err != nil {
			e.log.Warn("failed to resign from election", zap.Error(err))
		}
	case <-session.Done():
		e.log.Warn("etcd session expired, stepping down")
	}
	atomic.StoreInt32(&e.leader, 0)
	return nil
}

// Stop resigns and closes the client.
func (e *EtcdElection) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	return e.client.Close()
}
