package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"workbot/internal/eventbus"
	rtsup "workbot/internal/runtime/supervisor"
	"workbot/internal/storage"
	kit "workbot/internal/transport"
	logx "workbot/pkg/logx"
)

var (
	ErrQueueFull  = errors.New("notifier queue full")
	ErrStopped    = errors.New("notifier stopped")
	ErrSuppressed = errors.New("notification suppressed by dedup")
)

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Message
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Service{
		log:     log,
		adapter: adapter,
		bus:     bus,
		store:   store,
		cfg:     cfg,
		// burst = rate so short spikes don't block
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

// Start launches the queue workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan Message, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case m, ok := <-q:
					if !ok {
						return nil
					}
					_, _ = s.Send(c, m)
				}
			}
		})
	}
}

// Stop refuses new messages and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notifier drain incomplete", logx.Int("pending", len(q)), logx.Err(err))
	}
	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// Notify queues m and returns immediately.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- m:
		return nil
	default:
		s.log.Warn("notification dropped", logx.String("label", m.Label), logx.String("target", m.Target))
		return ErrQueueFull
	}
}

// Send delivers m now, retrying transient failures. Permanent failures
// (forbidden, not found) are returned without retry.
func (s *Service) Send(ctx context.Context, m Message) (kit.MessageRef, error) {
	if s.adapter == nil {
		return kit.MessageRef{}, ErrStopped
	}
	if m.Text == "" && len(m.Buttons) == 0 {
		return kit.MessageRef{}, nil
	}
	if !s.dedupAllow(ctx, m) {
		s.log.Debug("notification suppressed", logx.String("label", m.Label), logx.String("key", m.DedupKey))
		return kit.MessageRef{}, ErrSuppressed
	}

	attempts := 1 + s.cfg.RetryMax
	var (
		ref     kit.MessageRef
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		ref, lastErr = s.deliver(callCtx, m)
		cancel()
		if lastErr == nil {
			s.record(m, nil)
			return ref, nil
		}
		s.log.Debug("send failed", logx.String("label", m.Label), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(lastErr))
		if kit.Permanent(lastErr) || attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			attempt = attempts
		}
	}
	s.forgetDedup(m)
	s.record(m, lastErr)
	return kit.MessageRef{}, lastErr
}

func (s *Service) deliver(ctx context.Context, m Message) (kit.MessageRef, error) {
	switch m.Kind {
	case KindDM:
		return kit.MessageRef{}, s.adapter.SendDM(ctx, m.Target, m.Text)
	case KindPanel:
		return s.adapter.SendPanel(ctx, m.Target, kit.Reply{Content: m.Text, Buttons: m.Buttons})
	default:
		return s.adapter.SendText(ctx, m.Target, m.Text)
	}
}

func (s *Service) record(m Message, err error) {
	it := HistoryItem{At: time.Now(), Label: m.Label, Target: m.Target, OK: err == nil}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()

	if s.bus != nil {
		typ := eventbus.NotifySent
		if err != nil {
			typ = eventbus.NotifyFailed
		}
		s.bus.Publish(eventbus.Event{Type: typ, Time: it.At, Data: map[string]any{"label": m.Label, "target": m.Target}})
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) dedupAllow(ctx context.Context, m Message) bool {
	if m.DedupKey == "" || m.DedupFor <= 0 {
		return true
	}
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[m.DedupKey]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		until, ok, err := s.store.GetDedup(cctx, m.DedupKey)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[m.DedupKey] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(m.DedupFor)
	s.dmu.Lock()
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	s.dedup[m.DedupKey] = until
	s.dmu.Unlock()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		if err := s.store.PutDedup(cctx, m.DedupKey, until); err != nil {
			s.log.Debug("dedup persist failed", logx.String("key", m.DedupKey), logx.Err(err))
		}
		cancel()
	}
	return true
}

// forgetDedup releases the key of a failed send so a later attempt may go out.
func (s *Service) forgetDedup(m Message) {
	if m.DedupKey == "" || m.DedupFor <= 0 {
		return
	}
	s.dmu.Lock()
	delete(s.dedup, m.DedupKey)
	s.dmu.Unlock()
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.store.PutDedup(ctx, m.DedupKey, time.Now())
		cancel()
	}
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
