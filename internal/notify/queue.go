package notify

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
)

// ErrQueueClosed очередь остановлена
var ErrQueueClosed = errors.New("notification queue closed")

type job struct {
	kind Kind
	sub  domain.Subscription
}

// Queue асинхронная доставка уведомлений пулом воркеров.
// Enqueue возвращается сразу после постановки в очередь.
// Уведомления одной подписки обрабатывает один воркер в порядке постановки.
type Queue struct {
	next   Dispatcher
	shards []chan job
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewQueue запускает workers воркеров поверх next. size делится между воркерами.
func NewQueue(next Dispatcher, workers, size int, log *logger.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	perWorker := size / workers
	if perWorker <= 0 {
		perWorker = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		next:   next,
		shards: make([]chan job, workers),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range q.shards {
		q.shards[i] = make(chan job, perWorker)
		q.wg.Add(1)
		go q.worker(q.shards[i])
	}
	return q
}

// shard выбирает очередь воркера по id подписки
func (q *Queue) shard(sub domain.Subscription) chan job {
	h := fnv.New32a()
	_, _ = h.Write(sub.ID[:])
	return q.shards[h.Sum32()%uint32(len(q.shards))]
}

// worker доставляет задания по одному: следующее ждет завершения повторов предыдущего
func (q *Queue) worker(jobs <-chan job) {
	defer q.wg.Done()
	for j := range jobs {
		if err := Send(q.ctx, q.next, j.kind, j.sub); err != nil {
			q.log.Errorw("Queued notification dropped", "error", err, "kind", j.kind, "subscriptionID", j.sub.ID)
		}
	}
}

func (q *Queue) GrantAccess(ctx context.Context, sub domain.Subscription) error {
	return q.Enqueue(ctx, KindGrant, sub)
}

func (q *Queue) RevokeAccess(ctx context.Context, sub domain.Subscription) error {
	return q.Enqueue(ctx, KindRevoke, sub)
}

func (q *Queue) NotifyExpiringSoon(ctx context.Context, sub domain.Subscription) error {
	return q.Enqueue(ctx, KindReminder, sub)
}

// Enqueue ставит уведомление в очередь. Если очередь заполнена, ждет места или отмены ctx.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, sub domain.Subscription) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.shard(sub) <- job{kind: kind, sub: sub}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len число ожидающих уведомлений
func (q *Queue) Len() int {
	n := 0
	for _, jobs := range q.shards {
		n += len(jobs)
	}
	return n
}

// Close перестает принимать задания и ждет, пока воркеры разберут очередь.
// По истечении ctx текущие доставки отменяются.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, jobs := range q.shards {
		close(jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		q.log.Warnw("Notification queue closed before drain completed", "pending", q.Len())
		return ctx.Err()
	}
}
