// Package queue は優先度付きでレート制限された公開キューを提供する。
// エントリは優先度の高い順、同じ優先度ではエンキュー順に配信され、
// 配信間隔は最小間隔以上に保たれる。配信に失敗し続けたエントリはデッドレターに移る。
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsrelay/internal/clock"
	"github.com/hitoshi/newsrelay/internal/metrics"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/resilience"
)

// Store は保留エントリの永続化ストア。エンキューと状態変更のたびに書き込む。
type Store interface {
	Save(ctx context.Context, entry model.QueueEntry) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]model.QueueEntry, error)
	LastDispatch(ctx context.Context) (time.Time, error)
	SetLastDispatch(ctx context.Context, at time.Time) error
}

// DeadLetterStore はリトライ上限に達したエントリの保存先。
type DeadLetterStore interface {
	Append(ctx context.Context, entry model.DeadLetterEntry) error
}

// Deliverer は配信チャネル。成功時はチャネル側の配信IDを返す。
type Deliverer interface {
	Deliver(ctx context.Context, payload model.Payload) (string, error)
}

const (
	// deleteAttempts は配信済み・デッドレター化したエントリをストアから消す試行回数。
	deleteAttempts = 3
	// deleteRetryDelay は削除リトライの初期待機。試行ごとに倍になる。
	deleteRetryDelay = 50 * time.Millisecond
)

// Config は公開キューの設定。
type Config struct {
	MinSpacing     time.Duration // 連続する配信の最小間隔
	MaxAttempts    int           // デッドレターに移すまでの配信失敗回数
	MaxSize        int           // 保留エントリの上限
	BaseDelay      time.Duration // 再配信バックオフの初期値
	MaxDelay       time.Duration // 再配信バックオフの上限
	Jitter         float64
	AttemptTimeout time.Duration // 1回の配信の制限時間
}

// Queue は公開キュー。配信ループは1つだけ起動すること。
type Queue struct {
	cfg       Config
	store     Store
	dlq       DeadLetterStore
	deliverer Deliverer
	policy    *resilience.Policy
	clock     clock.Clock
	recorder  metrics.Recorder
	logger    *slog.Logger

	mu           sync.Mutex
	entries      []model.QueueEntry
	lastDispatch time.Time
	// staleIDs は処理済みだがストアから削除できていないエントリID。
	// 残ったままだと再起動時のRestoreで二重配信されるため、配信ループで削除を再試行する。
	staleIDs map[string]struct{}

	wake chan struct{}
}

// New は公開キューを生成する。policyはブレーカーのみを持つもの（リトライはキューが行う）を渡す。
func New(
	cfg Config,
	store Store,
	dlq DeadLetterStore,
	deliverer Deliverer,
	policy *resilience.Policy,
	clk clock.Clock,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Queue{
		cfg:       cfg,
		store:     store,
		dlq:       dlq,
		deliverer: deliverer,
		policy:    policy,
		clock:     clk,
		recorder:  recorder,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		staleIDs:  make(map[string]struct{}),
	}
}

// Enqueue はペイロードを優先度付きで追加し、エントリIDを返す。
// ストアへの書き込みに成功した場合のみキューに載る。
func (q *Queue) Enqueue(ctx context.Context, payload model.Payload, priority int) (string, error) {
	q.mu.Lock()
	if q.cfg.MaxSize > 0 && len(q.entries) >= q.cfg.MaxSize {
		q.mu.Unlock()
		return "", model.NewQueueFullError(q.cfg.MaxSize)
	}

	now := q.clock.Now()
	entry := model.QueueEntry{
		ID:         uuid.NewString(),
		Payload:    payload,
		Priority:   priority,
		NotBefore:  now,
		EnqueuedAt: now,
	}
	if err := q.store.Save(ctx, entry); err != nil {
		q.mu.Unlock()
		return "", model.NewStoreUnavailableError("queue", err)
	}
	q.insertLocked(entry)
	depth := len(q.entries)
	q.mu.Unlock()

	q.recorder.SetQueueDepth(depth)
	q.notify()

	q.logger.Info("公開キューに追加しました",
		slog.String("entry_id", entry.ID),
		slog.String("fingerprint", payload.Fingerprint.Short()),
		slog.Int("priority", priority),
		slog.Int("depth", depth),
	)
	return entry.ID, nil
}

// Restore はストアに残っているエントリと最終配信時刻を読み込む。起動時に1回呼ぶ。
func (q *Queue) Restore(ctx context.Context) (int, error) {
	entries, err := q.store.List(ctx)
	if err != nil {
		return 0, model.NewStoreUnavailableError("queue", err)
	}
	last, err := q.store.LastDispatch(ctx)
	if err != nil {
		return 0, model.NewStoreUnavailableError("queue", err)
	}

	q.mu.Lock()
	q.entries = append(q.entries[:0], entries...)
	sortEntries(q.entries)
	if last.After(q.lastDispatch) {
		q.lastDispatch = last
	}
	n := len(q.entries)
	q.mu.Unlock()

	q.recorder.SetQueueDepth(n)
	q.notify()
	if n > 0 {
		q.logger.Info("公開キューを復元しました", slog.Int("depth", n))
	}
	return n, nil
}

// Depth は保留エントリ数を返す。
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot は保留エントリのコピーを配信順で返す。
func (q *Queue) Snapshot() []model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.QueueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// LastDispatch は最後に配信に成功した時刻を返す。
func (q *Queue) LastDispatch() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastDispatch
}

// RunDeliveryLoop はコンテキストがキャンセルされるまでエントリを配信し続ける。
// 配信可能なエントリがない間はタイマーかエンキュー通知を待つ。
func (q *Queue) RunDeliveryLoop(ctx context.Context) {
	q.logger.Info("配信ループを開始しました",
		slog.Duration("min_spacing", q.cfg.MinSpacing),
		slog.Int("max_attempts", q.cfg.MaxAttempts),
	)

	for {
		if ctx.Err() != nil {
			q.logger.Info("配信ループを停止しました", slog.Int("depth", q.Depth()))
			return
		}
		q.purgeStale(ctx)

		entry, wait, ok := q.next()
		if ok && wait <= 0 {
			q.deliver(ctx, entry)
			continue
		}

		var timer <-chan time.Time
		if ok {
			timer = q.clock.After(wait)
		}
		select {
		case <-ctx.Done():
		case <-q.wake:
		case <-timer:
		}
	}
}

// next は次に配信するエントリと、配信可能になるまでの待ち時間を返す。
// キューが空の場合はok=falseを返す。
func (q *Queue) next() (model.QueueEntry, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return model.QueueEntry{}, 0, false
	}

	now := q.clock.Now()
	spacingReady := now
	if !q.lastDispatch.IsZero() {
		spacingReady = q.lastDispatch.Add(q.cfg.MinSpacing)
	}

	for _, e := range q.entries {
		if !e.NotBefore.After(now) {
			return e, spacingReady.Sub(now), true
		}
	}

	// 全エントリが待機中の場合は最も早く配信可能になるエントリを待つ
	earliest := q.entries[0]
	for _, e := range q.entries[1:] {
		if e.NotBefore.Before(earliest.NotBefore) {
			earliest = e
		}
	}
	ready := earliest.NotBefore
	if spacingReady.After(ready) {
		ready = spacingReady
	}
	return earliest, ready.Sub(now), true
}

// deliver は1件配信し、結果に応じてエントリを削除・再スケジュール・デッドレター化する。
// 停止要求を受けても配信中の処理は切り離したコンテキストで完了させる。
func (q *Queue) deliver(ctx context.Context, entry model.QueueEntry) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.AttemptTimeout)
	defer cancel()

	var deliveryID string
	err := q.policy.Execute(dctx, func(ctx context.Context) error {
		id, err := q.deliverer.Deliver(ctx, entry.Payload)
		deliveryID = id
		return err
	})
	now := q.clock.Now()

	var circuitErr *resilience.CircuitOpenError
	switch {
	case err == nil:
		q.markDelivered(dctx, entry, deliveryID, now)

	case errors.As(err, &circuitErr):
		// サーキットOpen中は試行回数を消費せず、HalfOpenへ遷移可能になる時刻まで延期する
		entry.NotBefore = circuitErr.RetryAt
		q.reschedule(dctx, entry)
		q.recorder.RecordDelivery(metrics.DeliveryDeferred)
		q.logger.Warn("サーキットOpen中のため配信を延期しました",
			slog.String("entry_id", entry.ID),
			slog.Time("retry_at", circuitErr.RetryAt),
		)

	case resilience.IsPermanent(err):
		entry.Attempt++
		entry.LastError = err.Error()
		q.deadLetter(dctx, entry, err, now)

	default:
		entry.Attempt++
		entry.LastError = err.Error()
		if entry.Attempt >= q.cfg.MaxAttempts {
			q.deadLetter(dctx, entry, err, now)
			return
		}

		delay := resilience.Backoff(entry.Attempt, q.cfg.BaseDelay, q.cfg.MaxDelay, q.cfg.Jitter)
		var ra *resilience.RetryAfterError
		if errors.As(err, &ra) && ra.After > delay {
			delay = ra.After
		}
		entry.NotBefore = now.Add(delay)
		q.reschedule(dctx, entry)
		q.recorder.RecordDelivery(metrics.DeliveryRetry)
		q.logger.Warn("配信に失敗したため再スケジュールしました",
			slog.String("entry_id", entry.ID),
			slog.String("status", string(entry.Status())),
			slog.Int("attempt", entry.Attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) markDelivered(ctx context.Context, entry model.QueueEntry, deliveryID string, now time.Time) {
	q.mu.Lock()
	q.removeLocked(entry.ID)
	q.lastDispatch = now
	depth := len(q.entries)
	q.mu.Unlock()

	q.deleteFromStore(ctx, entry.ID)
	if err := q.store.SetLastDispatch(ctx, now); err != nil {
		q.logger.Error("最終配信時刻の保存に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	q.recorder.SetQueueDepth(depth)
	q.recorder.RecordDelivery(metrics.DeliveryPublished)
	q.logger.Info("配信しました",
		slog.String("entry_id", entry.ID),
		slog.String("delivery_id", deliveryID),
		slog.String("status", string(model.PublicationPublished)),
		slog.String("fingerprint", entry.Payload.Fingerprint.Short()),
		slog.Int("attempt", entry.Attempt+1),
		slog.Int("depth", depth),
	)
}

func (q *Queue) reschedule(ctx context.Context, entry model.QueueEntry) {
	q.mu.Lock()
	q.replaceLocked(entry)
	q.mu.Unlock()

	if err := q.store.Save(ctx, entry); err != nil {
		q.logger.Error("エントリの更新に失敗しました",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) deadLetter(ctx context.Context, entry model.QueueEntry, cause error, now time.Time) {
	dl := model.DeadLetterEntry{
		Entry:       entry,
		LastError:   cause.Error(),
		ExhaustedAt: now,
	}
	if err := q.dlq.Append(ctx, dl); err != nil {
		// デッドレターに書けない場合はエントリを失わないよう上限遅延後に再試行する
		entry.NotBefore = now.Add(q.cfg.MaxDelay)
		q.reschedule(ctx, entry)
		q.logger.Error("デッドレターへの保存に失敗しました",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	q.mu.Lock()
	q.removeLocked(entry.ID)
	depth := len(q.entries)
	q.mu.Unlock()

	q.deleteFromStore(ctx, entry.ID)

	q.recorder.SetQueueDepth(depth)
	q.recorder.RecordDelivery(metrics.DeliveryDeadLetter)
	q.recorder.RecordDeadLetter()
	q.logger.Error("配信を断念しデッドレターに移動しました",
		slog.String("entry_id", entry.ID),
		slog.String("status", string(model.PublicationFailed)),
		slog.String("fingerprint", entry.Payload.Fingerprint.Short()),
		slog.String("error", model.NewQueueExhaustedError(entry.ID, entry.Attempt, cause).Error()),
	)
}

// deleteFromStore は処理済みエントリをストアから削除する。短いバックオフで数回試し、
// それでも失敗した場合はstaleIDsに残して配信ループで再試行する。
func (q *Queue) deleteFromStore(ctx context.Context, id string) {
	delay := deleteRetryDelay
	var err error
retry:
	for attempt := 1; attempt <= deleteAttempts; attempt++ {
		if err = q.store.Delete(ctx, id); err == nil {
			return
		}
		if attempt == deleteAttempts {
			break
		}
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(delay):
			delay *= 2
		}
	}

	q.mu.Lock()
	q.staleIDs[id] = struct{}{}
	q.mu.Unlock()
	q.logger.Error("処理済みエントリの削除に失敗しました",
		slog.String("entry_id", id),
		slog.Int("attempts", deleteAttempts),
		slog.String("error", err.Error()),
	)
}

// purgeStale は削除に失敗していた処理済みエントリの削除を再試行する。
func (q *Queue) purgeStale(ctx context.Context) {
	q.mu.Lock()
	if len(q.staleIDs) == 0 {
		q.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(q.staleIDs))
	for id := range q.staleIDs {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		if err := q.store.Delete(ctx, id); err != nil {
			q.logger.Warn("処理済みエントリの削除を再試行しましたが失敗しました",
				slog.String("entry_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		q.mu.Lock()
		delete(q.staleIDs, id)
		q.mu.Unlock()
	}
}

// notify は配信ループを起こす。既に通知済みの場合は何もしない。
func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) insertLocked(entry model.QueueEntry) {
	i := sort.Search(len(q.entries), func(i int) bool {
		return less(entry, q.entries[i])
	})
	q.entries = append(q.entries, model.QueueEntry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = entry
}

func (q *Queue) removeLocked(id string) {
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// replaceLocked は同じIDのエントリを置き換える。優先度とエンキュー時刻は変わらないため並び順は保たれる。
func (q *Queue) replaceLocked(entry model.QueueEntry) {
	for i, e := range q.entries {
		if e.ID == entry.ID {
			q.entries[i] = entry
			return
		}
	}
}

// less は配信順の比較関数。優先度の降順、エンキュー時刻の昇順、IDの昇順。
func less(a, b model.QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

func sortEntries(entries []model.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
}
