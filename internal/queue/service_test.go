package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/mahirjain10/go-transcoder/internal/jobstore"
	"github.com/mahirjain10/go-transcoder/internal/notification"
	"github.com/mahirjain10/go-transcoder/internal/report"
	"github.com/mahirjain10/go-transcoder/internal/status"
	"github.com/mahirjain10/go-transcoder/internal/types"
)

// calls is shared by the fakes so tests can assert ordering across them.
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

type fakeQueue struct {
	calls      *calls
	script     []receiveResult
	cancel     context.CancelFunc
	deleted    []string
	deadLetter []string
	hasDLQ     bool
	deleteErr  error
	requeued   []string
}

type receiveResult struct {
	msgs []types.QueueMessage
	err  error
}

func (q *fakeQueue) Receive(ctx context.Context) ([]types.QueueMessage, error) {
	if len(q.script) == 0 {
		q.cancel()
		return nil, ctx.Err()
	}
	next := q.script[0]
	q.script = q.script[1:]
	return next.msgs, next.err
}

func (q *fakeQueue) Delete(ctx context.Context, msg types.QueueMessage) error {
	if q.deleteErr != nil {
		return q.deleteErr
	}
	q.calls.add("delete:" + msg.ID)
	q.deleted = append(q.deleted, msg.ID)
	return nil
}

func (q *fakeQueue) HasDeadLetter() bool { return q.hasDLQ }

func (q *fakeQueue) DeadLetter(ctx context.Context, msg types.QueueMessage) error {
	q.deadLetter = append(q.deadLetter, msg.ID)
	return nil
}

func (q *fakeQueue) Requeue(ctx context.Context, msg types.QueueMessage, delay time.Duration) error {
	q.requeued = append(q.requeued, fmt.Sprintf("%s:%s", msg.ID, delay))
	return nil
}

type fakeLauncher struct {
	calls    *calls
	requests []types.LaunchRequest
	failKeys map[string]bool
}

func (l *fakeLauncher) Launch(ctx context.Context, req types.LaunchRequest) (types.LaunchReceipt, error) {
	l.calls.add("launch:" + req.Params.String())
	l.requests = append(l.requests, req)
	if l.failKeys[req.Params.Key] {
		return types.LaunchReceipt{}, fmt.Errorf("%w: capacity", types.ErrLaunchRejected)
	}
	return types.LaunchReceipt{JobID: req.JobID, TaskArns: []string{"arn:task/" + req.JobID}}, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *types.StatusMessage) error { return nil }
func (nopPublisher) Close() error                                       { return nil }

type harness struct {
	dispatcher *Dispatcher
	queue      *fakeQueue
	launcher   *fakeLauncher
	store      jobstore.Store
	hook       *logtest.Hook
	calls      *calls
}

func newHarness(t *testing.T, store jobstore.Store, opts Options) *harness {
	t.Helper()
	c := &calls{}
	q := &fakeQueue{calls: c, cancel: func() {}}
	l := &fakeLauncher{calls: c, failKeys: map[string]bool{}}
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	tracker := status.NewTracker(store, nopPublisher{}, logger)
	d := NewDispatcher(q, l, notification.NewDecoder(true), store, tracker, report.Nop{}, logger, opts)
	n := 0
	d.newJobID = func() string {
		n++
		return fmt.Sprintf("job-%d", n)
	}
	return &harness{dispatcher: d, queue: q, launcher: l, store: store, hook: hook, calls: c}
}

func pebbleStore(t *testing.T) jobstore.Store {
	t.Helper()
	store, err := jobstore.OpenPebbleStore(filepath.Join(t.TempDir(), "jobs"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

const e2eBody = `{"Records":[{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"raw-uploads"},"object":{"key":"clip42.mp4"}}}]}`

func uploadBody(eTag, sequencer string) string {
	return fmt.Sprintf(`{"Records":[{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"raw-uploads"},`+
		`"object":{"key":"clip42.mp4","eTag":%q,"sequencer":%q}}}]}`, eTag, sequencer)
}

func TestHealthCheckIsDeletedWithoutLaunch(t *testing.T) {
	h := newHarness(t, jobstore.Nop{}, Options{})

	err := h.dispatcher.HandleMessage(context.Background(), types.QueueMessage{
		ID: "m-1", ReceiptHandle: "rh-1", Body: `{"Service":"Amazon S3","Event":"s3.TestEvent"}`,
	})
	if err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(h.launcher.requests) != 0 {
		t.Errorf("Expected zero launches, got %d", len(h.launcher.requests))
	}
	if len(h.queue.deleted) != 1 || h.queue.deleted[0] != "m-1" {
		t.Errorf("Expected message m-1 to be deleted, got %v", h.queue.deleted)
	}
}

func TestEndToEndRecordLaunchesOneJob(t *testing.T) {
	h := newHarness(t, pebbleStore(t), Options{LockTTL: time.Hour})

	if err := h.dispatcher.HandleMessage(context.Background(), types.QueueMessage{ID: "m-1", Body: e2eBody}); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(h.launcher.requests) != 1 {
		t.Fatalf("Expected one launch, got %d", len(h.launcher.requests))
	}
	req := h.launcher.requests[0]
	if req.Params.Bucket != "raw-uploads" || req.Params.Key != "clip42.mp4" {
		t.Errorf("Unexpected launch params: %+v", req.Params)
	}
	if len(h.queue.deleted) != 1 {
		t.Errorf("Expected message to be deleted, got %v", h.queue.deleted)
	}

	record, err := h.store.Get(context.Background(), req.Params)
	if err != nil || record == nil || record.Status != types.LAUNCHED || record.JobID != req.JobID {
		t.Errorf("Expected LAUNCHED record, got %+v (%v)", record, err)
	}
	if len(record.TaskArns) != 1 {
		t.Errorf("Expected task arn on record, got %v", record.TaskArns)
	}
}

func TestEveryRecordLaunchesBeforeDelete(t *testing.T) {
	h := newHarness(t, jobstore.Nop{}, Options{})
	body := `{"Records":[
		{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"raw"},"object":{"key":"a.mp4"}}},
		{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"raw"},"object":{"key":"b.mp4"}}},
		{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"other"},"object":{"key":"c.mp4"}}}
	]}`

	if err := h.dispatcher.HandleMessage(context.Background(), types.QueueMessage{ID: "m-1", Body: body}); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}

	want := []string{"launch:raw/a.mp4", "launch:raw/b.mp4", "launch:other/c.mp4", "delete:m-1"}
	if len(h.calls.log) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, h.calls.log)
	}
	for i := range want {
		if h.calls.log[i] != want[i] {
			t.Errorf("Call %d: expected %s, got %s", i, want[i], h.calls.log[i])
		}
	}
}

func TestMalformedMessageIsKept(t *testing.T) {
	h := newHarness(t, jobstore.Nop{}, Options{})

	err := h.dispatcher.HandleMessage(context.Background(), types.QueueMessage{ID: "m-1", Body: "not json"})

	// left to the visibility timeout and the dead letter threshold
	var procErr types.ProcessingError
	if !errors.As(err, &procErr) || procErr.Requeue {
		t.Fatalf("Expected ProcessingError without requeue, got %v", err)
	}
	if !errors.Is(err, types.ErrMalformedPayload) {
		t.Errorf("Expected ErrMalformedPayload, got %v", err)
	}
	if len(h.queue.deleted) != 0 || len(h.launcher.requests) != 0 {
		t.Errorf("Expected no delete and no launch, got deleted=%v launches=%d", h.queue.deleted, len(h.launcher.requests))
	}
}

func TestLaunchFailureKeepsMessageAndReleasesLock(t *testing.T) {
	store := pebbleStore(t)
	h := newHarness(t, store, Options{LockTTL: time.Hour})
	h.launcher.failKeys["b.mp4"] = true
	body := `{"Records":[
		{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"raw"},"object":{"key":"b.mp4"}}},
		{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"raw"},"object":{"key":"a.mp4"}}}
	]}`

	err := h.dispatcher.HandleMessage(context.Background(), types.QueueMessage{ID: "m-1", Body: body})
	if !errors.Is(err, types.ErrLaunchRejected) {
		t.Fatalf("Expected ErrLaunchRejected, got %v", err)
	}
	var procErr types.ProcessingError
	if !errors.As(err, &procErr) || !procErr.Requeue {
		t.Errorf("Expected launch failure to be requeued, got %v", err)
	}
	if len(h.launcher.requests) != 2 {
		t.Errorf("Expected both records to be attempted, got %d launches", len(h.launcher.requests))
	}
	if len(h.queue.deleted) != 0 {
		t.Errorf("Expected message to stay on the queue, deleted %v", h.queue.deleted)
	}

	// redelivery: the successful record is deduplicated, the failed one retried
	h.launcher.failKeys = map[string]bool{}
	if err := h.dispatcher.HandleMessage(context.Background(), types.QueueMessage{ID: "m-1", Body: body}); err != nil {
		t.Fatalf("Redelivery returned error: %v", err)
	}
	if len(h.launcher.requests) != 3 || h.launcher.requests[2].Params.Key != "b.mp4" {
		t.Errorf("Expected only b.mp4 to be relaunched, got %+v", h.launcher.requests)
	}
	if len(h.queue.deleted) != 1 {
		t.Errorf("Expected message to be deleted after redelivery, got %v", h.queue.deleted)
	}
}

func TestRedeliveryDoesNotRelaunch(t *testing.T) {
	h := newHarness(t, pebbleStore(t), Options{LockTTL: time.Hour})
	ctx := context.Background()

	// SQS redelivers the same message id and body
	msg := types.QueueMessage{ID: "m-1", Body: uploadBody("aaa", "0001")}
	for i := 0; i < 2; i++ {
		if err := h.dispatcher.HandleMessage(ctx, msg); err != nil {
			t.Fatalf("Delivery %d returned error: %v", i+1, err)
		}
	}
	if len(h.launcher.requests) != 1 {
		t.Errorf("Expected one launch for a redelivered message, got %d", len(h.launcher.requests))
	}
	if len(h.queue.deleted) != 2 {
		t.Errorf("Expected both deliveries to be deleted, got %v", h.queue.deleted)
	}
}

func TestReuploadWithNewSequencerLaunchesAgain(t *testing.T) {
	h := newHarness(t, pebbleStore(t), Options{LockTTL: 2 * time.Hour})
	ctx := context.Background()

	// the first job is still holding its lock when the object is overwritten
	uploads := []types.QueueMessage{
		{ID: "upload-1", Body: uploadBody("aaa", "0001")},
		{ID: "upload-2", Body: uploadBody("bbb", "0002")},
	}
	for _, msg := range uploads {
		if err := h.dispatcher.HandleMessage(ctx, msg); err != nil {
			t.Fatalf("HandleMessage(%s) returned error: %v", msg.ID, err)
		}
	}

	if len(h.launcher.requests) != 2 {
		t.Fatalf("Expected a launch per upload, got %d", len(h.launcher.requests))
	}
	if h.launcher.requests[0].Params.Sequencer != "0001" || h.launcher.requests[1].Params.Sequencer != "0002" {
		t.Errorf("Unexpected launch params: %+v", h.launcher.requests)
	}
	if len(h.queue.deleted) != 2 {
		t.Errorf("Expected both uploads to be deleted, got %v", h.queue.deleted)
	}

	record, err := h.store.Get(ctx, h.launcher.requests[1].Params)
	if err != nil || record == nil || record.JobID != "job-2" || record.Sequencer != "0002" {
		t.Errorf("Expected record of the latest upload, got %+v (%v)", record, err)
	}
}

func TestStaleLockOfFinishedJobIsTakenOver(t *testing.T) {
	store := pebbleStore(t)
	h := newHarness(t, store, Options{LockTTL: 2 * time.Hour})
	ctx := context.Background()
	params := types.JobParameters{Bucket: "raw-uploads", Key: "clip42.mp4", Sequencer: "0001"}

	// the worker recorded its outcome but its release never reached the store
	if ok, _, err := store.Acquire(ctx, params, "job-old", 2*time.Hour); !ok || err != nil {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	if err := store.Save(ctx, types.JobRecord{JobID: "job-old", Bucket: params.Bucket, Key: params.Key, Sequencer: "0001", Status: types.FAILED}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	if err := h.dispatcher.HandleMessage(ctx, types.QueueMessage{ID: "m-1", Body: uploadBody("aaa", "0001")}); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(h.launcher.requests) != 1 {
		t.Fatalf("Expected the stale lock to be taken over, got %d launches", len(h.launcher.requests))
	}

	// the new job holds the lock now
	ok, holder, err := store.Acquire(ctx, params, "job-other", time.Hour)
	if err != nil || ok || holder != "job-1" {
		t.Errorf("Expected lock held by job-1, got ok=%v holder=%q err=%v", ok, holder, err)
	}

	var warned bool
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["stale_job_id"] == "job-old" {
			warned = true
		}
	}
	if !warned {
		t.Error("Expected takeover to be logged")
	}
}

func TestLockOfRunningJobIsNotTakenOver(t *testing.T) {
	store := pebbleStore(t)
	h := newHarness(t, store, Options{LockTTL: 2 * time.Hour})
	ctx := context.Background()
	params := types.JobParameters{Bucket: "raw-uploads", Key: "clip42.mp4", Sequencer: "0001"}

	store.Acquire(ctx, params, "job-old", 2*time.Hour)
	store.Save(ctx, types.JobRecord{JobID: "job-old", Bucket: params.Bucket, Key: params.Key, Sequencer: "0001", Status: types.RUNNING})

	if err := h.dispatcher.HandleMessage(ctx, types.QueueMessage{ID: "m-1", Body: uploadBody("aaa", "0001")}); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(h.launcher.requests) != 0 {
		t.Errorf("Expected no launch while job-old runs, got %d", len(h.launcher.requests))
	}
	if len(h.queue.deleted) != 1 {
		t.Errorf("Expected duplicate to be deleted, got %v", h.queue.deleted)
	}
}

func TestPoisonMessageGoesToDeadLetter(t *testing.T) {
	h := newHarness(t, jobstore.Nop{}, Options{MaxReceiveCount: 5})
	h.queue.hasDLQ = true

	msg := types.QueueMessage{ID: "m-1", Body: "not json", ReceiveCount: 6}
	if err := h.dispatcher.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(h.queue.deadLetter) != 1 || len(h.queue.deleted) != 1 {
		t.Errorf("Expected dead letter and delete, got dlq=%v deleted=%v", h.queue.deadLetter, h.queue.deleted)
	}

	// under the threshold the message is processed normally
	msg = types.QueueMessage{ID: "m-2", Body: "not json", ReceiveCount: 5}
	if err := h.dispatcher.HandleMessage(context.Background(), msg); err == nil {
		t.Error("Expected decode error under the threshold")
	}
	if len(h.queue.deadLetter) != 1 {
		t.Errorf("Expected no further dead letters, got %v", h.queue.deadLetter)
	}
}

func TestRunSurvivesErrorsAndStopsOnCancel(t *testing.T) {
	h := newHarness(t, jobstore.Nop{}, Options{ReceiveErrorDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.queue.cancel = cancel
	h.queue.script = []receiveResult{
		{err: errors.New("throttled")},
		{},
		{msgs: []types.QueueMessage{{ID: "bad", Body: "{"}}},
		{msgs: []types.QueueMessage{{ID: "good", Body: e2eBody}}},
		{msgs: []types.QueueMessage{{ID: "health", Body: `{"Service":"Amazon S3","Event":"s3.TestEvent"}`}}},
	}

	done := make(chan error, 1)
	go func() { done <- h.dispatcher.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	if len(h.launcher.requests) != 1 {
		t.Errorf("Expected one launch, got %d", len(h.launcher.requests))
	}
	want := map[string]bool{"good": true, "health": true}
	if len(h.queue.deleted) != 2 || !want[h.queue.deleted[0]] || !want[h.queue.deleted[1]] {
		t.Errorf("Expected good and health to be deleted, got %v", h.queue.deleted)
	}
	if len(h.queue.requeued) != 0 {
		t.Errorf("Expected malformed message to wait out its visibility timeout, requeued %v", h.queue.requeued)
	}

	var loggedErrors int
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			loggedErrors++
		}
	}
	if loggedErrors != 2 {
		t.Errorf("Expected receive and decode errors to be logged, got %d error entries", loggedErrors)
	}
}

func TestRunRequeuesFailedLaunch(t *testing.T) {
	h := newHarness(t, jobstore.Nop{}, Options{RequeueDelay: 10 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.queue.cancel = cancel
	h.launcher.failKeys["clip42.mp4"] = true
	h.queue.script = []receiveResult{
		{msgs: []types.QueueMessage{{ID: "m-1", Body: e2eBody}}},
	}

	if err := h.dispatcher.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(h.queue.requeued) != 1 || h.queue.requeued[0] != "m-1:10s" {
		t.Errorf("Expected m-1 to be requeued after 10s, got %v", h.queue.requeued)
	}
	if len(h.queue.deleted) != 0 {
		t.Errorf("Expected message to stay on the queue, deleted %v", h.queue.deleted)
	}
}

func TestDeleteFailureIsReturned(t *testing.T) {
	h := newHarness(t, jobstore.Nop{}, Options{})
	h.queue.deleteErr = errors.New("receipt handle expired")

	err := h.dispatcher.HandleMessage(context.Background(), types.QueueMessage{ID: "m-1", Body: e2eBody})
	if err == nil {
		t.Fatal("Expected delete error to be returned")
	}
	if len(h.launcher.requests) != 1 {
		t.Errorf("Expected one launch, got %d", len(h.launcher.requests))
	}
}
