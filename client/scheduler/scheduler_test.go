package scheduler

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/dfget/client/errs"
	"github.com/dragonflyoss/dfget/client/session"
	"github.com/dragonflyoss/dfget/client/supernode"
	"github.com/dragonflyoss/dfget/client/workitem"
)

// stubWriter records every item handed to it without touching disk, so
// scheduler tests can run without a real service file.
type stubWriter struct {
	mu      sync.Mutex
	written []workitem.Item
	closed  bool
	across  bool
}

func (w *stubWriter) Write(ctx context.Context, item workitem.Item) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, item)
}
func (w *stubWriter) Reset()                   {}
func (w *stubWriter) SetPieceSize(size uint32) {}
func (w *stubWriter) AcrossWrite() bool        { return w.across }
func (w *stubWriter) Failed() bool             { return false }
func (w *stubWriter) Close()                   { w.closed = true }

// newTestScheduler builds a Scheduler for exercising getItem/refresh/
// finishTask directly; Run's HTTP plumbing against a real supernode is
// covered by client/supernode's own tests instead, since supernode.Port
// is fixed and can't be pointed at an httptest.Server here.
func newTestScheduler(w Writer) *Scheduler {
	sess := session.New("/tmp/out.bin", "127.0.0.1", "/tmp")
	return New(sess, supernode.New(), w, Options{Node: "node-a", TaskID: "task-1"})
}

func TestNewQueuesInitialStartItem(t *testing.T) {
	s := newTestScheduler(&stubWriter{})
	select {
	case item := <-s.queue:
		assert.Equal(t, "task-1", item.TaskID)
		assert.Equal(t, supernode.TaskStatusStart, item.Status)
	default:
		t.Fatal("expected initial item on queue")
	}
}

func TestGetItemDropsStalePieceSize(t *testing.T) {
	s := newTestScheduler(&stubWriter{})
	<-s.queue // drain the constructor's initial item
	s.queue <- workitem.Item{PieceSize: 999}

	goNext, _ := s.getItem(context.Background(), nil)
	assert.False(t, goNext)
}

func TestGetItemTimesOutWithEmptyQueue(t *testing.T) {
	s := newTestScheduler(&stubWriter{})
	<-s.queue

	start := time.Now()
	goNext, item := s.getItem(context.Background(), nil)
	assert.False(t, goNext)
	assert.Nil(t, item)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestRefreshCommitsPendingMigration(t *testing.T) {
	w := &stubWriter{}
	s := newTestScheduler(w)
	s.running.Add("0-9")
	s.success.Add("0-9")
	s.sess.RefreshPieceSize(1024)

	s.refresh(&workitem.Item{SuperNode: s.node, TaskID: s.taskID})

	assert.False(t, s.sess.PieceSizeChanged())
	assert.Equal(t, 0, s.running.Cardinality())
	assert.Equal(t, 0, s.success.Cardinality())
}

func TestRefreshAdoptsNewSuperNode(t *testing.T) {
	s := newTestScheduler(&stubWriter{})
	s.refresh(&workitem.Item{SuperNode: "node-b", TaskID: "task-2"})
	assert.Equal(t, "node-b", s.node)
	assert.Equal(t, "task-2", s.taskID)
}

func TestFinishTaskMovesFileAndReportsMD5(t *testing.T) {
	dir := t.TempDir()
	sess := session.New(dir+"/out.bin", "127.0.0.1", dir)
	sess.DataDir = dir + "/"
	require.NoError(t, os.WriteFile(sess.TaskFile(), []byte("hello world"), 0644))

	w := &stubWriter{}
	s := New(sess, supernode.New(), w, Options{Node: "node-a", TaskID: "task-1"})

	// md5 of "hello world"
	result := &supernode.PullResult{Code: supernode.TaskCodeFinish, RawData: []byte(`{"md5":"5eb63bbbe01eeed093cb22bb8f5acdc3"}`)}
	err := s.finishTask(context.Background(), result)
	require.NoError(t, err)
	assert.True(t, w.closed)

	got, err := os.ReadFile(sess.RealTarget)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestFinishTaskSkipsMoveWhenBackReasonAlreadySet(t *testing.T) {
	dir := t.TempDir()
	sess := session.New(dir+"/out.bin", "127.0.0.1", dir)
	sess.SetBackReason(errs.ReasonWriteError)

	w := &stubWriter{}
	s := New(sess, supernode.New(), w, Options{Node: "node-a", TaskID: "task-1"})

	result := &supernode.PullResult{Code: supernode.TaskCodeFinish, RawData: []byte(`{"md5":"abc123"}`)}
	err := s.finishTask(context.Background(), result)
	require.NoError(t, err)

	_, statErr := os.ReadFile(sess.RealTarget)
	assert.Error(t, statErr)
}

func TestMigrateGivesUpWhenNoNodesRemain(t *testing.T) {
	s := newTestScheduler(&stubWriter{})
	s.nodes = nil

	migrated, err := s.migrate(context.Background())
	assert.False(t, migrated)
	require.NoError(t, err)
}

func TestPullRateUsesDownLinkHintWhenNoLocalLimit(t *testing.T) {
	s := newTestScheduler(&stubWriter{})
	s.port = 1 // reserved port: RequestLocalRate fails to connect, hint still applies

	s.pullRate(supernode.PieceTask{DownLink: "128"})
	require.NotNil(t, s.rateLimiter)
	assert.Equal(t, int64(128*1024), s.rateLimiter.Rate())
}
