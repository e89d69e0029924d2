package worker

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/clusterfs/snaptool/pkg/cluster"
	"github.com/clusterfs/snaptool/pkg/intentlog"
	"github.com/clusterfs/snaptool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// collapse the pacing delays so execution paths run in milliseconds
	uploadSettleDelay = time.Millisecond
	deleteSettleDelay = time.Millisecond
	basePollDelay = time.Millisecond
	deleteFirstCheckDelay = time.Millisecond
	pollDelayFn = func(loopCount, progress int) time.Duration { return time.Millisecond }
	os.Exit(m.Run())
}

// fakeCluster scripts connector responses for the worker.
type fakeCluster struct {
	statuses    []cluster.StatusResult
	statusErrs  []error
	statusCalls int

	uploadLocator string
	uploadErr     error
	uploadCalls   []types.StowSite

	deleteErr   error
	deleteCalls int

	filesystems []types.Filesystem
}

func (f *fakeCluster) SnapshotStatus(fs, name string) (cluster.StatusResult, error) {
	i := f.statusCalls
	f.statusCalls++
	if i < len(f.statusErrs) && f.statusErrs[i] != nil {
		return cluster.StatusResult{}, f.statusErrs[i]
	}
	if i >= len(f.statuses) {
		return f.statuses[len(f.statuses)-1], nil
	}
	return f.statuses[i], nil
}

func (f *fakeCluster) SnapshotUpload(fs, snap string, site types.StowSite) (string, error) {
	f.uploadCalls = append(f.uploadCalls, site)
	return f.uploadLocator, f.uploadErr
}

func (f *fakeCluster) SnapshotDelete(fs, name string) error {
	f.deleteCalls++
	return f.deleteErr
}

func (f *fakeCluster) FilesystemsList() ([]types.Filesystem, error) {
	return f.filesystems, nil
}

func single(st types.StowStatus, progress string, locator string) cluster.StatusResult {
	return cluster.StatusResult{
		Kind: cluster.StatusSingle,
		Snapshot: &types.Snapshot{
			Name:       "daily.2106020913",
			Filesystem: "fs1",
			LocalStow:  types.StowInfo{Status: st, Progress: types.ParseProgress(progress), Locator: locator},
			RemoteStow: types.StowInfo{Status: types.StowNone, Progress: types.ProgressUnknown},
		},
	}
}

func missing() cluster.StatusResult {
	return cluster.StatusResult{Kind: cluster.StatusMissing}
}

func newTestWorker(t *testing.T, fc *fakeCluster) (*Worker, *intentlog.Log) {
	t.Helper()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	il, err := intentlog.Open("snap_intent_q.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = il.Close() })
	return New(il, fc), il
}

func loggedRecords(t *testing.T, il *intentlog.Log) []intentlog.Record {
	t.Helper()
	data, err := os.ReadFile(il.Path())
	require.NoError(t, err)
	var out []intentlog.Record
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		rec, err := intentlog.ParseRecord(line)
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func statuses(recs []intentlog.Record) []intentlog.Status {
	var out []intentlog.Status
	for _, r := range recs {
		out = append(out, r.Status)
	}
	return out
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		loopCount int
		progress  int
		want      time.Duration
	}{
		{13, 10, 60 * time.Second},
		{13, 65, 30 * time.Second},
		{13, 90, 10 * time.Second},
		{13, -1, 10 * time.Second},
		{10, 10, 30 * time.Second},
		{10, 65, 20 * time.Second},
		{10, 90, 10 * time.Second},
		{7, 10, 20 * time.Second},
		{7, 65, 15 * time.Second},
		{7, 90, 10 * time.Second},
		{7, -1, 10 * time.Second},
		{4, 10, 10 * time.Second},
		{4, 65, 5 * time.Second},
		{4, 90, 5 * time.Second},
		{4, -1, 5 * time.Second},
		{3, 10, 2 * time.Second},
		{1, 90, 2 * time.Second},
		{0, -1, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("loop%d_progress%d", tt.loopCount, tt.progress), func(t *testing.T) {
			assert.Equal(t, tt.want, pollInterval(tt.loopCount, tt.progress))
		})
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Enqueue(&Intent{UID: "a", Op: intentlog.OpUpload})
	q.Enqueue(&Intent{UID: "b", Op: intentlog.OpUpload})

	it, ok := q.Dequeue(time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "a", it.UID)
	it, ok = q.Dequeue(time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "b", it.UID)
	_, ok = q.Dequeue(time.Millisecond)
	assert.False(t, ok)
}

func TestQueueDuplicateDeleteSuppressed(t *testing.T) {
	q := NewQueue()
	assert.True(t, q.Enqueue(&Intent{UID: "a", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpDelete}))
	assert.False(t, q.Enqueue(&Intent{UID: "b", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpDelete}))
	assert.True(t, q.Enqueue(&Intent{UID: "c", Filesystem: "fs1", Snapshot: "s2", Op: intentlog.OpDelete}))
	assert.Equal(t, 2, q.Len())

	// uploads are never suppressed at enqueue time; the stow status
	// check handles them at execution time
	assert.True(t, q.Enqueue(&Intent{UID: "d", Filesystem: "fs1", Snapshot: "s3", Op: intentlog.OpUpload}))
	assert.True(t, q.Enqueue(&Intent{UID: "e", Filesystem: "fs1", Snapshot: "s3", Op: intentlog.OpUpload}))
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(&Intent{UID: "a", Op: intentlog.OpUpload})
	}()
	it, ok := q.Dequeue(time.Second)
	require.True(t, ok)
	assert.Equal(t, "a", it.UID)
}

func TestRingCapacity(t *testing.T) {
	r := NewRing()
	for i := 0; i < RingCapacity+50; i++ {
		r.Add("message %d", i)
	}
	recent := r.Recent()
	require.Len(t, recent, RingCapacity)
	assert.Contains(t, recent[0], "message 50")
	assert.Contains(t, recent[len(recent)-1], fmt.Sprintf("message %d", RingCapacity+49))
}

func TestExecuteUploadSnapshotMissing(t *testing.T) {
	fc := &fakeCluster{statuses: []cluster.StatusResult{missing()}}
	w, il := newTestWorker(t, fc)

	w.executeUpload(&Intent{UID: "u1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpUpload})

	recs := loggedRecords(t, il)
	require.Len(t, recs, 1)
	assert.Equal(t, intentlog.StatusComplete, recs[0].Status)
	assert.Empty(t, fc.uploadCalls)
}

func TestExecuteUploadAlreadySynchronized(t *testing.T) {
	fc := &fakeCluster{statuses: []cluster.StatusResult{single(types.StowSynchronized, "100%", "loc-1")}}
	w, il := newTestWorker(t, fc)

	w.executeUpload(&Intent{UID: "u1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpUpload})

	recs := loggedRecords(t, il)
	require.Len(t, recs, 1)
	assert.Equal(t, intentlog.StatusComplete, recs[0].Status)
	assert.Equal(t, "loc-1", recs[0].Locator)
	assert.Empty(t, fc.uploadCalls)
}

func TestExecuteUploadHappyPath(t *testing.T) {
	fc := &fakeCluster{
		statuses: []cluster.StatusResult{
			single(types.StowNone, "N/A", ""),
			single(types.StowUploading, "33%", ""),
			single(types.StowUploading, "90%", ""),
			single(types.StowSynchronized, "100%", "loc-1"),
		},
		uploadLocator: "loc-1",
		filesystems: []types.Filesystem{{
			Name:    "fs1",
			Buckets: []types.Bucket{{Name: "bkt-local", Mode: types.BucketWritable}},
		}},
	}
	w, il := newTestWorker(t, fc)

	w.executeUpload(&Intent{UID: "u1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpUpload})

	require.Equal(t, []types.StowSite{types.SiteLocal}, fc.uploadCalls)
	recs := loggedRecords(t, il)
	require.Len(t, recs, 2)
	assert.Equal(t, intentlog.StatusInProgress, recs[0].Status)
	assert.Equal(t, "loc-1", recs[0].Locator)
	assert.Equal(t, "bkt-local", recs[0].Bucket)
	assert.Equal(t, intentlog.StatusComplete, recs[1].Status)

	// progress made it into the UI ring
	joined := strings.Join(w.Ring().Recent(), "\n")
	assert.Contains(t, joined, "33%")
	assert.Contains(t, joined, "complete")
}

func TestExecuteUploadRemoteSite(t *testing.T) {
	st := single(types.StowNone, "N/A", "")
	st.Snapshot.RemoteStow = types.StowInfo{Status: types.StowNone, Progress: types.ProgressUnknown}
	done := single(types.StowNone, "N/A", "")
	done.Snapshot.RemoteStow = types.StowInfo{Status: types.StowSynchronized, Progress: types.ParseProgress("100%"), Locator: "rloc"}
	fc := &fakeCluster{
		statuses:      []cluster.StatusResult{st, done},
		uploadLocator: "rloc",
		filesystems: []types.Filesystem{{
			Name:    "fs1",
			Buckets: []types.Bucket{{Name: "bkt-remote", Mode: types.BucketRemote}},
		}},
	}
	w, il := newTestWorker(t, fc)

	w.executeUpload(&Intent{UID: "u1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpUploadRemote})

	require.Equal(t, []types.StowSite{types.SiteRemote}, fc.uploadCalls)
	recs := loggedRecords(t, il)
	require.Len(t, recs, 2)
	assert.Equal(t, "bkt-remote", recs[0].Bucket)
	assert.Equal(t, intentlog.StatusComplete, recs[1].Status)
}

func TestExecuteUploadNotTierable(t *testing.T) {
	fc := &fakeCluster{
		statuses:  []cluster.StatusResult{single(types.StowNone, "N/A", "")},
		uploadErr: cluster.ErrNotTierable,
	}
	w, il := newTestWorker(t, fc)

	w.executeUpload(&Intent{UID: "u1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpUpload})

	// error first, then complete: the intent is satisfied by policy
	recs := loggedRecords(t, il)
	require.Len(t, recs, 2)
	assert.Equal(t, intentlog.StatusError, recs[0].Status)
	assert.Equal(t, intentlog.StatusComplete, recs[1].Status)
}

func TestExecuteUploadTransientUploadError(t *testing.T) {
	fc := &fakeCluster{
		statuses:  []cluster.StatusResult{single(types.StowNone, "N/A", "")},
		uploadErr: fmt.Errorf("boom"),
	}
	w, il := newTestWorker(t, fc)

	w.executeUpload(&Intent{UID: "u1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpUpload})

	// error only; replay will retry it later
	recs := loggedRecords(t, il)
	require.Len(t, recs, 1)
	assert.Equal(t, intentlog.StatusError, recs[0].Status)
}

func TestExecuteUploadAbandonsAfterStatusErrors(t *testing.T) {
	errs := []error{nil}
	for i := 0; i < maxStatusErrors+1; i++ {
		errs = append(errs, fmt.Errorf("status down"))
	}
	fc := &fakeCluster{
		statuses:   []cluster.StatusResult{single(types.StowNone, "N/A", "")},
		statusErrs: errs,
		filesystems: []types.Filesystem{{
			Name:    "fs1",
			Buckets: []types.Bucket{{Name: "b", Mode: types.BucketWritable}},
		}},
	}
	w, il := newTestWorker(t, fc)

	w.executeUpload(&Intent{UID: "u1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpUpload})

	// only the in-progress record; the uid is left for replay
	recs := loggedRecords(t, il)
	require.Len(t, recs, 1)
	assert.Equal(t, intentlog.StatusInProgress, recs[0].Status)
}

func TestExecuteDeleteNotFound(t *testing.T) {
	fc := &fakeCluster{statuses: []cluster.StatusResult{missing()}}
	w, il := newTestWorker(t, fc)

	w.executeDelete(&Intent{UID: "d1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpDelete})

	recs := loggedRecords(t, il)
	require.Len(t, recs, 1)
	assert.Equal(t, intentlog.StatusComplete, recs[0].Status)
	assert.Zero(t, fc.deleteCalls)
}

func TestExecuteDeleteHappyPath(t *testing.T) {
	fc := &fakeCluster{
		statuses: []cluster.StatusResult{
			single(types.StowNone, "N/A", "loc-2"),
			single(types.StowNone, "N/A", "loc-2"),
			missing(),
		},
		filesystems: []types.Filesystem{{
			Name:    "fs1",
			Buckets: []types.Bucket{{Name: "bkt", Mode: types.BucketWritable}},
		}},
	}
	w, il := newTestWorker(t, fc)

	w.executeDelete(&Intent{UID: "d1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpDelete})

	assert.Equal(t, 1, fc.deleteCalls)
	recs := loggedRecords(t, il)
	require.Len(t, recs, 2)
	assert.Equal(t, []intentlog.Status{intentlog.StatusInProgress, intentlog.StatusComplete}, statuses(recs))
	assert.Equal(t, "loc-2", recs[0].Locator)
	assert.Equal(t, "bkt", recs[0].Bucket)
}

func TestExecuteDeleteLocatorPreference(t *testing.T) {
	st := single(types.StowNone, "N/A", "local-loc")
	st.Snapshot.RemoteStow.Locator = "remote-loc"
	fc := &fakeCluster{statuses: []cluster.StatusResult{st, missing()}}
	w, il := newTestWorker(t, fc)

	w.executeDelete(&Intent{UID: "d1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpDelete})

	recs := loggedRecords(t, il)
	require.NotEmpty(t, recs)
	// no top-level locator, so the remote stow's wins over the local
	assert.Equal(t, "remote-loc", recs[0].Locator)
}

func TestReplayRequeuesOutstanding(t *testing.T) {
	fc := &fakeCluster{statuses: []cluster.StatusResult{single(types.StowNone, "N/A", "")}}
	w, il := newTestWorker(t, fc)

	now := time.Now()
	for _, r := range []intentlog.Record{
		{UID: "u1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpUpload, Status: intentlog.StatusQueued, Timestamp: now},
		{UID: "u2", Filesystem: "fs1", Snapshot: "s2", Op: intentlog.OpUpload, Status: intentlog.StatusQueued, Timestamp: now},
		{UID: "u1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpUpload, Status: intentlog.StatusInProgress, Timestamp: now},
		{UID: "u1", Filesystem: "fs1", Snapshot: "s1", Op: intentlog.OpUpload, Status: intentlog.StatusComplete, Timestamp: now},
	} {
		require.NoError(t, il.Append(r))
	}

	w.Replay()

	it, ok := w.queue.Dequeue(time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "u2", it.UID)
	assert.Equal(t, "s2", it.Snapshot)
	_, ok = w.queue.Dequeue(time.Millisecond)
	assert.False(t, ok)
}

func TestReplayCleansUpVanishedUpload(t *testing.T) {
	fc := &fakeCluster{statuses: []cluster.StatusResult{missing()}}
	w, il := newTestWorker(t, fc)

	require.NoError(t, il.Append(intentlog.Record{
		UID: "u1", Filesystem: "fs1", Snapshot: "s1",
		Op: intentlog.OpUpload, Status: intentlog.StatusInProgress, Timestamp: time.Now(),
	}))

	w.Replay()

	// the upload is retired and a cleanup delete queued in its place
	it, ok := w.queue.Dequeue(time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, intentlog.OpDelete, it.Op)
	assert.Equal(t, "s1", it.Snapshot)

	recs := loggedRecords(t, il)
	var uploadFinal intentlog.Status
	for _, r := range recs {
		if r.UID == "u1" {
			uploadFinal = r.Status
		}
	}
	assert.Equal(t, intentlog.StatusComplete, uploadFinal)
}

func TestWorkerRunDrivesIntentEndToEnd(t *testing.T) {
	fc := &fakeCluster{statuses: []cluster.StatusResult{missing()}}
	w, il := newTestWorker(t, fc)

	w.Start()
	defer w.Stop()
	w.Submit("fs1", "s1", intentlog.OpDelete)

	require.Eventually(t, func() bool {
		recs := loggedRecords(t, il)
		return len(recs) == 2 && recs[1].Status == intentlog.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)
}
