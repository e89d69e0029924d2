package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/clusterfs/snaptool/pkg/cluster"
	"github.com/clusterfs/snaptool/pkg/intentlog"
	"github.com/clusterfs/snaptool/pkg/log"
	"github.com/clusterfs/snaptool/pkg/metrics"
	"github.com/clusterfs/snaptool/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// dequeueTimeout keeps the consumer loop responsive to shutdown.
	dequeueTimeout = time.Second

	// maxStatusErrors is how many consecutive status-fetch failures a
	// poll loop tolerates; the next failure abandons it. The intent
	// stays in-progress and replay revisits it on the next startup.
	maxStatusErrors = 10
)

// vars so tests can collapse the waits
var (
	// uploadSettleDelay lets a freshly created snapshot settle before
	// the stow call; deleteSettleDelay paces back-to-back deletes.
	uploadSettleDelay = 3 * time.Second
	deleteSettleDelay = 300 * time.Millisecond

	// basePollDelay is the first wait before checking on a fresh stow
	// operation.
	basePollDelay = 5 * time.Second

	// deleteFirstCheckDelay is the short first wait after a delete call
	// in case the delete is instant.
	deleteFirstCheckDelay = time.Second

	// pollDelayFn computes poll pacing; swapped in tests.
	pollDelayFn = pollInterval
)

// Cluster is the connector surface the worker drives. *cluster.Connector
// satisfies it; tests substitute fakes.
type Cluster interface {
	SnapshotStatus(fs, name string) (cluster.StatusResult, error)
	SnapshotUpload(fs, snap string, site types.StowSite) (string, error)
	SnapshotDelete(fs, name string) error
	FilesystemsList() ([]types.Filesystem, error)
}

// Worker executes upload and delete intents one at a time. Serialising
// is deliberate: the cluster's stow subsystem handles one transfer per
// filesystem cleanly, and the adaptive polling assumes a singleton
// observer.
type Worker struct {
	queue   *Queue
	intents *intentlog.Log
	ring    *Ring
	logger  zerolog.Logger

	clusterMu sync.RWMutex
	cluster   Cluster

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a worker bound to the intent log and cluster connector.
func New(intents *intentlog.Log, cl Cluster) *Worker {
	return &Worker{
		queue:   NewQueue(),
		intents: intents,
		ring:    NewRing(),
		cluster: cl,
		logger:  log.WithComponent("worker"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the consumer loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop shuts the consumer down and waits for the in-flight operation to
// return on its own; there is no forced kill. The intent log resumes
// anything cut short.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// SetCluster swaps the connector after a config-driven reconnect.
func (w *Worker) SetCluster(cl Cluster) {
	w.clusterMu.Lock()
	w.cluster = cl
	w.clusterMu.Unlock()
}

func (w *Worker) getCluster() Cluster {
	w.clusterMu.RLock()
	defer w.clusterMu.RUnlock()
	return w.cluster
}

// Ring exposes the progress message history for the status UI.
func (w *Worker) Ring() *Ring {
	return w.ring
}

// QueueDepth reports the number of waiting intents.
func (w *Worker) QueueDepth() int {
	return w.queue.Len()
}

// Submit creates a fresh intent, records it queued, and hands it to the
// consumer. Duplicate deletes for the same (filesystem, snapshot) are
// dropped before anything is logged.
func (w *Worker) Submit(fs, snap string, op intentlog.Operation) {
	it := &Intent{
		UID:        intentlog.NewUID(),
		Filesystem: fs,
		Snapshot:   snap,
		Op:         op,
	}
	w.enqueue(it, true)
}

// Resubmit re-queues an intent recovered from the log, preserving its
// uid. No queued record is written; the log already has its history.
func (w *Worker) Resubmit(rec intentlog.Record) {
	it := &Intent{
		UID:        rec.UID,
		Filesystem: rec.Filesystem,
		Snapshot:   rec.Snapshot,
		Op:         rec.Op,
	}
	w.enqueue(it, false)
}

func (w *Worker) enqueue(it *Intent, record bool) {
	if !w.queue.Enqueue(it) {
		w.logger.Debug().Str("fs", it.Filesystem).Str("snap", it.Snapshot).
			Msg("Duplicate delete ignored")
		return
	}
	if record {
		w.append(it, intentlog.StatusQueued, "", "")
	}
	metrics.IntentQueueDepth.Set(float64(w.queue.Len()))
}

// Replay re-queues outstanding work from the intent log: in-progress
// first, then errored, then queued. Uploads whose snapshot vanished
// server-side are retired and a delete is queued in their place to
// clean up any stray artifact.
func (w *Worker) Replay() {
	w.logger.Info().Msg("Replaying intent log")
	timer := metrics.NewTimer()
	for _, rec := range w.intents.Outstanding() {
		metrics.IntentsReplayed.Inc()
		if rec.Op == intentlog.OpDelete {
			w.logger.Info().Str("fs", rec.Filesystem).Str("snap", rec.Snapshot).
				Str("op", string(rec.Op)).Msg("Re-scheduling")
			w.Resubmit(rec)
			continue
		}
		res, err := w.getCluster().SnapshotStatus(rec.Filesystem, rec.Snapshot)
		if err == nil && res.Kind == cluster.StatusMissing {
			w.logger.Warn().Str("fs", rec.Filesystem).Str("snap", rec.Snapshot).
				Msg("Snapshot behind logged upload is gone, queueing cleanup delete")
			w.append(&Intent{UID: rec.UID, Filesystem: rec.Filesystem, Snapshot: rec.Snapshot, Op: rec.Op},
				intentlog.StatusComplete, rec.Locator, rec.Bucket)
			w.Submit(rec.Filesystem, rec.Snapshot, intentlog.OpDelete)
			continue
		}
		w.logger.Info().Str("fs", rec.Filesystem).Str("snap", rec.Snapshot).
			Str("op", string(rec.Op)).Msg("Re-scheduling")
		w.Resubmit(rec)
	}
	w.logger.Warn().Dur("elapsed", timer.Duration()).Msg("Replay intent log done")
}

func (w *Worker) run() {
	defer close(w.doneCh)
	w.logger.Info().Msg("Background worker started")
	for {
		select {
		case <-w.stopCh:
			w.logger.Info().Msg("Background worker stopped")
			return
		default:
		}
		it, ok := w.queue.Dequeue(dequeueTimeout)
		if !ok {
			continue
		}
		metrics.IntentQueueDepth.Set(float64(w.queue.Len()))
		w.logger.Debug().Str("fs", it.Filesystem).Str("snap", it.Snapshot).
			Str("op", string(it.Op)).Msg("Queue entry received")

		switch it.Op {
		case intentlog.OpUpload, intentlog.OpUploadRemote:
			if !w.pause(uploadSettleDelay) {
				w.queue.Enqueue(it)
				continue
			}
			w.executeUpload(it)
		case intentlog.OpDelete:
			if !w.pause(deleteSettleDelay) {
				w.queue.Enqueue(it)
				continue
			}
			w.executeDelete(it)
		default:
			w.logger.Error().Str("op", string(it.Op)).Msg("Unknown intent operation")
		}
	}
}

// pause sleeps unless shutdown arrives first; false means stop.
func (w *Worker) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stopCh:
		return false
	}
}

func (w *Worker) append(it *Intent, status intentlog.Status, locator, bucket string) {
	err := w.intents.Append(intentlog.Record{
		UID:        it.UID,
		Filesystem: it.Filesystem,
		Snapshot:   it.Snapshot,
		Op:         it.Op,
		Status:     status,
		Locator:    locator,
		Bucket:     bucket,
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to append intent record")
	}
	if status == intentlog.StatusComplete || status == intentlog.StatusError {
		metrics.IntentsCompleted.WithLabelValues(string(it.Op), string(status)).Inc()
	}
	if err := w.intents.Rotate(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to rotate intent log")
	}
}

func siteFor(op intentlog.Operation) types.StowSite {
	if op == intentlog.OpUploadRemote {
		return types.SiteRemote
	}
	return types.SiteLocal
}

// resolveBucket finds the object store bucket an operation will land
// in, for the intent log record. Best effort; an empty bucket only
// costs log detail.
func (w *Worker) resolveBucket(fs string, site types.StowSite) string {
	fss, err := w.getCluster().FilesystemsList()
	if err != nil {
		w.logger.Warn().Err(err).Str("fs", fs).Msg("Could not list filesystems for bucket resolution")
		return ""
	}
	for i := range fss {
		if fss[i].Name != fs {
			continue
		}
		if b, ok := fss[i].BucketFor(site); ok {
			return b.Name
		}
		// without a bucket for the requested site, the remote bucket is
		// used; deletes, which ask for the local site, rely on this
		if b, ok := fss[i].BucketFor(types.SiteRemote); ok {
			return b.Name
		}
	}
	return ""
}

func (w *Worker) executeUpload(it *Intent) {
	fs, snap := it.Filesystem, it.Snapshot
	site := siteFor(it.Op)
	locator := ""
	bucket := ""

	res, err := w.getCluster().SnapshotStatus(fs, snap)
	if err != nil {
		w.logger.Error().Err(err).Str("fs", fs).Str("snap", snap).
			Msg("Unable to get snapshot status in upload")
		return
	}
	if res.Kind == cluster.StatusMissing {
		w.logger.Error().Str("fs", fs).Str("snap", snap).
			Msg("Snapshot doesn't exist, not created? Logging as complete")
		w.ring.Add("%s %s/%s complete: snapshot_missing", it.Op, fs, snap)
		w.append(it, intentlog.StatusComplete, "", "")
		return
	}

	switch res.Snapshot.Stow(site).Status {
	case types.StowNone:
		bucket = w.resolveBucket(fs, site)
		locator, err = w.getCluster().SnapshotUpload(fs, snap, site)
		if err != nil {
			w.logger.Error().Err(err).Str("fs", fs).Str("snap", snap).Msg("Error uploading snapshot")
			w.append(it, intentlog.StatusError, "", "")
			metrics.UploadsTotal.WithLabelValues(string(site), "error").Inc()
			if errors.Is(err, cluster.ErrNotTierable) {
				// nothing to upload from, ever; the intent is satisfied
				// by policy
				w.ring.Add("%s %s/%s complete: filesystem not tiered", it.Op, fs, snap)
				w.append(it, intentlog.StatusComplete, "", "")
			}
			return
		}
		w.logger.Info().Str("fs", fs).Str("snap", snap).Str("site", string(site)).
			Msg("Snapshot upload initiated")
		w.append(it, intentlog.StatusInProgress, locator, bucket)
		log.Actions.Info().Msgf("%s initiated: %s - %s locator: '%s'", it.Op, fs, snap, locator)
		w.ring.Add("%s started: %s/%s bucket: %s", it.Op, fs, snap, bucket)

	case types.StowSynchronized:
		// replay path: the upload finished before the crash
		w.logger.Error().Str("fs", fs).Str("snap", snap).
			Msg("Upload was already complete, logging it as such")
		w.append(it, intentlog.StatusComplete, res.Snapshot.Stow(site).Locator, bucket)
		metrics.UploadsTotal.WithLabelValues(string(site), "already_synchronized").Inc()
		return
	}

	// it should be uploading now; monitor to a terminal state
	w.pollUpload(it, site, locator)
}

func (w *Worker) pollUpload(it *Intent, site types.StowSite, locator string) {
	fs, snap := it.Filesystem, it.Snapshot
	timer := metrics.NewTimer()
	sleep := basePollDelay
	loopCount := 0
	statusErrors := 0
	for {
		if !w.pause(sleep) {
			return
		}
		res, err := w.getCluster().SnapshotStatus(fs, snap)
		if err != nil {
			statusErrors++
			w.logger.Error().Err(err).Str("fs", fs).Str("snap", snap).
				Int("failures", statusErrors).Msg("Error checking upload status")
			if statusErrors > maxStatusErrors {
				// give up; the uid stays in-progress and replay picks it
				// up after restart
				return
			}
			continue
		}
		statusErrors = 0
		loopCount++
		if res.Kind == cluster.StatusMissing {
			w.logger.Error().Str("fs", fs).Str("snap", snap).Msg("No snap status during upload?")
			return
		}
		stow := res.Snapshot.Stow(site)
		switch {
		case stow.Status == types.StowUploading:
			progress := 0
			if stow.Progress.Known {
				progress = stow.Progress.Percent
			}
			sleep = pollDelayFn(loopCount, progress)
			w.logger.Info().Str("fs", fs).Str("snap", snap).
				Str("progress", stow.Progress.String()).Msg("Upload in progress")
			w.ring.Add("%s %s/%s in progress: %s", it.Op, fs, snap, stow.Progress)

		case stow.Status == types.StowSynchronized:
			w.logger.Info().Str("fs", fs).Str("snap", snap).Msg("Upload complete")
			w.append(it, intentlog.StatusComplete, locator, "")
			log.Actions.Info().Msgf("%s complete: %s - %s locator: '%s'", it.Op, fs, snap, locator)
			w.ring.Add("%s complete: %s/%s", it.Op, fs, snap)
			metrics.UploadsTotal.WithLabelValues(string(site), "complete").Inc()
			timer.ObserveDuration(metrics.UploadPollDuration)
			return

		case stow.Status == types.StowNone && !stow.Progress.Known && it.Op == intentlog.OpUploadRemote:
			// the local-to-remote hand-off has not started yet
			w.logger.Info().Str("fs", fs).Str("snap", snap).Msg("Remote upload not started, waiting")
			if !w.pause(basePollDelay) {
				return
			}

		default:
			w.logger.Error().Str("fs", fs).Str("snap", snap).
				Str("status", string(stow.Status)).Str("progress", stow.Progress.String()).
				Msg("Unexpected upload status, abandoning poll")
			return
		}
	}
}

func (w *Worker) executeDelete(it *Intent) {
	fs, snap := it.Filesystem, it.Snapshot
	w.logger.Info().Str("fs", fs).Str("snap", snap).Msg("Deleting snap")

	res, err := w.getCluster().SnapshotStatus(fs, snap)
	if err != nil {
		w.logger.Error().Err(err).Str("fs", fs).Str("snap", snap).
			Msg("Unable to get snapshot status for delete")
		return
	}
	if res.Kind == cluster.StatusMissing {
		// already gone; make sure the log shows that
		w.append(it, intentlog.StatusComplete, "", "")
		w.logger.Info().Str("fs", fs).Str("snap", snap).
			Msg("Snap was deleted already, marked complete in intent log")
		w.ring.Add("delete %s/%s complete: not_found", fs, snap)
		return
	}

	locator := res.Snapshot.BestLocator()
	bucket := w.resolveBucket(fs, types.SiteLocal)

	if err := w.getCluster().SnapshotDelete(fs, snap); err != nil {
		w.logger.Error().Err(err).Str("fs", fs).Str("snap", snap).
			Msg("Error deleting snap, skipping for now")
		return
	}
	w.append(it, intentlog.StatusInProgress, locator, bucket)
	log.Actions.Info().Msgf("delete started: %s - %s locator: '%s'", fs, snap, locator)
	w.ring.Add("delete started: %s/%s", fs, snap)

	// deletes of uploaded snapshots can take a while; short first check
	// in case it is instant
	if !w.pause(deleteFirstCheckDelay) {
		return
	}
	loopCount := 0
	for {
		res, err := w.getCluster().SnapshotStatus(fs, snap)
		if err != nil {
			w.logger.Error().Err(err).Str("fs", fs).Str("snap", snap).
				Msg("Error getting snapshot status during delete")
			return
		}
		if res.Kind == cluster.StatusMissing {
			w.append(it, intentlog.StatusComplete, locator, bucket)
			w.logger.Info().Str("fs", fs).Str("snap", snap).Msg("Snap successfully deleted")
			log.Actions.Info().Msgf("delete complete: %s - %s locator: '%s'", fs, snap, locator)
			w.ring.Add("delete complete: %s/%s", fs, snap)
			metrics.SnapshotsDeleted.Inc()
			return
		}
		loopCount++
		stow := res.Snapshot.LocalStow
		progress := 0
		switch {
		case stow.Status == types.StowNone && !stow.Progress.Known:
			// never uploaded; object cleanup does not apply
			progress = -1
		case stow.Progress.Known:
			progress = stow.Progress.Percent
		}
		w.logger.Info().Str("fs", fs).Str("snap", snap).
			Str("progress", stow.Progress.String()).Msg("Delete in progress")
		if !w.pause(pollDelayFn(loopCount, progress)) {
			return
		}
	}
}
