package cluster

import (
	"errors"
	"fmt"
	"time"

	"github.com/clusterfs/snaptool/pkg/log"
	"github.com/clusterfs/snaptool/pkg/metrics"
	"github.com/clusterfs/snaptool/pkg/types"
	"github.com/rs/zerolog"
)

const (
	maxRetries     = 20
	retrySleep     = 5 * time.Second
	reconnectSleep = 20 * time.Second

	statusRetries   = 3
	badGatewaySleep = 5 * time.Second
)

// ErrAlreadyExists reports a snapshot_create against a name or access
// point that is already present; callers treat it as success.
var ErrAlreadyExists = errors.New("snapshot already exists")

// ErrNotTierable reports an upload against a filesystem with no object
// store backing; the intent is satisfied by policy.
var ErrNotTierable = errors.New("filesystem not tiered: cannot upload from it")

// transport is the request/response surface the connector drives;
// satisfied by *API and by test fakes.
type transport interface {
	Call(method string, params any, out any) error
}

// Connector wraps the cluster API with bounded retry and reconnect on
// persistent failure. One task drives a connector at a time.
type Connector struct {
	spec   Spec
	api    transport
	logger zerolog.Logger

	// sleep is swappable so retry tests do not wait wall-clock time.
	sleep func(time.Duration)

	// redial rebuilds the transport after repeated failures.
	redial func(Spec) (transport, error)
}

// Connect dials the cluster described by the spec.
func Connect(spec Spec) (*Connector, error) {
	api, err := Dial(spec)
	if err != nil {
		return nil, err
	}
	c := newConnector(spec, api)
	c.logger.Info().Strs("hosts", spec.Hosts).Msg("Connected to cluster")
	return c, nil
}

func newConnector(spec Spec, api transport) *Connector {
	return &Connector{
		spec:   spec,
		api:    api,
		logger: log.WithComponent("cluster"),
		sleep:  time.Sleep,
		redial: func(s Spec) (transport, error) { return Dial(s) },
	}
}

// Spec returns the immutable connection spec this connector was built
// from.
func (c *Connector) Spec() Spec {
	return c.spec
}

func (c *Connector) reconnect() {
	api, err := c.redial(c.spec)
	if err != nil {
		c.logger.Error().Err(err).Msg("Reconnect failed")
		metrics.ClusterDown(err.Error())
		return
	}
	c.api = api
	c.logger.Info().Msg("Reconnected to cluster")
	metrics.ClusterUp("reconnected")
}

// call runs one API call under the retry policy: up to 20 attempts with
// 5 second sleeps; after the third failure each retry is preceded by a
// reconnect and the sleep stretches to 20 seconds. already-exists and
// not-tierable results short-circuit without retrying.
func (c *Connector) call(method string, params any, out any) error {
	sleep := retrySleep
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := c.api.Call(method, params, out)
		switch Classify(method, err) {
		case OutcomeOK:
			return nil
		case OutcomeAlreadyExists:
			return ErrAlreadyExists
		case OutcomeNotTierable:
			return ErrNotTierable
		}
		lastErr = err
		metrics.APIRetriesTotal.WithLabelValues(method).Inc()
		c.logger.Warn().Err(err).Str("method", method).
			Int("attempt", attempt).Int("max", maxRetries).
			Dur("sleep", sleep).Msg("API call failed, will retry")
		c.sleep(sleep)
		if attempt >= 3 {
			c.logger.Warn().Str("method", method).Msg("Reconnecting before next retry")
			c.reconnect()
			sleep = reconnectSleep
		}
	}
	c.logger.Error().Err(lastErr).Str("method", method).Msg("API call failed, giving up")
	return fmt.Errorf("%s failed after %d attempts: %w", method, maxRetries, lastErr)
}

// CheckConnection verifies the cluster answers a status call.
func (c *Connector) CheckConnection() error {
	var status types.ClusterStatus
	if err := c.call("status", map[string]any{}, &status); err != nil {
		return err
	}
	c.logger.Debug().Str("io_status", status.IOStatus).Msg("Cluster connected")
	return nil
}

// Status returns the cluster status document.
func (c *Connector) Status() (types.ClusterStatus, error) {
	var status types.ClusterStatus
	err := c.call("status", map[string]any{}, &status)
	return status, err
}

// SnapshotsList returns all snapshots, or those matching the optional
// filesystem and name filters.
func (c *Connector) SnapshotsList(fs, name string) ([]types.Snapshot, error) {
	params := map[string]any{}
	if fs != "" {
		params["file_system"] = fs
	}
	if name != "" {
		params["name"] = name
	}
	var snaps []types.Snapshot
	if err := c.call("snapshots_list", params, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// StatusKind tags a snapshot status lookup result.
type StatusKind int

const (
	// StatusSingle - exactly one snapshot matched.
	StatusSingle StatusKind = iota
	// StatusMissing - the snapshot does not exist on the cluster.
	StatusMissing
	// StatusMultiple - more than one snapshot matched; Snapshot holds
	// the first.
	StatusMultiple
)

// StatusResult is a tagged snapshot lookup outcome.
type StatusResult struct {
	Kind     StatusKind
	Snapshot *types.Snapshot
}

// SnapshotStatus fetches one snapshot's status. Transient 502 responses
// are absorbed with a short wait inside a tight three-attempt loop; any
// other failure surfaces to the caller.
func (c *Connector) SnapshotStatus(fs, name string) (StatusResult, error) {
	var snaps []types.Snapshot
	var lastErr error
	for attempt := 0; attempt < statusRetries; attempt++ {
		err := c.api.Call("snapshots_list", map[string]any{"file_system": fs, "name": name}, &snaps)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !IsBadGateway(err) {
			return StatusResult{}, fmt.Errorf("failed to get snapshot status for %s/%s: %w", fs, name, err)
		}
		c.logger.Warn().Str("fs", fs).Str("snap", name).Msg("502 Bad Gateway on status read, retrying")
		c.sleep(badGatewaySleep)
	}
	if lastErr != nil {
		return StatusResult{}, fmt.Errorf("failed to get snapshot status for %s/%s: %w", fs, name, lastErr)
	}
	switch len(snaps) {
	case 0:
		return StatusResult{Kind: StatusMissing}, nil
	case 1:
		return StatusResult{Kind: StatusSingle, Snapshot: &snaps[0]}, nil
	}
	c.logger.Warn().Str("fs", fs).Str("snap", name).Int("count", len(snaps)).
		Msg("More than one snapshot returned")
	return StatusResult{Kind: StatusMultiple, Snapshot: &snaps[0]}, nil
}

// SnapshotCreate creates a read-only snapshot with the given access
// point. It returns false without error when the snapshot already
// existed, so a restart after a crash never double-creates.
func (c *Connector) SnapshotCreate(fs, name, accessPoint string) (created bool, err error) {
	err = c.call("snapshot_create", map[string]any{
		"file_system":  fs,
		"name":         name,
		"access_point": accessPoint,
		"is_writable":  false,
	}, nil)
	if errors.Is(err, ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SnapshotUpload asks the stow subsystem to upload a snapshot to the
// given object store site, returning the issued locator.
func (c *Connector) SnapshotUpload(fs, snap string, site types.StowSite) (string, error) {
	var result struct {
		Locator string `json:"locator"`
	}
	err := c.call("snapshot_upload", map[string]any{
		"file_system": fs,
		"snapshot":    snap,
		"obs_site":    string(site),
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Locator, nil
}

// SnapshotDelete asks the cluster to delete a snapshot (and any
// uploaded artifact behind it).
func (c *Connector) SnapshotDelete(fs, name string) error {
	return c.call("snapshot_delete", map[string]any{"file_system": fs, "name": name}, nil)
}

// FilesystemsList returns the cluster's filesystems with their object
// store buckets.
func (c *Connector) FilesystemsList() ([]types.Filesystem, error) {
	var fss []types.Filesystem
	if err := c.call("filesystems_list", map[string]any{}, &fss); err != nil {
		return nil, err
	}
	return fss, nil
}
