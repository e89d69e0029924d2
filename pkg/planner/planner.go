package planner

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clusterfs/snaptool/pkg/cluster"
	"github.com/clusterfs/snaptool/pkg/config"
	"github.com/clusterfs/snaptool/pkg/intentlog"
	"github.com/clusterfs/snaptool/pkg/log"
	"github.com/clusterfs/snaptool/pkg/metrics"
	"github.com/clusterfs/snaptool/pkg/schedule"
	"github.com/clusterfs/snaptool/pkg/types"
	"github.com/lestrrat-go/strftime"
	"github.com/rs/zerolog"
)

// snapNameLayout renders the fire instant into the snapshot name tail.
// Creation time drives retention, so the name only needs to read well.
const snapNameLayout = "0601021504"

// reloadInterval is how often the config file's mtime is polled while
// waiting for the next fire instant.
var reloadInterval = 30 * time.Second

// Cluster is the connector surface the planner drives. *cluster.Connector
// satisfies it.
type Cluster interface {
	SnapshotsList(fs, name string) ([]types.Snapshot, error)
	SnapshotCreate(fs, name, accessPoint string) (created bool, err error)
}

// IntentQueue hands upload and delete work to the background worker.
type IntentQueue interface {
	Submit(fs, snap string, op intentlog.Operation)
}

// Planner owns the wall clock, the filesystem to schedule binding, and
// the create/retain/delete decisions each tick. It hot-reloads the
// configuration when the file changes between ticks.
type Planner struct {
	mu      sync.RWMutex
	cfg     *config.Config
	cluster Cluster
	queue   IntentQueue
	logger  zerolog.Logger

	// connect rebuilds the connector when the connection spec in a
	// reloaded config differs; onReconnect lets the worker swap too.
	connect     func(cluster.Spec) (Cluster, error)
	onReconnect func(Cluster)

	now func() time.Time
}

// New creates a planner over the given config, connector and worker
// queue.
func New(cfg *config.Config, cl Cluster, queue IntentQueue) *Planner {
	return &Planner{
		cfg:     cfg,
		cluster: cl,
		queue:   queue,
		logger:  log.WithComponent("planner"),
		connect: func(spec cluster.Spec) (Cluster, error) { return cluster.Connect(spec) },
		now:     time.Now,
	}
}

// OnReconnect registers a callback invoked with the fresh connector
// after a config-driven reconnect.
func (p *Planner) OnReconnect(fn func(Cluster)) {
	p.onReconnect = fn
}

// activeGroups returns the groups that are bound to at least one
// filesystem. Unused groups are reported, never silently dropped from
// the config store, so the UI can surface them.
func (p *Planner) activeGroups() []*schedule.Group {
	var active []*schedule.Group
	var unused []string
	for _, g := range p.cfg.GroupList() {
		if len(g.Filesystems) == 0 {
			unused = append(unused, g.Name)
			continue
		}
		active = append(active, g)
	}
	if len(unused) > 0 {
		p.logger.Warn().Strs("schedules", unused).Msg("Unused schedules")
	}
	return active
}

// PlanNext computes the next fire instant and the filesystems snapping
// at it. When two groups fire together and claim the same filesystem,
// the earlier-sorted group wins and the later claim is dropped.
func (p *Planner) PlanNext(now time.Time) (time.Time, map[string]*schedule.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	groups := p.activeGroups()
	for _, g := range groups {
		g.UpdateFireTimes(now)
	}
	schedule.SortGroups(groups)

	plan := make(map[string]*schedule.Entry)
	if len(groups) == 0 || len(groups[0].Entries) == 0 {
		return schedule.FarFuture, plan
	}
	fireTime := groups[0].NextFire
	for _, g := range groups {
		if !g.NextFire.Equal(fireTime) {
			continue
		}
		for _, fs := range g.Filesystems {
			if _, claimed := plan[fs]; claimed {
				p.logger.Debug().Str("fs", fs).Str("group", g.Name).
					Msg("Conflicting snap ignored")
				continue
			}
			plan[fs] = g.Entries[0]
		}
	}
	return fireTime, plan
}

// accessPoint renders the operator-visible alias for the snapshot from
// the fire instant in UTC. The default pattern is consumed by Windows
// Previous Versions clients, which parse the @GMT token.
func (p *Planner) accessPoint(fireTime time.Time, entryName, fs string) (string, error) {
	pattern := p.cfg.AccessPointFormat
	pattern = strings.ReplaceAll(pattern, "%name", entryName)
	pattern = strings.ReplaceAll(pattern, "%fs", fs)
	return strftime.Format(pattern, fireTime.UTC())
}

// CreateSnapshots asks the cluster to create one snapshot per planned
// filesystem and queues uploads for entries that stow. Creating a name
// that already exists counts as success, so a crash between create and
// the intent append replays cleanly.
func (p *Planner) CreateSnapshots(fireTime time.Time, plan map[string]*schedule.Entry) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	filesystems := make([]string, 0, len(plan))
	for fs := range plan {
		filesystems = append(filesystems, fs)
	}
	sort.Strings(filesystems)

	for _, fs := range filesystems {
		entry := plan[fs]
		name := entry.Name + "." + fireTime.Format(snapNameLayout)
		accessPoint, err := p.accessPoint(fireTime, entry.Name, fs)
		if err != nil {
			p.logger.Error().Err(err).Str("fs", fs).Str("snap", name).
				Msg("Bad access point pattern")
			continue
		}
		p.logger.Info().Str("fs", fs).Str("snap", name).Msg("Creating snapshot")
		created, err := p.cluster.SnapshotCreate(fs, name, accessPoint)
		if err != nil {
			p.logger.Error().Err(err).Str("fs", fs).Str("snap", name).
				Msg("Error creating snapshot")
			continue
		}
		if created {
			log.Actions.Info().Msgf("Created %s - %s", fs, name)
			metrics.SnapshotsCreated.Inc()
		} else {
			log.Actions.Info().Msgf("Exists already: %s - %s", fs, name)
		}
		switch entry.Upload {
		case schedule.UploadLocal:
			p.queue.Submit(fs, name, intentlog.OpUpload)
		case schedule.UploadRemote:
			p.queue.Submit(fs, name, intentlog.OpUploadRemote)
		}
	}
}

// ReconcileDeletes fetches the full snapshot list and queues deletes
// for the excess beyond each entry's retention, oldest first. Every
// group is considered, not just the ones that fired, so lowering a
// retention takes effect on the next pass.
func (p *Planner) ReconcileDeletes() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	all, err := p.cluster.SnapshotsList("", "")
	if err != nil {
		p.logger.Error().Err(err).Msg("Could not list snapshots for retention pass")
		return
	}
	for _, g := range p.cfg.GroupList() {
		for _, entry := range g.Entries {
			for _, fs := range g.Filesystems {
				snaps := engineSnaps(all, fs, entry.Name)
				excess := len(snaps) - entry.Retain
				for i := 0; i < excess; i++ {
					p.logger.Info().Str("fs", fs).Str("snap", snaps[i].Name).
						Msg("Queueing snapshot for delete")
					p.queue.Submit(fs, snaps[i].Name, intentlog.OpDelete)
				}
			}
		}
	}
}

// engineSnaps filters snapshots on fs created by the named entry,
// sorted by creation time ascending. Names without the
// "{entry}.{10 digits}" shape were not created by the engine and are
// never pruned.
func engineSnaps(all []types.Snapshot, fs, entryName string) []types.Snapshot {
	var out []types.Snapshot
	for _, s := range all {
		entry, _, ok := types.SplitSnapName(s.Name)
		if ok && s.Filesystem == fs && entry == entryName {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreationTime.Before(out[j].CreationTime)
	})
	return out
}

// Run drives the plan/create/prune loop until the context ends. Deletes
// run before and after each create so the sleep window is used for
// pruning too.
func (p *Planner) Run(ctx context.Context) {
	p.logger.Info().Msg("Planner started")
	metrics.PlannerUp()
	defer p.logger.Info().Msg("Planner stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		p.ReconcileDeletes()

		fireTime, plan := p.PlanNext(p.now())
		if len(plan) == 0 {
			p.logger.Warn().Msg("Nothing to schedule; waiting for a config change")
			if stopped := p.sleepWithReloads(ctx, reloadInterval); stopped {
				return
			}
			continue
		}

		wait := fireTime.Sub(p.now())
		if wait > 0 {
			p.logger.Info().Time("fire_time", fireTime).Dur("sleep", wait).
				Int("filesystems", len(plan)).Msg("Sleeping until next snap")
			reloaded, stopped := p.sleepWithReloadsUntil(ctx, fireTime)
			if stopped {
				return
			}
			if reloaded {
				continue
			}
		} else {
			p.logger.Info().Time("fire_time", fireTime).Msg("Snap now")
		}

		p.CreateSnapshots(fireTime, plan)
		p.ReconcileDeletes()
		metrics.PlanTicksTotal.Inc()

		// pad to the top of the next minute so an identical fire instant
		// is not planned twice
		if pad := time.Minute - p.now().Sub(fireTime); pad > 0 {
			p.logger.Info().Dur("pad", pad).Msg("Padding before next loop")
			if stopped := p.sleepWithReloads(ctx, pad); stopped {
				return
			}
		}
	}
}

// sleepWithReloadsUntil sleeps to the deadline in reload-interval
// chunks, reloading the config when its mtime moves. A successful
// reload wakes the planner early so the new schedules take effect.
func (p *Planner) sleepWithReloadsUntil(ctx context.Context, deadline time.Time) (reloaded, stopped bool) {
	for {
		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			return false, false
		}
		chunk := remaining
		if chunk > reloadInterval {
			chunk = reloadInterval
		}
		timer := time.NewTimer(chunk)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, true
		case <-timer.C:
		}
		if config.Changed(p.cfg.Path, p.cfg.ModTime) && p.reload() {
			return true, false
		}
	}
}

func (p *Planner) sleepWithReloads(ctx context.Context, d time.Duration) (stopped bool) {
	_, stopped = p.sleepWithReloadsUntil(ctx, p.now().Add(d))
	return stopped
}

// reload swaps in a freshly parsed config between iterations. When the
// connection spec changed the connector is rebuilt first; if that fails
// the previous connector and config stay in place.
func (p *Planner) reload() bool {
	p.logger.Info().Str("path", p.cfg.Path).Msg("Reloading configuration file")
	newCfg, err := config.Load(p.cfg.Path)
	if err != nil {
		p.logger.Error().Err(err).Msg("Reload error, using existing config")
		metrics.ConfigReloadsTotal.WithLabelValues("error").Inc()
		// remember the mtime anyway so a broken file is not re-parsed
		// every interval
		p.mu.Lock()
		p.cfg.ModTime = p.now()
		p.mu.Unlock()
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !newCfg.Cluster.Equal(p.cfg.Cluster) {
		p.logger.Info().Msg("Reconnecting with new cluster configuration")
		conn, err := p.connect(newCfg.Cluster)
		if err != nil {
			p.logger.Error().Err(err).Msg("Reconnection failed, using existing config")
			metrics.ConfigReloadsTotal.WithLabelValues("reconnect_failed").Inc()
			p.cfg.ModTime = newCfg.ModTime
			return false
		}
		p.cluster = conn
		if p.onReconnect != nil {
			p.onReconnect(conn)
		}
	}
	p.cfg = newCfg
	metrics.ConfigReloadsTotal.WithLabelValues("ok").Inc()
	return true
}

// Status is a read-only snapshot of planner state for the UI.
type Status struct {
	Groups        []GroupStatus `json:"groups"`
	IgnoredErrors []string      `json:"ignored_errors,omitempty"`
}

// GroupStatus describes one schedule group for the UI.
type GroupStatus struct {
	Name        string        `json:"name"`
	Filesystems []string      `json:"filesystems"`
	Entries     []EntryStatus `json:"entries"`
}

// EntryStatus describes one schedule entry for the UI.
type EntryStatus struct {
	Name     string    `json:"name"`
	Detail   string    `json:"detail"`
	Retain   int       `json:"retain"`
	Upload   string    `json:"upload"`
	NextFire time.Time `json:"next_fire,omitempty"`
}

// Status reports the current schedule state for the status UI.
func (p *Planner) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{IgnoredErrors: p.cfg.IgnoredErrors}
	for _, g := range p.cfg.GroupList() {
		gs := GroupStatus{Name: g.Name, Filesystems: g.Filesystems}
		for _, e := range g.Entries {
			gs.Entries = append(gs.Entries, EntryStatus{
				Name:     e.Name,
				Detail:   e.String(),
				Retain:   e.Retain,
				Upload:   string(e.Upload),
				NextFire: e.LastFire(),
			})
		}
		st.Groups = append(st.Groups, gs)
	}
	return st
}
