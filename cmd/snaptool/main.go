package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clusterfs/snaptool/pkg/cluster"
	"github.com/clusterfs/snaptool/pkg/config"
	"github.com/clusterfs/snaptool/pkg/intentlog"
	"github.com/clusterfs/snaptool/pkg/log"
	"github.com/clusterfs/snaptool/pkg/metrics"
	"github.com/clusterfs/snaptool/pkg/planner"
	"github.com/clusterfs/snaptool/pkg/ui"
	"github.com/clusterfs/snaptool/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	intentLogFile  = "snap_intent_q.log"
	actionsLogFile = "snaptool.log"

	// connectRetryDelay paces startup reconnect attempts while the
	// cluster is unreachable.
	connectRetryDelay = 15 * time.Second
)

var (
	configFile         string
	verbosity          int
	httpPort           int
	testConnectionOnly bool
)

func main() {
	// pre-CLI logging so config search messages honor INITIAL_LOG_LEVEL
	log.InitFromEnv()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "snaptool",
	Short: "Snaptool - snapshot management daemon for clustered filesystems",
	Long: `Snaptool periodically creates point-in-time snapshots of the
filesystems named in its configuration, retains a bounded history,
optionally uploads each snapshot to local or remote object storage, and
deletes obsolete snapshots from both the filesystem and the object
store. Intent is declared in a YAML document; the daemon reconciles
reality against it and survives restarts without losing or duplicating
work.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"snaptool version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringVarP(&configFile, "configfile", "c", "snaptool.yml",
		"specify a file other than 'snaptool.yml' for the config file")
	rootCmd.Flags().CountVarP(&verbosity, "verbosity", "v",
		"increase output verbosity; -v, -vv, -vvv, or -vvvv")
	rootCmd.Flags().IntVarP(&httpPort, "http-port", "p", -1,
		"override the status UI port from the config file; 0 disables the UI")
	rootCmd.Flags().BoolVar(&testConnectionOnly, "test-connection-only", false, "")
	_ = rootCmd.Flags().MarkHidden("test-connection-only")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	log.Init(log.Config{Level: log.LevelForVerbosity(verbosity)})
}

func runDaemon() error {
	log.Logger.Info().Str("version", Version).Msg("Snapshot management daemon starting")

	path := config.FindFile(configFile)

	// keep trying until the cluster answers; the config is re-read each
	// attempt so a fix takes effect without a restart
	var cfg *config.Config
	var conn *cluster.Connector
	for {
		var err error
		cfg, err = config.Load(path)
		if err == nil {
			conn, err = cluster.Connect(cfg.Cluster)
		}
		if err == nil {
			break
		}
		if testConnectionOnly {
			fmt.Println("Connection Failed")
			os.Exit(1)
		}
		log.Logger.Error().Err(err).Str("config", path).
			Msgf("Connection failed, retrying in %s", connectRetryDelay)
		time.Sleep(connectRetryDelay)
	}
	if testConnectionOnly {
		fmt.Println("Connection Succeeded")
		os.Exit(0)
	}
	metrics.SetVersion(Version)
	metrics.ClusterUp("connected")

	if err := log.InitActions(actionsLogFile); err != nil {
		return fmt.Errorf("failed to set up actions log: %w", err)
	}

	intents, err := intentlog.Open(intentLogFile)
	if err != nil {
		return err
	}
	defer intents.Close()

	w := worker.New(intents, conn)
	w.Start()
	metrics.WorkerUp()
	log.Logger.Warn().Msg("Replaying operation intent log")
	w.Replay()
	metrics.ReplayDone()

	p := planner.New(cfg, conn, w)
	p.OnReconnect(func(c planner.Cluster) {
		metrics.ClusterUp("reconnected")
		if wc, ok := c.(worker.Cluster); ok {
			w.SetCluster(wc)
		}
	})

	uiPort := cfg.UI.Port
	if httpPort >= 0 {
		uiPort = httpPort
	}
	statusUI := ui.New(p, w.Ring(), w, Version)
	statusUI.Start(cfg.UI.Host, uiPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p.Run(ctx)

	log.Logger.Info().Msg("Shutting down")
	statusUI.Stop()
	w.Stop()
	return nil
}
