// Package botmain is the composition root shared by the two group bot
// executables. It owns what both mains would otherwise duplicate: the CLI
// surface, config loading, the Redis connection, the engine bundle, the
// station link, the metrics endpoint and the shutdown path.
package botmain

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/dimgroup"
	"github.com/opd-ai/dimgroup/config"
	"github.com/opd-ai/dimgroup/protocol"
	"github.com/opd-ai/dimgroup/station"
	"github.com/opd-ai/dimgroup/storage"
)

// Main parses the command line and runs one bot until SIGINT or SIGTERM.
// usher selects which of the two roles the process fills. It does not
// return: help exits 0, option and config errors exit 1.
func Main(appName, short string, usher bool) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var configPath string
	root := &cobra.Command{
		Use:           appName,
		Short:         short,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, usher)
		},
	}
	root.Flags().StringVar(&configPath, "config", config.DefaultPath, "config file path")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error(appName + " failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, usher bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var botID protocol.ID
	if usher {
		botID, err = cfg.UsherID()
	} else {
		botID, err = cfg.AssistantID()
	}
	if err != nil {
		return err
	}

	rdb, err := storage.Dial(ctx, cfg.Database.Redis, cfg.Database.RedisPassword, cfg.Database.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	registry := prometheus.NewRegistry()
	opts := dimgroup.Options{
		BotID:       botID,
		Redis:       rdb,
		Members:     storage.NewMemberTable(rdb),
		Metrics:     registry,
		Usher:       usher,
		Supervisors: cfg.Group.Supervisors,
	}
	if root := cfg.Database.Root; root != "" {
		opts.UserStore = storage.NewActiveUserFile(
			filepath.Join(root, "protected", "active_users.js"))
	}

	// The link's read loop only starts below, after the engine exists, so
	// the closure never sees a nil engine.
	var engine *dimgroup.Engine
	link := station.NewClient(cfg.StationAddr(), func(msg *protocol.ReliableMessage) {
		engine.Receive(msg)
	})
	opts.Transport = link

	engine, err = dimgroup.New(opts)
	if err != nil {
		return err
	}

	if addr := cfg.Monitor.Metrics; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("botmain: metrics endpoint failed")
			}
		}()
		defer srv.Close()
		logrus.WithFields(logrus.Fields{
			"addr": addr,
		}).Info("botmain: metrics endpoint up")
	}

	engine.Start()
	defer engine.Stop()
	link.Start()
	defer link.Stop()

	logrus.WithFields(logrus.Fields{
		"bot":     botID.String(),
		"station": cfg.StationAddr(),
		"usher":   usher,
	}).Info("botmain: running")

	<-ctx.Done()
	logrus.Info("botmain: shutting down")
	return nil
}
