package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/krantius/anki/backup"
	"github.com/krantius/anki/cluster"
	"github.com/krantius/anki/membership"
	"github.com/krantius/anki/shared/logging"
	"github.com/krantius/anki/snapshot"
	"github.com/krantius/anki/transport"
	"github.com/krantius/anki/worker"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const httpShutdownTimeout = 5 * time.Second

func main() {
	cfg, err := LoadConfig(os.Getenv("NODE_CONFIG"), os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Colored: cfg.Log.Color})
	if err != nil {
		log.WithError(err).Fatal("Invalid log configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-c
		logger.WithField("signal", s.String()).Info("Shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Node failed")
	}
}

func run(ctx context.Context, cfg Config, logger *log.Logger) error {
	entry := logger.WithField("node", cfg.ID).WithField("role", cfg.Role)

	tr, err := transport.NewRPC(transport.RPCConfig{
		ID:          cfg.ID,
		Listen:      cfg.Listen,
		Peers:       cfg.Peers,
		DialTimeout: cfg.RPC.DialTimeout,
		Attempts:    cfg.RPC.Attempts,
	}, entry)
	if err != nil {
		return err
	}

	if err := tr.Start(); err != nil {
		return err
	}
	defer tr.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tr.Serve(gctx) })

	switch cfg.Role {
	case membership.Coordinator:
		if err := runCoordinator(gctx, g, cfg, tr, entry); err != nil {
			return err
		}
	case membership.Worker:
		a, err := worker.New(cfg.Worker, tr, entry)
		if err != nil {
			return err
		}
		g.Go(func() error { return a.Run(gctx) })
	}

	return g.Wait()
}

func runCoordinator(ctx context.Context, g *errgroup.Group, cfg Config, tr transport.Transport, logger log.FieldLogger) error {
	node, err := cluster.New(cfg.Cluster, tr, logger)
	if err != nil {
		return err
	}

	if cfg.Backup.Dir != "" {
		codec, err := snapshot.GetCodec(cfg.Backup.Codec)
		if err != nil {
			return err
		}

		store, err := backup.NewStore(cfg.Backup.Dir, codec, cfg.Backup.Keep, logger)
		if err != nil {
			return err
		}

		if cfg.Backup.Restore {
			v, name, err := store.Latest()
			switch {
			case err == nil:
				node.Restore(*v)
				logger.WithField("file", name).Info("Resumed from backup")
			case errors.Is(err, backup.ErrNoBackups):
				logger.Info("No backup to resume from")
			default:
				return err
			}
		}

		sched, err := backup.NewSchedule(cfg.Backup.Schedule, store, node.Snapshot, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(ctx) })
	}

	if cfg.HTTP != "" {
		srv := &http.Server{Addr: cfg.HTTP, Handler: node.Router()}

		g.Go(func() error {
			logger.WithField("addr", cfg.HTTP).Info("Status API listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "status api")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error { return node.Run(ctx) })

	return nil
}
