package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/steveyegge/ghostsync/internal/bucket"
	"github.com/steveyegge/ghostsync/internal/channel"
	"github.com/steveyegge/ghostsync/internal/config"
	"github.com/steveyegge/ghostsync/internal/dashboard"
	"github.com/steveyegge/ghostsync/internal/logging"
	"github.com/steveyegge/ghostsync/internal/mirror"
	"github.com/steveyegge/ghostsync/internal/schema"
	"github.com/steveyegge/ghostsync/internal/transport"
	"github.com/steveyegge/ghostsync/internal/ui"
)

func newSyncCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "sync [bucket...]",
		GroupID: "sync",
		Short:   "Sync buckets until interrupted",
		Long: `Connect to the authority and keep the configured buckets in sync.

For each bucket this:
  1. Loads the bucket index, or catches up from the last change version
  2. Sends local changes queued while offline
  3. Applies remote changes as they arrive

With mirror_dir set, each bucket is also mirrored to <mirror_dir>/<bucket>/*.json.
With dashboard_port set, sync events are served on ws://localhost:<port>/ws.

Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			names, err := bucketNames(cfg, args)
			if err != nil {
				return err
			}
			logs := opts.logs(cfg)
			defer logs.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runSync(ctx, cfg, names, logs, cmd.OutOrStdout())
		},
	}
}

// syncSession holds everything runSync starts, in start order.
type syncSession struct {
	store     interface{ Close() error }
	socket    *transport.Socket
	buckets   []*bucket.Bucket
	mirrors   []*mirror.Daemon
	server    *dashboard.Server
	mirrorsWG sync.WaitGroup
}

// runSync syncs names until ctx is done.
func runSync(ctx context.Context, cfg *config.Config, names []string, logs *logging.Factory, out io.Writer) error {
	url, err := cfg.SocketURL()
	if err != nil {
		return err
	}
	id, err := clientID(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	s := &syncSession{store: store}
	defer s.shutdown(out)

	s.socket, err = transport.New(&transport.Config{
		URL:       url,
		Heartbeat: cfg.Heartbeat,
		Logger:    logs.Logger("socket"),
		Verbose:   cfg.Log.Verbose,
	})
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}

	printer := ui.NewPrinter(out)
	reporter := &statusReporter{printer: printer}

	var handler *dashboard.Handler
	if cfg.DashboardPort > 0 {
		s.server = dashboard.NewServer(&dashboard.Config{
			Port:   cfg.DashboardPort,
			Logger: logs.Logger("dashboard"),
		})
		handler = dashboard.NewHandler(s.server, logs.Logger("dashboard"))
		if err := s.server.Start(); err != nil {
			s.server = nil
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		printer.Success("Dashboard on ws://%s/ws", s.server.GetAddr())
	}

	for _, name := range names {
		endpoint := s.socket.Endpoint()
		b, err := bucket.New(name, store, endpoint, &channel.Config{
			AppID:    cfg.AppID,
			Token:    cfg.Token,
			ClientID: id,
			Library:  "ghostsync",
			Version:  version,
			PageSize: cfg.PageSize,
			Retry: channel.RetryPolicy{
				MaxRetries:      cfg.Retry.MaxRetries,
				FullObjectAfter: cfg.Retry.FullObjectAfter,
			},
			Logger:  logs.Logger("channel " + name),
			Verbose: cfg.Log.Verbose,
		})
		if err != nil {
			return err
		}
		s.buckets = append(s.buckets, b)
		endpoint.SetHandler(b.Channel())
		b.AddListener(reporter)
		if handler != nil {
			b.AddListener(handler)
		}

		if dir := cfg.MirrorPath(name); dir != "" {
			d, err := mirror.NewWithConfig(b, dir, &mirror.Config{
				DebounceInterval: mirror.DefaultConfig().DebounceInterval,
				Logger:           logs.Logger("mirror " + name),
			})
			if err != nil {
				return err
			}
			b.AddListener(d)
			s.mirrors = append(s.mirrors, d)
		}
	}

	for _, b := range s.buckets {
		b.Start()
	}
	for _, d := range s.mirrors {
		s.mirrorsWG.Add(1)
		go func(d *mirror.Daemon) {
			defer s.mirrorsWG.Done()
			if err := d.Start(ctx); err != nil {
				printer.Error("Mirror of %s stopped: %v", d.Dir(), err)
			}
		}(d)
	}
	if err := s.socket.Start(); err != nil {
		return err
	}

	printer.Title("Syncing %d bucket(s) with %s", len(s.buckets), url)
	<-ctx.Done()
	printer.Muted("Shutting down...")
	return nil
}

// shutdown stops everything runSync started, newest first.
func (s *syncSession) shutdown(out io.Writer) {
	for _, d := range s.mirrors {
		_ = d.Stop()
	}
	s.mirrorsWG.Wait()
	for _, b := range s.buckets {
		b.Stop()
	}
	if s.socket != nil {
		closeQuietly(out, "socket", s.socket)
	}
	for _, b := range s.buckets {
		closeQuietly(out, "bucket "+b.Name(), b)
	}
	if s.server != nil {
		if err := s.server.Stop(); err != nil {
			fmt.Fprintf(out, "Warning: failed to stop dashboard: %v\n", err)
		}
	}
	closeQuietly(out, "store", s.store)
}

// statusReporter prints connection milestones.
type statusReporter struct {
	printer *ui.Printer
	mu      sync.Mutex
}

func (r *statusReporter) OnAuth(bucket string, status channel.AuthStatus, user string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.printer.Error("%s: %v", bucket, err)
		return
	}
	r.printer.Success("%s: authorized as %s", bucket, user)
}

func (r *statusReporter) OnIndexComplete(bucket string, keys int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.printer.Success("%s: index loaded (%d objects)", bucket, keys)
}

func (r *statusReporter) OnClose(bucket string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.printer.Warn("%s: disconnected, changes will be queued", bucket)
}

func (r *statusReporter) OnChangeError(bucket string, change *schema.Change, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.printer.Error("%s: change to %s rejected: %v", bucket, change.Key, err)
}
