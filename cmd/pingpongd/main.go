// Command pingpongd is the store-and-forward daemon: it brings up the
// overlay, runs the send and receive engines, and serves as the
// long-running process an operator CLI or UI layer talks to via the
// shared sqlite stores.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shieldmsg/pingpong/internal/config"
	"github.com/shieldmsg/pingpong/internal/contacts"
	"github.com/shieldmsg/pingpong/internal/dedup"
	"github.com/shieldmsg/pingpong/internal/envelope"
	"github.com/shieldmsg/pingpong/internal/eventbus"
	"github.com/shieldmsg/pingpong/internal/identity"
	"github.com/shieldmsg/pingpong/internal/inbox"
	"github.com/shieldmsg/pingpong/internal/messages"
	"github.com/shieldmsg/pingpong/internal/outbox"
	"github.com/shieldmsg/pingpong/internal/pingsession"
	"github.com/shieldmsg/pingpong/internal/recvengine"
	"github.com/shieldmsg/pingpong/internal/sendengine"
	"github.com/shieldmsg/pingpong/internal/store"
	"github.com/shieldmsg/pingpong/internal/supervisor"
	"github.com/shieldmsg/pingpong/internal/transport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "pingpongd",
		Short: "Ping-Pong store-and-forward messaging daemon",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a config file (yaml/json/toml)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Wrap(err, "pingpongd: create data dir")
	}

	id, err := identity.LoadOrGenerate(cfg.IdentityFile)
	if err != nil {
		return errors.Wrap(err, "pingpongd: load identity")
	}
	log.WithField("fingerprint", envelope.PeerKey(id.AgreePub)).Info("identity loaded")

	s, err := store.Open(store.Config{DataDir: cfg.DataDir})
	if err != nil {
		return errors.Wrap(err, "pingpongd: open store")
	}
	defer s.Close()

	codec := envelope.New(id.SignPub, id.SignPrivate(), id.AgreePrivate(), id.AgreePub, store.NewSequenceStore(s))

	tr, err := transport.New(transport.Config{
		SocksAddr: cfg.SocksAddr,
		Ports:     cfg.Ports(),
		Log:       log,
	})
	if err != nil {
		return errors.Wrap(err, "pingpongd: build transport")
	}

	ct := contacts.New(s)
	ib := inbox.New(s)
	ob := outbox.New(s)
	dd := dedup.New(s)
	ms := messages.New(s)
	ps := pingsession.New(0)
	bus := eventbus.New()

	se := sendengine.New(codec, tr, ob, ct, bus, log)
	re := recvengine.New(s, codec, tr, ib, dd, ps, ct, ms, se, bus, log)
	sup := supervisor.New(tr, ct, codec, bus, log)

	logStatusEvents(bus, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sup.Run(ctx)
		return nil
	})
	g.Go(func() error {
		re.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return se.RunRetryWorkers(ctx, nil)
	})
	g.Go(func() error {
		runRetentionSweeps(ctx, dd, ib, ps, log)
		return nil
	})

	log.WithField("data_dir", filepath.Clean(cfg.DataDir)).Info("pingpongd started")
	return g.Wait()
}

// retentionSweepInterval is how often the background reaper runs. The
// retention windows it enforces are measured in days (see dedup.Retention
// and pingsession.DefaultTTL), so an hourly tick is generous rather than
// tight.
const retentionSweepInterval = time.Hour

// runRetentionSweeps is the background job the received-ids, ping-inbox,
// and ping-session retention windows call for: periodically purge
// entries past their window so the sqlite tables and the in-memory
// session map don't grow without bound. Blocks until ctx is cancelled.
func runRetentionSweeps(ctx context.Context, dd *dedup.Table, ib *inbox.Inbox, ps *pingsession.Store, log *logrus.Logger) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := dd.PurgeAll()
			if err != nil {
				log.WithError(err).Warn("retention sweep: purge received-ids")
			}
			oldestRetention := dedup.Retention[dedup.NamespacePing]
			inboxPurged, err := ib.PurgeOlderThan(time.Now().Add(-oldestRetention))
			if err != nil {
				log.WithError(err).Warn("retention sweep: purge ping-inbox")
			}
			evicted := ps.Sweep()
			log.WithFields(logrus.Fields{
				"received_ids_purged": purged,
				"ping_inbox_purged":   inboxPurged,
				"sessions_evicted":    evicted,
			}).Debug("retention sweep complete")
		}
	}
}

// logStatusEvents drains the bus onto the structured logger, a stand-in
// for the UI layer the contact/message events would otherwise drive.
func logStatusEvents(bus *eventbus.Bus, log *logrus.Logger) {
	ch := bus.Subscribe()
	go func() {
		for ev := range ch {
			log.WithFields(logrus.Fields{
				"kind":       ev.Kind,
				"contact_id": ev.ContactID,
				"ping_id":    ev.PingID,
				"message_id": ev.MessageID,
				"detail":     ev.Detail,
			}).Info("event")
		}
	}()
}
