// Command pingpongctl is the operator CLI: it opens the same sqlite
// store a running pingpongd owns and lets an operator add a contact,
// queue a message, send a presence beacon, or print the state of the
// ping-inbox, outbox, and message tables. It talks to the store
// directly rather than to a running daemon process, the same way an
// operator would poke at the database between daemon restarts.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shieldmsg/pingpong/internal/config"
	"github.com/shieldmsg/pingpong/internal/contacts"
	"github.com/shieldmsg/pingpong/internal/envelope"
	"github.com/shieldmsg/pingpong/internal/eventbus"
	"github.com/shieldmsg/pingpong/internal/identity"
	"github.com/shieldmsg/pingpong/internal/inbox"
	"github.com/shieldmsg/pingpong/internal/messages"
	"github.com/shieldmsg/pingpong/internal/outbox"
	"github.com/shieldmsg/pingpong/internal/sendengine"
	"github.com/shieldmsg/pingpong/internal/store"
	"github.com/shieldmsg/pingpong/internal/transport"
	"github.com/shieldmsg/pingpong/pkg/wire"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "pingpongctl",
		Short: "operator CLI for a Ping-Pong store-and-forward node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (yaml/json/toml)")

	root.AddCommand(
		newContactCmd(),
		newSendCmd(),
		newTapCmd(),
		newInspectCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore loads configuration and opens the shared sqlite store, the
// setup every subcommand needs before doing anything else.
func openStore() (config.Config, *store.Store, *identity.Identity, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, nil, err
	}
	s, err := store.Open(store.Config{DataDir: cfg.DataDir})
	if err != nil {
		return cfg, nil, nil, errors.Wrap(err, "pingpongctl: open store")
	}
	id, err := identity.LoadOrGenerate(cfg.IdentityFile)
	if err != nil {
		s.Close()
		return cfg, nil, nil, errors.Wrap(err, "pingpongctl: load identity")
	}
	return cfg, s, id, nil
}

func newContactCmd() *cobra.Command {
	var displayName, onion, ed25519Hex, x25519Hex string

	cmd := &cobra.Command{
		Use:   "contact-add",
		Short: "add a contact by their onion address and public keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			edPub, err := hex.DecodeString(ed25519Hex)
			if err != nil || len(edPub) != ed25519.PublicKeySize {
				return errors.New("pingpongctl: --ed25519 must be a 64-character hex string")
			}
			xPubBytes, err := hex.DecodeString(x25519Hex)
			if err != nil || len(xPubBytes) != 32 {
				return errors.New("pingpongctl: --x25519 must be a 64-character hex string")
			}
			var xPub [32]byte
			copy(xPub[:], xPubBytes)

			ct := contacts.New(s)
			id, err := ct.Add(identity.Contact{
				DisplayName:    displayName,
				MessagingOnion: onion,
				Ed25519Pub:     ed25519.PublicKey(edPub),
				X25519Pub:      xPub,
			})
			if err != nil {
				return errors.Wrap(err, "pingpongctl: add contact")
			}
			fmt.Printf("contact %d added (%s)\n", id, displayName)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	cmd.Flags().StringVar(&onion, "onion", "", "messaging hidden-service address")
	cmd.Flags().StringVar(&ed25519Hex, "ed25519", "", "contact's Ed25519 public key, hex")
	cmd.Flags().StringVar(&x25519Hex, "x25519", "", "contact's X25519 public key, hex")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("onion")
	cmd.MarkFlagRequired("ed25519")
	cmd.MarkFlagRequired("x25519")
	return cmd
}

func newSendCmd() *cobra.Command {
	var contactID int64
	var text string

	cmd := &cobra.Command{
		Use:   "send",
		Short: "queue a text message for a contact and attempt immediate delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, id, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			codec := envelope.New(id.SignPub, id.SignPrivate(), id.AgreePrivate(), id.AgreePub, store.NewSequenceStore(s))
			tr, err := transport.New(transport.Config{SocksAddr: cfg.SocksAddr, Ports: cfg.Ports()})
			if err != nil {
				return errors.Wrap(err, "pingpongctl: build transport")
			}

			ct := contacts.New(s)
			ob := outbox.New(s)
			bus := eventbus.New()
			log := logrus.New()
			log.SetLevel(logrus.WarnLevel)

			se := sendengine.New(codec, tr, ob, ct, bus, log)
			messageID := messages.NewMessageID()
			localID, err := se.Send(contactID, wire.TypeText, messageID, []byte(text))
			if err != nil {
				return errors.Wrap(err, "pingpongctl: send")
			}
			fmt.Printf("queued outbox row %d (message-id %s)\n", localID, messageID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&contactID, "contact", 0, "contact id")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.MarkFlagRequired("contact")
	cmd.MarkFlagRequired("text")
	return cmd
}

func newTapCmd() *cobra.Command {
	var contactID int64

	cmd := &cobra.Command{
		Use:   "tap",
		Short: "send a presence beacon to a contact, or to every contact if --contact is omitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, id, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			codec := envelope.New(id.SignPub, id.SignPrivate(), id.AgreePrivate(), id.AgreePub, store.NewSequenceStore(s))
			tr, err := transport.New(transport.Config{SocksAddr: cfg.SocksAddr, Ports: cfg.Ports()})
			if err != nil {
				return errors.Wrap(err, "pingpongctl: build transport")
			}
			ct := contacts.New(s)

			var targets []*identity.Contact
			if contactID != 0 {
				c, err := ct.ByID(contactID)
				if err != nil {
					return errors.Wrap(err, "pingpongctl: lookup contact")
				}
				targets = []*identity.Contact{c}
			} else {
				targets, err = ct.All()
				if err != nil {
					return errors.Wrap(err, "pingpongctl: list contacts")
				}
			}

			for _, c := range targets {
				if err := tapOne(tr, codec, c); err != nil {
					fmt.Fprintf(os.Stderr, "tap %s: %v\n", c.DisplayName, err)
					continue
				}
				fmt.Printf("tapped %s\n", c.DisplayName)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&contactID, "contact", 0, "contact id (all contacts if omitted)")
	return cmd
}

func tapOne(tr *transport.Adapter, codec *envelope.Codec, c *identity.Contact) error {
	frame, err := codec.BuildTap(c.X25519Pub)
	if err != nil {
		return err
	}
	connID, err := tr.Dial(c.MessagingOnion, tr.TapPort())
	if err != nil {
		return err
	}
	defer tr.Close(connID)
	return tr.Send(connID, frame)
}

func newInspectCmd() *cobra.Command {
	var contactID int64
	var pingID string
	var table string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "print the ping-inbox, outbox, or message rows for a contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			switch table {
			case "outbox":
				ob := outbox.New(s)
				rows, err := ob.ForContact(contactID)
				if err != nil {
					return errors.Wrap(err, "pingpongctl: list outbox")
				}
				for _, r := range rows {
					fmt.Printf("%d  message=%s  status=%d  retries=%d  ping_delivered=%v  message_delivered=%v\n",
						r.LocalID, r.MessageID, r.Status, r.RetryCount, r.PingDelivered, r.MessageDelivered)
				}
			case "messages":
				ms := messages.New(s)
				rows, err := ms.ForContact(contactID)
				if err != nil {
					return errors.Wrap(err, "pingpongctl: list messages")
				}
				for _, r := range rows {
					fmt.Printf("%s  [%s]  type=%d  %q\n", r.StoredAt.Format("2006-01-02 15:04:05"), r.MessageID, r.MessageType, r.Content)
				}
			case "inbox":
				if pingID == "" {
					return errors.New("pingpongctl: --ping-id is required for --table inbox")
				}
				ib := inbox.New(s)
				r, err := ib.Get(pingID)
				if err != nil {
					return errors.Wrap(err, "pingpongctl: lookup ping-inbox row")
				}
				fmt.Printf("ping=%s  contact=%d  state=%d  first_seen=%s  auto_retries=%d\n",
					r.PingID, r.ContactID, r.State, r.FirstSeenAt.Format("2006-01-02 15:04:05"), r.AutoRetryCount)
			default:
				return errors.Errorf("pingpongctl: unknown --table %q (want outbox, messages, or inbox)", table)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&contactID, "contact", 0, "contact id (outbox, messages)")
	cmd.Flags().StringVar(&pingID, "ping-id", "", "ping-id, hex (inbox)")
	cmd.Flags().StringVar(&table, "table", "messages", "table to inspect: outbox, messages, or inbox")
	return cmd
}
