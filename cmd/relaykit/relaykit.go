// Command relaykit is a demo CLI exercising the library's pool publish/
// subscribe path and keystore identity/backup management, following
// cmd/nws's root-command-plus-subcommand layout.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nostrlayer/relaykit/config"
	"github.com/nostrlayer/relaykit/crypto"
	"github.com/nostrlayer/relaykit/event"
	"github.com/nostrlayer/relaykit/filter"
	"github.com/nostrlayer/relaykit/keystore"
	"github.com/nostrlayer/relaykit/pool"
)

const (
	usageRelay    = "relay URL to connect to (repeatable)"
	usageIdentity = "keystore identity id to sign with"
	usageContent  = "event content"
	usageKind     = "event kind"
	usagePassword   = "backup password"
	usageFile       = "backup envelope file path"
	usageRelaysFile = "YAML file listing relays and their read/write/primary roles"
)

func main() {
	rootCmd := &cobra.Command{Use: "relaykit"}

	var relays []string
	var relaysFile string
	var identityID string
	var content string
	var kind int64

	publishCmd := &cobra.Command{Use: "publish", RunE: func(cmd *cobra.Command, _ []string) error {
		return runPublish(cmd.Context(), relays, relaysFile, identityID, content, event.Kind(kind))
	}}
	publishCmd.Flags().StringArrayVarP(&relays, "relay", "r", nil, usageRelay)
	publishCmd.Flags().StringVar(&relaysFile, "relays-file", "", usageRelaysFile)
	publishCmd.Flags().StringVarP(&identityID, "identity", "i", "", usageIdentity)
	publishCmd.Flags().StringVarP(&content, "content", "c", "", usageContent)
	publishCmd.Flags().Int64VarP(&kind, "kind", "k", 1, usageKind)

	var filterKinds []int64
	var filterAuthors []string
	subscribeCmd := &cobra.Command{Use: "subscribe", RunE: func(cmd *cobra.Command, _ []string) error {
		return runSubscribe(cmd.Context(), relays, relaysFile, filterKinds, filterAuthors)
	}}
	subscribeCmd.Flags().StringArrayVarP(&relays, "relay", "r", nil, usageRelay)
	subscribeCmd.Flags().StringVar(&relaysFile, "relays-file", "", usageRelaysFile)
	subscribeCmd.Flags().Int64SliceVarP(&filterKinds, "kind", "k", nil, usageKind)
	subscribeCmd.Flags().StringArrayVarP(&filterAuthors, "author", "a", nil, "filter by author pubkey (repeatable)")

	keystoreCmd := &cobra.Command{Use: "keystore"}
	keystoreCmd.AddCommand(keystoreCreateCmd(), keystoreExportCmd(), keystoreImportCmd())

	rootCmd.AddCommand(publishCmd, subscribeCmd, keystoreCmd)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("relaykit: command failed", "error", err)
		os.Exit(1)
	}
}

// newPool builds a Pool from the resilience/pool configuration surface
// and connects every relay named on the command line or, if relaysFile
// is set, in that YAML relay-list file.
func newPool(ctx context.Context, relays []string, relaysFile string) (*pool.Pool, error) {
	entries, err := relayEntries(relays, relaysFile)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("at least one --relay or --relays-file entry is required")
	}
	poolCfg, err := config.Load[config.PoolConfig]()
	if err != nil {
		return nil, fmt.Errorf("load pool config: %w", err)
	}
	resCfg, err := config.Load[config.ResilienceConfig]()
	if err != nil {
		return nil, fmt.Errorf("load resilience config: %w", err)
	}

	p := pool.New(ctx, poolCfg.ToPoolConfig(resCfg.ToConnectionConfig()), slog.Default(), nil)
	for _, e := range entries {
		if err := p.Add(e.URL, e.Metadata); err != nil {
			return nil, fmt.Errorf("add relay %s: %w", e.URL, err)
		}
		if err := p.Connect(e.URL); err != nil {
			slog.Warn("relaykit: connect failed, will retry via auto-reconnect", "relay", e.URL, "error", err)
		}
	}
	return p, nil
}

type relayEntry struct {
	URL      string
	Metadata pool.Metadata
}

// relayEntries merges --relay flags with a --relays-file YAML document,
// if given; flags take the pool's default read/write/primary metadata,
// the file's entries carry their own.
func relayEntries(relays []string, relaysFile string) ([]relayEntry, error) {
	entries := make([]relayEntry, 0, len(relays))
	for _, r := range relays {
		entries = append(entries, relayEntry{URL: r, Metadata: pool.DefaultMetadata()})
	}
	if relaysFile == "" {
		return entries, nil
	}
	list, err := config.LoadRelayListFile(relaysFile)
	if err != nil {
		return nil, fmt.Errorf("load relays file %s: %w", relaysFile, err)
	}
	for _, e := range list.Relays {
		entries = append(entries, relayEntry{
			URL:      e.URL,
			Metadata: pool.Metadata{Read: e.Read, Write: e.Write, Primary: e.Primary},
		})
	}
	return entries, nil
}

// defaultKeyStorePath is where the CLI's demo SecretStore persists
// identities between invocations, since keystore.MemoryStore alone
// would forget everything when the process exits.
func defaultKeyStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaykit-keystore.json"
	}
	return home + "/.relaykit-keystore.json"
}

func defaultKeyStore() *keystore.KeyStore {
	store, err := newFileSecretStore(defaultKeyStorePath())
	if err != nil {
		slog.Warn("relaykit: falling back to in-memory keystore", "error", err)
		return keystore.New(keystore.NewMemoryStore(), crypto.Default{})
	}
	return keystore.New(store, crypto.Default{})
}

func runPublish(ctx context.Context, relays []string, relaysFile, identityID, content string, kind event.Kind) error {
	p, err := newPool(ctx, relays, relaysFile)
	if err != nil {
		return err
	}
	defer p.DisconnectAll()

	// without an identity id, the scratch identity "relaykit-cli" is
	// created in the CLI keystore on first use and reused on later runs.
	ks := defaultKeyStore()
	if identityID == "" {
		identityID = "relaykit-cli"
		if _, err := ks.Identity(identityID); err != nil {
			if _, err := ks.CreateIdentity(identityID, "relaykit-cli", keystore.FullPermissions(), nil); err != nil {
				return fmt.Errorf("create scratch identity: %w", err)
			}
		}
	}
	ident, err := ks.Identity(identityID)
	if err != nil {
		return fmt.Errorf("load identity %s: %w", identityID, err)
	}

	ev := event.Event{
		Pubkey:    ident.PublicKey,
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Content:   content,
	}
	idHex, err := ev.ComputeID()
	if err != nil {
		return fmt.Errorf("compute event id: %w", err)
	}
	ev.ID = idHex
	digestRaw, err := hex.DecodeString(idHex)
	if err != nil || len(digestRaw) != 32 {
		return fmt.Errorf("malformed event id")
	}
	var digest [32]byte
	copy(digest[:], digestRaw)
	sig, err := ks.Sign(identityID, digest)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	ev.Sig = sig

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	results, err := p.Publish(connectCtx, ev)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	for _, r := range results {
		fmt.Printf("%s: accepted=%v message=%q\n", r.Relay, r.Accepted, r.Message)
	}
	return nil
}

func runSubscribe(ctx context.Context, relays []string, relaysFile string, kinds []int64, authors []string) error {
	p, err := newPool(ctx, relays, relaysFile)
	if err != nil {
		return err
	}
	defer p.DisconnectAll()

	f := filter.Filter{Authors: authors}
	for _, k := range kinds {
		f.Kinds = append(f.Kinds, event.Kind(k))
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ps := p.Subscribe(subCtx, []filter.Filter{f}, pool.NewSubID())
	defer ps.Close()

	fmt.Println("listening, press ctrl-c to stop")
	for ev := range ps.Events() {
		raw, _ := json.Marshal(ev)
		fmt.Println(string(raw))
	}
	return nil
}

func keystoreCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{Use: "create", RunE: func(_ *cobra.Command, _ []string) error {
		ks := defaultKeyStore()
		ident, err := ks.CreateIdentity(id, name, keystore.FullPermissions(), nil)
		if err != nil {
			return err
		}
		fmt.Printf("created identity %s pubkey=%s\n", ident.ID, ident.PublicKey)
		return nil
	}}
	cmd.Flags().StringVar(&id, "id", "", "identity id")
	cmd.Flags().StringVar(&name, "name", "", "identity display name")
	return cmd
}

func keystoreExportCmd() *cobra.Command {
	var password, out string
	cmd := &cobra.Command{Use: "export", RunE: func(_ *cobra.Command, _ []string) error {
		ks := defaultKeyStore()
		env, err := ks.Export(password)
		if err != nil {
			return err
		}
		raw, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(out, raw, 0o600)
	}}
	cmd.Flags().StringVarP(&password, "password", "p", "", usagePassword)
	cmd.Flags().StringVarP(&out, "out", "o", "backup.json", usageFile)
	return cmd
}

func keystoreImportCmd() *cobra.Command {
	var password, in string
	cmd := &cobra.Command{Use: "import", RunE: func(_ *cobra.Command, _ []string) error {
		raw, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		var env keystore.BackupEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("parse backup envelope: %w", err)
		}
		ks := defaultKeyStore()
		restored, err := ks.Import(env, password)
		if err != nil {
			return err
		}
		fmt.Printf("restored %d identities: %v\n", len(restored), restored)
		return nil
	}}
	cmd.Flags().StringVarP(&password, "password", "p", "", usagePassword)
	cmd.Flags().StringVarP(&in, "in", "f", "backup.json", usageFile)
	return cmd
}
