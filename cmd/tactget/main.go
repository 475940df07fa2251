// Command tactget is a minimal demo CLI over session.BuildSession: it
// opens exactly one file, by fileDataID, CKey, or EKey, and writes its
// bytes to stdout. It is deliberately thin — the argument-driven,
// listfile-backed batch extraction loop a full client would offer is
// out of scope (spec §1 Non-goals); this exists only to exercise
// BuildSession end to end.
//
// Grounded on the teacher's main.go: context-with-signal-cancellation
// setup and a urfave/cli/v2 App with a sorted command/flag list.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rpcpool/tactgo/fetch"
	"github.com/rpcpool/tactgo/keyring"
	"github.com/rpcpool/tactgo/roottable"
	"github.com/rpcpool/tactgo/session"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-interrupt:
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "tactget",
		Description: "fetch a single file out of a TACT/CASC build by fileDataID, CKey, or EKey",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "build-config", Required: true, Usage: "path or 32-hex-char blob id"},
			&cli.StringFlag{Name: "cdn-config", Required: true, Usage: "path or 32-hex-char blob id"},
			&cli.StringSliceFlag{Name: "cdn-server", Required: true, Usage: "CDN host[:port], may be repeated"},
			&cli.StringFlag{Name: "product-dir", Required: true, Usage: "CDN path component, e.g. \"wow\""},
			&cli.StringFlag{Name: "cache-dir", Value: "./tactget-cache"},
			&cli.StringFlag{Name: "base-dir", Usage: "local CASC install root, if any"},
			&cli.StringFlag{Name: "key-file", Usage: "WoW.txt-shaped decryption key file"},
			&cli.Uint64Flag{Name: "fdid", Usage: "fileDataID to fetch"},
			&cli.StringFlag{Name: "ckey", Usage: "hex CKey to fetch"},
			&cli.StringFlag{Name: "ekey", Usage: "hex EKey to fetch"},
			&cli.UintFlag{Name: "locale", Value: 0x2, Usage: "root locale flag bitmask, default enUS"},
		},
		Action: runGet,
	}
	sort.Sort(cli.FlagsByName(app.Flags))

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Fatal(err)
	}
}

func runGet(c *cli.Context) error {
	keys := keyring.Default()
	if kf := c.String("key-file"); kf != "" {
		if err := keys.Load(kf); err != nil {
			return fmt.Errorf("loading key file: %w", err)
		}
	}

	fetcher := fetch.New(fetch.Settings{
		BaseDir:    c.String("base-dir"),
		CacheDir:   c.String("cache-dir"),
		ProductDir: c.String("product-dir"),
	}, keys)
	defer fetcher.Close()
	fetcher.SetCDNServers(c.StringSlice("cdn-server"))

	sess := session.New(fetcher, roottable.Settings{
		Mode:   roottable.LoadNormal,
		Locale: uint32(c.Uint("locale")),
	})

	ctx := c.Context
	if err := sess.LoadConfigs(ctx, c.String("build-config"), c.String("cdn-config")); err != nil {
		return fmt.Errorf("load_configs: %w", err)
	}
	if err := sess.Load(ctx, c.String("base-dir")); err != nil {
		return fmt.Errorf("load: %w", err)
	}

	data, err := resolveOne(ctx, sess, c)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func resolveOne(ctx context.Context, sess *session.BuildSession, c *cli.Context) ([]byte, error) {
	switch {
	case c.IsSet("fdid"):
		return sess.OpenFDID(ctx, uint32(c.Uint64("fdid")))
	case c.IsSet("ckey"):
		cKey, err := hex.DecodeString(c.String("ckey"))
		if err != nil {
			return nil, fmt.Errorf("invalid --ckey: %w", err)
		}
		return sess.OpenCKey(ctx, cKey)
	case c.IsSet("ekey"):
		eKey, err := hex.DecodeString(c.String("ekey"))
		if err != nil {
			return nil, fmt.Errorf("invalid --ekey: %w", err)
		}
		return sess.OpenEKey(ctx, eKey, 0, true)
	default:
		return nil, fmt.Errorf("exactly one of --fdid, --ckey, --ekey is required")
	}
}
