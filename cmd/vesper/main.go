// Command vesper is the end-to-end encrypted messaging client.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vesper/internal/app"
	"vesper/internal/domain"
)

var (
	flagConfig     string
	flagPassphrase string
)

func main() {
	root := &cobra.Command{
		Use:           "vesper",
		Short:         "asynchronous end-to-end encrypted messaging",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default ~/.vesper/config.yml)")
	root.PersistentFlags().StringVarP(&flagPassphrase, "passphrase", "p", "", "passphrase (or VESPER_PASSPHRASE)")

	root.AddCommand(
		cmdInit(),
		cmdRegister(),
		cmdSend(),
		cmdRecv(),
		cmdWatch(),
		cmdFingerprint(),
		cmdRotateSPK(),
		cmdExportSession(),
		cmdImportSession(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vesper:", err)
		os.Exit(1)
	}
}

func passphrase() (string, error) {
	if flagPassphrase != "" {
		return flagPassphrase, nil
	}
	if p := os.Getenv("VESPER_PASSPHRASE"); p != "" {
		return p, nil
	}
	return "", errors.New("no passphrase: use --passphrase or VESPER_PASSPHRASE")
}

// withApp loads the config, wires the app and runs fn.
func withApp(fn func(a *app.App, pass string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		pass, err := passphrase()
		if err != nil {
			return err
		}
		cfg, err := app.LoadConfig(flagConfig)
		if err != nil {
			return err
		}
		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(a, pass)
	}
}

func cmdInit() *cobra.Command {
	var oneTime int
	c := &cobra.Command{
		Use:   "init",
		Short: "generate the local identity and prekeys",
		RunE: withApp(func(a *app.App, pass string) error {
			_, fp, err := a.Identity.Generate(pass)
			if err != nil {
				return err
			}
			if _, err := a.PreKeys.GenerateAndStore(pass, oneTime); err != nil {
				return err
			}
			fmt.Println("identity fingerprint:", fp)
			return nil
		}),
	}
	c.Flags().IntVar(&oneTime, "one-time", 20, "one-time prekeys to generate")
	return c
}

func cmdRegister() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "publish the prekey bundle to the relay",
		RunE: withApp(func(a *app.App, pass string) error {
			if a.Cfg.Username == "" {
				return errors.New("config: username is required to register")
			}
			bundle, err := a.PreKeys.Bundle(pass, a.Cfg.Username)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.Relay.RegisterBundle(ctx, bundle); err != nil {
				return err
			}
			fmt.Printf("registered %s with %d one-time prekeys\n", a.Cfg.Username, len(bundle.OneTime))
			return nil
		}),
	}
}

func cmdSend() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "encrypt and send a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App, pass string) error {
				ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
				defer cancel()
				return a.Messages.Send(ctx, pass, a.Cfg.Username, args[0], []byte(args[1]))
			})(cmd, nil)
		},
	}
}

func cmdRecv() *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "recv",
		Short: "fetch and decrypt queued messages",
		RunE: withApp(func(a *app.App, pass string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			msgs, err := a.Messages.Receive(ctx, pass, a.Cfg.Username, limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				ts := time.Unix(m.Timestamp, 0).UTC().Format(time.RFC3339)
				fmt.Printf("[%s] %s: %s\n", ts, m.From, m.Plaintext)
			}
			return nil
		}),
	}
	c.Flags().IntVar(&limit, "limit", 50, "maximum envelopes to fetch")
	return c
}

func cmdWatch() *cobra.Command {
	var interval time.Duration
	c := &cobra.Command{
		Use:   "watch",
		Short: "poll for messages and keep the prekey pool topped up",
		RunE: withApp(func(a *app.App, pass string) error {
			a.PreKeys.StartReplenisher(
				a.Relay, pass, a.Cfg.Username,
				time.Minute,
				a.Cfg.PreKeys.ReplenishThreshold,
				a.Cfg.PreKeys.OneTimeTarget,
			)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-sig:
					return nil
				case <-ticker.C:
				}
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				msgs, err := a.Messages.Receive(ctx, pass, a.Cfg.Username, 50)
				cancel()
				if err != nil {
					fmt.Fprintln(os.Stderr, "recv:", err)
					continue
				}
				for _, m := range msgs {
					ts := time.Unix(m.Timestamp, 0).UTC().Format(time.RFC3339)
					fmt.Printf("[%s] %s: %s\n", ts, m.From, m.Plaintext)
				}
			}
		}),
	}
	c.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	return c
}

func cmdFingerprint() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "print the local identity fingerprint",
		RunE: withApp(func(a *app.App, pass string) error {
			fp, err := a.Identity.Fingerprint(pass)
			if err != nil {
				return err
			}
			fmt.Println(fp)
			return nil
		}),
	}
}

func cmdRotateSPK() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-spk",
		Short: "rotate the signed prekey and republish the bundle",
		RunE: withApp(func(a *app.App, pass string) error {
			id, err := a.PreKeys.RotateSignedPreKey(pass)
			if err != nil {
				return err
			}
			if a.Cfg.Username != "" {
				bundle, err := a.PreKeys.Bundle(pass, a.Cfg.Username)
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := a.Relay.RegisterBundle(ctx, bundle); err != nil {
					return err
				}
			}
			fmt.Println("rotated signed prekey:", id)
			return nil
		}),
	}
}

func cmdExportSession() *cobra.Command {
	return &cobra.Command{
		Use:   "export-session <peer>",
		Short: "print a peer session as a device-key-encrypted backup blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App, pass string) error {
				if _, err := a.Store().EnsureDeviceKey(pass); err != nil {
					return err
				}
				blob, ok, err := a.Store().ExportSession(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return domain.ErrNoSession
				}
				fmt.Println(base64.StdEncoding.EncodeToString(blob))
				return nil
			})(cmd, nil)
		},
	}
}

func cmdImportSession() *cobra.Command {
	return &cobra.Command{
		Use:   "import-session <peer> <base64>",
		Short: "install a previously exported session blob",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App, pass string) error {
				if _, err := a.Store().EnsureDeviceKey(pass); err != nil {
					return err
				}
				blob, err := base64.StdEncoding.DecodeString(args[1])
				if err != nil {
					return err
				}
				if err := a.Store().ImportSession(args[0], blob); err != nil {
					return err
				}
				fmt.Println("imported session for", args[0])
				return nil
			})(cmd, nil)
		},
	}
}
