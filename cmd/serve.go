package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/ioai/ioai/internal/pprof"
	"github.com/ioai/ioai/internal/serve"
	"github.com/ioai/ioai/internal/session"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

var (
	serveListen string
	serveToken  string
	serveUnlock bool
	servePprof  int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the browser chat UI",
	Long: `Serve the chat UI and its WebSocket event stream.

Tabs are restored from the session database on start and saved while the
server runs. Encrypted secrets can be unlocked from the browser, or at start
with --unlock.

Examples:
  ioai serve
  ioai serve --listen 0.0.0.0:8787 --token s3cret
  ioai serve --unlock
  ioai serve --pprof 6060               # go tool pprof http://127.0.0.1:6060/debug/pprof/heap`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Require this bearer token (overrides config)")
	serveCmd.Flags().BoolVar(&serveUnlock, "unlock", false, "Unlock encrypted secrets before serving")
	serveCmd.Flags().IntVar(&servePprof, "pprof", 0, "Serve /debug/pprof/ on this loopback port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := pslog.Ctx(ctx)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if serveToken != "" {
		cfg.Server.Token = serveToken
	}

	creds, err := openCredentials(cfg)
	if err != nil {
		return err
	}
	if serveUnlock {
		if err := unlockCredentials(creds); err != nil {
			return fmt.Errorf("failed to unlock secrets: %w", err)
		}
	}
	pr, err := openPrefs()
	if err != nil {
		return err
	}
	store, saver, err := openTabs(ctx, cfg, pr)
	if err != nil {
		return err
	}
	defer saver.Close()

	srv := serve.New(ctx, serve.Deps{
		Store:       store,
		Registry:    newRegistry(cfg),
		Credentials: creds,
		Prefs:       pr,
	}, serve.Options{
		Token:     cfg.Server.Token,
		SendRate:  cfg.Server.SendRate,
		SendBurst: cfg.Server.SendBurst,
		Chat:      chatOptions(cfg),
	})

	// Autosave outlives ctx so its final flush sees sends stopped by shutdown.
	saveCtx, stopSaving := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		session.Autosave(saveCtx, store, saver, cfg.Sessions.AutosaveInterval)
	}()
	defer func() {
		stopSaving()
		wg.Wait()
	}()

	if servePprof > 0 {
		prof, err := pprof.Start(ctx, servePprof)
		if err != nil {
			return err
		}
		defer prof.Stop(context.WithoutCancel(ctx))
	}

	log.Info("ioai serving", "url", "http://"+cfg.Listen, "tabs", len(store.Tabs()), "encrypted", creds.Encrypted(), "unlocked", creds.Unlocked())
	return srv.ListenAndServe(ctx, cfg.Listen)
}
