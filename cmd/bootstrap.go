package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ioai/ioai/internal/chat"
	"github.com/ioai/ioai/internal/config"
	"github.com/ioai/ioai/internal/credentials"
	"github.com/ioai/ioai/internal/llm"
	"github.com/ioai/ioai/internal/prefs"
	"github.com/ioai/ioai/internal/session"
	"github.com/sahilm/fuzzy"
	"golang.org/x/term"
)

// passphraseEnv lets scripts unlock encrypted secrets without a prompt.
const passphraseEnv = "IOAI_PASSPHRASE"

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openCredentials loads the secrets file. Keys from the config file and
// environment act as fallbacks and are never written back.
func openCredentials(cfg *config.Config) (*credentials.Store, error) {
	creds, err := credentials.Load("")
	if err != nil {
		return nil, err
	}
	return creds.WithDefaults(cfg.APIKeys()), nil
}

func openPrefs() (*prefs.Store, error) {
	p, err := prefs.Load("")
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	return p, nil
}

func newRegistry(cfg *config.Config) *llm.Registry {
	return llm.NewRegistry(llm.RegistryOptions{
		GeminiBaseURL:     cfg.Provider("gemini").BaseURL,
		OpenRouterBaseURL: cfg.Provider("openrouter").BaseURL,
		OpenRouterAppURL:  cfg.Provider("openrouter").AppURL,
		OpenRouterTitle:   cfg.Provider("openrouter").AppTitle,
	})
}

func chatOptions(cfg *config.Config) chat.Options {
	opts := chat.DefaultOptions()
	opts.Temperature = llm.Float64(cfg.Send.Temperature)
	opts.MaxTokens = cfg.Send.MaxTokens
	opts.SingleFlight = cfg.Send.SingleFlight
	return opts
}

// openTabs restores the persisted tabs into a fresh store. The caller owns
// the returned saver.
func openTabs(ctx context.Context, cfg *config.Config, defaults session.ModelDefaults) (*session.Store, session.Saver, error) {
	saver, err := session.NewSaver(session.Config{Enabled: cfg.Sessions.Enabled, Path: cfg.SessionsPath()})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open tab storage: %w", err)
	}
	store := session.NewStore(defaults)
	if err := session.LoadInto(ctx, store, saver); err != nil {
		saver.Close()
		return nil, nil, fmt.Errorf("failed to load tabs: %w", err)
	}
	return store, saver, nil
}

// saveTabs writes the store even when ctx was cancelled, so an interrupted
// send keeps its partial reply.
func saveTabs(ctx context.Context, store *session.Store, saver session.Saver) error {
	if err := saver.Save(context.WithoutCancel(ctx), store.Snapshot()); err != nil {
		return fmt.Errorf("failed to save tabs: %w", err)
	}
	return nil
}

// tabTitles implements fuzzy.Source over tab titles.
type tabTitles []session.Tab

func (t tabTitles) String(i int) string { return t[i].Title }
func (t tabTitles) Len() int            { return len(t) }

// resolveTabID accepts a full tab ID, a unique prefix of one, or a fuzzy
// match on the tab title.
func resolveTabID(store *session.Store, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", errors.New("tab id is required")
	}
	tabs := store.Tabs()
	var matches []string
	for _, tab := range tabs {
		if tab.ID == arg {
			return tab.ID, nil
		}
		if strings.HasPrefix(tab.ID, arg) {
			matches = append(matches, tab.ID)
		}
	}
	switch len(matches) {
	case 0:
		return matchTabTitle(tabs, arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("tab id %q is ambiguous (%d matches)", arg, len(matches))
	}
}

// matchTabTitle picks the best fuzzy title match. A tie for the top score is
// ambiguous.
func matchTabTitle(tabs []session.Tab, query string) (string, error) {
	found := fuzzy.FindFrom(query, tabTitles(tabs))
	switch {
	case len(found) == 0:
		return "", fmt.Errorf("%w: %s", session.ErrTabNotFound, query)
	case len(found) > 1 && found[0].Score == found[1].Score:
		return "", fmt.Errorf("tab %q is ambiguous (%q and %q)", query, found[0].Str, found[1].Str)
	}
	return tabs[found[0].Index].ID, nil
}

// unlockCredentials unlocks encrypted secrets from IOAI_PASSPHRASE or an
// interactive prompt. Stores without a passphrase are left alone.
func unlockCredentials(creds *credentials.Store) error {
	if creds.Unlocked() {
		return nil
	}
	pass := os.Getenv(passphraseEnv)
	if pass == "" {
		var err error
		pass, err = promptSecret("Passphrase: ")
		if err != nil {
			return err
		}
	}
	return creds.Unlock(pass)
}

// promptSecret reads a line from the terminal without echo. It refuses to
// read from a non-terminal stdin.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%s requires a terminal (or set %s)", strings.TrimSuffix(strings.TrimSpace(prompt), ":"), passphraseEnv)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// promptNewPassphrase asks twice and checks both entries match.
func promptNewPassphrase() (string, error) {
	if pass := os.Getenv(passphraseEnv); pass != "" {
		return pass, nil
	}
	first, err := promptSecret("New passphrase: ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("passphrase is required")
	}
	second, err := promptSecret("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}

// readKey reads an API key from the terminal without echo, or the first line
// of a piped stdin.
func readKey(in io.Reader, provider string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return promptSecret(provider + " API key: ")
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
