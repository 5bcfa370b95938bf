package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ioai/ioai/internal/config"
	"github.com/ioai/ioai/internal/credentials"
	"github.com/ioai/ioai/internal/llm"
	"github.com/ioai/ioai/internal/ui"
	"github.com/spf13/cobra"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage provider API keys",
	Long: `Store, remove and check API keys for the hosted providers.

Keys live in $XDG_CONFIG_HOME/ioai/secrets.json (mode 0600). After
"secrets encrypt" they are sealed with a passphrase (PBKDF2 + AES-GCM) and
every process starts locked; set IOAI_PASSPHRASE to unlock without a prompt.

Examples:
  ioai secrets set openrouter           # prompts for the key
  echo "$KEY" | ioai secrets set gemini
  ioai secrets validate openrouter
  ioai secrets encrypt
  ioai secrets passphrase               # change the passphrase`,
	RunE: runSecretsList,
}

var secretsSetCmd = &cobra.Command{
	Use:               "set <provider> [key]",
	Short:             "Store an API key",
	Args:              cobra.RangeArgs(1, 2),
	ValidArgsFunction: ProviderArgCompletion,
	RunE:              runSecretsSet,
}

var secretsClearCmd = &cobra.Command{
	Use:               "clear [provider]",
	Short:             "Remove an API key (or everything with --all)",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: ProviderArgCompletion,
	RunE:              runSecretsClear,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show which providers have keys",
	Args:  cobra.NoArgs,
	RunE:  runSecretsList,
}

var secretsEncryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Seal stored keys with a passphrase",
	Args:  cobra.NoArgs,
	RunE:  runSecretsEncrypt,
}

var secretsUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Check the passphrase opens the stored keys",
	Args:  cobra.NoArgs,
	RunE:  runSecretsUnlock,
}

var secretsLockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Report whether keys are sealed at rest",
	Long: `Each ioai process unlocks encrypted keys in memory only, so there is
nothing to lock between commands. This reports whether the file on disk is
sealed; use "secrets encrypt" to seal it.`,
	Args: cobra.NoArgs,
	RunE: runSecretsLock,
}

var secretsPassphraseCmd = &cobra.Command{
	Use:   "passphrase",
	Short: "Set or change the passphrase",
	Args:  cobra.NoArgs,
	RunE:  runSecretsPassphrase,
}

var secretsValidateCmd = &cobra.Command{
	Use:               "validate <provider> [key]",
	Short:             "Check a key against the provider",
	Args:              cobra.RangeArgs(1, 2),
	ValidArgsFunction: ProviderArgCompletion,
	RunE:              runSecretsValidate,
}

var secretsClearAll bool

func init() {
	secretsClearCmd.Flags().BoolVar(&secretsClearAll, "all", false, "Remove every key and the passphrase")

	secretsCmd.AddCommand(secretsSetCmd)
	secretsCmd.AddCommand(secretsClearCmd)
	secretsCmd.AddCommand(secretsListCmd)
	secretsCmd.AddCommand(secretsEncryptCmd)
	secretsCmd.AddCommand(secretsUnlockCmd)
	secretsCmd.AddCommand(secretsLockCmd)
	secretsCmd.AddCommand(secretsPassphraseCmd)
	secretsCmd.AddCommand(secretsValidateCmd)

	rootCmd.AddCommand(secretsCmd)
}

// loadSecrets opens the credential store without config fallbacks, so the
// commands only ever show and edit what is on disk.
func loadSecrets() (*credentials.Store, error) {
	return credentials.Load("")
}

// loadUnlockedSecrets opens the store and unlocks it when encrypted.
func loadUnlockedSecrets() (*credentials.Store, error) {
	creds, err := loadSecrets()
	if err != nil {
		return nil, err
	}
	if err := unlockCredentials(creds); err != nil {
		return nil, err
	}
	return creds, nil
}

func secretProvider(arg string) (llm.ProviderID, error) {
	id, err := llm.ParseProviderID(strings.TrimSpace(arg))
	if err != nil {
		return "", err
	}
	if id == llm.ProviderEcho {
		return "", errors.New("echo does not use an API key")
	}
	return id, nil
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	id, err := secretProvider(args[0])
	if err != nil {
		return err
	}
	creds, err := loadUnlockedSecrets()
	if err != nil {
		return err
	}
	key := ""
	if len(args) > 1 {
		key = args[1]
	} else if key, err = readKey(cmd.InOrStdin(), string(id)); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is empty; use `ioai secrets clear` to remove one")
	}
	if err := creds.Set(string(id), key); err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s key in %s\n", id, creds.Path())
	return nil
}

func runSecretsClear(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if secretsClearAll {
		creds, err := loadSecrets()
		if err != nil {
			return err
		}
		if err := creds.ClearAll(); err != nil {
			return err
		}
		fmt.Fprintln(out, "Removed all keys and the passphrase.")
		return nil
	}
	if len(args) == 0 {
		return errors.New("provider is required (or use --all)")
	}
	id, err := secretProvider(args[0])
	if err != nil {
		return err
	}
	creds, err := loadUnlockedSecrets()
	if err != nil {
		return err
	}
	if err := creds.Clear(string(id)); err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed %s key\n", id)
	return nil
}

func runSecretsList(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	creds, err := loadSecrets()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "File: %s\n", creds.Path())
	state := "plaintext"
	if creds.Encrypted() {
		state = "encrypted"
	}
	fmt.Fprintf(out, "Storage: %s\n\n", state)

	if creds.Encrypted() {
		if err := unlockCredentials(creds); err != nil {
			fmt.Fprintln(out, "Locked: keys hidden until unlocked.")
			return nil
		}
	}
	stored, err := creds.Providers()
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for _, p := range stored {
		have[p] = true
	}

	st := ui.NewStyles(out)
	cfg, cfgErr := loadConfig()
	for _, id := range providerIDs {
		if id == llm.ProviderEcho {
			continue
		}
		icon, status := st.Error.Render(ui.FailIcon), "not set"
		switch {
		case have[string(id)]:
			icon, status = st.Success.Render(ui.SuccessIcon), "stored"
		case cfgErr == nil && cfg.Provider(string(id)).APIKey != "":
			icon, status = st.Success.Render(ui.SuccessIcon), st.Muted.Render("from config/env")
		}
		fmt.Fprintf(out, "%s %-11s %s\n", icon, id, status)
	}
	return nil
}

func runSecretsEncrypt(cmd *cobra.Command, args []string) error {
	creds, err := loadSecrets()
	if err != nil {
		return err
	}
	if creds.Encrypted() {
		return errors.New("secrets are already encrypted; use `ioai secrets passphrase` to change it")
	}
	pass, err := promptNewPassphrase()
	if err != nil {
		return err
	}
	if err := creds.Encrypt(pass); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Secrets encrypted.")
	return nil
}

func runSecretsUnlock(cmd *cobra.Command, args []string) error {
	creds, err := loadSecrets()
	if err != nil {
		return err
	}
	if !creds.Encrypted() {
		fmt.Fprintln(cmd.OutOrStdout(), "Secrets are not encrypted.")
		return nil
	}
	if err := unlockCredentials(creds); err != nil {
		return err
	}
	providers, _ := creds.Providers()
	fmt.Fprintf(cmd.OutOrStdout(), "Passphrase OK (%d keys).\n", len(providers))
	return nil
}

func runSecretsLock(cmd *cobra.Command, args []string) error {
	creds, err := loadSecrets()
	if err != nil {
		return err
	}
	if !creds.Encrypted() {
		return errors.New("secrets are stored in plaintext; run `ioai secrets encrypt` first")
	}
	creds.Lock()
	fmt.Fprintln(cmd.OutOrStdout(), "Secrets are encrypted at rest; each process starts locked.")
	return nil
}

func runSecretsPassphrase(cmd *cobra.Command, args []string) error {
	creds, err := loadSecrets()
	if err != nil {
		return err
	}
	oldPass := ""
	if creds.Encrypted() {
		if oldPass, err = promptSecret("Current passphrase: "); err != nil {
			return err
		}
	}
	newPass, err := promptNewPassphrase()
	if err != nil {
		return err
	}
	if err := creds.ChangePassphrase(oldPass, newPass); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Passphrase updated.")
	return nil
}

func runSecretsValidate(cmd *cobra.Command, args []string) error {
	id, err := llm.ParseProviderID(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	key := ""
	if len(args) > 1 {
		key = args[1]
	} else if id != llm.ProviderEcho {
		key, err = storedKey(cfg, id)
		if err != nil {
			return err
		}
	}

	res, err := newRegistry(cfg).Validate(cmd.Context(), id, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, res.Message)
	if !res.OK {
		return fmt.Errorf("%s key is not valid", id)
	}
	return nil
}

// storedKey returns the key a send would use: the secrets file first, then
// config and environment.
func storedKey(cfg *config.Config, id llm.ProviderID) (string, error) {
	creds, err := openCredentials(cfg)
	if err != nil {
		return "", err
	}
	key, err := creds.Get(string(id))
	if errors.Is(err, credentials.ErrLocked) {
		if err := unlockCredentials(creds); err != nil {
			return "", err
		}
		key, err = creds.Get(string(id))
	}
	return key, err
}
