package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ioai/ioai/internal/llm"
	"github.com/ioai/ioai/internal/session"
	"github.com/ioai/ioai/internal/ui"
	"github.com/spf13/cobra"
)

var tabsCmd = &cobra.Command{
	Use:   "tabs",
	Short: "Manage chat tabs",
	Long: `List, create, close, rename and export chat tabs.

Tabs are shared with the browser UI. Tab IDs may be abbreviated to any
unique prefix.

Examples:
  ioai tabs                             # List tabs
  ioai tabs new --provider openrouter --title research
  ioai tabs rename 3f2a "Trip planning"
  ioai tabs show 3f2a
  ioai tabs export 3f2a notes.md
  ioai tabs close 3f2a`,
	RunE: runTabsList, // Default to list
}

var tabsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tabs",
	Args:  cobra.NoArgs,
	RunE:  runTabsList,
}

var tabsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Open a new tab and make it active",
	Args:  cobra.NoArgs,
	RunE:  runTabsNew,
}

var tabsCloseCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close a tab",
	Args:  cobra.ExactArgs(1),
	RunE:  runTabsClose,
}

var tabsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a tab",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTabsRename,
}

var tabsSelectCmd = &cobra.Command{
	Use:   "select <id>",
	Short: "Make a tab active",
	Args:  cobra.ExactArgs(1),
	RunE:  runTabsSelect,
}

var tabsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a tab's transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runTabsShow,
}

var tabsExportCmd = &cobra.Command{
	Use:   "export <id> [path]",
	Short: "Export a tab as markdown",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runTabsExport,
}

// Flags
var (
	tabsJSON     bool
	tabsProvider string
	tabsTitle    string
)

func init() {
	tabsListCmd.Flags().BoolVar(&tabsJSON, "json", false, "Output as JSON")
	tabsShowCmd.Flags().BoolVar(&tabsJSON, "json", false, "Output as JSON")

	tabsNewCmd.Flags().StringVarP(&tabsProvider, "provider", "p", "", "Provider, optionally with model (openrouter:openai/gpt-4o-mini)")
	tabsNewCmd.Flags().StringVar(&tabsTitle, "title", "", "Tab title")
	tabsNewCmd.RegisterFlagCompletionFunc("provider", ProviderFlagCompletion)

	tabsCmd.AddCommand(tabsListCmd)
	tabsCmd.AddCommand(tabsNewCmd)
	tabsCmd.AddCommand(tabsCloseCmd)
	tabsCmd.AddCommand(tabsRenameCmd)
	tabsCmd.AddCommand(tabsSelectCmd)
	tabsCmd.AddCommand(tabsShowCmd)
	tabsCmd.AddCommand(tabsExportCmd)

	rootCmd.AddCommand(tabsCmd)
}

// withTabs loads the tab store, runs fn, and saves when fn changed it.
func withTabs(ctx context.Context, fn func(store *session.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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

	before := store.Version()
	if err := fn(store); err != nil {
		return err
	}
	if store.Version() == before {
		return nil
	}
	return saveTabs(ctx, store, saver)
}

func runTabsList(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	return withTabs(cmd.Context(), func(store *session.Store) error {
		tabs := store.Tabs()
		active := store.ActiveID()

		if tabsJSON {
			return writeJSON(out, session.Snapshot{Tabs: tabs, ActiveID: active})
		}

		st := ui.NewStyles(out)
		header := fmt.Sprintf("  %-10s %-11s %s %-5s %-10s %s", "ID", "Provider", ui.Pad("Model", 28), "Msgs", "Updated", "Title")
		fmt.Fprintln(out, st.Title.Render(header))
		fmt.Fprintln(out, st.Muted.Render(strings.Repeat("-", 80)))
		for _, t := range tabs {
			line := fmt.Sprintf("%-10s %-11s %s %-5d %-10s %s", session.ShortID(t.ID), t.Provider, ui.Pad(ui.Truncate(t.Model, 28), 28), len(t.Messages), formatRelativeTime(t.UpdatedAt), ui.Truncate(t.Title, 30))
			if t.ID == active {
				fmt.Fprintln(out, st.Active.Render("* "+line))
				continue
			}
			fmt.Fprintln(out, "  "+line)
		}
		return nil
	})
}

func runTabsNew(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	return withTabs(cmd.Context(), func(store *session.Store) error {
		tabInit := session.TabInit{Title: strings.TrimSpace(tabsTitle)}
		if tabsProvider != "" {
			provider, model, err := llm.ParseProviderModel(tabsProvider)
			if err != nil {
				return err
			}
			tabInit.Provider = provider
			tabInit.Model = model
		}
		id := store.CreateTab(tabInit)
		tab, err := store.Tab(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Opened tab %s (%s:%s)\n", session.ShortID(id), tab.Provider, tab.Model)
		return nil
	})
}

func runTabsClose(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	return withTabs(cmd.Context(), func(store *session.Store) error {
		id, err := resolveTabID(store, args[0])
		if err != nil {
			return err
		}
		if err := store.CloseTab(id); err != nil {
			return fmt.Errorf("failed to close tab: %w", err)
		}
		fmt.Fprintf(out, "Closed tab: %s\n", session.ShortID(id))
		return nil
	})
}

func runTabsRename(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	title := strings.TrimSpace(strings.Join(args[1:], " "))
	if title == "" {
		return fmt.Errorf("title is required")
	}
	return withTabs(cmd.Context(), func(store *session.Store) error {
		id, err := resolveTabID(store, args[0])
		if err != nil {
			return err
		}
		if err := store.RenameTab(id, title); err != nil {
			return err
		}
		fmt.Fprintf(out, "Renamed tab %s to %q\n", session.ShortID(id), title)
		return nil
	})
}

func runTabsSelect(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	return withTabs(cmd.Context(), func(store *session.Store) error {
		id, err := resolveTabID(store, args[0])
		if err != nil {
			return err
		}
		if err := store.SetActive(id); err != nil {
			return err
		}
		fmt.Fprintf(out, "Active tab: %s\n", session.ShortID(id))
		return nil
	})
}

func runTabsShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	return withTabs(cmd.Context(), func(store *session.Store) error {
		id, err := resolveTabID(store, args[0])
		if err != nil {
			return err
		}
		tab, err := store.Tab(id)
		if err != nil {
			return err
		}
		if tabsJSON {
			return writeJSON(out, tab)
		}

		fmt.Fprintf(out, "Tab: %s\n", tab.ID)
		if tab.Title != "" {
			fmt.Fprintf(out, "Title: %s\n", tab.Title)
		}
		fmt.Fprintf(out, "Provider: %s\n", tab.Provider)
		fmt.Fprintf(out, "Model: %s\n", tab.Model)
		fmt.Fprintf(out, "Created: %s\n", tab.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "Messages: %d\n\n", len(tab.Messages))
		st := ui.NewStyles(out)
		for _, msg := range tab.Messages {
			role := "❯"
			if msg.Role != llm.RoleUser {
				role = string(msg.Role) + ":"
			}
			content := msg.Content
			if st.Colored() && msg.Role != llm.RoleUser {
				content = ui.HighlightFences(content)
			}
			fmt.Fprintf(out, "%s %s\n\n", st.Role.Render(role), content)
		}
		return nil
	})
}

func runTabsExport(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	return withTabs(cmd.Context(), func(store *session.Store) error {
		id, err := resolveTabID(store, args[0])
		if err != nil {
			return err
		}
		tab, err := store.Tab(id)
		if err != nil {
			return err
		}

		// Determine output path
		var outputPath string
		if len(args) > 1 {
			outputPath = args[1]
		} else {
			name := tab.Title
			if name == "" {
				name = session.ShortID(tab.ID)
			}
			outputPath = fmt.Sprintf("%s.md", name)
		}

		md := session.ExportToMarkdown(tab, session.ExportOptions{})
		if err := os.WriteFile(outputPath, []byte(md), 0644); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		fmt.Fprintf(out, "Exported %d messages to %s\n", len(tab.Messages), outputPath)
		return nil
	})
}

// formatRelativeTime returns a human-readable relative time string
func formatRelativeTime(t time.Time) string {
	dur := time.Since(t)
	switch {
	case dur < time.Minute:
		return "just now"
	case dur < time.Hour:
		return fmt.Sprintf("%dm ago", int(dur.Minutes()))
	case dur < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(dur.Hours()))
	case dur < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(dur.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
