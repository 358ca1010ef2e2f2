// commands.go defines the cobra commands and their flags. Each command
// delegates to a handler in handlers.go.
package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath   string
		sessionID    string
		branchID     string
		approveTools bool
		yes          bool
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Run one agent turn",
		Long: `Run one user message through the agent loop.

Without --session a new session is created and its id printed. Assistant
text streams to stdout; permission and continuation requests prompt on
stdin unless pre-approved with flags.`,
		Example: `  # One-shot question in a fresh session
  weft run "summarize the design doc"

  # Continue an existing conversation on a forked branch
  weft run -s 7d1f... -b edit-1 "try a shorter version"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), runOptions{
				configPath:   configPath,
				sessionID:    sessionID,
				branchID:     branchID,
				message:      args[0],
				approveTools: approveTools,
				approveMore:  yes,
				debug:        debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id (created when empty)")
	cmd.Flags().StringVarP(&branchID, "branch", "b", "", "Branch id (session's active branch when empty)")
	cmd.Flags().BoolVar(&approveTools, "approve-tools", false, "Approve all tool permission requests")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve iteration-budget continuations")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd.Context(), configPath)
		},
	}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a session with its main branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsCreate(cmd.Context(), configPath)
		},
	}
	show := &cobra.Command{
		Use:   "show <session>",
		Short: "Show a session and its branch tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd.Context(), configPath, args[0])
		},
	}
	del := &cobra.Command{
		Use:   "delete <session>",
		Short: "Delete a session and all its branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsDelete(cmd.Context(), configPath, args[0])
		},
	}
	cmd.AddCommand(list, show, create, del)
	return cmd
}

func buildBranchesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "branches",
		Short: "Manage branches within a session",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	list := &cobra.Command{
		Use:   "list <session>",
		Short: "List branches with message and sibling counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBranchesList(cmd.Context(), configPath, args[0])
		},
	}
	fork := &cobra.Command{
		Use:   "fork <session> <branch> <message-index> <new-branch>",
		Short: "Fork a branch before the given message index",
		Long: `Fork copies the parent's messages up to but excluding <message-index>
into a new branch. Forks from the same point are siblings and keep
ordered prev/next linkage.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("message-index must be an integer: %w", err)
			}
			return runBranchesFork(cmd.Context(), configPath, args[0], args[1], index, args[3])
		},
	}
	var recursive bool
	del := &cobra.Command{
		Use:   "delete <session> <branch>",
		Short: "Delete a branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBranchesDelete(cmd.Context(), configPath, args[0], args[1], recursive)
		},
	}
	del.Flags().BoolVarP(&recursive, "recursive", "r", false, "Delete descendant branches too")
	activate := &cobra.Command{
		Use:   "activate <session> <branch>",
		Short: "Make a branch the session's active branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBranchesActivate(cmd.Context(), configPath, args[0], args[1])
		},
	}
	var archived bool
	archive := &cobra.Command{
		Use:   "archive <session> <branch>",
		Short: "Archive or unarchive a branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBranchesArchive(cmd.Context(), configPath, args[0], args[1], archived)
		},
	}
	archive.Flags().BoolVar(&archived, "set", true, "Archive (true) or unarchive (false)")
	cmd.AddCommand(list, fork, del, activate, archive)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("weft %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
