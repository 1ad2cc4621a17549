// Package cli implements the galleryup command-line interface.
package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose   bool
	quiet     bool
	configDir string
)

// rootCmd is the base command for galleryup.
var rootCmd = &cobra.Command{
	Use:   "galleryup",
	Short: "Batch gallery uploader with a persistent queue",
	Long: `galleryup uploads folders of images to an image host as galleries,
tracks every gallery in a local queue database, resumes partial uploads,
and mirrors completed galleries to file hosts as archives.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Use alternate config directory")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(reorderCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tabCmd)
	rootCmd.AddCommand(hostCmd)
}

var (
	addTab  string
	addName string
	addHost string
)

var addCmd = &cobra.Command{
	Use:   "add <folder>...",
	Short: "Scan folders and add them to the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunAdd(args, addTab, addName, addHost)
	},
}

var (
	lsTab    string
	lsStatus string
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List galleries in the queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunLs(lsTab, lsStatus)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <folder>...",
	Short: "Remove galleries from the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunRm(args)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue <folder>...",
	Short: "Mark galleries ready for upload",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunQueue(args)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Process the queue until it drains",
	Long: `Process queued galleries in insertion order. Interrupting with
Ctrl-C is a soft stop: in-flight images finish, the current gallery is
persisted as paused, and a later start resumes it without re-uploading.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStart()
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <folder>...",
	Short: "Requeue failed or incomplete galleries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunRetry(args)
	},
}

var reorderCmd = &cobra.Command{
	Use:   "reorder <folder>...",
	Short: "Set queue order to the given sequence",
	Long: `Set the queue positions of the named galleries to the order given
on the command line. The update is atomic: an unknown folder leaves
every position unchanged.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunReorder(args)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and file-host upload state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStatus()
	},
}

var tabCmd = &cobra.Command{
	Use:   "tab",
	Short: "Manage queue tabs",
}

var tabAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a tab",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunTabAdd(args[0])
	},
}

var tabLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tabs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunTabLs()
	},
}

var tabRenameCmd = &cobra.Command{
	Use:   "rename <old> <new>",
	Short: "Rename a tab",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunTabRename(args[0], args[1])
	},
}

var tabRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a tab, moving its galleries to the default tab",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunTabRm(args[0])
	},
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Inspect and test the configured hosts",
}

var hostLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List known hosts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHostLs()
	},
}

var hostTestCmd = &cobra.Command{
	Use:   "test <host>",
	Short: "Verify credentials without uploading",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHostTest(strings.ToLower(args[0]))
	},
}

var hostTestUploadCmd = &cobra.Command{
	Use:   "test-upload <host>",
	Short: "Upload and delete a small probe file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHostTestUpload(strings.ToLower(args[0]))
	},
}

var hostInfoCmd = &cobra.Command{
	Use:   "info <host>",
	Short: "Show account storage and plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHostInfo(strings.ToLower(args[0]))
	},
}

func init() {
	addCmd.Flags().StringVar(&addTab, "tab", "", "Tab to add the galleries to")
	addCmd.Flags().StringVar(&addName, "name", "", "Gallery name override (single folder only)")
	addCmd.Flags().StringVar(&addHost, "host", "", "Image host for these galleries")

	lsCmd.Flags().StringVar(&lsTab, "tab", "", "Only galleries in this tab")
	lsCmd.Flags().StringVar(&lsStatus, "status", "", "Only galleries with this status")

	tabCmd.AddCommand(tabAddCmd)
	tabCmd.AddCommand(tabLsCmd)
	tabCmd.AddCommand(tabRenameCmd)
	tabCmd.AddCommand(tabRmCmd)

	hostCmd.AddCommand(hostLsCmd)
	hostCmd.AddCommand(hostTestCmd)
	hostCmd.AddCommand(hostTestUploadCmd)
	hostCmd.AddCommand(hostInfoCmd)
}
