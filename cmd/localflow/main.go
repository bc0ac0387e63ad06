// localflow is an approval-gated local assistant: drafts and tool plans
// are generated by an LLM, reviewed and hash-locked by the user, and only
// then executed. Retrieval over local documents is restricted to folders
// the user explicitly granted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"localflow/internal/index"
	"localflow/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "localflow",
	Short: "localflow - approval-gated local assistant",
	Long: `localflow drafts content and tool plans with a local LLM, but never
executes anything without an explicit, hash-locked approval. Editing a
draft or its plan invalidates prior approvals; execution re-validates
every call against the stored hashes.

Local document retrieval only sees folders granted via 'perms grant'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// chatCmd submits one conversation turn.
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message and receive a draft response",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, _ := cmd.Flags().GetString("conversation")
		useRetrieval, _ := cmd.Flags().GetBool("with-docs")

		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.chat.SubmitTurn(signalContext(), conversationID, strings.Join(args, " "), useRetrieval)
		if err != nil {
			return err
		}

		fmt.Printf("conversation: %s\n\n", result.ConversationID)
		fmt.Println(result.AssistantMessage)
		if result.Draft != nil {
			fmt.Printf("\n--- draft %s (%s) ---\n", result.Draft.ID, result.Draft.Status)
			if result.Draft.Title != "" {
				fmt.Printf("title: %s\n", result.Draft.Title)
			}
			fmt.Println(result.Draft.Content)
		}
		if result.ToolPlan != nil {
			fmt.Printf("\n--- proposed tool plan (hash %s) ---\n", shortHash(result.ToolPlanHash))
			printJSON(result.ToolPlan)
			fmt.Println("\napprove with: localflow draft approve", result.Draft.ID)
		}
		return nil
	},
}

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Inspect, edit and approve drafts",
}

var draftShowCmd = &cobra.Command{
	Use:   "show [draft-id]",
	Short: "Show a draft and its tool plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		draft, err := a.store.GetDraft(args[0])
		if err != nil {
			return err
		}
		plan, hash, err := a.store.GetToolPlan(draft.ID)
		if err != nil {
			return err
		}

		fmt.Printf("draft %s (%s)\n", draft.ID, draft.Status)
		fmt.Printf("title: %s\n\n%s\n", draft.Title, draft.Content)
		if len(plan.Actions) > 0 {
			fmt.Printf("\ntool plan (hash %s):\n", shortHash(hash))
			printJSON(plan)
		}
		return nil
	},
}

var draftUpdateCmd = &cobra.Command{
	Use:   "update [draft-id]",
	Short: "Edit a draft's title or content (invalidates prior approvals)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		content, _ := cmd.Flags().GetString("content")

		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		draft, err := a.store.GetDraft(args[0])
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("title") {
			title = draft.Title
		}
		if !cmd.Flags().Changed("content") {
			content = draft.Content
		}

		updated, err := a.store.UpdateDraft(draft.ID, title, content)
		if err != nil {
			return err
		}
		fmt.Printf("draft %s updated (status %s)\n", updated.ID, updated.Status)
		fmt.Println("any previous approval is now stale; approve again to execute tools")
		return nil
	},
}

var draftApproveCmd = &cobra.Command{
	Use:   "approve [draft-id]",
	Short: "Approve a draft, locking its content and tool plan by hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		apr, err := a.approvals.Approve(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("approval %s created\n", apr.ID)
		fmt.Printf("  draft hash: %s\n", shortHash(apr.DraftHash))
		fmt.Printf("  plan hash:  %s\n", shortHash(apr.ToolPlanHash))
		fmt.Printf("  approved actions: %d\n", len(apr.ApprovedActions))
		return nil
	},
}

// execCmd dispatches one approved tool call through the gate.
var execCmd = &cobra.Command{
	Use:   "exec [approval-id] [tool]",
	Short: "Execute an approved tool action through the gate",
	Long: `Executes one tool call against a prior approval. The gate re-validates
the draft hash, plan hash and action match on every call; MEDIUM risk
tools need --confirm, HIGH risk tools additionally need every sub-step
id in --confirm-actions and --allow-high-risk.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		inputJSON, _ := cmd.Flags().GetString("input")
		confirm, _ := cmd.Flags().GetBool("confirm")
		confirmActions, _ := cmd.Flags().GetStringSlice("confirm-actions")
		allowHighRisk, _ := cmd.Flags().GetBool("allow-high-risk")

		var toolInput map[string]interface{}
		if err := json.Unmarshal([]byte(inputJSON), &toolInput); err != nil {
			return fmt.Errorf("--input must be a JSON object: %w", err)
		}

		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		confirmation := buildConfirmation(confirm, confirmActions, allowHighRisk)
		exec, err := a.gate.Execute(signalContext(), args[0], args[1], toolInput, confirmation)
		if exec != nil {
			fmt.Printf("execution %s: %s\n", exec.ID, exec.Outcome)
			if exec.Result != "" {
				fmt.Println(exec.Result)
			}
			if exec.Reason != "" {
				fmt.Println(exec.Reason)
			}
		}
		return err
	},
}

var permsCmd = &cobra.Command{
	Use:   "perms",
	Short: "Manage folder permissions for local retrieval",
}

var permsGrantCmd = &cobra.Command{
	Use:   "grant [path]",
	Short: "Grant retrieval access to a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		roots, err := a.perms.Grant(args[0])
		if err != nil {
			return err
		}
		a.indexer.MarkDirty()
		printRoots(roots)
		return nil
	},
}

var permsRevokeCmd = &cobra.Command{
	Use:   "revoke [path]",
	Short: "Revoke retrieval access to a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		roots, err := a.perms.Revoke(args[0])
		if err != nil {
			return err
		}
		a.indexer.MarkDirty()
		printRoots(roots)
		return nil
	},
}

var permsSetCmd = &cobra.Command{
	Use:   "set [path...]",
	Short: "Replace the authorized folder set wholesale",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		roots, err := a.perms.Set(args)
		if err != nil {
			return err
		}
		a.indexer.MarkDirty()
		printRoots(roots)
		return nil
	},
}

var permsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List authorized folders",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		printRoots(a.perms.List())
		return nil
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build and inspect the local document index",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Index authorized folders for retrieval",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		maxFiles, _ := cmd.Flags().GetInt("max-files")
		watch, _ := cmd.Flags().GetBool("watch")

		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		if maxFiles == 0 {
			maxFiles = a.cfg.RAG.MaxFiles
		}
		ctx := signalContext()
		opts := index.BuildOptions{Force: force, MaxFiles: maxFiles}
		meta, err := a.indexer.Build(ctx, opts)
		if err != nil {
			return err
		}
		fmt.Printf("indexed %d files (%d chunks) across %d roots at %s\n",
			meta.FilesIndexed, meta.ChunksIndexed, len(meta.Roots), meta.IndexedAt.Format("2006-01-02 15:04:05"))

		if watch {
			fmt.Println("watching authorized folders, rebuilding on change (Ctrl-C to stop)")
			opts.Force = false
			if err := a.indexer.WatchAndRebuild(ctx, opts, 0); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
		return nil
	},
}

var indexStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index freshness and scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		scope, meta, err := a.indexer.Status()
		if err != nil {
			return err
		}
		fmt.Printf("authorized roots: %d\n", len(scope.Roots))
		printRoots(scope.Roots)
		if meta == nil {
			fmt.Println("index: never built")
			return nil
		}
		fmt.Printf("index: %d files, %d chunks, built %s\n",
			meta.FilesIndexed, meta.ChunksIndexed, meta.IndexedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed documents by content",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top-k")

		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		if topK == 0 {
			topK = a.cfg.RAG.TopK
		}
		hits, err := a.retriever.Search(signalContext(), strings.Join(args, " "), topK)
		if err != nil {
			return err
		}
		printHits(hits)
		return nil
	},
}

var findCmd = &cobra.Command{
	Use:   "find [query]",
	Short: "Find files by name and path, without embeddings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top-k")

		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		if topK == 0 {
			topK = 10
		}
		hits, err := a.retriever.FindFiles(strings.Join(args, " "), topK)
		if err != nil {
			return err
		}
		for _, hit := range hits {
			fmt.Printf("%7.2f  %s\n", hit.Score, hit.SourcePath)
		}
		if len(hits) == 0 {
			fmt.Println("no matching files")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and component status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(workspace)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("localflow %s\n", a.cfg.Version)
		fmt.Printf("  provider:  %s\n", a.provider.Name())
		fmt.Printf("  embedding: %s\n", a.embed.Name())
		fmt.Printf("  store:     %s\n", a.store.Path())
		fmt.Printf("  tools:     %s\n", strings.Join(a.registry.Names(), ", "))
		scope := a.perms.Scope()
		fmt.Printf("  roots:     %d authorized\n", len(scope.Roots))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")

	chatCmd.Flags().StringP("conversation", "c", "", "continue an existing conversation")
	chatCmd.Flags().Bool("with-docs", false, "include local document context via retrieval")

	draftUpdateCmd.Flags().String("title", "", "new draft title")
	draftUpdateCmd.Flags().String("content", "", "new draft content")
	draftCmd.AddCommand(draftShowCmd, draftUpdateCmd, draftApproveCmd)

	execCmd.Flags().String("input", "{}", "tool input as a JSON object")
	execCmd.Flags().Bool("confirm", false, "confirm a MEDIUM or HIGH risk action")
	execCmd.Flags().StringSlice("confirm-actions", nil, "sub-step ids to confirm for HIGH risk tools")
	execCmd.Flags().Bool("allow-high-risk", false, "explicitly allow a HIGH risk execution")

	permsCmd.AddCommand(permsGrantCmd, permsRevokeCmd, permsSetCmd, permsListCmd)

	indexBuildCmd.Flags().Bool("force", false, "rebuild even if the index looks fresh")
	indexBuildCmd.Flags().Int("max-files", 0, "bound the number of files indexed")
	indexBuildCmd.Flags().Bool("watch", false, "keep watching authorized folders and rebuild on change")
	indexCmd.AddCommand(indexBuildCmd, indexStatusCmd)

	searchCmd.Flags().IntP("top-k", "k", 0, "number of results")
	findCmd.Flags().IntP("top-k", "k", 0, "number of results")

	rootCmd.AddCommand(chatCmd, draftCmd, execCmd, permsCmd, indexCmd, searchCmd, findCmd, statusCmd)
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

func buildConfirmation(confirm bool, confirmActions []string, allowHighRisk bool) *types.Confirmation {
	if !confirm && len(confirmActions) == 0 && !allowHighRisk {
		return nil
	}
	return &types.Confirmation{
		ApprovedActions: confirmActions,
		AllowHighRisk:   allowHighRisk,
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", v)
		return
	}
	fmt.Println(string(data))
}

func printHits(hits []types.SearchHit) {
	for _, hit := range hits {
		fmt.Printf("%7.2f  %s\n", hit.Score, hit.SourcePath)
		if hit.Snippet != "" {
			fmt.Println("         " + hit.Snippet)
		}
	}
	if len(hits) == 0 {
		fmt.Println("no results")
	}
}

func printRoots(roots []string) {
	for _, root := range roots {
		fmt.Println("  " + root)
	}
	if len(roots) == 0 {
		fmt.Println("  (none)")
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
