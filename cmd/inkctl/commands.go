package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/config"
	"inkwell/api/internal/docstore"
	"inkwell/api/internal/jobs"
	"inkwell/api/internal/logging"
	"inkwell/api/internal/resolution"
	"inkwell/api/internal/store"
)

type env struct {
	cfg config.Config
	log zerolog.Logger
	db  *sql.DB
}

func loadEnv(cmd *cobra.Command, withDB bool) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: logging.NewWithWriter(os.Stderr, cfg.LogLevel, "pretty")}
	if withDB {
		if e.db, err = store.Open(cmd.Context(), cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *env) close() {
	if e.db != nil {
		_ = e.db.Close()
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply pending SQL migrations, or roll back the most recent ones.

Examples:
  inkctl migrate
  inkctl migrate --down 1
  inkctl migrate --queue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		down, _ := cmd.Flags().GetInt("down")
		queue, _ := cmd.Flags().GetBool("queue")

		e, err := loadEnv(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()

		if down > 0 {
			reverted, err := store.RollbackMigrations(cmd.Context(), e.db, e.cfg.MigrationsDir, down)
			for _, v := range reverted {
				fmt.Println("reverted", v)
			}
			return err
		}

		applied, err := store.ApplyMigrations(cmd.Context(), e.db, e.cfg.MigrationsDir)
		for _, v := range applied {
			fmt.Println("applied", v)
		}
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("schema is up to date")
		}

		if queue {
			pool, err := store.OpenPool(cmd.Context(), e.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			n, err := jobs.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d job queue migrations\n", n)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().Int("down", 0, "roll back this many migrations instead of applying")
	migrateCmd.Flags().Bool("queue", false, "also migrate the background job queue schema")
}

// --- auto-resolve ---

var autoResolveCmd = &cobra.Command{
	Use:   "auto-resolve",
	Short: "Resolve active comments older than a number of days",
	Long: `Resolve every active comment created more than --days days ago.

Examples:
  inkctl auto-resolve --days 30
  inkctl auto-resolve --days 14 --document launch-plan --actor u_ops
  inkctl auto-resolve --days 30 --enqueue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		documentID, _ := cmd.Flags().GetString("document")
		actorID, _ := cmd.Flags().GetString("actor")
		enqueue, _ := cmd.Flags().GetBool("enqueue")

		if days <= 0 {
			return fmt.Errorf("--days must be positive")
		}

		e, err := loadEnv(cmd, !enqueue)
		if err != nil {
			return err
		}
		defer e.close()

		if enqueue {
			return enqueueAutoResolve(cmd.Context(), e, jobs.AutoResolveArgs{Days: days, DocumentID: documentID, ActorID: actorID})
		}

		actor := resolution.SystemActor
		if actorID != "" {
			actor = resolution.Actor{ID: actorID, Name: actorID, Role: resolution.SystemActor.Role}
		}
		svc := resolution.NewService(store.NewPostgresStore(e.db), e.log)
		res, err := svc.AutoResolveOlderThan(cmd.Context(), actor, documentID, days)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func enqueueAutoResolve(ctx context.Context, e *env, args jobs.AutoResolveArgs) error {
	pool, err := store.OpenPool(ctx, e.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	queue, err := jobs.NewQueue(pool, jobs.NewAutoResolveWorker(nil, nil, e.log), jobs.Options{}, e.log)
	if err != nil {
		return err
	}
	id, err := queue.EnqueueAutoResolve(ctx, args)
	if err != nil {
		return err
	}
	fmt.Printf("queued auto-resolve job %d\n", id)
	return nil
}

func init() {
	autoResolveCmd.Flags().Int("days", 0, "age threshold in days")
	autoResolveCmd.Flags().String("document", "", "limit the sweep to one document")
	autoResolveCmd.Flags().String("actor", "", "actor id recorded in the history (default: system)")
	autoResolveCmd.Flags().Bool("enqueue", false, "queue the sweep for the server's workers instead of running it here")
	_ = autoResolveCmd.MarkFlagRequired("days")
}

// --- suggest ---

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Print suggested actions for a document's comments as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		documentID, _ := cmd.Flags().GetString("document")
		all, _ := cmd.Flags().GetBool("all")
		if strings.TrimSpace(documentID) == "" {
			return fmt.Errorf("--document is required")
		}

		e, err := loadEnv(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()

		st := store.NewPostgresStore(e.db)
		comments, err := st.ListComments(cmd.Context(), store.CommentFilter{DocumentID: documentID})
		if err != nil {
			return err
		}
		suggestions, err := resolution.NewService(st, e.log).SuggestActions(cmd.Context(), comments)
		if err != nil {
			return err
		}
		if !all {
			status := make(map[string]string, len(comments))
			for _, c := range comments {
				status[c.ID] = c.Status
			}
			kept := suggestions[:0]
			for _, s := range suggestions {
				if status[s.CommentID] != store.StatusResolved {
					kept = append(kept, s)
				}
			}
			suggestions = kept
		}
		return printJSON(suggestions)
	},
}

func init() {
	suggestCmd.Flags().String("document", "", "document id")
	suggestCmd.Flags().Bool("all", false, "include resolved comments")
}

// --- import-doc ---

var importDocCmd = &cobra.Command{
	Use:   "import-doc",
	Short: "Create a document from a ProseMirror JSON file",
	Long: `Create a document repository seeded with the given ProseMirror JSON.
Existing documents are left untouched.

Examples:
  inkctl import-doc --document launch-plan --file ./draft.json --title "Launch plan"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		documentID, _ := cmd.Flags().GetString("document")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		author, _ := cmd.Flags().GetString("author")

		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		e, err := loadEnv(cmd, false)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(e.cfg.DocsDir, 0o755); err != nil {
			return err
		}
		created, err := docstore.New(e.cfg.DocsDir).EnsureDocument(documentID, docstore.Content{Title: title, Doc: raw}, author)
		if err != nil {
			return err
		}
		if created {
			fmt.Println("created", documentID)
		} else {
			fmt.Println(documentID, "already exists")
		}
		return nil
	},
}

func init() {
	importDocCmd.Flags().String("document", "", "document id")
	importDocCmd.Flags().String("file", "", "ProseMirror JSON file")
	importDocCmd.Flags().String("title", "", "document title")
	importDocCmd.Flags().String("author", "inkctl", "commit author")
	_ = importDocCmd.MarkFlagRequired("document")
	_ = importDocCmd.MarkFlagRequired("file")
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with the configured secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		name, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		e, err := loadEnv(cmd, false)
		if err != nil {
			return err
		}
		token, err := auth.IssueToken([]byte(e.cfg.JWTSecret), subject, name, role, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "", "user id")
	tokenCmd.Flags().String("name", "", "display name")
	tokenCmd.Flags().String("role", "commenter", "viewer, commenter, editor or admin")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
}
