package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pactline/internal/app"
	"pactline/internal/config"
	"pactline/internal/db"
	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/migrate"
	"pactline/internal/repo"
	"pactline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pact",
	Short: "Pactline CLI",
	Long: `Pactline tracks accountability tasks with partner corroboration.
Core concepts:
- Workspace: your .pactline directory holding the database; pactline.yml holds config.
- Tasks: published commitments with a due instant and a point value.
- Partners: two users pair up on a task before its partner-up deadline; each
  holds at most one outgoing and one incoming connection per task.
- Outcomes: done claims go PENDING until reviewed to FULFILLED or BROKEN;
  breaking a partnership records a BROKEN outcome and flips the connections.
- Score: each FULFILLED task credits its points once, plus the same points
  again for every partner whose own outcome corroborates it.
- Templates: repeating tasks published on a schedule.
- Event log: diary of changes, view with 'pact log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PACTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "act as this user (cid or email); defaults to the bootstrap admin")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
}

func registerCommands() {
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(partnerCmd())
	rootCmd.AddCommand(outcomeCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userShowCmd())
	user.AddCommand(userSetActiveCmd("deactivate", "Deactivate a user", false))
	user.AddCommand(userSetActiveCmd("reactivate", "Reactivate a user", true))
	user.AddCommand(userSetAdminCmd())
	user.AddCommand(userDeleteCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var name, email string
	var isAdmin bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				u, err := e.CreateUser(ctx, engine.UserCreateOptions{
					Name:    name,
					Email:   email,
					IsAdmin: isAdmin,
					ActorID: actor.CID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "grant the administrator role")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	var q string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.User) error {
				users, err := e.Repo.ListUsers(ctx, repo.UserFilters{NameContains: q, ActiveOnly: activeOnly})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"CID", "Name", "Email", "Admin", "Active"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.CID, u.Name, u.Email, u.IsAdmin, u.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q, "q", "", "name substring filter")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "active users only")
	return cmd
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <cid>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.User) error {
				u, err := e.Repo.GetUserByCID(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func userSetActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <cid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				u, err := e.SetUserActive(ctx, args[0], active, actor.CID)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func userSetAdminCmd() *cobra.Command {
	var isAdmin bool
	cmd := &cobra.Command{
		Use:   "set-admin <cid>",
		Short: "Grant or revoke the administrator role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				u, err := e.SetUserAdmin(ctx, args[0], isAdmin, actor.CID)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().BoolVar(&isAdmin, "admin", true, "administrator role")
	return cmd
}

func userDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <cid>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.User) error {
				u, err := e.Repo.GetUserByCID(ctx, args[0])
				if err != nil {
					return err
				}
				return e.Repo.DeleteUserByEmail(ctx, u.Email)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are published commitments. Commit with 'pact task commit', partner up before the partner-up deadline, then mark done or broken before the completion grace runs out.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskActionCmd("commit", "Commit to a task", func(e engine.Engine) func(context.Context, string, string) (domain.Task, error) {
		return e.CommitToTask
	}))
	task.AddCommand(taskActionCmd("withdraw", "Withdraw from a task", func(e engine.Engine) func(context.Context, string, string) (domain.Task, error) {
		return e.WithdrawFromTask
	}))
	task.AddCommand(taskDoneCmd())
	task.AddCommand(taskBrokenCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				opts.ActorID = actor.CID
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.PointValue, "points", 1, "point value")
	cmd.Flags().StringVar(&opts.Due, "due", "", "due instant, RFC3339")
	cmd.Flags().StringVar(&opts.PublishDate, "publish", "", "publish instant, RFC3339 (defaults to now)")
	cmd.Flags().StringVar(&opts.PartnerUpDeadline, "partner-deadline", "", "partner-up window (ONE_HOUR, TWO_HOURS, SIX_HOURS, TWELVE_HOURS, ONE_DAY, ONE_WEEK)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("due")
	return cmd
}

func taskListCmd() *cobra.Command {
	var view string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				var (
					tasks []domain.Task
					err   error
				)
				switch view {
				case "all":
					tasks, err = e.Repo.ListTasks(ctx, repo.TaskFilters{})
				case "open":
					tasks, err = e.OpenTasks(ctx)
				case "upcoming":
					tasks, err = e.UpcomingTasks(ctx)
				case "past":
					tasks, err = e.PastTasks(ctx)
				case "mine":
					tasks, err = e.MyTasks(ctx, actor.CID)
				case "mine-past":
					tasks, err = e.MyPastTasks(ctx, actor.CID)
				case "requested":
					tasks, err = e.RequestedPartnerTasks(ctx, actor.CID)
				default:
					return fmt.Errorf("unknown view %q", view)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"CID", "Title", "Points", "Due", "Partner window"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.CID, t.Title, t.PointValue, t.Due, t.PartnerUpDeadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&view, "view", "open", "view: all, open, upcoming, past, mine, mine-past, requested")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <cid>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.User) error {
				t, err := e.Repo.GetTaskByCID(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <cid>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				return e.DeleteTask(ctx, args[0], actor.CID)
			})
		},
	}
	return cmd
}

func taskActionCmd(use, short string, pick func(engine.Engine) func(context.Context, string, string) (domain.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <cid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				t, err := pick(e)(ctx, args[0], actor.CID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskDoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "done <cid>",
		Short: "Mark a task done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				o, err := e.MarkDone(ctx, args[0], actor.CID)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func taskBrokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broken <cid>",
		Short: "Mark a task broken",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				o, err := e.MarkBroken(ctx, args[0], actor.CID)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage task templates",
		Long:  "Templates publish repeating tasks on a DAILY, WEEKLY, BIWEEKLY, or MONTHLY schedule.",
	}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templatePublishCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var opts engine.TemplateCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				opts.ActorID = actor.CID
				t, err := e.CreateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.PointValue, "points", 1, "point value")
	cmd.Flags().StringVar(&opts.PartnerUpDeadline, "partner-deadline", "", "partner-up window")
	cmd.Flags().StringVar(&opts.RepeatFrequency, "repeat", "", "repeat frequency (DAILY, WEEKLY, BIWEEKLY, MONTHLY)")
	cmd.Flags().StringVar(&opts.NextPublishDate, "next-publish", "", "next publish instant, RFC3339")
	cmd.Flags().StringVar(&opts.NextDueDate, "next-due", "", "next due instant, RFC3339")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("repeat")
	_ = cmd.MarkFlagRequired("next-publish")
	_ = cmd.MarkFlagRequired("next-due")
	return cmd
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.User) error {
				items, err := e.Repo.ListTemplates(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func templatePublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <cid>",
		Short: "Publish the template's next occurrence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				t, err := e.PublishFromTemplate(ctx, args[0], actor.CID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func partnerCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "partner",
		Short: "Manage partnerships",
		Long:  "Partnerships pair two users on a task: request before the partner-up deadline, confirm or deny, break when a commitment falls through.",
	}
	p.AddCommand(partnerCandidatesCmd())
	p.AddCommand(partnerRequestCmd())
	p.AddCommand(partnerConnectionCmd("confirm", "Confirm a partner request", nil))
	p.AddCommand(partnerConnectionCmd("deny", "Deny a partner request", func(e engine.Engine) func(context.Context, string, string) error { return e.DenyPartner }))
	p.AddCommand(partnerConnectionCmd("cancel", "Cancel a partner request", func(e engine.Engine) func(context.Context, string, string) error { return e.CancelPartner }))
	p.AddCommand(partnerConnectionCmd("remove", "Remove an acknowledged broken partnership", func(e engine.Engine) func(context.Context, string, string) error { return e.RemoveBrokenPartnership }))
	p.AddCommand(partnerBreakCmd())
	return p
}

func partnerCandidatesCmd() *cobra.Command {
	var q string
	cmd := &cobra.Command{
		Use:   "candidates <task-cid>",
		Short: "List possible partners for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				candidates, err := e.PartnerCandidates(ctx, args[0], actor.CID, q)
				if err != nil {
					return err
				}
				return printJSONOrTable(candidates)
			})
		},
	}
	cmd.Flags().StringVar(&q, "q", "", "name substring filter")
	return cmd
}

func partnerRequestCmd() *cobra.Command {
	var candidate string
	cmd := &cobra.Command{
		Use:   "request <task-cid>",
		Short: "Request a partner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				c, err := e.RequestPartner(ctx, args[0], actor.CID, candidate)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&candidate, "candidate", "", "candidate user cid")
	_ = cmd.MarkFlagRequired("candidate")
	return cmd
}

func partnerConnectionCmd(use, short string, pick func(engine.Engine) func(context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <connection-cid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				if pick == nil {
					c, err := e.ConfirmPartner(ctx, args[0], actor.CID)
					if err != nil {
						return err
					}
					return printJSONOrTable(c)
				}
				return pick(e)(ctx, args[0], actor.CID)
			})
		},
	}
}

func partnerBreakCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "break <task-cid>",
		Short: "Break your partnerships on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				o, err := e.BreakPartnership(ctx, args[0], actor.CID)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func outcomeCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "outcome",
		Short: "Inspect and review outcomes",
	}
	o.AddCommand(outcomeShowCmd())
	o.AddCommand(outcomeReviewCmd())
	return o
}

func outcomeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-cid>",
		Short: "Show your outcome for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				o, err := e.OutcomeFor(ctx, args[0], actor.CID)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func outcomeReviewCmd() *cobra.Command {
	var newType string
	cmd := &cobra.Command{
		Use:   "review <outcome-cid>",
		Short: "Review a pending outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				if !actor.IsAdmin {
					return fmt.Errorf("reviewing outcomes requires the administrator role")
				}
				o, err := e.ReviewOutcome(ctx, args[0], newType, actor.CID)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&newType, "type", "", "FULFILLED, BROKEN, or BROKEN_OMIT_PARTNER")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score [user-cid]",
		Short: "Score report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				target := actor.CID
				if len(args) == 1 {
					target = args[0]
				}
				report, err := e.Score(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.User) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed demo users and tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.User) error {
				if err := app.Seed(ctx, e); err != nil {
					return err
				}
				fmt.Println("seeded")
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in pactline.yml: completion grace hours, default partner-up window, the bootstrap admin, and optional webhooks. A copy is stored in the DB on every run.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.User) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pactline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if _, err := app.EnsureAdmin(cmd.Context(), e, cfg); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:     os.Getenv("PACTLINE_JWT_SECRET"),
				AllowDevLogin: devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PACTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pactline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local use only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, domain.User) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	actor, err := resolveActor(ctx, e, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e, actor)
}

// resolveActor picks the acting user: --as (cid or email), or the bootstrap
// admin, created on first run.
func resolveActor(ctx context.Context, e engine.Engine, cfg *config.Config) (domain.User, error) {
	as := strings.TrimSpace(viper.GetString("as"))
	if as == "" {
		return app.EnsureAdmin(ctx, e, cfg)
	}
	if u, err := e.Repo.GetUserByCID(ctx, as); err == nil {
		return u, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	u, err := e.Repo.GetUserByEmail(ctx, as)
	if err != nil {
		return domain.User{}, fmt.Errorf("no user with cid or email %q", as)
	}
	return u, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
