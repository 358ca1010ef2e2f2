// handlers.go implements the command handlers: wiring config, store, manager,
// provider, middleware, and the agent loop.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weftwork/weft/internal/agent"
	"github.com/weftwork/weft/internal/bus"
	"github.com/weftwork/weft/internal/config"
	"github.com/weftwork/weft/internal/history"
	"github.com/weftwork/weft/internal/middleware"
	"github.com/weftwork/weft/internal/observability"
	"github.com/weftwork/weft/internal/permission"
	"github.com/weftwork/weft/internal/providers"
	"github.com/weftwork/weft/internal/sessions"
	"github.com/weftwork/weft/internal/skills"
	"github.com/weftwork/weft/internal/tools"
	"github.com/weftwork/weft/internal/tools/files"
	"github.com/weftwork/weft/pkg/models"
)

// app bundles the pieces every handler needs.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	manager *sessions.Manager
	close   func()
}

func newApp(configPath string, debug bool) (*app, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logCfg := cfg.Logging
	logCfg.Output = os.Stderr
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	logger.Debug("configuration loaded", "provider", cfg.Sanitized().Provider, "store", cfg.Store.Backend)

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:     cfg,
		logger:  logger,
		manager: sessions.NewManager(store, logger.Slog(), cfg.Sessions),
		close:   closeStore,
	}, nil
}

func openStore(cfg config.StoreConfig) (sessions.Store, func(), error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return sessions.NewMemoryStore(), func() {}, nil
	case "file":
		store, err := sessions.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "sqlite":
		store, err := sessions.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

type runOptions struct {
	configPath   string
	sessionID    string
	branchID     string
	message      string
	approveTools bool
	approveMore  bool
	debug        bool
}

func runRun(ctx context.Context, opts runOptions) error {
	app, err := newApp(opts.configPath, opts.debug)
	if err != nil {
		return err
	}
	defer app.close()

	provider, err := providers.New(app.cfg.Provider)
	if err != nil {
		return err
	}

	sessionID := opts.sessionID
	if sessionID == "" {
		session, err := app.manager.CreateSession(ctx)
		if err != nil {
			return err
		}
		sessionID = session.ID
		fmt.Fprintf(os.Stderr, "session %s\n", sessionID)
	}
	branchID := opts.branchID
	if branchID == "" {
		session, err := app.manager.Load(ctx, sessionID)
		if err != nil {
			return err
		}
		branchID = session.ActiveBranchID
	}

	branch, release, err := app.manager.BeginRun(ctx, sessionID, branchID)
	if err != nil {
		return err
	}
	defer release()

	events := bus.New(uuid.NewString())
	registry := tools.NewRegistry()
	if err := registerTools(app, registry); err != nil {
		return err
	}
	broker := permission.NewBroker(events, app.logger.Slog())
	broker.Restore(branch)
	reducer := history.NewReducer(app.cfg.History)

	chain := middleware.NewChain(
		middleware.NewRetryMiddleware(app.cfg.Middleware.Retry, provider.Name(), events),
		middleware.NewTimeoutMiddleware(app.cfg.Middleware.Timeout),
		middleware.NewErrorFormattingMiddleware(app.cfg.Middleware.Errors, app.logger.Slog()),
		middleware.NewPermissionMiddleware(broker),
		middleware.NewContainerMiddleware(registry, events),
		middleware.NewHistoryReductionMiddleware(reducer, events),
	)
	executor := agent.NewExecutor(registry, chain, events, app.cfg.Agent.Executor)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	loop := agent.NewLoop(provider, executor, chain, events, reducer, metrics, app.logger.Slog(), app.cfg.Agent)

	done := consumeEvents(events, os.Stdin, os.Stdout, opts.approveTools, opts.approveMore)

	result, runErr := loop.Run(ctx, branch, models.NewUserText(opts.message))
	<-done

	broker.Flush(branch)
	if result != nil {
		// Persist the turn even when it failed part-way.
		if err := app.manager.SaveBranch(context.WithoutCancel(ctx), branch); err != nil {
			app.logger.Error("saving branch", "error", err)
		}
		fmt.Fprintf(os.Stderr, "done: %s (%d iterations, %d in / %d out tokens)\n",
			result.Reason, result.Stats.Iterations, result.Stats.InputTokens, result.Stats.OutputTokens)
	}
	return runErr
}

// registerTools populates the registry from config: the workspace file
// toolset and any skills discovered on disk.
func registerTools(app *app, registry *tools.Registry) error {
	if app.cfg.Tools.Files.Root != "" {
		for _, tool := range files.Tools(app.cfg.Tools.Files) {
			if err := registry.Register(tool); err != nil {
				return err
			}
		}
		if err := registry.RegisterContainer(files.Container()); err != nil {
			return err
		}
	}
	if dir := app.cfg.Skills.Dir; dir != "" {
		loaded, err := skills.Discover(dir, app.logger.Slog())
		if err != nil {
			return err
		}
		if err := skills.RegisterAll(registry, loaded); err != nil {
			return err
		}
		app.logger.Debug("skills loaded", "count", len(loaded))
	}
	return nil
}

// consumeEvents streams run output to out and answers interactive requests
// from in. The returned channel closes when the event stream ends.
func consumeEvents(events *bus.Bus, in io.Reader, out io.Writer, approveTools, approveMore bool) <-chan struct{} {
	sub := events.Subscribe()
	reader := bufio.NewReader(in)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			switch ev.Type {
			case models.EventTextMessageDelta:
				fmt.Fprint(out, ev.Text.Delta)
			case models.EventTextMessageEnd:
				fmt.Fprintln(out)
			case models.EventToolCallStart:
				fmt.Fprintf(out, "[tool: %s]\n", ev.Tool.Name)
			case models.EventToolCallResult:
				if ev.Tool.IsError {
					fmt.Fprintf(out, "[tool %s failed]\n", ev.Tool.CallID)
				}
			case models.EventFunctionRetry:
				fmt.Fprintf(out, "[retrying in %s: %s]\n", ev.Retry.Delay, ev.Retry.Category)
			case models.EventPermissionRequest:
				choice := models.PermissionAllow
				if !approveTools {
					choice = promptPermission(reader, out, ev.Permission)
				}
				_ = events.Respond(bus.Response{
					CorrelationID: ev.Permission.PermissionID,
					Permission: &models.PermissionPayload{
						PermissionID: ev.Permission.PermissionID,
						Choice:       choice,
					},
				})
			case models.EventContinuationRequest:
				approved := approveMore
				if !approved {
					approved = promptYes(reader, out,
						fmt.Sprintf("Iteration budget reached at %d. Continue?", ev.Continuation.Iteration))
				}
				_ = events.Respond(bus.Response{
					CorrelationID: ev.Continuation.ContinuationID,
					Continuation: &models.ContinuationPayload{
						ContinuationID: ev.Continuation.ContinuationID,
						Approved:       approved,
					},
				})
			case models.EventMessageTurnError:
				if ev.Error != nil {
					fmt.Fprintf(out, "\nrun failed: %s\n", ev.Error.Message)
				}
			}
		}
	}()
	return done
}

func promptPermission(reader *bufio.Reader, out io.Writer, p *models.PermissionPayload) models.PermissionChoice {
	fmt.Fprintf(out, "\nallow tool %s? args: %s\n[y]es / [n]o / [a]lways / ne[v]er: ", p.ToolName, string(p.Args))
	switch readLine(reader) {
	case "y", "yes":
		return models.PermissionAllow
	case "a", "always":
		return models.PermissionAllowAlways
	case "v", "never":
		return models.PermissionDenyAlways
	default:
		return models.PermissionDeny
	}
}

func promptYes(reader *bufio.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "\n%s [y/N]: ", question)
	answer := readLine(reader)
	return answer == "y" || answer == "yes"
}

func readLine(reader *bufio.Reader) string {
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(line))
}

func runSessionsList(ctx context.Context, configPath string) error {
	app, err := newApp(configPath, false)
	if err != nil {
		return err
	}
	defer app.close()

	list, err := app.manager.Store().ListSessions(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTIVE\tBRANCHES\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.ActiveBranchID, len(s.BranchIDs), s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runSessionsShow(ctx context.Context, configPath, sessionID string) error {
	app, err := newApp(configPath, false)
	if err != nil {
		return err
	}
	defer app.close()

	session, err := app.manager.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("session %s\ncreated %s\nupdated %s\nactive branch %s\n\n",
		session.ID,
		session.CreatedAt.Format("2006-01-02 15:04:05"),
		session.UpdatedAt.Format("2006-01-02 15:04:05"),
		session.ActiveBranchID)

	stats, err := app.manager.BranchStats(ctx, sessionID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BRANCH\tMESSAGES\tCHILDREN\tSIBLING\tLAST MESSAGE")
	for _, s := range stats {
		id := s.BranchID
		if id == session.ActiveBranchID {
			id += " *"
		}
		last := "-"
		if s.LastMessageAt != nil {
			last = s.LastMessageAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d/%d\t%s\n",
			id, s.MessageCount, s.ChildCount, s.SiblingIndex+1, s.TotalSiblings, last)
	}
	return w.Flush()
}

func runSessionsCreate(ctx context.Context, configPath string) error {
	app, err := newApp(configPath, false)
	if err != nil {
		return err
	}
	defer app.close()

	session, err := app.manager.CreateSession(ctx)
	if err != nil {
		return err
	}
	fmt.Println(session.ID)
	return nil
}

func runSessionsDelete(ctx context.Context, configPath, sessionID string) error {
	app, err := newApp(configPath, false)
	if err != nil {
		return err
	}
	defer app.close()
	return app.manager.Store().DeleteSession(ctx, sessionID)
}

func runBranchesList(ctx context.Context, configPath, sessionID string) error {
	app, err := newApp(configPath, false)
	if err != nil {
		return err
	}
	defer app.close()

	stats, err := app.manager.BranchStats(ctx, sessionID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMESSAGES\tCHILDREN\tSIBLING\tLAST MESSAGE")
	for _, s := range stats {
		last := "-"
		if s.LastMessageAt != nil {
			last = s.LastMessageAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d/%d\t%s\n",
			s.BranchID, s.MessageCount, s.ChildCount, s.SiblingIndex+1, s.TotalSiblings, last)
	}
	return w.Flush()
}

func runBranchesFork(ctx context.Context, configPath, sessionID, branchID string, index int, newBranchID string) error {
	app, err := newApp(configPath, false)
	if err != nil {
		return err
	}
	defer app.close()

	branch, err := app.manager.ForkBranchAtMessage(ctx, sessionID, branchID, index, newBranchID)
	if err != nil {
		return err
	}
	fmt.Println(forkSummary(branch))
	return nil
}

func forkSummary(branch *models.Branch) string {
	parent := "?"
	if branch.ParentID != nil {
		parent = *branch.ParentID
	}
	return fmt.Sprintf("%s forked from %s at message %d (%d messages)",
		branch.ID, parent, branch.ForkedAtIndex, len(branch.Messages))
}

func runBranchesDelete(ctx context.Context, configPath, sessionID, branchID string, recursive bool) error {
	app, err := newApp(configPath, false)
	if err != nil {
		return err
	}
	defer app.close()
	return app.manager.DeleteBranch(ctx, sessionID, branchID, recursive)
}

func runBranchesActivate(ctx context.Context, configPath, sessionID, branchID string) error {
	app, err := newApp(configPath, false)
	if err != nil {
		return err
	}
	defer app.close()
	return app.manager.ActivateBranch(ctx, sessionID, branchID)
}

func runBranchesArchive(ctx context.Context, configPath, sessionID, branchID string, archived bool) error {
	app, err := newApp(configPath, false)
	if err != nil {
		return err
	}
	defer app.close()
	return app.manager.ArchiveBranch(ctx, sessionID, branchID, archived)
}
