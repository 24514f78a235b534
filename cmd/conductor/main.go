// Command conductor drives hierarchical workflow projects: plan a request,
// advance it phase by phase through sub-teams, and watch the breaker.
//
// Usage:
//
//	conductor plan -request "build X" [-name demo] [-mode full|lightweight]
//	conductor next -project <id>
//	conductor run -project <id> [-metrics-addr :9090]
//	conductor status [-project <id>]
//	conductor confirm -project <id> [-reject]
//	conductor resume -project <id>
//	conductor signal -project <id> -signal PAUSE|SKIP|ABORT|STATUS|ESCALATE
//	conductor clear-breaker -project <id>
//	conductor sweep
//	conductor audit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"conductor/pkg/breaker"
	"conductor/pkg/config"
	"conductor/pkg/eventlog"
	"conductor/pkg/fsm"
	"conductor/pkg/healer"
	"conductor/pkg/logx"
	"conductor/pkg/memory"
	"conductor/pkg/persistence"
	"conductor/pkg/procmon"
	"conductor/pkg/proto"
	"conductor/pkg/subteam"
	"conductor/pkg/utils"
)

type conductor struct {
	cfg     *config.Config
	db      *persistence.Store
	audit   *eventlog.Writer
	breaker *breaker.Breaker
	monitor *procmon.Monitor
	engine  *fsm.Engine
	logger  *logx.Logger
}

// manifestDir resolves phase manifests from files named after the phase,
// e.g. manifests/discover.yaml.
type manifestDir struct {
	dir string
}

func (m manifestDir) ManifestFor(phase proto.Phase, _ *proto.Project) (*proto.Manifest, error) {
	path := fmt.Sprintf("%s/%s.yaml", m.dir, strings.ToLower(string(phase)))
	return subteam.LoadManifest(path)
}

func newConductor(configPath, manifestPath string, workerCmd, fixerCmd []string) (*conductor, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	db, err := persistence.Open(cfg.DBPath, utils.NewProjectID())
	if err != nil {
		return nil, err
	}

	audit, err := eventlog.NewWriter(cfg.AuditDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	brk := breaker.New(cfg.Breaker, db)

	c := &conductor{
		cfg:     cfg,
		db:      db,
		audit:   audit,
		breaker: brk,
		logger:  logx.NewLogger("conductor"),
	}

	// The monitor consults the engine for phase activity; the engine's
	// supervisor registers workers with the monitor. Late-bind the engine to
	// break the cycle.
	var engine *fsm.Engine
	c.monitor = procmon.New(cfg, db, brk, func(projectID string) bool {
		if engine == nil {
			return true
		}
		return engine.ActivePhase(projectID)
	})

	supervisor := subteam.NewSupervisor(cfg, db, brk,
		subteam.CommandFactory(workerCmd, cfg.TierCost, c.monitor))
	engine = fsm.NewEngine(cfg, db, audit, brk, supervisor, manifestDir{dir: manifestPath})
	c.engine = engine

	// Runtime failures go through the healing ladder when a fixer command is
	// available; the engine itself serves as the rollback tier.
	fix := fixerCmd
	if len(fix) == 0 {
		fix = workerCmd
	}
	if len(fix) > 0 {
		mem := memory.NewStore(db, cfg.HalfLife())
		engine.SetHealer(healer.New(mem, brk, healer.NewCommandFixer(fix), engine, cfg.TierCost))
	}
	return c, nil
}

func (c *conductor) close() {
	if err := c.audit.Close(); err != nil {
		c.logger.Warn("Failed to close audit log: %v", err)
	}
	if err := c.db.Close(); err != nil {
		c.logger.Warn("Failed to close database: %v", err)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	command := os.Args[1]
	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := flags.String("config", "", "path to JSON config file")
	manifestPath := flags.String("manifests", "manifests", "directory of per-phase manifest YAML files")
	workerCmd := flags.String("worker-cmd", os.Getenv("CONDUCTOR_WORKER_CMD"), "command to run for each worker (shell words)")
	fixerCmd := flags.String("fixer-cmd", os.Getenv("CONDUCTOR_FIXER_CMD"), "command to run for healing attempts (defaults to the worker command)")
	projectID := flags.String("project", "", "project id")
	request := flags.String("request", "", "request text for plan")
	name := flags.String("name", "", "project name for plan")
	mode := flags.String("mode", string(proto.ModeFull), "execution mode: full or lightweight")
	signalName := flags.String("signal", "", "control signal to post")
	reject := flags.Bool("reject", false, "reject instead of approve the pending gate")
	metricsAddr := flags.String("metrics-addr", "", "serve Prometheus metrics at this address during run")
	if err := flags.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	c, err := newConductor(*configPath, *manifestPath, splitCommand(*workerCmd), splitCommand(*fixerCmd))
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "plan":
		err = c.cmdPlan(*name, *request, proto.Mode(*mode))
	case "next":
		err = c.cmdNext(ctx, *projectID)
	case "run":
		err = c.cmdRun(ctx, *projectID, *metricsAddr)
	case "status":
		err = c.cmdStatus(*projectID)
	case "confirm":
		err = c.cmdConfirm(*projectID, !*reject)
	case "resume":
		err = c.engine.Resume(*projectID)
	case "signal":
		err = c.cmdSignal(*projectID, *signalName)
	case "clear-breaker":
		err = c.cmdClearBreaker(*projectID)
	case "sweep":
		err = c.cmdSweep(ctx)
	case "audit":
		err = c.cmdAudit()
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: conductor <plan|next|run|status|confirm|resume|signal|clear-breaker|sweep|audit> [flags]")
}

func splitCommand(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func (c *conductor) cmdPlan(name, request string, mode proto.Mode) error {
	if name == "" {
		name = "project"
	}
	project, err := c.engine.Plan(name, request, mode)
	if err != nil {
		return err
	}
	fmt.Printf("planned %s (%s mode)\nproject id: %s\n", name, project.Mode, project.ID)
	return nil
}

func (c *conductor) cmdNext(ctx context.Context, projectID string) error {
	if projectID == "" {
		return fmt.Errorf("next requires -project")
	}

	decision, err := c.engine.Advance(ctx, projectID)
	if err != nil && !errors.Is(err, fsm.ErrProjectHalted) {
		return err
	}
	c.printDecision(decision)

	if decision != nil && decision.Action == proto.ActionConfirmGate {
		return c.promptGate(projectID)
	}
	return nil
}

// cmdRun advances a project until it completes, halts, or the operator
// interrupts. SIGINT checkpoints via the engine's normal step path, then
// sweeps orphans on the way out.
func (c *conductor) cmdRun(ctx context.Context, projectID, metricsAddr string) error {
	if projectID == "" {
		return fmt.Errorf("run requires -project")
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			c.logger.Info("Serving metrics at %s/metrics", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				c.logger.Warn("Metrics server stopped: %v", err)
			}
		}()
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go c.monitor.Run(sweepCtx)

	if _, err := c.monitor.Sweep(ctx); err != nil {
		c.logger.Warn("Startup sweep failed: %v", err)
	}
	defer func() {
		// Shutdown sweep uses a fresh context: ctx is already canceled when
		// the operator interrupted.
		cleanup, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.monitor.Sweep(cleanup); err != nil {
			c.logger.Warn("Shutdown sweep failed: %v", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("Interrupted, shutting down")
			return nil
		}

		decision, err := c.engine.Advance(ctx, projectID)
		if err != nil {
			if errors.Is(err, fsm.ErrProjectHalted) {
				c.printDecision(decision)
				return nil
			}
			return err
		}
		c.printDecision(decision)

		switch decision.Action {
		case proto.ActionComplete:
			return nil
		case proto.ActionConfirmPlan:
			// The request was just echoed with the decision; carrying on is
			// the confirmation, and the next step spawns the discovery team.
		case proto.ActionConfirmGate:
			if err := c.promptGate(projectID); err != nil {
				return err
			}
		case proto.ActionError:
			return fmt.Errorf("project stopped: %v", decision.Payload["reason"])
		case proto.ActionDefineTasks:
			// Operator input is needed before the next wave.
			fmt.Println("define tasks, then rerun")
			return nil
		}
	}
}

func (c *conductor) printDecision(decision *proto.Decision) {
	if decision == nil {
		return
	}
	fmt.Printf("action: %s\n", decision.Action)
	for key, value := range decision.Payload {
		fmt.Printf("  %s: %v\n", key, value)
	}
}

// promptGate asks for manual gate approval when stdin is a terminal. In a
// pipe there is nobody to ask, so the gate stays pending for `confirm`.
func (c *conductor) promptGate(projectID string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Println("gate pending: run `conductor confirm -project " + projectID + "`")
		return nil
	}

	fmt.Print("approve quality gate? [y/N]: ")
	var answer string
	if _, err := fmt.Fscanln(os.Stdin, &answer); err != nil {
		answer = ""
	}
	approved := strings.EqualFold(strings.TrimSpace(answer), "y")

	decision, err := c.engine.ConfirmGate(projectID, approved)
	if err != nil {
		return err
	}
	c.printDecision(decision)
	return nil
}

func (c *conductor) cmdStatus(projectID string) error {
	ids := []string{projectID}
	if projectID == "" {
		all, err := c.db.ListProjects()
		if err != nil {
			return err
		}
		ids = all
	}
	if len(ids) == 0 {
		fmt.Println("no projects")
		return nil
	}

	for _, id := range ids {
		status, err := c.engine.Status(id)
		if err != nil {
			return err
		}
		fmt.Printf("%s  phase=%v halted=%v tokens=%v cost=$%v\n",
			id, status["phase"], status["halted"], status["tokens"], status["cost_usd"])
		if reason, ok := status["breaker_reason"]; ok {
			fmt.Printf("  breaker tripped: %v\n", reason)
		}
		if summary, ok := status["phase_summary"]; ok {
			fmt.Printf("  %v\n", summary)
		}
	}
	return nil
}

func (c *conductor) cmdConfirm(projectID string, approved bool) error {
	if projectID == "" {
		return fmt.Errorf("confirm requires -project")
	}
	decision, err := c.engine.ConfirmGate(projectID, approved)
	if err != nil {
		return err
	}
	c.printDecision(decision)
	return nil
}

func (c *conductor) cmdSignal(projectID, name string) error {
	if projectID == "" || name == "" {
		return fmt.Errorf("signal requires -project and -signal")
	}
	signal := proto.Signal(strings.ToUpper(name))
	switch signal {
	case proto.SignalPause, proto.SignalSkip, proto.SignalAbort, proto.SignalStatus, proto.SignalEscalate:
	default:
		return fmt.Errorf("unknown signal %q", name)
	}
	if err := c.db.WriteSignal(projectID, signal); err != nil {
		return err
	}
	fmt.Printf("posted %s for %s\n", signal, projectID)
	return nil
}

func (c *conductor) cmdClearBreaker(projectID string) error {
	if projectID == "" {
		return fmt.Errorf("clear-breaker requires -project")
	}
	// Seed from the checkpoint first: a fresh process has empty breaker state,
	// and the clearance must land back in the checkpoint or the next restart
	// re-trips on the old totals.
	project, err := c.db.LatestCheckpoint(projectID)
	if err != nil {
		return err
	}
	c.breaker.Seed(projectID, project.Counters)
	project.Counters = c.breaker.Clear(projectID)
	if _, err := c.db.SaveCheckpoint(project); err != nil {
		return fmt.Errorf("failed to persist cleared counters: %w", err)
	}
	fmt.Printf("breaker cleared for %s\n", projectID)
	return nil
}

func (c *conductor) cmdSweep(ctx context.Context) error {
	res, err := c.monitor.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("swept %d processes: %d exited, %d killed, %d unkillable\n",
		res.Scanned, res.Exited, res.Killed, res.Unkilled)
	return nil
}

func (c *conductor) cmdAudit() error {
	files, err := eventlog.ListFiles(c.cfg.AuditDir)
	if err != nil {
		return err
	}
	for _, file := range files {
		events, err := eventlog.ReadEvents(file)
		if err != nil {
			return err
		}
		for _, ev := range events {
			marker := " "
			if ev.Override {
				marker = "!"
			}
			fmt.Printf("%s %s %s  %s -> %s  (%s)\n",
				marker, ev.Timestamp.Format(time.RFC3339), ev.ProjectID, ev.From, ev.To, ev.Action)
		}
	}
	return nil
}
