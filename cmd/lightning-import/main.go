package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"gorm.io/gorm"

	"github.com/tridz-dev/lightning-import/internal/api"
	"github.com/tridz-dev/lightning-import/internal/config"
	"github.com/tridz-dev/lightning-import/internal/database"
	"github.com/tridz-dev/lightning-import/internal/events"
	"github.com/tridz-dev/lightning-import/internal/models"
	"github.com/tridz-dev/lightning-import/internal/services/mapping"
	"github.com/tridz-dev/lightning-import/internal/services/scheduler"
	"github.com/tridz-dev/lightning-import/internal/services/session"
)

const usage = `lightning-import drives CSV imports on a Lightning platform server.

Usage:

  lightning-import <command> [flags]

Commands:

  run       reconcile the field mapping, submit the import and watch it
  map       reconcile and save the field mapping without importing
  automap   preview the automatic field mapping without saving
  status    show journaled import sessions
  export    download link for the failed rows of a finished import
  maintain  purge old journal rows and reconcile stale ones
  secret    manage the API secret in the system keyring

Run 'lightning-import <command> -h' for the flags of one command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "run":
		os.Exit(cmdRun(args))
	case "map":
		os.Exit(cmdMap(args))
	case "automap":
		os.Exit(cmdAutomap(args))
	case "status":
		os.Exit(cmdStatus(args))
	case "export":
		os.Exit(cmdExport(args))
	case "maintain":
		os.Exit(cmdMaintain(args))
	case "secret":
		os.Exit(cmdSecret(args))
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}
}

// app bundles what a command needs after bootstrap.
type app struct {
	cfg    *config.Config
	client *api.Client
	db     *gorm.DB
}

// loadApp reads configuration, wires logging and opens the journal. With
// requireDB unset a journal failure degrades to warn-and-continue, since
// every service tolerates a nil DB.
func loadApp(requireDB bool) *app {
	cfg, err := config.Load()
	if err != nil {
		config.Log.Fatalf("Failed to load configuration: %v", err)
	}
	config.InitLogger(cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		config.Log.Fatalf("Invalid configuration: %v", err)
	}

	client := api.NewClient(cfg.Server.URL, cfg.Server.APIKey, cfg.Server.APISecret)
	client.SetTimeout(cfg.ServerTimeout())

	db, err := database.Init(cfg.Database.URL)
	if err != nil {
		if requireDB {
			config.Log.Fatalf("Failed to open the session journal: %v", err)
		}
		config.Log.Warnf("Session journal unavailable, continuing without it: %v", err)
		db = nil
	}

	return &app{cfg: cfg, client: client, db: db}
}

func sessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		PollInterval:   cfg.PollInterval(),
		MaxPolls:       cfg.Observer.MaxPolls,
		MaxObservation: cfg.MaxObservation(),
		RetryAttempts:  cfg.Observer.RetryAttempts,
	}
}

func schedulerOptions(cfg *config.Config) scheduler.Options {
	return scheduler.Options{
		PurgeCron:   cfg.Scheduler.PurgeCron,
		RefreshCron: cfg.Scheduler.RefreshCron,
		Retention:   cfg.Retention(),
		StaleAfter:  cfg.StaleAfter(),
	}
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	record := fs.String("record", "", "upload record to import (required)")
	exportRows := fs.Bool("export", false, "export the failed rows once the import finishes")
	yes := fs.Bool("yes", false, "accept mapping gaps without prompting")
	noEvents := fs.Bool("no-events", false, "skip the realtime stream and rely on polling alone")
	fs.Parse(args)
	if *record == "" {
		fs.Usage()
		return 2
	}

	a := loadApp(false)
	if a.db != nil {
		defer database.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := events.NewDispatcher()
	if a.cfg.Events.Enabled && !*noEvents {
		stream := events.NewStream(a.cfg.EventsURL(), a.cfg.Events.Topic,
			a.cfg.Server.APIKey, a.cfg.Server.APISecret, dispatcher)
		stream.Start(ctx)
		defer stream.Stop()
	}

	if a.cfg.Scheduler.Enabled && a.db != nil {
		sched := scheduler.NewService(a.db, a.client, schedulerOptions(a.cfg))
		if err := sched.Start(); err != nil {
			config.Log.Warnf("Maintenance scheduler not started: %v", err)
		} else {
			defer sched.Stop()
		}
	}

	upload, err := a.client.GetUpload(*record)
	if err != nil {
		config.Log.Errorf("Failed to fetch upload record %s: %v", *record, err)
		return 1
	}
	if upload.Status != models.StatusDraft {
		config.Log.Errorf("Record %s has status %q, only Draft uploads can be submitted", *record, upload.Status)
		return 1
	}

	var prompter mapping.Prompter = newConsolePrompter()
	if *yes {
		prompter = acceptGaps{}
	}

	mapper := mapping.NewService(a.client, a.db)
	outcome, err := mapper.Reconcile(upload, prompter)
	if errors.Is(err, mapping.ErrAborted) {
		fmt.Println("Import cancelled, nothing was submitted.")
		return 1
	}
	if err != nil {
		config.Log.Errorf("Field mapping failed: %v", err)
		return 1
	}
	if outcome.GapsAccepted {
		fmt.Println("Proceeding with unmapped required fields; rows missing them will fail.")
	}

	cons := &console{}
	sessions := session.NewService(a.client, a.db, dispatcher, cons, sessionOptions(a.cfg))

	sessionID, err := sessions.Start(ctx, *record, outcome.Mapping)
	if err != nil {
		config.Log.Errorf("Import submission failed: %v", err)
		return 1
	}

	final, interrupted := watchSession(ctx, sessions, sessionID, cons)
	if interrupted {
		fmt.Println("Stopped watching, the import continues on the server.")
		return 1
	}

	if final.ExportAvailable() {
		if *exportRows {
			url, err := sessions.ExportErrorRows(*record)
			if err != nil {
				config.Log.Errorf("Failed-row export declined: %v", err)
			} else {
				fmt.Printf("Failed rows exported: %s\n", url)
			}
		} else {
			fmt.Printf("Run 'lightning-import export -record %s' to download the failed rows.\n", *record)
		}
	}

	if final.Job.Status == models.StatusCompleted && !final.ExportAvailable() {
		return 0
	}
	return 1
}

// watchSession renders progress until the session leaves observation. The
// second return is true when the user interrupted the watch.
func watchSession(ctx context.Context, sessions *session.Service, id string, cons *console) (session.Snapshot, bool) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	settled := false
	for {
		select {
		case <-ctx.Done():
			sessions.StopObserving(id)
			cons.Done()
			snap, _ := sessions.GetSession(id)
			return snap, true
		case <-ticker.C:
			snap, ok := sessions.GetSession(id)
			if !ok {
				return session.Snapshot{}, false
			}
			if snap.Phase == session.PhaseObserving {
				cons.Progress(snap)
				continue
			}
			// One extra tick so the observer's final notice lands first.
			if !settled {
				settled = true
				continue
			}
			cons.Done()
			return snap, false
		}
	}
}

func cmdMap(args []string) int {
	fs := flag.NewFlagSet("map", flag.ExitOnError)
	record := fs.String("record", "", "upload record to reconcile (required)")
	fs.Parse(args)
	if *record == "" {
		fs.Usage()
		return 2
	}

	a := loadApp(false)
	if a.db != nil {
		defer database.Close()
	}

	upload, err := a.client.GetUpload(*record)
	if err != nil {
		config.Log.Errorf("Failed to fetch upload record %s: %v", *record, err)
		return 1
	}

	mapper := mapping.NewService(a.client, a.db)
	outcome, err := mapper.Reconcile(upload, newConsolePrompter())
	if errors.Is(err, mapping.ErrAborted) {
		fmt.Println("Mapping aborted, nothing was saved.")
		return 1
	}
	if err != nil {
		config.Log.Errorf("Reconciliation failed: %v", err)
		return 1
	}

	printMapping(outcome.Mapping)
	fmt.Println("Field mapping confirmed and saved.")
	if outcome.GapsAccepted {
		fmt.Println("Required fields remain unmapped; rows missing them will fail at import.")
	}
	return 0
}

func cmdAutomap(args []string) int {
	fs := flag.NewFlagSet("automap", flag.ExitOnError)
	record := fs.String("record", "", "upload record to preview (required)")
	fs.Parse(args)
	if *record == "" {
		fs.Usage()
		return 2
	}

	a := loadApp(false)
	if a.db != nil {
		defer database.Close()
	}

	upload, err := a.client.GetUpload(*record)
	if err != nil {
		config.Log.Errorf("Failed to fetch upload record %s: %v", *record, err)
		return 1
	}

	mapper := mapping.NewService(a.client, a.db)
	preview, err := mapper.Preview(upload)
	if err != nil {
		config.Log.Errorf("Auto-mapping failed: %v", err)
		return 1
	}

	if preview.ServerMapped {
		fmt.Println("Headers or schema unavailable locally; showing the platform's own mapping.")
	}
	printMapping(preview.Candidate.Mapping)

	if len(preview.Candidate.UnmappedRequired) > 0 {
		labels := fieldLabels(preview.Fields)
		fmt.Println("\nRequired fields without a source column:")
		for _, fieldname := range preview.Candidate.UnmappedRequired {
			fmt.Printf("  - %s\n", describeField(fieldname, labels))
		}
	}

	fmt.Println("\nNothing was saved. Run 'lightning-import map' to confirm a mapping.")
	return 0
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	record := fs.String("record", "", "only sessions for this upload record")
	limit := fs.Int("limit", 10, "maximum number of sessions to list")
	fs.Parse(args)

	a := loadApp(true)
	defer database.Close()

	sessions := session.NewService(a.client, a.db, nil, nil, session.Options{})
	rows, err := sessions.History(*record, *limit)
	if err != nil {
		config.Log.Errorf("Failed to read the session journal: %v", err)
		return 1
	}
	if len(rows) == 0 {
		fmt.Println("No import sessions recorded.")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD\tSTATUS\tPROGRESS\tOK\tFAILED\tUPDATED")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\t%s\n",
			row.Docname, row.Status, row.Progress,
			countText(row.SuccessfulRecords), countText(row.FailedRecords),
			row.UpdatedAt.Format(time.RFC3339))
	}
	w.Flush()
	return 0
}

func cmdExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	record := fs.String("record", "", "upload record whose failed rows to export (required)")
	fs.Parse(args)
	if *record == "" {
		fs.Usage()
		return 2
	}

	a := loadApp(false)
	if a.db != nil {
		defer database.Close()
	}

	sessions := session.NewService(a.client, nil, nil, nil, session.Options{})
	url, err := sessions.ExportErrorRows(*record)
	if err != nil {
		config.Log.Errorf("Export failed: %v", err)
		return 1
	}

	fmt.Printf("Failed rows exported: %s\n", url)
	return 0
}

func cmdMaintain(args []string) int {
	fs := flag.NewFlagSet("maintain", flag.ExitOnError)
	watch := fs.Bool("watch", false, "keep running and execute the jobs on their cron schedule")
	fs.Parse(args)

	a := loadApp(true)
	defer database.Close()

	sched := scheduler.NewService(a.db, a.client, schedulerOptions(a.cfg))

	if !*watch {
		if err := sched.RunNow(); err != nil {
			config.Log.Errorf("Maintenance failed: %v", err)
			return 1
		}
		fmt.Println("Journal maintenance complete.")
		return 0
	}

	if err := sched.Start(); err != nil {
		config.Log.Errorf("Failed to start the maintenance scheduler: %v", err)
		return 1
	}
	defer sched.Stop()

	for _, job := range sched.Jobs() {
		next := "-"
		if job.NextRunAt != nil {
			next = job.NextRunAt.Format(time.RFC3339)
		}
		fmt.Printf("%-18s %-16s next %s\n", job.Name, job.Cron, next)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	fmt.Println("\nShutting down.")
	return 0
}

func cmdSecret(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: lightning-import secret set|clear|check")
		return 2
	}

	switch args[0] {
	case "set":
		fmt.Print("API secret: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr, "no secret read")
			return 1
		}
		if err := config.StoreSecret(strings.TrimSpace(scanner.Text())); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Println("Secret stored in the system keyring.")
		return 0

	case "clear":
		if err := config.DeleteSecret(); err != nil {
			fmt.Fprintf(os.Stderr, "keyring delete failed: %v\n", err)
			return 1
		}
		fmt.Println("Secret removed from the system keyring.")
		return 0

	case "check":
		if config.HasStoredSecret() {
			fmt.Println("An API secret is stored in the system keyring.")
		} else {
			fmt.Println("No API secret stored.")
		}
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown secret command %q\n", args[0])
		return 2
	}
}

// console renders the one-line progress display and interleaves session
// notices with it.
type console struct {
	mu       sync.Mutex
	lastLine string
}

func (c *console) Notify(sessionID, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	fmt.Println(message)
}

func (c *console) Progress(snap session.Snapshot) {
	line := fmt.Sprintf("%s %3d%%", snap.Job.Status, snap.Job.Progress)
	if snap.Job.Title != "" {
		line += " " + snap.Job.Title
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if line == c.lastLine {
		return
	}
	pad := len(c.lastLine) - len(line)
	if pad < 0 {
		pad = 0
	}
	fmt.Printf("\r%s%s", line, strings.Repeat(" ", pad))
	c.lastLine = line
}

func (c *console) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *console) clearLocked() {
	if c.lastLine == "" {
		return
	}
	fmt.Printf("\r%s\r", strings.Repeat(" ", len(c.lastLine)))
	c.lastLine = ""
}

func countText(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}
