package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	tfnats "github.com/Strob0t/TeamForge/internal/adapter/nats"
	"github.com/Strob0t/TeamForge/internal/adapter/postgres"
	"github.com/Strob0t/TeamForge/internal/config"
	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/middleware"
	"github.com/Strob0t/TeamForge/internal/service"
)

// runAdmin dispatches admin subcommands (issue-token, list-agents, put-feed).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "issue-token":
		return runAdminIssueToken(args[1:])
	case "list-agents":
		return runAdminListAgents(args[1:])
	case "put-feed":
		return runAdminPutFeed(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: teamforge admin <command> [options]

Commands:
  issue-token   Sign a bearer token for a subject and tenant
  list-agents   List registered agent versions
  put-feed      Store an external feed payload for a workflow position
  help          Show this help message

Examples:
  teamforge admin issue-token --subject ops --tenant acme --ttl 24h
  teamforge admin list-agents --json
  teamforge admin put-feed --workflow digest --position 2 --file payload.json
`)
}

func runAdminIssueToken(args []string) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	subject := fs.String("subject", "", "token subject (required)")
	tenant := fs.String("tenant", middleware.DefaultTenantID, "tenant the token is scoped to")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("--subject is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	tokens, err := service.NewTokenService(context.Background(), cfg.Auth)
	if err != nil {
		return err
	}
	tok, err := tokens.Issue(*subject, *tenant, *ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Println(tok)
	return nil
}

func runAdminListAgents(args []string) error {
	fs := flag.NewFlagSet("list-agents", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON (default when stdout is not a terminal)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	agents, err := postgres.NewStore(pool).ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	if *asJSON || !term.IsTerminal(int(os.Stdout.Fd())) { //nolint:gosec // fd fits in int
		return writeAgentsJSON(os.Stdout, agents)
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}
	return writeAgentsTable(os.Stdout, agents)
}

func writeAgentsJSON(w io.Writer, agents []agent.Agent) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(agents)
}

func writeAgentsTable(out io.Writer, agents []agent.Agent) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tTRANSPORT\tCAPABILITIES\tCHECKSUM")
	for i := range agents {
		a := &agents[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.12s\n",
			a.AgentID, a.Version, a.Status, a.TransportOrDefault(), len(a.Capabilities), a.Checksum)
	}
	return w.Flush()
}

func runAdminPutFeed(args []string) error {
	fs := flag.NewFlagSet("put-feed", flag.ContinueOnError)
	workflowID := fs.String("workflow", "", "workflow id (required)")
	position := fs.Int("position", 0, "binding position the feed is for (required)")
	file := fs.String("file", "-", "JSON payload file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflowID == "" || *position < 1 {
		return fmt.Errorf("--workflow and --position are required")
	}

	var (
		data []byte
		err  error
	)
	if *file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("payload is not valid JSON")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	queue, err := tfnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	kv, err := queue.KeyValue(ctx, cfg.NATS.FeedBucket, 0)
	if err != nil {
		return fmt.Errorf("feed bucket: %w", err)
	}
	if err := tfnats.NewFeedSource(kv).Put(ctx, *workflowID, *position, data); err != nil {
		return fmt.Errorf("put feed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Feed stored for %s position %d\n", *workflowID, *position)
	return nil
}
