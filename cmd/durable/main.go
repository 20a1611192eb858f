package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	goredis "github.com/redis/go-redis/v9"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/agents"
	"github.com/deepnoodle-ai/durable/postgres"
	"github.com/deepnoodle-ai/durable/redis"
)

const usage = `durable - run durable, resumable workflows

Usage: %s <command> [options]

Commands:
  run       Create and execute a workflow from a YAML definition
  resume    Resume a paused workflow with human input
  recover   Rebuild a workflow from storage after a crash
  retry     Re-run the failed steps of a failed workflow
  cancel    Cancel a workflow
  show      Show a workflow and its steps
  list      List workflows
  episodes  Show the audit log

Examples:
  # Execute a workflow with file storage
  %s run -f order.yaml -input customer=acme -input amount=25

  # Approve a paused workflow
  %s resume -input approved=true -input approver=dana wf_01h...

  # Use PostgreSQL storage
  DURABLE_POSTGRES_DSN=postgres://localhost/durable %s list

Storage defaults to files under ~/.deepnoodle/durable. Run '%s <command> -h'
for the options of a command.
`

// Config holds the options shared by every command
type Config struct {
	DataDir     string
	PostgresDSN string
	RedisAddr   string
	Library     string
	Verbose     bool
	JSON        bool
	Timeout     time.Duration
}

func main() {
	flag.Usage = func() {
		name := os.Args[0]
		fmt.Fprintf(os.Stderr, usage, name, name, name, name, name)
	}
	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, args := os.Args[1], os.Args[2:]
	var err error
	switch command {
	case "run":
		err = runCommand(ctx, args)
	case "resume":
		err = resumeCommand(ctx, args)
	case "recover":
		err = recoverCommand(ctx, args)
	case "retry":
		err = retryCommand(ctx, args)
	case "cancel":
		err = cancelCommand(ctx, args)
	case "show":
		err = showCommand(ctx, args)
	case "list":
		err = listCommand(ctx, args)
	case "episodes":
		err = episodesCommand(ctx, args)
	case "help", "-h", "--help":
		flag.Usage()
		return
	default:
		color.Red("Error: unknown command %q", command)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newFlagSet(name string, config *Config) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&config.DataDir, "data-dir", os.Getenv("DURABLE_DATA_DIR"), "Directory for file storage")
	fs.StringVar(&config.PostgresDSN, "postgres", os.Getenv("DURABLE_POSTGRES_DSN"), "PostgreSQL connection string")
	fs.StringVar(&config.RedisAddr, "redis", os.Getenv("DURABLE_REDIS_ADDR"), "Redis address (host:port)")
	fs.StringVar(&config.Library, "library", os.Getenv("DURABLE_LIBRARY"), "Directory of YAML definitions that steps can start as child workflows")
	fs.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")
	fs.BoolVar(&config.JSON, "json", false, "Output results in JSON format")
	fs.DurationVar(&config.Timeout, "timeout", 0, "Execution timeout (e.g., 30s, 5m, 1h)")
	return fs
}

// session is an engine together with the resources backing it
type session struct {
	engine  *durable.Engine
	logger  *slog.Logger
	closers []func() error
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.engine.Close(ctx); err != nil {
		s.logger.Warn("failed to flush audit log", "error", err)
	}
	for _, c := range s.closers {
		c()
	}
}

func openSession(ctx context.Context, config *Config) (*session, error) {
	level := slog.LevelWarn
	if config.Verbose {
		level = slog.LevelDebug
	}
	logger := durable.NewLogger(os.Stderr, level)
	s := &session{logger: logger}

	var storage durable.Storage
	switch {
	case config.PostgresDSN != "":
		store, err := postgres.Open(ctx, config.PostgresDSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		storage = store
	case config.RedisAddr != "":
		client := goredis.NewClient(&goredis.Options{Addr: config.RedisAddr})
		store := redis.New(client, redis.WithLogger(logger))
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.RedisAddr, err)
		}
		s.closers = append(s.closers, client.Close)
		storage = store
	default:
		store, err := durable.NewFileStorage(config.DataDir)
		if err != nil {
			return nil, err
		}
		logger.Debug("using file storage", "dir", store.DataDir())
		storage = store
	}

	definitions, err := loadLibrary(config.Library)
	if err != nil {
		for _, c := range s.closers {
			c()
		}
		return nil, err
	}
	registry := agents.NewRegistry()
	engine, err := durable.New(durable.Options{
		Storage:  storage,
		Executor: registry,
		Logger:   logger,
	})
	if err != nil {
		for _, c := range s.closers {
			c()
		}
		return nil, err
	}
	registry.Register(durable.NewChildWorkflowAgent(engine, definitions))
	s.engine = engine
	return s, nil
}

// loadLibrary loads every YAML definition in dir
func loadLibrary(dir string) (*durable.DefinitionRegistry, error) {
	definitions, _ := durable.NewDefinitionRegistry()
	if dir == "" {
		return definitions, nil
	}
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	for _, file := range files {
		def, err := durable.LoadDefinitionFile(file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		if err := definitions.Register(def); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
	}
	return definitions, nil
}

func withTimeout(ctx context.Context, config *Config) (context.Context, context.CancelFunc) {
	if config.Timeout > 0 {
		color.Yellow("Timeout: %v", config.Timeout)
		return context.WithTimeout(ctx, config.Timeout)
	}
	return context.WithCancel(ctx)
}

func runCommand(ctx context.Context, args []string) error {
	config := &Config{}
	fs := newFlagSet("run", config)
	var file string
	var sequential bool
	var inputFlags stringSlice
	fs.StringVar(&file, "file", "", "Path to the YAML workflow definition file (required)")
	fs.StringVar(&file, "f", "", "Path to the YAML workflow definition file (shorthand)")
	fs.Var(&inputFlags, "input", "Input parameter in format key=value (can be used multiple times)")
	fs.Var(&inputFlags, "i", "Input parameter in format key=value (shorthand)")
	fs.BoolVar(&sequential, "sequential", false, "Execute one step at a time")
	fs.Parse(args)

	if file == "" {
		fs.Usage()
		return fmt.Errorf("workflow file is required")
	}
	inputs, err := parseInputs(inputFlags)
	if err != nil {
		return err
	}

	color.Blue("Loading workflow from: %s", file)
	def, err := durable.LoadDefinitionFile(file)
	if err != nil {
		return err
	}
	color.Cyan("Workflow: %s", def.Name)
	if def.Description != "" {
		color.White("Description: %s", def.Description)
	}

	s, err := openSession(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close()

	var input any
	if len(inputs) > 0 {
		input = inputs
	}
	wf, err := s.engine.CreateWorkflow(ctx, def, durable.CreateOptions{
		Input:    input,
		Metadata: durable.Metadata{Initiator: currentUser()},
	})
	if err != nil {
		return err
	}
	color.Green("Starting execution (ID: %s)...", wf.ID)

	ctx, cancel := withTimeout(ctx, config)
	defer cancel()
	var res *durable.ExecutionResult
	if sequential {
		res = s.engine.ExecuteWorkflow(ctx, wf.ID)
	} else {
		res = s.engine.ExecuteWorkflowParallel(ctx, wf.ID)
	}
	return showResult(res, config)
}

func resumeCommand(ctx context.Context, args []string) error {
	config := &Config{}
	fs := newFlagSet("resume", config)
	var inputFlags stringSlice
	fs.Var(&inputFlags, "input", "Human input in format key=value (can be used multiple times)")
	fs.Var(&inputFlags, "i", "Human input in format key=value (shorthand)")
	fs.Parse(args)

	id, err := workflowArg(fs)
	if err != nil {
		return err
	}
	inputs, err := parseInputs(inputFlags)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := withTimeout(ctx, config)
	defer cancel()
	var input any
	if len(inputs) > 0 {
		input = inputs
	}
	color.Blue("Resuming workflow %s", id)
	return showResult(s.engine.ResumeWorkflow(ctx, id, input), config)
}

func recoverCommand(ctx context.Context, args []string) error {
	config := &Config{}
	fs := newFlagSet("recover", config)
	var execute bool
	fs.BoolVar(&execute, "execute", false, "Continue executing the workflow after recovery")
	fs.Parse(args)

	id, err := workflowArg(fs)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close()

	wf, err := s.engine.RecoverWorkflow(ctx, id)
	if err != nil {
		return err
	}
	color.Green("Recovered workflow %s as %s", wf.ID, wf.Status)
	if !execute || wf.Status.IsTerminal() || wf.Status == durable.StatusPaused {
		return showWorkflow(wf, config)
	}

	ctx, cancel := withTimeout(ctx, config)
	defer cancel()
	if wf.Mode == durable.ModeSequential {
		return showResult(s.engine.ExecuteWorkflow(ctx, id), config)
	}
	return showResult(s.engine.ExecuteWorkflowParallel(ctx, id), config)
}

func retryCommand(ctx context.Context, args []string) error {
	config := &Config{}
	fs := newFlagSet("retry", config)
	fs.Parse(args)

	id, err := workflowArg(fs)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := withTimeout(ctx, config)
	defer cancel()
	color.Blue("Retrying workflow %s", id)
	return showResult(s.engine.RetryWorkflow(ctx, id), config)
}

func cancelCommand(ctx context.Context, args []string) error {
	config := &Config{}
	fs := newFlagSet("cancel", config)
	var reason string
	fs.StringVar(&reason, "reason", "cancelled from the command line", "Cancellation reason")
	fs.Parse(args)

	id, err := workflowArg(fs)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close()

	wf, err := s.engine.CancelWorkflow(ctx, id, reason)
	if err != nil {
		return err
	}
	color.Yellow("Workflow %s cancelled", wf.ID)
	return nil
}

func showCommand(ctx context.Context, args []string) error {
	config := &Config{}
	fs := newFlagSet("show", config)
	fs.Parse(args)

	id, err := workflowArg(fs)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close()

	wf, err := s.engine.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	return showWorkflow(wf, config)
}

func listCommand(ctx context.Context, args []string) error {
	config := &Config{}
	fs := newFlagSet("list", config)
	var status string
	fs.StringVar(&status, "status", "", "Only list workflows with this status")
	fs.Parse(args)

	s, err := openSession(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close()

	workflows, err := s.engine.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	if status != "" {
		filtered := workflows[:0]
		for _, wf := range workflows {
			if string(wf.Status) == status {
				filtered = append(filtered, wf)
			}
		}
		workflows = filtered
	}
	if config.JSON {
		return printJSON(workflows)
	}
	if len(workflows) == 0 {
		color.Blue("No workflows found")
		return nil
	}
	fmt.Println(workflowTable(workflows))
	return nil
}

func episodesCommand(ctx context.Context, args []string) error {
	config := &Config{}
	fs := newFlagSet("episodes", config)
	var query durable.EpisodeQuery
	var episodeType, tags string
	fs.StringVar(&query.Context, "context", "", "Only show episodes of this workflow context ID")
	fs.StringVar(&episodeType, "type", "", "Only show episodes of this type (e.g. workflow_failed)")
	fs.StringVar(&tags, "tags", "", "Comma-separated tags every episode must carry")
	fs.StringVar(&query.Text, "text", "", "Only show episodes whose summary contains this text")
	fs.IntVar(&query.Limit, "limit", 20, "Maximum number of episodes to show")
	fs.Parse(args)

	query.Type = durable.EpisodeType(episodeType)
	if tags != "" {
		query.Tags = strings.Split(tags, ",")
	}
	s, err := openSession(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close()

	episodes, err := s.engine.Storage().SearchEpisodes(ctx, query)
	if err != nil {
		return err
	}
	if config.JSON {
		return printJSON(episodes)
	}
	if len(episodes) == 0 {
		color.Blue("No episodes found")
		return nil
	}
	fmt.Println(episodeTable(episodes))
	return nil
}

func workflowArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		fs.Usage()
		return "", fmt.Errorf("exactly one workflow ID is required")
	}
	return fs.Arg(0), nil
}

// parseInputs parses key=value pairs. Values are parsed as JSON if possible,
// otherwise kept as strings.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format '%s'. Use key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		inputs[key] = parsed
	}
	return inputs, nil
}

// Custom flag type for handling multiple input values
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}
