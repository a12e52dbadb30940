// Command agentloop runs one agent turn from the command line.
//
// Usage:
//
//	agentloop run --config config.yaml --agent <id> "your message"
//	agentloop init --config config.yaml --agent <id> --system "base prompt"
//	agentloop version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent"
	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/BaSui01/agentloop/llm"
	"github.com/BaSui01/agentloop/store"
	"github.com/BaSui01/agentloop/summarize"
	"github.com/BaSui01/agentloop/tokenizer"
	"github.com/BaSui01/agentloop/tools"
	"github.com/BaSui01/agentloop/types"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "run":
		runTurn(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "version":
		fmt.Printf("agentloop %s (%s)\n", Version, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `agentloop - stateful LLM agent runtime

Commands:
  run      execute one agent turn
  init     create an agent record
  version  print version`)
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	agentID := fs.String("agent", "", "agent id to create")
	system := fs.String("system", "You are a helpful assistant.", "base system instructions")
	_ = fs.Parse(args)
	if *agentID == "" {
		fatal(fmt.Errorf("--agent is required"))
	}

	cfg, logger, db := bootstrap(*configPath)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	sys, err := db.CreateMany(ctx, []*types.Message{types.NewSystemMessage(*agentID, *system)})
	if err != nil {
		fatal(err)
	}
	err = db.Put(ctx, &types.AgentState{
		ID: *agentID,
		LLMConfig: types.LLMConfig{
			Model:         cfg.LLM.Model,
			ContextWindow: cfg.Summarizer.ContextWindow,
			MaxTokens:     4096,
			Temperature:   0.7,
		},
		MessageIDs: []string{sys[0].ID},
	})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("created agent %s\n", *agentID)
}

func runTurn(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	agentID := fs.String("agent", "", "agent id")
	_ = fs.Parse(args)
	if *agentID == "" {
		fatal(fmt.Errorf("--agent is required"))
	}
	input := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if input == "" {
		fatal(fmt.Errorf("no input message given"))
	}

	cfg, logger, db := bootstrap(*configPath)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var runs store.RunStore
	var lock *store.RunLock
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, running without run store", zap.Error(err))
		} else {
			runs = store.NewRedisRunStore(client, cfg.Redis.RunTTL, logger)
			lock = store.NewRunLock(client, cfg.Redis.LockTTL, logger)
		}
	}

	provider := llm.NewRetryProvider(
		llm.NewOpenAIProvider(llm.OpenAIConfig{
			ProviderName: cfg.LLM.Provider,
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
			Timeout:      cfg.LLM.Timeout,
		}, logger),
		cfg.LLM.Retry, logger)

	tok := tokenizer.New(cfg.LLM.Model)
	summarizer := summarize.New(cfg.Summarizer, tok, db, nil, nil, logger)
	registry := tools.NewRegistry(logger)
	m := metrics.New(nil)

	step := agent.NewStepExecutor(provider, tools.NewDefaultExecutor(registry, logger),
		db, summarizer, m, cfg.Step, logger)
	loop := agent.NewLoop(step, db, db, runs, summarizer, m, cfg.Loop, logger)

	if lock != nil {
		runID := "run-cli-" + time.Now().UTC().Format("20060102150405")
		if err := lock.Acquire(ctx, *agentID, runID); err != nil {
			fatal(err)
		}
		defer func() { _ = lock.Release(context.Background(), *agentID, runID) }()
	}

	res, err := loop.Run(ctx, &agent.RunInput{
		AgentID: *agentID,
		Input:   []*types.Message{types.NewUserMessage(*agentID, input)},
	})
	if err != nil {
		fatal(err)
	}

	for _, msg := range res.NewMessages {
		switch {
		case msg.HasToolCall():
			fmt.Printf("-> %s(%s)\n", msg.ToolCall.Name, string(msg.ToolCall.Arguments))
		case msg.IsToolReturn():
			fmt.Printf("<- %s\n", msg.ToolReturn.Value)
		}
	}
	fmt.Printf("stop: %s  steps: %d  tokens: %d\n", res.StopReason, res.Steps, res.Usage.TotalTokens)
}

func bootstrap(configPath string) (*config.Config, *zap.Logger, *store.GormStore) {
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		fatal(err)
	}
	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fatal(err)
	}
	db, err := store.Open(cfg.Database.DSN(), cfg.Database.Pool, logger)
	if err != nil {
		fatal(err)
	}
	return cfg, logger, db
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
