package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/nstogner/overseer/pkg/engine"
	"github.com/nstogner/overseer/pkg/memory"
	"github.com/nstogner/overseer/pkg/model/gemini"
	"github.com/nstogner/overseer/pkg/planstore/sqlite"
	"github.com/nstogner/overseer/pkg/quality"
	"github.com/nstogner/overseer/pkg/sandbox/docker"
	"github.com/nstogner/overseer/pkg/scheduler"
	"github.com/nstogner/overseer/pkg/tool"
)

const systemPrompt = `You are an autonomous task-execution agent. You are given one step of a
larger plan at a time. Use the available tools to make progress, and call the
terminate tool when the step's work is done.`

func main() {
	// Setup logger.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)

	// Config.
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		slog.Error("GEMINI_API_KEY environment variable not set")
		os.Exit(1)
	}
	modelName := os.Getenv("OVERSEER_MODEL")

	instruction := strings.TrimSpace(strings.Join(os.Args[1:], " "))
	if instruction == "" {
		fmt.Fprintln(os.Stderr, "usage: overseer <task instruction>")
		os.Exit(2)
	}

	ctx := context.Background()

	// Initialize plan store.
	dbPath := os.Getenv("OVERSEER_DB_PATH")
	if dbPath == "" {
		wd, _ := os.Getwd()
		dbPath = filepath.Join(wd, "data", "overseer.db")
	}
	os.MkdirAll(filepath.Dir(dbPath), 0755)

	store, err := sqlite.New(dbPath)
	if err != nil {
		slog.Error("Failed to initialize plan store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Initialize model provider.
	provider, err := gemini.New(ctx, apiKey, modelName)
	if err != nil {
		slog.Error("Failed to initialize Gemini provider", "error", err)
		os.Exit(1)
	}

	// Tools. The python sandbox needs a docker daemon; run without it when
	// unavailable.
	tools := []tool.Tool{&tool.Terminate{}, &tool.WaitForInput{}}
	if sbMgr, err := docker.New(); err != nil {
		slog.Warn("Docker unavailable, python tool disabled", "error", err)
	} else {
		defer sbMgr.Close()
		tools = append(tools, tool.NewPython(sbMgr, uuid.NewString()))
	}
	registry := tool.NewRegistry(tools...)

	// Engine with model-backed memory compaction.
	mem := memory.New(memory.Config{AutoCompact: true}, memory.NewModelSummarizer(provider))
	eng := engine.New(engine.Config{
		Continuation: true,
		SystemPrompt: systemPrompt,
	}, provider, registry, mem)
	defer func() {
		if err := eng.Cleanup(ctx); err != nil {
			slog.Warn("Tool cleanup failed", "error", err)
		}
	}()

	gate := quality.New(provider)
	sched := scheduler.New(scheduler.Config{
		QualityGateEnabled: true,
		ImprovementEnabled: true,
		MaxRetries:         2,
	}, provider, eng, gate, store)

	report, err := sched.Execute(ctx, instruction)
	if err != nil {
		slog.Error("Execution failed", "error", err)
		if report != "" {
			fmt.Println(report)
		}
		os.Exit(1)
	}

	fmt.Println(report)
	slog.Info("Execution finished", "averageScore", gate.AverageScore())
}
