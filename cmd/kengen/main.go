// kengen is the operational companion CLI for the Kengen library.
//
// Subcommands:
//
//	keygen <private.pem> <public.pem>   generate an Ed25519 signing key pair
//	rules <rules.yaml>                  validate a policy rule file
//	demo [rules.yaml]                   run a request through an in-memory pipeline
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kengen-ai/kengen"
	"github.com/kengen-ai/kengen/internal/policy"
	"github.com/kengen-ai/kengen/internal/signing"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KENGEN_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		usage()
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "keygen":
		err = keygen(os.Args[2:])
	case "rules":
		err = checkRules(os.Args[2:])
	case "demo":
		err = demo(ctx, logger, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		usage()
		return 2
	}
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kengen keygen <private.pem> <public.pem> | rules <rules.yaml> | demo [rules.yaml] | version")
}

func keygen(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("keygen: want <private.pem> <public.pem>")
	}
	privPath, pubPath := args[0], args[1]

	// Refuse to overwrite existing keys. Rotating keys invalidates every
	// grant minted with them, so make that an explicit manual step.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("keygen: %s already exists, delete it first to rotate", path)
		}
	}
	if err := signing.WriteKeyPair(privPath, pubPath); err != nil {
		return fmt.Errorf("keygen: %w", err)
	}
	fmt.Printf("wrote %s and %s\n", privPath, pubPath)
	return nil
}

func checkRules(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("rules: want <rules.yaml>")
	}
	rules, err := policy.LoadRulesFile(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d rules ok\n", args[0], len(rules))
	return nil
}

// demoResolver serves two hard-coded capabilities so the demo needs no
// external registry.
type demoResolver struct{}

func (demoResolver) Resolve(_ context.Context, id string) (kengen.Capability, error) {
	switch id {
	case "user.read":
		return kengen.Capability{
			ID: "user.read", Version: "2.1.0",
			Effects: []kengen.Effect{kengen.EffectReadOnly},
		}, nil
	case "user.delete":
		return kengen.Capability{
			ID: "user.delete", Version: "1.0.0",
			Effects: []kengen.Effect{kengen.EffectMutate}, Sensitivity: 4,
		}, nil
	}
	return kengen.Capability{}, fmt.Errorf("no capability %q", id)
}

func demo(ctx context.Context, logger *slog.Logger, args []string) error {
	rulesPath := ""
	if len(args) > 0 {
		rulesPath = args[0]
	} else {
		// Without a rule file everything is denied, which makes a poor demo.
		f, err := os.CreateTemp("", "kengen-demo-*.yaml")
		if err != nil {
			return err
		}
		const allowAll = "rules:\n  - name: allow-everything\n    priority: 1\n    enabled: true\n    action:\n      kind: allow\n"
		if _, err := f.WriteString(allowAll); err != nil {
			return err
		}
		_ = f.Close()
		defer os.Remove(f.Name())
		rulesPath = f.Name()
	}
	opts := []kengen.Option{
		kengen.WithCapabilityResolver(demoResolver{}),
		kengen.WithLogger(logger),
		kengen.WithVersion(version),
		kengen.WithRulesFile(rulesPath),
	}
	auth, err := kengen.New(opts...)
	if err != nil {
		return err
	}
	defer func() { _ = auth.Close(context.Background()) }()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = auth.Run(runCtx)
	}()
	defer func() { cancel(); <-done }()

	tenant := uuid.New()
	orchestrator := kengen.Principal{AgentID: "orchestrator", TenantID: tenant, Class: kengen.ClassSystem}
	worker := kengen.Principal{AgentID: "worker", TenantID: tenant, Class: kengen.ClassDelegated}

	tok := kengen.Token{
		ID:         uuid.New(),
		Delegator:  orchestrator,
		Delegate:   worker,
		Constraint: kengen.Constraint{MaxEffect: kengen.EffectPrivileged},
		Temporal:   kengen.Temporal{NotAfter: time.Now().Add(time.Hour)},
		IssuedAt:   time.Now(),
	}
	if err := auth.Issue(ctx, tok); err != nil {
		return err
	}

	auth.RegisterHandler("user.read", func(_ context.Context, exec *kengen.Execution) (any, error) {
		return map[string]any{
			"user":               "ada",
			"capability_version": exec.CapabilityVersion(),
		}, nil
	})

	out, err := auth.Execute(ctx, kengen.Request{
		CapabilityID: "user.read",
		Caller:       worker,
		AgentKind:    kengen.AgentLLM,
		Chain:        kengen.Chain{Origin: orchestrator, Tokens: []kengen.Token{tok}, Executor: worker},
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"output":  out.Output,
		"rule":    out.Trace.RuleName,
		"receipt": out.Receipt,
	})
}
