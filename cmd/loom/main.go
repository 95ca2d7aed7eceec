package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/loomworks/loom/config"
	redisstream "github.com/loomworks/loom/features/stream/redis"
	"github.com/loomworks/loom/features/store/sqlite"
	"github.com/loomworks/loom/runtime/executor"
	"github.com/loomworks/loom/runtime/orchestrator"
	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/planner/htn"
	"github.com/loomworks/loom/runtime/planner/tot"
	"github.com/loomworks/loom/runtime/policy"
	"github.com/loomworks/loom/runtime/provenance"
	"github.com/loomworks/loom/runtime/router"
	"github.com/loomworks/loom/runtime/scheduler"
	"github.com/loomworks/loom/runtime/telemetry"
	"github.com/loomworks/loom/runtime/verify"
)

// capabilities registered on startup, each backed by a local echo handler.
// Real deployments register command tools or remote targets instead.
var builtinCapabilities = []string{
	"context.analyze", "context.gather", "context.build",
	"design.create", "diagnosis.perform", "analysis.perform",
	"code.implement", "code.fix", "code.verify",
	"work.plan", "work.execute", "report.generate",
	"validation.verify", "deploy.production", "rollback.prepare",
	"monitoring.setup",
}

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		goalF   = flag.String("goal", "", "Goal to plan and execute")
		envF    = flag.String("env", "dev", "Execution environment recorded in the plan context")
		ownerF  = flag.String("owner", "", "Principal submitting the goal")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *goalF == "" {
		fmt.Fprintln(os.Stderr, "usage: loom -goal <goal> [-config <path>] [-env <environment>]")
		os.Exit(2)
	}

	if err := run(ctx, *configF, *goalF, *envF, *ownerF); err != nil {
		log.Fatalf(ctx, err, "run failed")
	}
}

func run(ctx context.Context, configPath, goal, env, owner string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTELMetrics()

	storeOpts := []sqlite.Option{sqlite.WithLogger(logger)}
	if cfg.Stream.RedisAddr != "" {
		sink, err := redisstream.NewSink(redisstream.Options{
			Client: goredis.NewClient(&goredis.Options{Addr: cfg.Stream.RedisAddr}),
			Stream: cfg.Stream.StreamKey,
		})
		if err != nil {
			return err
		}
		defer sink.Close()
		storeOpts = append(storeOpts, sqlite.WithSink(sink))
	}
	st, err := sqlite.New(cfg.Store.DSN, storeOpts...)
	if err != nil {
		return err
	}
	defer st.Close()

	target := executor.NewLocal()
	for _, capability := range builtinCapabilities {
		if err := st.RegisterCapability(ctx, capability, ""); err != nil {
			return err
		}
		if err := st.UpsertRoute(ctx, &plan.Route{
			ID:         "local-" + capability,
			Capability: capability,
			ProviderID: "local",
			Tool:       capability,
			Healthy:    true,
		}); err != nil {
			return err
		}
		capability := capability
		target.RegisterHandler(capability, func(_ context.Context, inputs map[string]any) (map[string]any, error) {
			return map[string]any{"result": capability, "goal": inputs["goal"]}, nil
		})
	}

	engine := policy.New(cfg.Policy, logger)
	rt := router.New(st, engine, router.Config{
		Explore:    cfg.Bandit.Explore,
		Kappa:      cfg.Bandit.ConfidenceWidth,
		AlphaPrior: cfg.Bandit.Alpha,
		BetaPrior:  cfg.Bandit.Beta,
	}, router.WithTelemetry(logger, metrics))

	verifier := verify.New(
		verify.WithContracts(*cfg.Verification.EnableContracts),
		verify.WithMetamorphic(*cfg.Verification.EnableMetamorphic),
		verify.WithLogger(logger),
	)

	schedOpts := []scheduler.Option{scheduler.WithTelemetry(logger, metrics)}
	if *cfg.Attestation.Enable {
		signer, err := loadSigner(cfg.Attestation.KeyPath)
		if err != nil {
			return err
		}
		schedOpts = append(schedOpts, scheduler.WithSigner(signer))
	}
	sched := scheduler.New(st, rt, target, verifier, scheduler.Config{
		MaxParallel: cfg.Scheduler.MaxParallel,
	}, schedOpts...)

	orch := orchestrator.New(st,
		htn.New(logger),
		tot.New(tot.Config{
			MaxDepth:     cfg.Planner.MaxDepth,
			BeamSize:     cfg.Planner.BeamSize,
			BranchFactor: cfg.Planner.BranchFactor,
		}, logger),
		sched,
		orchestrator.WithTelemetry(logger, metrics))

	p, err := orch.SubmitGoal(ctx, orchestrator.SubmitRequest{
		Goal:    goal,
		Owner:   owner,
		Context: map[string]any{"environment": env},
	})
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "plan_id", V: p.ID}, log.KV{K: "goal", V: goal})

	status, err := orch.Run(ctx, p.ID)
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "plan_id", V: p.ID}, log.KV{K: "status", V: string(status)})
	return nil
}

// loadSigner reads the ed25519 private key at path, or generates an ephemeral
// key pair when path is empty.
func loadSigner(path string) (*provenance.Signer, error) {
	if path == "" {
		return provenance.GenerateSigner()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key %s: expected %d bytes, got %d", path, ed25519.PrivateKeySize, len(raw))
	}
	return provenance.NewSigner(ed25519.PrivateKey(raw))
}
