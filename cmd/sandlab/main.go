// Command sandlab is the CLI for the sandlab daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/veriwork/sandlab/pkg/api"
	"github.com/veriwork/sandlab/pkg/client"
	"github.com/veriwork/sandlab/pkg/store"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const usage = `Usage: sandlab <command> [flags]

Commands:
  scenarios                      list catalog scenarios
  run -scenario <id> ...         run a catalog scenario
  fuzz -attack <type> ...        run a seeded adversarial scenario
  replay -run <id> [-from N]     replay a stored run
  events -run <id> [-type T]     show a run's events
  runs -sandbox <id>             list runs for a partition
  teardown -sandbox <id>         delete all data for a partition
  hash-token <token>             print the sha256 hash for daemon config

Environment:
  SANDLAB_ENDPOINT   daemon URL (default http://127.0.0.1:8390)
  SANDLAB_API_TOKEN  bearer token
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	c := client.NewClient(os.Getenv("SANDLAB_ENDPOINT"), os.Getenv("SANDLAB_API_TOKEN"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "scenarios":
		err = cmdScenarios(ctx, c)
	case "run":
		err = cmdRun(ctx, c, os.Args[2:])
	case "fuzz":
		err = cmdFuzz(ctx, c, os.Args[2:])
	case "replay":
		err = cmdReplay(ctx, c, os.Args[2:])
	case "events":
		err = cmdEvents(ctx, c, os.Args[2:])
	case "runs":
		err = cmdRuns(ctx, c, os.Args[2:])
	case "teardown":
		err = cmdTeardown(ctx, c, os.Args[2:])
	case "hash-token":
		if len(os.Args) < 3 {
			err = fmt.Errorf("usage: sandlab hash-token <token>")
		} else {
			fmt.Println(api.HashToken(os.Args[2]))
		}
	case "version":
		fmt.Printf("sandlab %s (%s, built %s)\n", Version, Commit, BuildTime)
	default:
		fmt.Print(usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdScenarios(ctx context.Context, c *client.Client) error {
	ids, err := c.ListScenarios(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func cmdRun(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	scenarioID := fs.String("scenario", "", "catalog scenario id")
	sandboxID := fs.String("sandbox", "", "sandbox partition (sbx-...)")
	actors := fs.String("actors", "", "comma-separated actor ids assigned positionally")
	confirmReal := fs.Bool("confirm-real", false, "confirm execution of a real-mode document")
	fs.Parse(args)

	if *scenarioID == "" || *sandboxID == "" {
		return fmt.Errorf("run requires -scenario and -sandbox")
	}

	req := api.RunScenarioRequest{
		ScenarioID:      *scenarioID,
		SandboxID:       *sandboxID,
		ConfirmRealMode: *confirmReal,
	}
	if *actors != "" {
		req.ActorIDs = splitCSV(*actors)
	}

	resp, err := c.RunScenario(ctx, req)
	if err != nil {
		return err
	}
	printRun(resp)
	return nil
}

func cmdFuzz(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("fuzz", flag.ExitOnError)
	attack := fs.String("attack", "", "attack type (boost_rings, retaliation, oscillation, impersonation_spam)")
	sandboxID := fs.String("sandbox", "", "sandbox partition (sbx-...)")
	seed := fs.Int64("seed", 0, "generator seed (0 = draw a fresh one)")
	actors := fs.String("actors", "", "comma-separated identity ids bound positionally (default: synthetic)")
	bind := fs.String("bind", "", "comma-separated role=id pairs bound by name")
	fs.Parse(args)

	if *attack == "" || *sandboxID == "" {
		return fmt.Errorf("fuzz requires -attack and -sandbox")
	}

	req := api.FuzzRequest{
		AttackType: store.AttackType(*attack),
		SandboxID:  *sandboxID,
	}
	if *actors != "" {
		req.EmployeeIDs = splitCSV(*actors)
	}
	if *bind != "" {
		req.Actors = make(map[string]string)
		for _, pair := range splitCSV(*bind) {
			parts := strings.SplitN(pair, "=", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return fmt.Errorf("invalid -bind pair %q (want role=id)", pair)
			}
			req.Actors[parts[0]] = parts[1]
		}
	}
	if *seed != 0 {
		req.Seed = seed
	}

	resp, err := c.RunFuzz(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Seed: %d\n", resp.Seed)
	printRun(resp)
	return nil
}

func cmdReplay(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	runID := fs.String("run", "", "run id to replay")
	fromStep := fs.Int("from", 0, "resume from step index")
	fs.Parse(args)

	if *runID == "" {
		return fmt.Errorf("replay requires -run")
	}

	resp, err := c.Replay(ctx, *runID, *fromStep)
	if err != nil {
		return err
	}
	printRun(resp)
	return nil
}

func cmdEvents(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	runID := fs.String("run", "", "run id")
	eventType := fs.String("type", "", "filter by event type")
	fs.Parse(args)

	if *runID == "" {
		return fmt.Errorf("events requires -run")
	}

	var types []store.EventType
	if *eventType != "" {
		types = append(types, store.EventType(*eventType))
	}

	events, err := c.GetRunEvents(ctx, *runID, types...)
	if err != nil {
		return err
	}
	for _, evt := range events {
		fmt.Printf("[%d.%d] t=%ds %s %s\n", evt.StepIndex, evt.Seq, evt.SimTime, evt.EventType, string(evt.Metadata))
	}
	return nil
}

func cmdRuns(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	sandboxID := fs.String("sandbox", "", "sandbox partition")
	limit := fs.Int("limit", 0, "max runs to list")
	fs.Parse(args)

	if *sandboxID == "" {
		return fmt.Errorf("runs requires -sandbox")
	}

	runs, err := c.ListRuns(ctx, *sandboxID, *limit)
	if err != nil {
		return err
	}
	for _, run := range runs {
		fmt.Printf("%s  %-18s seed=%-12d mode=%s by=%s at=%s\n",
			run.RunID, run.AttackType, run.Seed, run.Mode, run.CreatedBy, run.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func cmdTeardown(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("teardown", flag.ExitOnError)
	sandboxID := fs.String("sandbox", "", "sandbox partition to delete")
	fs.Parse(args)

	if *sandboxID == "" {
		return fmt.Errorf("teardown requires -sandbox")
	}

	if err := c.TeardownSandbox(ctx, *sandboxID); err != nil {
		return err
	}
	fmt.Printf("Partition %s torn down\n", *sandboxID)
	return nil
}

func printRun(resp *api.RunResponse) {
	fmt.Printf("Run: %s\n", resp.RunID)
	fmt.Printf("Steps: %d/%d\n", resp.StepsExecuted, resp.StepsTotal)
	fmt.Printf("Abuse flagged: %t\n", resp.AbuseFlagged)
	if resp.Failed {
		fmt.Printf("Failed at step %d: %s\n", resp.FailedStep, resp.FailureReason)
	}
	for _, evt := range resp.Events {
		if evt.EventType != store.EventTypeStepCompleted {
			fmt.Printf("  [%d] %s %s\n", evt.StepIndex, evt.EventType, evt.Metadata)
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
