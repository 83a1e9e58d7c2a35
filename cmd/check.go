package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/compresr/llm-meter/internal/adapters"
	"github.com/compresr/llm-meter/internal/control"
	"github.com/compresr/llm-meter/internal/control/store"
	"github.com/compresr/llm-meter/internal/costcontrol"
	"github.com/compresr/llm-meter/internal/meter"
)

// Exit codes of check.
const (
	checkAllowed = 0
	checkFailed  = 1
	checkBlocked = 3
)

type checkResult struct {
	Decision         control.Decision       `json:"decision"`
	EstimatedCostUSD float64                `json:"estimated_cost_usd"`
	Budgets          []control.BudgetStatus `json:"budgets,omitempty"`
}

// runCheck evaluates one hypothetical call against the configured policy.
// The budget reservation made by the evaluation is refunded, and throttle
// windows are kept in memory, so a check never consumes real capacity.
func runCheck(args []string, stdout, stderr io.Writer) int {
	var (
		configFlag string
		model      string
		provider   = string(adapters.ProviderOpenAI)
		contextID  string
		prompt     string
		maxOutput  int
		cost       float64
		costSet    bool
		jsonOutput bool
	)

	for i := 0; i < len(args); {
		arg := args[i]
		switch arg {
		case "-h", "--help":
			printCheckHelp(stdout)
			return 0
		case "--json":
			jsonOutput = true
			i++
			continue
		case "-c", "--config", "-m", "--model", "-p", "--provider", "--context", "--prompt", "--max-output", "--cost":
			if i+1 >= len(args) {
				fmt.Fprintf(stderr, "Error: %s requires a value\n", arg)
				return 2
			}
		default:
			fmt.Fprintf(stderr, "Error: unknown option: %s\n", arg)
			return 2
		}

		v := args[i+1]
		switch arg {
		case "-c", "--config":
			configFlag = v
		case "-m", "--model":
			model = v
		case "-p", "--provider":
			provider = v
		case "--context":
			contextID = v
		case "--prompt":
			prompt = v
		case "--max-output":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				fmt.Fprintf(stderr, "Error: invalid --max-output: %s\n", v)
				return 2
			}
			maxOutput = n
		case "--cost":
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 {
				fmt.Fprintf(stderr, "Error: invalid --cost: %s\n", v)
				return 2
			}
			cost, costSet = f, true
		}
		i += 2
	}

	if model == "" {
		fmt.Fprintln(stderr, "Error: --model is required")
		return 2
	}
	p := adapters.ProviderFromString(provider)
	if p == adapters.ProviderUnknown {
		fmt.Fprintf(stderr, "Error: unknown provider: %s\n", provider)
		return 2
	}

	cfg, err := loadConfig(configFlag)
	if err != nil {
		printError(stderr, err.Error())
		return checkFailed
	}
	if !costSet && prompt != "" {
		cost = costcontrol.NewEstimator(costcontrol.NewPricing(cfg.Pricing)).EstimateCost(model, prompt, maxOutput)
	}

	ctx := context.Background()
	rt := &meter.Runtime{}
	defer func() { _ = rt.Close(ctx) }()

	ev, err := rt.NewEvaluator(ctx, cfg, control.WithWindowStore(store.NewMemoryWindowStore()))
	if err != nil {
		printError(stderr, err.Error())
		return checkFailed
	}

	res, err := check(ctx, ev, control.Request{ContextID: contextID, Provider: p, Model: model, EstimatedCost: cost})
	if err != nil {
		printError(stderr, err.Error())
		return checkFailed
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			printError(stderr, err.Error())
			return checkFailed
		}
	} else {
		printCheckResult(stdout, res)
	}

	if res.Decision.Kind == control.KindBlock {
		return checkBlocked
	}
	return checkAllowed
}

// check decides req and then returns any spend the decision reserved.
func check(ctx context.Context, ev *control.LocalEvaluator, req control.Request) (checkResult, error) {
	d, err := ev.Decide(ctx, req)
	if err != nil {
		return checkResult{}, err
	}
	if d.Proceeds() {
		if err := ev.Release(ctx, req); err != nil {
			return checkResult{}, err
		}
	}

	budgets, err := ev.Budgets(ctx, req.ContextID)
	if err != nil {
		return checkResult{}, err
	}
	return checkResult{Decision: d, EstimatedCostUSD: req.EstimatedCost, Budgets: budgets}, nil
}

func printCheckResult(w io.Writer, res checkResult) {
	d := res.Decision
	msg := d.Kind.String()
	switch d.Kind {
	case control.KindBlock:
		printError(w, fmt.Sprintf("%s: %s", msg, d.Reason))
	case control.KindThrottle:
		printWarn(w, fmt.Sprintf("%s: delay %s (%s)", msg, d.Delay, d.Reason))
	case control.KindDegrade:
		printWarn(w, fmt.Sprintf("%s: use %s (%s)", msg, d.ToModel, d.Reason))
	default:
		printSuccess(w, msg)
	}
	if res.EstimatedCostUSD > 0 {
		printInfo(w, fmt.Sprintf("estimated cost: $%.6f", res.EstimatedCostUSD))
	}
	for _, a := range d.Alerts {
		printWarn(w, fmt.Sprintf("alert %s: %s", a.Rule, a.Message))
	}
	for _, b := range res.Budgets {
		printStep(w, fmt.Sprintf("budget %s (%s): $%.4f of $%.2f (%.1f%%)", b.Name, b.Scope, b.Spent, b.Limit, b.Percent))
	}
}

func printCheckHelp(w io.Writer) {
	fmt.Fprintln(w, "Evaluate one call against the policy without spending budget")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: llm-meter check --model MODEL [OPTIONS]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fmt.Fprintln(w, "  -c, --config FILE      Config file")
	fmt.Fprintln(w, "  -m, --model MODEL      Model name (required)")
	fmt.Fprintln(w, "  -p, --provider NAME    Provider (default: openai)")
	fmt.Fprintln(w, "      --context ID       Context id")
	fmt.Fprintln(w, "      --cost USD         Estimated call cost")
	fmt.Fprintln(w, "      --prompt TEXT      Estimate the cost from a prompt")
	fmt.Fprintln(w, "      --max-output N     Output tokens assumed by --prompt")
	fmt.Fprintln(w, "      --json             JSON output")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Exit status is 3 when the call would be blocked.")
}
