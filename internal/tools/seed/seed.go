// Package seed populates a tracker with demo projects and runs.
//
// Everything goes through the public SDK, so seeding exercises the same
// path a training script does: init, buffered logging, finish. One run
// per project can be left unfinished to light up the live dashboard.
package seed

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/waypost/internal/platform/config"
	"github.com/louisbranch/waypost/pkg/waypost"
)

// Config holds seed command configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	Projects    int
	Runs        int
	Steps       int
	Seed        int64
	LeaveActive bool
}

type envConfig struct {
	BaseURL string `env:"WAYPOST_BASE_URL" envDefault:"http://localhost:8080"`
	APIKey  string `env:"WAYPOST_API_KEY"`
}

// ParseConfig parses env and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := config.ParseEnv(&envCfg); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BaseURL:  envCfg.BaseURL,
		APIKey:   envCfg.APIKey,
		Projects: 2,
		Runs:     3,
		Steps:    40,
	}

	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "tracker base URL (default: WAYPOST_BASE_URL or http://localhost:8080)")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key with write scope (default: WAYPOST_API_KEY)")
	fs.IntVar(&cfg.Projects, "projects", cfg.Projects, "number of demo projects")
	fs.IntVar(&cfg.Runs, "runs", cfg.Runs, "runs per project")
	fs.IntVar(&cfg.Steps, "steps", cfg.Steps, "metric steps per run")
	fs.Int64Var(&cfg.Seed, "seed", 0, "random seed for reproducible data (0 = random)")
	fs.BoolVar(&cfg.LeaveActive, "leave-active", false, "leave the last run of each project unfinished")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var projectNames = []string{
	"mnist",
	"imdb-sentiment",
	"cifar10",
	"pose-estimation",
	"speech-commands",
}

var runAdjectives = []string{"brisk", "calm", "eager", "mellow", "rapid", "steady", "vivid", "wry"}

var runNouns = []string{"falcon", "harbor", "juniper", "meadow", "onyx", "quartz", "sparrow", "willow"}

var optimizers = []string{"adam", "sgd", "rmsprop"}

var learningRates = []float64{0.1, 0.01, 0.001, 0.0003}

// Run seeds the tracker and writes one line per created run.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if cfg.Projects < 1 || cfg.Runs < 1 || cfg.Steps < 1 {
		return errors.New("-projects, -runs, and -steps must all be >= 1")
	}

	seedValue := cfg.Seed
	if seedValue == 0 {
		seedValue = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seedValue))

	for p := 0; p < cfg.Projects; p++ {
		project := projectName(p)
		used := make(map[string]bool, cfg.Runs)
		for i := 0; i < cfg.Runs; i++ {
			leaveActive := cfg.LeaveActive && i == cfg.Runs-1
			if err := seedRun(ctx, cfg, rng, project, runName(rng, used), leaveActive, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func projectName(index int) string {
	name := projectNames[index%len(projectNames)]
	if round := index / len(projectNames); round > 0 {
		return fmt.Sprintf("%s-%d", name, round+1)
	}
	return name
}

func runName(rng *rand.Rand, used map[string]bool) string {
	for attempt := 0; attempt < 10; attempt++ {
		name := runAdjectives[rng.Intn(len(runAdjectives))] + "-" + runNouns[rng.Intn(len(runNouns))]
		if !used[name] {
			used[name] = true
			return name
		}
	}
	name := fmt.Sprintf("run-%d", len(used)+1)
	used[name] = true
	return name
}

// seedRun drives one full SDK session: a loss curve decaying toward zero
// and an accuracy curve rising toward one, with a little noise.
func seedRun(ctx context.Context, cfg Config, rng *rand.Rand, project, name string, leaveActive bool, out io.Writer) error {
	config := map[string]any{
		"learning_rate": learningRates[rng.Intn(len(learningRates))],
		"optimizer":     optimizers[rng.Intn(len(optimizers))],
		"batch_size":    32 << rng.Intn(3),
	}

	run, err := waypost.Init(ctx,
		waypost.WithProject(project),
		waypost.WithRunName(name),
		waypost.WithConfig(config),
		waypost.WithAPIKey(cfg.APIKey),
		waypost.WithBaseURL(cfg.BaseURL),
		waypost.WithLogger(zap.NewNop()),
	)
	if err != nil {
		return fmt.Errorf("init run %s/%s: %w", project, name, err)
	}

	startLoss := 2 + rng.Float64()
	rate := 0.05 + rng.Float64()*0.05
	for step := 0; step < cfg.Steps; step++ {
		decay := math.Exp(-rate * float64(step))
		metrics := map[string]float64{
			"loss":     startLoss*decay + rng.Float64()*0.05,
			"accuracy": math.Min(0.99, 0.9*(1-decay)+rng.Float64()*0.02),
		}
		if err := run.Log(metrics); err != nil {
			run.Close()
			return fmt.Errorf("log step %d for %s/%s: %w", step, project, name, err)
		}
	}

	if leaveActive {
		if err := run.Close(); err != nil {
			return fmt.Errorf("close run %s/%s: %w", project, name, err)
		}
		_, err = fmt.Fprintf(out, "seeded %s/%s (active, %d steps)\n", project, name, cfg.Steps)
		return err
	}

	if err := run.Finish(ctx); err != nil {
		return fmt.Errorf("finish run %s/%s: %w", project, name, err)
	}
	_, err = fmt.Fprintf(out, "seeded %s/%s (finished, %d steps) %s\n", project, name, cfg.Steps, run.ViewURL())
	return err
}
