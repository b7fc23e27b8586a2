// Command seed fills the configured store with demo users, events and
// trades. Events come from a YAML fixture file when -fixtures is given,
// otherwise they are generated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/predictx/market-engine/internal/config"
	"github.com/predictx/market-engine/internal/draft"
	"github.com/predictx/market-engine/internal/logger"
	"github.com/predictx/market-engine/internal/model"
	"github.com/predictx/market-engine/internal/store"
	"github.com/predictx/market-engine/internal/trade"
)

// fixtureFile is the YAML layout accepted by -fixtures.
type fixtureFile struct {
	Events []fixtureEvent `yaml:"events"`
}

type fixtureEvent struct {
	Title       string        `yaml:"title"`
	Description string        `yaml:"description"`
	Outcomes    []string      `yaml:"outcomes"`
	ExpiresIn   time.Duration `yaml:"expires_in"`
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	fixtures := flag.String("fixtures", "", "YAML file of events to create")
	users := flag.Int("users", 10, "number of users to create")
	events := flag.Int("events", 5, "number of events to generate when no fixtures are given")
	trades := flag.Int("trades", 20, "buys to place per event")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	gofakeit.Seed(*seed)
	rng := rand.New(rand.NewSource(*seed))
	ctx := context.Background()

	st, closeStore, err := store.Open(ctx, store.OpenOptions{
		Driver:     cfg.Store.Driver,
		DSN:        cfg.Store.DSN,
		SQLitePath: cfg.Store.SQLitePath,
		Migrate:    cfg.Store.Migrate,
	})
	if err != nil {
		closeStore()
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	exec := trade.NewExecutor(st)

	var drafts []draft.Event
	if *fixtures != "" {
		drafts, err = loadFixtures(*fixtures, time.Now().UTC())
		if err != nil {
			slog.Error("load fixtures failed", "path", *fixtures, "err", err)
			closeStore()
			os.Exit(1)
		}
	} else {
		drafts = generateEvents(*events, rng, time.Now().UTC())
	}

	userIDs := createUsers(ctx, exec, *users, rng)
	if len(userIDs) == 0 {
		slog.Error("no users created")
		closeStore()
		os.Exit(1)
	}

	placed := 0
	for _, d := range drafts {
		d.CreatorID = userIDs[rng.Intn(len(userIDs))]
		ev, outcomes, err := exec.CreateEvent(ctx, d)
		if err != nil {
			slog.Warn("skipping event", "title", d.Title, "err", err)
			continue
		}
		placed += placeTrades(ctx, exec, ev, outcomes, userIDs, *trades, rng)
	}

	slog.Info("seed complete", "users", len(userIDs), "events", len(drafts), "trades", placed)
}

func createUsers(ctx context.Context, exec *trade.Executor, n int, rng *rand.Rand) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s%d", gofakeit.Username(), gofakeit.Number(10, 99))
		balance := decimal.NewFromInt(int64(500 + rng.Intn(4501)))
		u, err := exec.CreateUser(ctx, name, balance)
		if err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				continue
			}
			slog.Warn("create user failed", "username", name, "err", err)
			continue
		}
		ids = append(ids, u.ID)
	}
	return ids
}

// placeTrades buys random amounts from random users. Rejections such as an
// exhausted balance are expected and skipped.
func placeTrades(ctx context.Context, exec *trade.Executor, ev *model.Event, outcomes []model.Outcome, userIDs []string, n int, rng *rand.Rand) int {
	placed := 0
	for i := 0; i < n; i++ {
		o := outcomes[rng.Intn(len(outcomes))]
		amount := decimal.NewFromFloat(gofakeit.Float64Range(5, 150)).Round(2)
		user := userIDs[rng.Intn(len(userIDs))]
		if _, err := exec.Buy(ctx, ev.ID, o.ID, amount, user); err != nil {
			slog.Debug("seed trade rejected", "event", ev.ID, "user", user, "err", err)
			continue
		}
		placed++
	}
	return placed
}

func generateEvents(n int, rng *rand.Rand, now time.Time) []draft.Event {
	out := make([]draft.Event, 0, n)
	for i := 0; i < n; i++ {
		title := strings.TrimSuffix(gofakeit.Sentence(6), ".") + "?"
		out = append(out, draft.Event{
			Title:       title,
			Description: gofakeit.Sentence(20),
			ExpiryDate:  now.Add(time.Duration(1+rng.Intn(60)) * 24 * time.Hour),
			Outcomes:    generateOutcomes(2+rng.Intn(3), rng),
		})
	}
	return out
}

func generateOutcomes(n int, rng *rand.Rand) []string {
	if n == 2 && rng.Intn(2) == 0 {
		return []string{"Yes", "No"}
	}
	seen := make(map[string]bool, n)
	out := make([]string, 0, n)
	for len(out) < n {
		w := strings.ToLower(gofakeit.Word())
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, strings.ToUpper(w[:1])+w[1:])
	}
	return out
}

func loadFixtures(path string, now time.Time) ([]draft.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make([]draft.Event, 0, len(f.Events))
	for _, e := range f.Events {
		d := draft.Event{
			Title:       e.Title,
			Description: e.Description,
			Outcomes:    e.Outcomes,
		}
		if e.ExpiresIn > 0 {
			d.ExpiryDate = now.Add(e.ExpiresIn)
		}
		out = append(out, d)
	}
	return out, nil
}
