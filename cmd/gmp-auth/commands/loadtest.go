package commands

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	mathrand "math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gmpsuite/gmpauth"
	"github.com/gmpsuite/gmpauth/internal/store"
	"github.com/gmpsuite/gmpauth/permission"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
)

type loadtestOptions struct {
	sessions    int
	concurrency int
	ops         int
	redisAddr   string
	mode        string
}

var ltOpts loadtestOptions

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Measure validate and refresh latency against Redis",
	Long: `loadtest seeds sessions through the engine and then runs a validate phase
and a refresh phase, printing throughput and latency percentiles. Without
--redis-addr it runs against an in-process miniredis.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoadtest(cmd.Context(), cmd.OutOrStdout(), ltOpts)
	},
}

func init() {
	f := loadtestCmd.Flags()
	f.IntVar(&ltOpts.sessions, "sessions", 10000, "number of sessions to seed")
	f.IntVar(&ltOpts.concurrency, "concurrency", 64, "concurrent workers")
	f.IntVar(&ltOpts.ops, "ops", 50000, "operations per phase")
	f.StringVar(&ltOpts.redisAddr, "redis-addr", "", "redis address; miniredis when empty")
	f.StringVar(&ltOpts.mode, "mode", "strict", "validation mode for the validate phase: jwt_only, hybrid, strict")
	rootCmd.AddCommand(loadtestCmd)
}

// loadSession is one seeded session. Refresh rotates the tokens in place.
type loadSession struct {
	mu      sync.Mutex
	access  string
	refresh string
}

type phaseStats struct {
	total     time.Duration
	ops       int
	failures  int64
	p50, p95  time.Duration
	p99, pmax time.Duration
}

func runLoadtest(ctx context.Context, out io.Writer, opts loadtestOptions) error {
	if opts.sessions <= 0 || opts.concurrency <= 0 || opts.ops <= 0 {
		return errors.New("--sessions, --concurrency and --ops must be positive")
	}
	mode, err := gmpauth.ParseValidationMode(opts.mode)
	if err != nil {
		return err
	}

	addr := opts.redisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start miniredis: %w", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Fprintf(out, "using miniredis at %s\n", addr)
	} else {
		fmt.Fprintf(out, "using redis at %s\n", addr)
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, PoolSize: opts.concurrency})
	defer rdb.Close()

	db, err := store.Open(sqlite.Open("file:gmpauth-loadtest?mode=memory&cache=shared"))
	if err != nil {
		return err
	}
	defer closeDB(db)
	if err := store.Migrate(ctx, db); err != nil {
		return err
	}
	users := store.NewUsers(db)

	engine, err := loadtestEngine(rdb, users)
	if err != nil {
		return err
	}
	defer engine.Close()

	user, err := users.Create(ctx, store.NewUser{
		Username: fmt.Sprintf("loadtest.%d", time.Now().UnixNano()),
		Site:     "loadtest",
		Roles:    []string{permission.RoleQCAnalyst},
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "seeding %d sessions...\n", opts.sessions)
	seedStart := time.Now()
	sessions := make([]*loadSession, opts.sessions)
	for i := range sessions {
		pair, err := engine.IssueTokens(ctx, user)
		if err != nil {
			return fmt.Errorf("seed session %d: %w", i, err)
		}
		sessions[i] = &loadSession{access: pair.AccessToken, refresh: pair.RefreshToken}
	}
	fmt.Fprintf(out, "seeded in %s\n", time.Since(seedStart).Round(time.Millisecond))

	validate, err := runPhase(ctx, opts, func(ctx context.Context, rng *mathrand.Rand) error {
		s := sessions[rng.IntN(len(sessions))]
		s.mu.Lock()
		token := s.access
		s.mu.Unlock()
		_, err := engine.Validate(ctx, token, mode)
		return err
	})
	if err != nil {
		return err
	}

	refresh, err := runPhase(ctx, opts, func(ctx context.Context, rng *mathrand.Rand) error {
		s := sessions[rng.IntN(len(sessions))]
		s.mu.Lock()
		defer s.mu.Unlock()
		pair, err := engine.Refresh(ctx, s.refresh)
		if err != nil {
			return err
		}
		s.access, s.refresh = pair.AccessToken, pair.RefreshToken
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "---- results ----")
	printPhase(out, "validate/"+mode.String(), validate)
	printPhase(out, "refresh", refresh)
	return nil
}

func loadtestEngine(rdb redis.UniversalClient, users gmpauth.UserProvider) (*gmpauth.Engine, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	cfg := gmpauth.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.Security.EnableRefreshThrottle = false
	cfg.Audit.Enabled = false
	cfg.Notify.Enabled = false
	return gmpauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(users).
		WithLatencyHistograms(true).
		Build()
}

// runPhase spreads opts.ops calls of op across opts.concurrency workers.
func runPhase(ctx context.Context, opts loadtestOptions, op func(context.Context, *mathrand.Rand) error) (phaseStats, error) {
	var (
		cursor    atomic.Int64
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, opts.ops)
	)

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := 0; w < opts.concurrency; w++ {
		seed := uint64(w)
		g.Go(func() error {
			rng := mathrand.New(mathrand.NewPCG(seed, uint64(time.Now().UnixNano())))
			local := make([]time.Duration, 0, opts.ops/opts.concurrency+1)
			for cursor.Add(1) <= int64(opts.ops) {
				if err := gctx.Err(); err != nil {
					return err
				}
				t0 := time.Now()
				if err := op(gctx, rng); err != nil {
					failures.Add(1)
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return phaseStats{}, err
	}
	return computeStats(time.Since(start), latencies, failures.Load()), nil
}

func computeStats(total time.Duration, latencies []time.Duration, failures int64) phaseStats {
	st := phaseStats{total: total, ops: len(latencies), failures: failures}
	if len(latencies) == 0 {
		return st
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	st.p50 = percentile(latencies, 0.50)
	st.p95 = percentile(latencies, 0.95)
	st.p99 = percentile(latencies, 0.99)
	st.pmax = latencies[len(latencies)-1]
	return st
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printPhase(out io.Writer, name string, st phaseStats) {
	throughput := 0.0
	if st.total > 0 {
		throughput = float64(st.ops) / st.total.Seconds()
	}
	fmt.Fprintf(out, "%-16s ops=%d failures=%d total=%s throughput=%.0f/s p50=%s p95=%s p99=%s max=%s\n",
		name, st.ops, st.failures, st.total.Round(time.Millisecond), throughput,
		st.p50, st.p95, st.p99, st.pmax)
}
