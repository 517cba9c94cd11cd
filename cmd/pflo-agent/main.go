// Command pflo-agent runs a beacon agent as a standalone process. The page
// it reports on comes from the config; calls arrive as JSON lines on stdin
// and SIGINT/SIGTERM unload the page. With --simulate it instead drives a
// set of scripted pages against the configured collector.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/pageflo/pflo/internal/agent"
	"github.com/pageflo/pflo/internal/config"
	"github.com/pageflo/pflo/internal/event"
	"github.com/pageflo/pflo/internal/host"
	"github.com/pageflo/pflo/internal/loop"
	"github.com/pageflo/pflo/internal/plugins/early"
	"github.com/pageflo/pflo/internal/plugins/guid"
	"github.com/pageflo/pflo/internal/plugins/mq"
	"github.com/pageflo/pflo/internal/session"
	"github.com/pageflo/pflo/internal/simulate"
	"github.com/pageflo/pflo/internal/telemetry"
	"github.com/pageflo/pflo/internal/transport"
)

const drainTimeout = 5 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to config file")
	beaconURL := pflag.String("beacon-url", "", "Override agent.beacon_url")
	pageURL := pflag.String("page", "", "Override agent.page.url")
	simulateMode := pflag.Bool("simulate", false, "Drive scripted pages instead of reading stdin")
	scripts := pflag.StringSlice("scripts", nil, "Simulation scripts to run (default all)")
	tick := pflag.Duration("tick", simulate.DefaultTick, "Simulation step interval")
	recycle := pflag.Bool("recycle", false, "Reopen simulated pages after they unload")
	seed := pflag.Int64("seed", 0, "Simulation random seed (default time based)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *beaconURL != "" {
		cfg.Agent.BeaconURL = *beaconURL
	}
	if *pageURL != "" {
		cfg.Agent.Page.URL = *pageURL
	}
	mode, err := loop.ParseMode(cfg.Agent.ImmediateMode)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown, err := telemetry.Setup(ctx, "pflo-agent")
	if err != nil {
		log.Printf("Tracing disabled: %v", err)
	}
	defer shutdown(context.Background())

	l := loop.New(mode)
	httpT := transport.NewHTTP(10*time.Second, 4)
	httpT.OnResult = func(m transport.Method, status int, err error) {
		if err != nil {
			log.Printf("[transport] %s failed: %v", m, err)
			return
		}
		if status >= 300 {
			log.Printf("[transport] %s: HTTP %d", m, status)
		}
	}

	if *simulateMode {
		err = runSimulation(ctx, l, httpT, cfg, simulate.Options{
			SiteURL: cfg.Agent.Page.URL,
			Scripts: *scripts,
			Recycle: *recycle,
			Seed:    *seed,
			Logf:    log.Printf,
		}, *tick)
	} else {
		err = runAgent(ctx, l, httpT, cfg)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// runAgent reports on a single page until the process is told to stop.
func runAgent(ctx context.Context, l *loop.Loop, httpT *transport.HTTP, cfg *config.Config) error {
	store := session.NewStore(cfg.Agent.Session.Dir)
	httpT.SetCookieJar(store.HTTPJar())

	proc, err := host.NewProcess(ctx, l, store, cfg.Agent.Page.URL, cfg.Agent.Page.Referrer)
	if err != nil {
		return err
	}

	a := agent.New(agent.Options{
		Scheduler:  l,
		Host:       proc,
		Strategies: httpT.Strategies(),
		Store:      store,
	})
	a.Register(early.Name, early.New(a, proc))
	a.Register(guid.Name, guid.New(a, store))
	attachLifecycleBeacons(a, l, l.Now())

	q := mq.New()
	l.Post(func() {
		a.Init(&cfg.Agent)
		q.Attach(mq.AgentMethods(a))
		proc.Load()
	})

	go func() {
		err := mq.Decode(os.Stdin, func(e mq.Entry) {
			l.Post(func() { q.Push(e) })
		})
		if err != nil {
			log.Printf("[mq] %v", err)
		}
	}()

	runCtx, stop := context.WithCancel(ctx)
	unloaded := proc.Watch(ctx)
	go func() {
		<-unloaded
		drain(httpT)
		stop()
	}()

	log.Printf("Agent %s reporting %s to %s", agent.Version, cfg.Agent.Page.URL, cfg.Agent.BeaconURL)
	if err := l.Run(runCtx); err != nil && runCtx.Err() == nil {
		return err
	}
	return nil
}

// attachLifecycleBeacons asks for the page load beacon once the page is
// ready, timed from start, and for a final beacon when it unloads.
func attachLifecycleBeacons(a *agent.Agent, sched loop.Scheduler, start time.Time) {
	a.Subscribe(event.PageReady, func(_, _ any) {
		a.AddVar("rt.start", "navigation")
		a.AddVar("t_done", sched.Now().Sub(start).Milliseconds(), true)
		a.SendBeacon()
	})
	a.Subscribe(event.PageUnload, func(_, _ any) {
		a.AddVar("rt.quit", "")
		a.SendBeacon()
	})
}

// runSimulation steps scripted pages until SIGINT/SIGTERM.
func runSimulation(ctx context.Context, l *loop.Loop, httpT *transport.HTTP, cfg *config.Config, opts simulate.Options, tick time.Duration) error {
	if opts.SiteURL == "" {
		opts.SiteURL = "https://www.example.com"
	}
	opts.Agent = cfg.Agent
	opts.Strategies = httpT.Strategies()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g := simulate.NewGenerator(l, opts)
	go g.Run(ctx, tick, l.Post)

	log.Printf("Simulating pages on %s, beacons to %s", opts.SiteURL, cfg.Agent.BeaconURL)
	l.Run(ctx)

	drain(httpT)
	s := g.Stats()
	fmt.Fprintf(os.Stderr, "opened %d pages, unloaded %d, sent %d beacons\n", s.Opened, s.Unloaded, s.Beacons)
	return nil
}

func drain(httpT *transport.HTTP) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := httpT.Wait(ctx); err != nil {
		log.Printf("[transport] gave up on in-flight requests: %v", err)
	}
}
