// Command slicsim drives a controller with a random storm of requests and
// checks that every accepted request was dispatched exactly once.
//
// On a hart-based backend the storm runs on one goroutine, optionally paced by
// the machine timer. With -hosted the manifest is run on the loopback backend
// and several producers pend concurrently while one goroutine serves.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/slic"
	"github.com/tinyrange/slic/internal/hart"
	"github.com/tinyrange/slic/internal/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const demoManifest = `
version: v1.0.0
backend: clint
nested: true
interrupts:
  - name: Uart
    priority: 3
    line: 10
  - name: Net
    priority: 3
  - name: Timer
    priority: 2
  - name: Button
    priority: 1
    line: 11
  - name: Log
    priority: 1
passthrough: [20]
resources:
  - name: Buffer
    users: [Uart, Log]
`

type counter struct {
	accepted   atomic.Uint64
	dispatched atomic.Uint64
}

type simulator struct {
	sys   *slic.System
	ids   []counter
	lines []slic.Line
	chain float64

	// handler randomness; handlers never run concurrently with each other.
	rng *rand.Rand

	direct atomic.Uint64
	bar    *progressbar.ProgressBar
}

// higher returns the identities whose priority is strictly above id's.
func (sim *simulator) higher(id slic.ID) []slic.ID {
	var out []slic.ID
	for j := range sim.ids {
		if sim.sys.Priority(slic.ID(j)) > sim.sys.Priority(id) {
			out = append(out, slic.ID(j))
		}
	}
	return out
}

// handler counts its runs and sometimes pends a higher priority identity.
// Chains only climb in priority, so they always terminate.
func (sim *simulator) handler(id slic.ID) slic.Handler {
	var targets []slic.ID
	return func() {
		if targets == nil {
			targets = sim.higher(id)
		}
		if len(targets) > 0 && sim.rng.Float64() < sim.chain {
			sim.pend(targets[sim.rng.Intn(len(targets))])
		}
		sim.ids[id].dispatched.Add(1)
	}
}

// clear acknowledges a line at its device. Clear runs just before the bridge
// pends id in the same trap, so the pend is accepted exactly when id is
// enabled and not already pending.
func (sim *simulator) clear(id slic.ID) func() {
	return func() {
		if sim.sys.Priority(id) != slic.Disabled && !sim.sys.IsPending(id) {
			sim.ids[id].accepted.Add(1)
		}
	}
}

func (sim *simulator) pend(id slic.ID) {
	if sim.sys.TryPend(id) {
		sim.ids[id].accepted.Add(1)
	}
}

func (sim *simulator) bindings(m *slic.Manifest) slic.Bindings {
	bind := slic.Bindings{
		Handlers: map[string]slic.Handler{},
		Clears:   map[string]func(){},
		Vectors:  map[slic.Line]func(){},
	}
	for i, irq := range m.Interrupts {
		id := slic.ID(i)
		bind.Handlers[irq.Name] = sim.handler(id)
		if irq.Line != 0 {
			bind.Clears[irq.Name] = sim.clear(id)
			sim.lines = append(sim.lines, irq.Line)
		}
	}
	for _, line := range m.PassThrough {
		bind.Vectors[line] = func() { sim.direct.Add(1) }
		sim.lines = append(sim.lines, line)
	}
	return bind
}

// hosted rewrites m for the loopback backend, which has no hart and so no
// external lines or nesting.
func hosted(m *slic.Manifest) {
	m.Backend = string(slic.BackendLoopback)
	m.Nested = false
	m.MirrorThreshold = false
	m.PassThrough = nil
	for i := range m.Interrupts {
		m.Interrupts[i].Line = 0
	}
}

// storm issues n random requests from one goroutine. A quarter of them raise
// a random external line at the PLIC instead of pending directly.
func (sim *simulator) storm(rng *rand.Rand, n int) {
	lines := sim.lines
	for range n {
		if len(lines) > 0 && rng.Intn(4) == 0 {
			sim.sys.Hart().PLIC.Raise(lines[rng.Intn(len(lines))])
		} else {
			sim.pend(slic.ID(rng.Intn(len(sim.ids))))
		}
		sim.bar.Add(1)
	}
}

// timed issues the same storm from the machine timer vector, one request
// per expiry.
func (sim *simulator) timed(rng *rand.Rand, n int, period uint64) error {
	h := sim.sys.Hart()
	arm := func() error {
		return h.Bus.Write(hart.CLINTBase+hart.CLINTMtimecmp, 8, h.CLINT.Mtime()+period)
	}

	remaining := n
	if err := h.SetVector(hart.CauseMTimerInt, func() {
		if remaining > 0 {
			remaining--
			sim.pend(slic.ID(rng.Intn(len(sim.ids))))
			sim.bar.Add(1)
		}
		if err := arm(); err != nil {
			panic(err)
		}
	}); err != nil {
		return fmt.Errorf("failed to attach timer vector: %w", err)
	}
	defer h.ClearVector(hart.CauseMTimerInt)

	h.EnableInterrupts(hart.MipMTIP)
	defer h.DisableInterrupts(hart.MipMTIP)

	if err := arm(); err != nil {
		return err
	}
	for remaining > 0 {
		h.CLINT.Advance(1)
	}
	return nil
}

// drain waits until the serving goroutine has dispatched every accepted
// request.
func (sim *simulator) drain(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		accepted, dispatched := sim.totals()
		if accepted == dispatched && sim.sys.Stats().Pending == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out with %d of %d requests dispatched", dispatched, accepted)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (sim *simulator) totals() (accepted, dispatched uint64) {
	for i := range sim.ids {
		accepted += sim.ids[i].accepted.Load()
		dispatched += sim.ids[i].dispatched.Load()
	}
	return
}

func (sim *simulator) verify() error {
	var errs []error
	for i := range sim.ids {
		id := slic.ID(i)
		a, d := sim.ids[i].accepted.Load(), sim.ids[i].dispatched.Load()
		if a != d {
			errs = append(errs, fmt.Errorf("%s: accepted %d dispatched %d", sim.sys.Name(id), a, d))
		}
	}
	st := sim.sys.Stats()
	if st.Pending != 0 || st.Queued != 0 {
		errs = append(errs, fmt.Errorf("controller not drained: pending %d queued %d", st.Pending, st.Queued))
	}
	return errors.Join(errs...)
}

func (sim *simulator) report() {
	for i := range sim.ids {
		id := slic.ID(i)
		fmt.Printf("% 16s prio=% 3d accepted=% 8d dispatched=% 8d\n",
			sim.sys.Name(id), sim.sys.Priority(id),
			sim.ids[i].accepted.Load(), sim.ids[i].dispatched.Load())
	}
	st := sim.sys.Stats()
	fmt.Printf("backend=%s entries=%d dispatched=%d max_depth=%d claims=%d direct=%d\n",
		sim.sys.Backend(), st.Entries, st.Dispatched, st.MaxDepth, st.Claims, sim.direct.Load())
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	manifestPath := fs.String("manifest", "", "the manifest to simulate (default: a built-in board)")
	n := fs.Int("n", 10000, "the number of requests to issue")
	seed := fs.Int64("seed", 1, "the random seed")
	chain := fs.Float64("chain", 0.25, "the probability that a handler pends a higher priority identity")
	isHosted := fs.Bool("hosted", false, "run on the loopback backend with concurrent producers")
	producers := fs.Int("producers", 4, "the number of producers with -hosted")
	timer := fs.Uint64("timer", 0, "issue requests from the machine timer every N ticks")
	traceFile := fs.String("trace", "", "write a controller trace to this file")
	verbose := fs.Bool("v", false, "log dispatch at debug level")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var (
		m   *slic.Manifest
		err error
	)
	if *manifestPath == "" {
		m, err = slic.ParseManifest([]byte(demoManifest))
	} else {
		m, err = slic.LoadManifest(*manifestPath)
	}
	if err != nil {
		return err
	}

	if *isHosted {
		if *timer != 0 {
			return fmt.Errorf("-timer needs a hart-based backend")
		}
		hosted(m)
	} else if slic.Backend(m.Backend) == slic.BackendLoopback {
		return fmt.Errorf("manifest uses the loopback backend, run with -hosted")
	}

	sim := &simulator{
		ids:   make([]counter, len(m.Interrupts)),
		chain: *chain,
		rng:   rand.New(rand.NewSource(*seed)),
	}

	b, err := slic.FromManifest(m, sim.bindings(m))
	if err != nil {
		return err
	}
	b.Logger(log)

	var rec *slic.Recorder
	if *traceFile != "" {
		rec = slic.NewRecorder(trace.DefaultLimit)
		b.Trace(rec)
	}

	sim.sys, err = b.Build()
	if err != nil {
		return err
	}
	defer sim.sys.Close()

	if term.IsTerminal(int(os.Stdout.Fd())) && !*verbose {
		sim.bar = progressbar.Default(int64(*n))
	} else {
		sim.bar = progressbar.DefaultSilent(int64(*n))
	}

	start := time.Now()

	sim.sys.Enable()
	switch {
	case *isHosted:
		if err := sim.serve(*n, *producers, *seed); err != nil {
			return err
		}
	case *timer != 0:
		if err := sim.timed(rand.New(rand.NewSource(*seed+1)), *n, *timer); err != nil {
			return err
		}
	default:
		sim.storm(rand.New(rand.NewSource(*seed+1)), *n)
	}
	sim.bar.Close()

	log.Info("simulation finished", "requests", *n, "elapsed", time.Since(start))

	sim.report()

	if rec != nil {
		if err := writeTrace(*traceFile, rec); err != nil {
			return err
		}
		log.Info("wrote trace", "file", *traceFile, "events", len(rec.Events()), "dropped", rec.Dropped())
	}

	return sim.verify()
}

// serve runs the hosted storm: producers split n requests between them while
// one goroutine serves dispatch.
func (sim *simulator) serve(n, producers int, seed int64) error {
	if producers < 1 {
		return fmt.Errorf("-producers must be at least 1")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sim.sys.Serve(gctx)
	})

	var pg errgroup.Group
	for p := range producers {
		share := n / producers
		if p < n%producers {
			share++
		}
		rng := rand.New(rand.NewSource(seed + 1 + int64(p)))
		pg.Go(func() error {
			for range share {
				sim.pend(slic.ID(rng.Intn(len(sim.ids))))
				sim.bar.Add(1)
			}
			return nil
		})
	}
	if err := pg.Wait(); err != nil {
		return err
	}

	drainErr := sim.drain(gctx, 30*time.Second)
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve failed: %w", err)
	}
	return drainErr
}

func writeTrace(path string, rec *slic.Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create trace file: %w", err)
	}
	defer f.Close()

	if _, err := rec.WriteTo(f); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	return f.Close()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "slicsim: %v\n", err)
		os.Exit(1)
	}
}
