package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/qbot/internal/bus"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
)

// Result records what one plugin did with one message.
type Result struct {
	Plugin   string
	Priority int
	Stage    string // "can_handle" or "handle"
	Outcome  plugin.Outcome
	Response *plugin.Response
	Err      error
	Elapsed  time.Duration
}

// Report is the full trace of one dispatch.
type Report struct {
	Response *plugin.Response
	Winner   string // empty when nothing responded
	Results  []Result
}

type candidate struct {
	plugin   plugin.Plugin
	name     string
	priority int
	seq      int
}

// Dispatch routes one message and returns the winning response, or nil.
// The only error is ctx cancellation before routing started.
func (d *Dispatcher) Dispatch(ctx context.Context, message string, mc *plugin.Context) (*plugin.Response, error) {
	rep, err := d.Route(ctx, message, mc)
	if err != nil {
		return nil, err
	}
	return rep.Response, nil
}

// Route is Dispatch with the per-plugin trace attached.
func (d *Dispatcher) Route(ctx context.Context, message string, mc *plugin.Context) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if mc == nil {
		mc = &plugin.Context{}
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.message", trace.WithAttributes(
		attribute.Int64("qbot.group_id", mc.GroupID),
		attribute.Int64("qbot.user_id", mc.UserID),
		attribute.Int64("qbot.self_id", mc.SelfID),
	))
	defer span.End()

	active := d.snapshot()
	if len(active) == 0 {
		return Report{}, nil
	}

	var rep Report
	hits, polled := d.poll(ctx, active, message, mc)
	rep.Results = append(rep.Results, polled...)

	exclusive, concurrent := partition(hits, d.threshold)
	span.SetAttributes(
		attribute.Int("qbot.interested", len(hits)),
		attribute.Int("qbot.exclusive", len(exclusive)),
	)

	resp, winner, results := d.runExclusive(ctx, exclusive, message, mc)
	rep.Results = append(rep.Results, results...)
	if resp != nil {
		rep.Response, rep.Winner = resp, winner
		span.SetAttributes(attribute.String("qbot.winner", winner))
		return rep, nil
	}

	resp, winner, results = d.runConcurrent(ctx, concurrent, message, mc)
	rep.Results = append(rep.Results, results...)
	rep.Response, rep.Winner = resp, winner
	if winner != "" {
		span.SetAttributes(attribute.String("qbot.winner", winner))
	}
	return rep, nil
}

// snapshot copies the enabled plugins, ordered by priority at this instant.
func (d *Dispatcher) snapshot() []candidate {
	d.mu.RLock()
	out := make([]candidate, 0, len(d.entries))
	for _, e := range d.entries {
		if !e.plugin.Enabled() {
			continue
		}
		out = append(out, candidate{
			plugin:   e.plugin,
			name:     e.plugin.Name(),
			priority: e.plugin.Priority(),
			seq:      e.seq,
		})
	}
	d.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// poll asks every candidate concurrently and waits for all of them.
// A failed check counts as not interested.
func (d *Dispatcher) poll(ctx context.Context, active []candidate, message string, mc *plugin.Context) ([]candidate, []Result) {
	interested := make([]bool, len(active))
	results := make([]Result, len(active))

	var g errgroup.Group
	for i, c := range active {
		g.Go(func() error {
			start := time.Now()
			ok, err := guard(ctx, d.callTimeout, func(ctx context.Context) (bool, error) {
				return c.plugin.CanHandle(ctx, message, mc)
			})
			res := Result{Plugin: c.name, Priority: c.priority, Stage: "can_handle", Elapsed: time.Since(start)}
			switch {
			case err != nil:
				res.Outcome, res.Err = plugin.Failed, err
				d.failed(ctx, c, "can_handle", err)
			case ok:
				res.Outcome = plugin.NoResponse
				interested[i] = true
			default:
				res.Outcome = plugin.NotInterested
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var hits []candidate
	for i, c := range active {
		if interested[i] {
			hits = append(hits, c)
		}
	}
	return hits, results
}

func partition(hits []candidate, threshold int) (exclusive, concurrent []candidate) {
	for _, c := range hits {
		if c.priority <= threshold {
			exclusive = append(exclusive, c)
		} else {
			concurrent = append(concurrent, c)
		}
	}
	return exclusive, concurrent
}

// runExclusive handles one plugin at a time; the first response wins and
// the rest are never invoked.
func (d *Dispatcher) runExclusive(ctx context.Context, tier []candidate, message string, mc *plugin.Context) (*plugin.Response, string, []Result) {
	var results []Result
	for _, c := range tier {
		res := d.handle(ctx, c, message, mc)
		results = append(results, res)
		if res.Response != nil {
			return res.Response, c.name, results
		}
	}
	return nil, "", results
}

// runConcurrent handles every plugin in parallel, waits for all, and picks
// the responder with the lowest priority number.
func (d *Dispatcher) runConcurrent(ctx context.Context, tier []candidate, message string, mc *plugin.Context) (*plugin.Response, string, []Result) {
	if len(tier) == 0 {
		return nil, "", nil
	}

	results := make([]Result, len(tier))
	var g errgroup.Group
	for i, c := range tier {
		g.Go(func() error {
			results[i] = d.handle(ctx, c, message, mc)
			return nil
		})
	}
	_ = g.Wait()

	// tier is already in priority order, so the first responder wins.
	for i, res := range results {
		if res.Response != nil {
			return res.Response, tier[i].name, results
		}
	}
	return nil, "", results
}

func (d *Dispatcher) handle(ctx context.Context, c candidate, message string, mc *plugin.Context) Result {
	d.emit(ctx, bus.EventBeforeHandle, map[string]any{
		"module":  c.name,
		"message": message,
	}, c.name)

	ctx, span := d.tracer.Start(ctx, "plugin.handle", trace.WithAttributes(
		attribute.String("qbot.plugin", c.name),
		attribute.Int("qbot.priority", c.priority),
	))
	defer span.End()

	start := time.Now()
	resp, err := guard(ctx, d.callTimeout, func(ctx context.Context) (*plugin.Response, error) {
		return c.plugin.Handle(ctx, message, mc)
	})
	res := Result{Plugin: c.name, Priority: c.priority, Stage: "handle", Elapsed: time.Since(start)}

	switch {
	case err != nil:
		res.Outcome, res.Err = plugin.Failed, err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.failed(ctx, c, "handle", err)
	case resp == nil:
		res.Outcome = plugin.NoResponse
	default:
		res.Outcome, res.Response = plugin.Responded, resp
		d.emit(ctx, bus.EventAfterHandle, map[string]any{
			"module":           c.name,
			"response_content": resp.Content,
		}, c.name)
	}
	return res
}

func (d *Dispatcher) failed(ctx context.Context, c candidate, stage string, err error) {
	slog.Warn("plugin call failed", "plugin", c.name, "stage", stage, "error", err)
	d.emit(ctx, bus.EventPluginFailed, map[string]any{
		"module": c.name,
		"stage":  stage,
		"error":  err.Error(),
	}, c.name)
}

// guard runs fn, converting a panic into an error and enforcing timeout
// when it is positive. On timeout fn keeps running in the background with
// a cancelled context; its result is discarded.
func guard[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return recovered(ctx, fn)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := recovered(ctx, fn)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return o.v, fmt.Errorf("%w after %s: %v", ErrCallTimeout, timeout, o.err)
		}
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
	}
}

func recovered[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("plugin panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
