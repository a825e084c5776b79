// Command syncache-demo syncs a task list against an in-process HTTP API:
// a cached read, a confirmed optimistic edit and a rejected one that rolls back.
//
// Usage:
//
//	syncache-demo [-config syncache.yaml] [-codec json|msgpack|cbor]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/syncache"
	c "github.com/unkn0wn-root/syncache/codec"
	"github.com/unkn0wn-root/syncache/config"
	asynchook "github.com/unkn0wn-root/syncache/hooks/async"
	zaplog "github.com/unkn0wn-root/syncache/log/zap"
	"github.com/unkn0wn-root/syncache/sloghooks"
	"github.com/unkn0wn-root/syncache/transport/httpfetch"
)

func main() {
	cfgPath := flag.String("config", "", "YAML or TOML config file (optional)")
	codecName := flag.String("codec", "json", "wire codec: json, msgpack or cbor")
	flag.Parse()

	if err := run(*cfgPath, *codecName); err != nil {
		fmt.Fprintln(os.Stderr, "syncache-demo:", err)
		os.Exit(1)
	}
}

func run(cfgPath, codecName string) error {
	cfg := config.Config{
		Store:      config.StoreConfig{Namespace: "demo"},
		Optimistic: config.OptimisticConfig{RollbackGrace: config.Duration(time.Second)},
	}
	if cfgPath != "" {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return err
		}
	}

	zl, err := newZap(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := zaplog.New(zl)

	list, one, err := codecs(codecName)
	if err != nil {
		return err
	}
	list = c.Limit[[]Task]{Inner: list, MaxDecode: 4 << 20}

	api := newTaskAPI(list, one,
		Task{ID: "task-1", Title: "write docs", Status: "TODO"},
		Task{ID: "task-2", Title: "ship release", Status: "TODO"},
	)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: api.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()
	base := "http://" + ln.Addr().String()

	ctx := context.Background()
	storeOpts, err := cfg.StoreOptions(ctx)
	if err != nil {
		return err
	}
	hooks := asynchook.New(sloghooks.New(slog.Default(), sloghooks.Options{JoinEvery: 10}), 1, 256)
	defer hooks.Close()
	storeOpts.Logger = logger
	storeOpts.Hooks = hooks

	store, err := syncache.NewStore(storeOpts)
	if err != nil {
		return err
	}
	defer store.Close(ctx)
	coord := syncache.NewCoordinator(store, syncache.CoordinatorOptions{})

	client := httpfetch.NewClient(10 * time.Second)
	qopts := config.QueryOptionsFor[[]Task](cfg.Query)
	qopts.Codec = list
	tasks := syncache.NewQuery(coord, "tasks", httpfetch.Fetcher(client, base+"/tasks", list), qopts)
	defer tasks.Close()

	saveTask := httpfetch.Mutator(client, http.MethodPut, func(t Task) string { return base + "/tasks/" + t.ID }, one)
	edits, err := syncache.NewOptimistic(tasks, config.OptimisticOptionsFor(cfg.Optimistic, func(t Task) string { return t.ID }, saveTask))
	if err != nil {
		return err
	}
	defer edits.Close()
	edits.OnChange(func(view []Task) { logger.Debug("view changed", syncache.Fields{"tasks": view}) })

	initial, err := tasks.Read(ctx)
	if err != nil {
		return err
	}
	logger.Info("loaded", syncache.Fields{"tasks": initial})

	// confirmed edit
	view := edits.Apply("task-1", Task{ID: "task-1", Title: "write docs", Status: "DONE"})
	logger.Info("applied optimistically", syncache.Fields{"tasks": view})
	if err := waitSettled(ctx, edits, "task-1"); err != nil {
		return err
	}
	logger.Info("reconciled", syncache.Fields{"tasks": tasks.State().Data})

	// rejected edit: the server refuses writes, nobody retries, the grace period runs out
	api.rejectWrites.Store(true)
	edits.Apply("task-2", Task{ID: "task-2", Title: "ship release", Status: "DONE"})
	if err := waitSettled(ctx, edits, "task-2"); err != nil {
		return err
	}
	logger.Info("rolled back", syncache.Fields{"tasks": edits.Merged()})
	return nil
}

// waitSettled blocks until id has no update left (confirmed or rolled back).
func waitSettled(ctx context.Context, edits *syncache.Optimistic[Task], id string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		if _, ok := edits.Pending(id); !ok {
			return nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return fmt.Errorf("update of %s did not settle: %w", id, ctx.Err())
		}
	}
}

func newZap(lc config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if lc.Level != "" {
		lvl, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

func codecs(name string) (c.Codec[[]Task], c.Codec[Task], error) {
	switch name {
	case "json":
		return c.JSON[[]Task]{}, c.JSON[Task]{}, nil
	case "msgpack":
		return c.Msgpack[[]Task]{}, c.Msgpack[Task]{}, nil
	case "cbor":
		list, err := c.NewCBOR[[]Task](false)
		if err != nil {
			return nil, nil, err
		}
		one, err := c.NewCBOR[Task](false)
		if err != nil {
			return nil, nil, err
		}
		return list, one, nil
	default:
		return nil, nil, errors.New("unknown codec " + name)
	}
}
