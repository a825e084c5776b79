package httpfetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/unkn0wn-root/syncache"
	c "github.com/unkn0wn-root/syncache/codec"
)

type task struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type api struct {
	mu    sync.Mutex
	tasks map[string]task
	order []string
	fail  int // next n writes answer 500
	gets  int
}

func (a *api) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/tasks", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.gets++
		out := make([]task, 0, len(a.order))
		for _, id := range a.order {
			out = append(out, a.tasks[id])
		}
		a.mu.Unlock()
		raw, _ := c.JSON[[]task]{}.Encode(out)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	})
	r.Put("/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "bad content type", http.StatusUnsupportedMediaType)
			return
		}
		body, _ := io.ReadAll(r.Body)
		t, err := c.JSON[task]{}.Decode(body)
		if err != nil || t.ID != chi.URLParam(r, "id") {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.fail > 0 {
			a.fail--
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		if _, ok := a.tasks[t.ID]; !ok {
			a.order = append(a.order, t.ID)
		}
		a.tasks[t.ID] = t
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func newAPI(t *testing.T, tasks ...task) (*api, *httptest.Server) {
	t.Helper()
	a := &api{tasks: make(map[string]task)}
	for _, tk := range tasks {
		a.tasks[tk.ID] = tk
		a.order = append(a.order, tk.ID)
	}
	srv := httptest.NewServer(a.router())
	t.Cleanup(srv.Close)
	return a, srv
}

func TestFetcher_DecodesBody(t *testing.T) {
	_, srv := newAPI(t, task{ID: "t1", Status: "TODO"})
	fetch := Fetcher(srv.Client(), srv.URL+"/tasks", c.JSON[[]task]{})

	got, err := fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if diff := cmp.Diff([]task{{ID: "t1", Status: "TODO"}}, got); diff != "" {
		t.Fatalf("tasks (-want +got):\n%s", diff)
	}
}

func TestFetcher_StatusError(t *testing.T) {
	_, srv := newAPI(t)
	fetch := Fetcher(srv.Client(), srv.URL+"/nope", c.JSON[[]task]{})

	_, err := fetch(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound || se.Temporary() {
		t.Fatalf("err=%v", err)
	}
}

func TestFetcher_HonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	fetch := Fetcher(srv.Client(), srv.URL, c.String{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := fetch(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}

func TestMutator_SendsEncodedEntity(t *testing.T) {
	a, srv := newAPI(t, task{ID: "t1", Status: "TODO"})
	save := Mutator(srv.Client(), http.MethodPut, func(tk task) string { return srv.URL + "/tasks/" + tk.ID }, c.JSON[task]{})

	if err := save(context.Background(), task{ID: "t1", Status: "DONE"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	a.mu.Lock()
	got := a.tasks["t1"]
	a.mu.Unlock()
	if got.Status != "DONE" {
		t.Fatalf("server status=%q", got.Status)
	}

	a.mu.Lock()
	a.fail = 1
	a.mu.Unlock()
	err := save(context.Background(), task{ID: "t1", Status: "TODO"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || !se.Temporary() || se.Body != "boom" {
		t.Fatalf("err=%v", err)
	}
}

// End to end: optimistic update over HTTP, rejected once, retried, reconciled.
func TestQueryRetriesOnlyTemporaryStatuses(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		n := hits[r.URL.Path]
		mu.Unlock()
		switch {
		case r.URL.Path == "/gone":
			http.Error(w, "no such list", http.StatusNotFound)
		case n == 1:
			http.Error(w, "warming up", http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte("ready"))
		}
	}))
	defer srv.Close()

	store, err := syncache.NewStore(syncache.StoreOptions{Namespace: "http", SweepInterval: -1})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close(context.Background())
	coord := syncache.NewCoordinator(store, syncache.CoordinatorOptions{})
	opts := syncache.QueryOptions[string]{
		Codec:        c.String{},
		RetryOnError: true,
		MaxRetries:   3,
		BaseDelay:    time.Millisecond,
	}

	gone := syncache.NewQuery(coord, "gone", Fetcher(srv.Client(), srv.URL+"/gone", c.String{}), opts)
	defer gone.Close()
	_, err = gone.Read(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("gone err=%v want 404", err)
	}

	flaky := syncache.NewQuery(coord, "flaky", Fetcher(srv.Client(), srv.URL+"/flaky", c.String{}), opts)
	defer flaky.Close()
	if v, err := flaky.Read(context.Background()); err != nil || v != "ready" {
		t.Fatalf("flaky Read = %q, %v; want ready", v, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits["/gone"] != 1 || hits["/flaky"] != 2 {
		t.Fatalf("hits gone=%d flaky=%d; want 1, 2", hits["/gone"], hits["/flaky"])
	}
}

func TestOptimisticOverHTTP(t *testing.T) {
	a, srv := newAPI(t, task{ID: "t1", Status: "TODO"})
	a.fail = 1

	store, err := syncache.NewStore(syncache.StoreOptions{Namespace: "http", SweepInterval: -1})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close(context.Background())
	coord := syncache.NewCoordinator(store, syncache.CoordinatorOptions{})
	q := syncache.NewQuery(coord, "tasks", Fetcher(srv.Client(), srv.URL+"/tasks", c.JSON[[]task]{}), syncache.QueryOptions[[]task]{})
	defer q.Close()

	if _, err := q.Read(context.Background()); err != nil {
		t.Fatalf("Read: %v", err)
	}
	o, err := syncache.NewOptimistic(q, syncache.OptimisticOptions[task]{
		ID:            func(tk task) string { return tk.ID },
		Mutate:        Mutator(srv.Client(), http.MethodPut, func(tk task) string { return srv.URL + "/tasks/" + tk.ID }, c.JSON[task]{}),
		RollbackGrace: time.Second,
	})
	if err != nil {
		t.Fatalf("NewOptimistic: %v", err)
	}
	defer o.Close()

	o.Apply("t1", task{ID: "t1", Status: "DONE"})
	waitFor(t, func() bool {
		u, ok := o.Pending("t1")
		return ok && u.State == syncache.RollbackArmed
	})
	if err := o.Retry("t1"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := o.Pending("t1")
		return !ok
	})

	want := []task{{ID: "t1", Status: "DONE"}}
	if diff := cmp.Diff(want, q.State().Data); diff != "" {
		t.Fatalf("reconciled state (-want +got):\n%s", diff)
	}
	a.mu.Lock()
	gets := a.gets
	a.mu.Unlock()
	if gets != 2 {
		t.Fatalf("GET /tasks count=%d want 2 (initial + reconciliation)", gets)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
