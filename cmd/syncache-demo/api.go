package main

import (
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	c "github.com/unkn0wn-root/syncache/codec"
)

type Task struct {
	ID     string `json:"id" msgpack:"id" cbor:"id"`
	Title  string `json:"title" msgpack:"title" cbor:"title"`
	Status string `json:"status" msgpack:"status" cbor:"status"`
}

// taskAPI is the in-process server the demo syncs against.
type taskAPI struct {
	list c.Codec[[]Task]
	one  c.Codec[Task]

	mu    sync.Mutex
	tasks []Task

	rejectWrites atomic.Bool
}

func newTaskAPI(list c.Codec[[]Task], one c.Codec[Task], seed ...Task) *taskAPI {
	return &taskAPI{list: list, one: one, tasks: seed}
}

func (a *taskAPI) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/tasks", a.handleList)
	r.Put("/tasks/{id}", a.handlePut)
	return r
}

func (a *taskAPI) handleList(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	raw, err := a.list.Encode(append([]Task(nil), a.tasks...))
	a.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", a.list.ContentType())
	_, _ = w.Write(raw)
}

func (a *taskAPI) handlePut(w http.ResponseWriter, r *http.Request) {
	if a.rejectWrites.Load() {
		http.Error(w, "writes disabled", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := a.one.Decode(body)
	if err != nil || t.ID != chi.URLParam(r, "id") {
		http.Error(w, "invalid task", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.tasks {
		if a.tasks[i].ID == t.ID {
			a.tasks[i] = t
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	a.tasks = append(a.tasks, t)
	w.WriteHeader(http.StatusCreated)
}
