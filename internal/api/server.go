package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"schedflow/internal/clock"
	"schedflow/internal/domain"
	"schedflow/internal/queue"
	"schedflow/internal/recurrence"
	"schedflow/internal/scheduler"
	"schedflow/internal/task"
)

type Store interface {
	Enqueue(ctx context.Context, queueName string, t task.Envelope, taskContext string, priority int) (domain.QueueItem, error)
	Get(ctx context.Context, id string) (domain.QueueItem, error)
	ListRecent(ctx context.Context, limit int) ([]domain.QueueItem, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, sch domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

// Waker is notified when new work was queued.
type Waker interface {
	Wake()
}

type Options struct {
	Store    Store
	Registry *task.Registry
	Facade   *scheduler.Facade
	Ticker   *scheduler.Ticker
	Settings scheduler.Settings
	Runner   Waker
	Clock    clock.Clock
	// TickOnRequest runs the ticker in front of every request.
	TickOnRequest bool
	Debug         bool
}

type Server struct {
	r    *chi.Mux
	opts Options
}

func NewServer(opts Options) http.Handler {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	s := &Server{r: r, opts: opts}
	if opts.TickOnRequest && opts.Ticker != nil {
		r.Use(s.tickOnRequest)
	}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/tick", s.tick)
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}
	return r
}

// tickOnRequest lets request traffic drive the schedule check.
func (s *Server) tickOnRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tick" && s.opts.Ticker.Handle(r.Context()) {
			s.wake()
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) wake() {
	if s.opts.Runner != nil {
		s.opts.Runner.Wake()
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.opts.Store.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	schedules, err := s.opts.Store.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "schedflow_up 1")
	fmt.Fprintln(w, "# TYPE schedflow_queue_items gauge")
	for _, st := range domain.AllStatuses {
		fmt.Fprintf(w, "schedflow_queue_items{status=%q} %d\n", st, counts[st])
	}
	fmt.Fprintln(w, "# TYPE schedflow_schedules gauge")
	fmt.Fprintf(w, "schedflow_schedules %d\n", len(schedules))
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ticker == nil {
		http.Error(w, "ticker not configured", http.StatusNotImplemented)
		return
	}
	enqueued := s.opts.Ticker.Handle(r.Context())
	if enqueued {
		s.wake()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enqueued": enqueued})
}

type submitReq struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Queue    string          `json:"queue"`
	Context  string          `json:"context"`
	Priority int             `json:"priority"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	env := task.Envelope{Type: req.Type, Data: req.Data}
	t, err := s.opts.Registry.Decode(env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	queueName := req.Queue
	if queueName == "" {
		queueName = s.opts.Settings.DefaultQueueName()
	}
	taskContext := req.Context
	if taskContext == "" {
		taskContext = s.opts.Settings.Context()
	}
	priority := req.Priority
	if priority == 0 {
		priority = t.Priority()
	}
	it, err := s.opts.Store.Enqueue(r.Context(), queueName, env, taskContext, priority)
	if err != nil {
		writeError(w, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusAccepted, submitResp{ID: it.ID})
}

type itemView struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	Data               json.RawMessage `json:"data,omitempty"`
	Status             domain.Status   `json:"status"`
	Queue              string          `json:"queue"`
	Context            string          `json:"context"`
	Priority           int             `json:"priority"`
	Retries            int             `json:"retries"`
	Progress           float64         `json:"progress"`
	FailureDescription string          `json:"failure_description,omitempty"`
	NextRunAt          string          `json:"next_run_at"`
	QueuedAt           string          `json:"queued_at"`
	StartedAt          string          `json:"started_at,omitempty"`
	UpdatedAt          string          `json:"updated_at,omitempty"`
	FinishedAt         string          `json:"finished_at,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func viewItem(it domain.QueueItem) itemView {
	return itemView{
		ID:                 it.ID,
		Type:               it.TaskType,
		Data:               it.Task.Data,
		Status:             it.Status,
		Queue:              it.QueueName,
		Context:            it.Context,
		Priority:           it.Priority,
		Retries:            it.Retries,
		Progress:           it.Progress,
		FailureDescription: it.FailureDescription,
		NextRunAt:          formatTime(it.NextRunAt),
		QueuedAt:           formatTime(it.QueueTimestamp),
		StartedAt:          formatTime(it.StartTimestamp),
		UpdatedAt:          formatTime(it.LastUpdateTimestamp),
		FinishedAt:         formatTime(it.FinishTimestamp),
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	it, err := s.opts.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewItem(it))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.opts.Store.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, viewItem(it))
	}
	writeJSON(w, http.StatusOK, out)
}

type scheduleTask struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type scheduleReq struct {
	Kind      recurrence.Kind `json:"kind"`
	Task      scheduleTask    `json:"task"`
	Queue     string          `json:"queue"`
	Context   string          `json:"context"`
	Recurring *bool           `json:"recurring"`

	Hour        *int  `json:"hour"`
	Minute      *int  `json:"minute"`
	DaysOfWeek  []int `json:"days_of_week"`
	Weekday     *int  `json:"weekday"`
	LastWeek    bool  `json:"last_week"`
	Weeks       []int `json:"weeks"`
	StartHour   *int  `json:"start_hour"`
	StartMinute *int  `json:"start_minute"`
	EndHour     *int  `json:"end_hour"`
	EndMinute   *int  `json:"end_minute"`
	Interval    *int  `json:"interval"`
	DayOfMonth  *int  `json:"day_of_month"`
	Month       *int  `json:"month"`
}

func (req scheduleReq) config() scheduler.ScheduleConfig {
	return scheduler.ScheduleConfig{
		QueueName:   req.Queue,
		Context:     req.Context,
		Recurring:   req.Recurring,
		Hour:        req.Hour,
		Minute:      req.Minute,
		DaysOfWeek:  req.DaysOfWeek,
		Weekday:     req.Weekday,
		LastWeek:    req.LastWeek,
		Weeks:       req.Weeks,
		StartHour:   req.StartHour,
		StartMinute: req.StartMinute,
		EndHour:     req.EndHour,
		EndMinute:   req.EndMinute,
		Interval:    req.Interval,
		DayOfMonth:  req.DayOfMonth,
		Month:       req.Month,
	}
}

type scheduleView struct {
	ID           string          `json:"id"`
	Kind         recurrence.Kind `json:"kind"`
	Rule         recurrence.Rule `json:"rule"`
	Queue        string          `json:"queue"`
	Context      string          `json:"context"`
	Recurring    bool            `json:"recurring"`
	TaskType     string          `json:"task_type"`
	TaskData     json.RawMessage `json:"task_data,omitempty"`
	NextSchedule string          `json:"next_schedule"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

func viewSchedule(sch domain.Schedule) scheduleView {
	return scheduleView{
		ID:           sch.ID,
		Kind:         sch.Kind(),
		Rule:         sch.Rule,
		Queue:        sch.QueueName,
		Context:      sch.Context,
		Recurring:    sch.Recurring,
		TaskType:     sch.Task.Type,
		TaskData:     sch.Task.Data,
		NextSchedule: formatTime(sch.NextSchedule),
		CreatedAt:    formatTime(sch.CreatedAt),
		UpdatedAt:    formatTime(sch.UpdatedAt),
	}
}

func (s *Server) decodeScheduleReq(w http.ResponseWriter, r *http.Request) (scheduleReq, task.Task, bool) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, nil, false
	}
	if req.Task.Type == "" {
		http.Error(w, "task.type is required", http.StatusBadRequest)
		return req, nil, false
	}
	t, err := s.opts.Registry.Decode(task.Envelope{Type: req.Task.Type, Data: req.Task.Data})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, nil, false
	}
	return req, t, true
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	req, t, ok := s.decodeScheduleReq(w, r)
	if !ok {
		return
	}
	sch, err := s.opts.Facade.Schedule(r.Context(), func() task.Task { return t }, req.Kind, req.config())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSchedule(sch))
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.opts.Store.ListSchedules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]scheduleView, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, viewSchedule(sch))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.opts.Store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSchedule(sch))
}

// updateSchedule replaces the rule, task and routing of a schedule and
// recomputes its next run.
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.opts.Store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	req, t, ok := s.decodeScheduleReq(w, r)
	if !ok {
		return
	}
	cfg := req.config()
	rule, err := cfg.Rule(req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	next, err := recurrence.NextRun(rule, s.opts.Clock.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	env, err := task.Encode(t)
	if err != nil {
		writeError(w, err)
		return
	}
	sch.Rule = rule
	sch.Task = env
	sch.QueueName = req.Queue
	sch.Context = req.Context
	sch.Recurring = req.Recurring == nil || *req.Recurring
	sch.NextSchedule = next
	if err := s.opts.Store.UpdateSchedule(r.Context(), sch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSchedule(sch))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, queue.ErrStorageUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, scheduler.ErrInvalidTaskFactory),
		errors.Is(err, task.ErrUnknownType):
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
