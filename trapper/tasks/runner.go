package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	ErrNotTaskOwner   = errors.New("only the submitting user may cancel a task")
	ErrNotCancellable = errors.New("the task is not in a cancellable state")
	ErrTooManyRunning = errors.New("too many tasks are already running")
)

var (
	tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapper_tasks_submitted_total",
		Help: "Number of submitted tasks by name.",
	}, []string{"name"})
	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapper_tasks_finished_total",
		Help: "Number of finished tasks by name and status.",
	}, []string{"name", "status"})
	tasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trapper_tasks_running",
		Help: "Number of currently running tasks.",
	})
)

// Func is one unit of async work. The returned string is the task log shown
// on the dashboard; task functions stay directly callable for synchronous
// fallback.
type Func func(ctx context.Context) (string, error)

// Runner schedules task functions. Submit returns the task id recorded on
// the user's UserTask row.
type Runner interface {
	Submit(user schema.User, name string, fn Func) (string, error)
	Cancel(user schema.User, taskId string) error
}

// Local runs tasks on goroutines within the server process, one UserTask
// row per submission.
type Local struct {
	db *gorm.DB

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	// Upper bound on concurrently running tasks, 0 for unlimited.
	MaxRunning int

	wg sync.WaitGroup
}

func NewLocal(db *gorm.DB) *Local {
	return &Local{db: db, cancels: map[string]context.CancelFunc{}}
}

func (l *Local) Submit(user schema.User, name string, fn Func) (string, error) {
	l.mu.Lock()
	if l.MaxRunning > 0 && len(l.cancels) >= l.MaxRunning {
		l.mu.Unlock()
		return "", ErrTooManyRunning
	}
	taskId := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	l.cancels[taskId] = cancel
	l.mu.Unlock()

	row := schema.UserTask{
		Id: uuid.New(), UserId: user.Id, TaskId: taskId, Name: name,
		Status: schema.TaskQueued, CreatedAt: time.Now().UTC(),
	}
	if err := l.db.Create(&row).Error; err != nil {
		l.release(taskId)
		slog.Error("sql error creating user task", "task_id", taskId, "error", err)
		return "", schema.ErrDbAccessFailed
	}

	tasksSubmitted.WithLabelValues(name).Inc()
	l.wg.Add(1)
	go l.run(ctx, taskId, name, fn)

	return taskId, nil
}

func (l *Local) run(ctx context.Context, taskId, name string, fn Func) {
	defer l.wg.Done()
	defer l.release(taskId)

	tasksRunning.Inc()
	defer tasksRunning.Dec()

	l.setStatus(taskId, schema.TaskRunning, "")

	log, err := fn(ctx)
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		l.setStatus(taskId, schema.TaskCancelled, log)
		tasksFinished.WithLabelValues(name, schema.TaskCancelled).Inc()
	case err != nil:
		slog.Error("task failed", "task_id", taskId, "name", name, "error", err)
		l.setStatus(taskId, schema.TaskFailed, err.Error())
		tasksFinished.WithLabelValues(name, schema.TaskFailed).Inc()
	default:
		l.setStatus(taskId, schema.TaskComplete, log)
		tasksFinished.WithLabelValues(name, schema.TaskComplete).Inc()
	}
}

func (l *Local) release(taskId string) {
	l.mu.Lock()
	if cancel, ok := l.cancels[taskId]; ok {
		cancel()
		delete(l.cancels, taskId)
	}
	l.mu.Unlock()
}

func (l *Local) setStatus(taskId, status, log string) {
	updates := map[string]interface{}{"status": status}
	if log != "" {
		updates["log"] = log
	}
	if status == schema.TaskComplete || status == schema.TaskFailed || status == schema.TaskCancelled {
		updates["finished_at"] = time.Now().UTC()
	}
	err := l.db.Model(&schema.UserTask{}).Where("task_id = ?", taskId).Updates(updates).Error
	if err != nil {
		slog.Error("sql error updating task status", "task_id", taskId, "status", status, "error", err)
	}
}

// Cancel revokes a queued or running task of the user. Cancellation is
// advisory: the task observes it at its next context check.
func (l *Local) Cancel(user schema.User, taskId string) error {
	task, err := schema.GetUserTask(taskId, l.db)
	if err != nil {
		return err
	}
	if task.UserId != user.Id && !user.IsAdmin {
		return ErrNotTaskOwner
	}
	if task.Status != schema.TaskQueued && task.Status != schema.TaskRunning {
		return ErrNotCancellable
	}

	l.mu.Lock()
	cancel, ok := l.cancels[taskId]
	l.mu.Unlock()
	if !ok {
		return ErrNotCancellable
	}
	cancel()
	return nil
}

// Wait blocks until every submitted task has finished. Used on shutdown and
// in tests.
func (l *Local) Wait() {
	l.wg.Wait()
}

// Disabled executes every task inline and returns after completion, still
// recording the UserTask row so dashboards behave the same.
type Disabled struct {
	db *gorm.DB
}

func NewDisabled(db *gorm.DB) *Disabled {
	return &Disabled{db: db}
}

func (d *Disabled) Submit(user schema.User, name string, fn Func) (string, error) {
	taskId := uuid.NewString()
	now := time.Now().UTC()
	row := schema.UserTask{
		Id: uuid.New(), UserId: user.Id, TaskId: taskId, Name: name,
		Status: schema.TaskRunning, CreatedAt: now,
	}
	if err := d.db.Create(&row).Error; err != nil {
		slog.Error("sql error creating user task", "task_id", taskId, "error", err)
		return "", schema.ErrDbAccessFailed
	}

	tasksSubmitted.WithLabelValues(name).Inc()

	log, err := fn(context.Background())
	finished := time.Now().UTC()
	status := schema.TaskComplete
	if err != nil {
		status = schema.TaskFailed
		log = err.Error()
	}
	tasksFinished.WithLabelValues(name, status).Inc()

	updateErr := d.db.Model(&schema.UserTask{}).Where("task_id = ?", taskId).
		Updates(map[string]interface{}{"status": status, "log": log, "finished_at": finished}).Error
	if updateErr != nil {
		slog.Error("sql error updating task status", "task_id", taskId, "error", updateErr)
	}

	if err != nil {
		return taskId, fmt.Errorf("task %v failed: %w", name, err)
	}
	return taskId, nil
}

func (d *Disabled) Cancel(user schema.User, taskId string) error {
	return ErrNotCancellable
}

// Dashboard lists the user's tasks, newest first.
func Dashboard(user schema.User, db *gorm.DB) ([]schema.UserTask, error) {
	var userTasks []schema.UserTask
	err := db.Order("created_at DESC").Find(&userTasks, "user_id = ?", user.Id).Error
	if err != nil {
		slog.Error("sql error listing user tasks", "user_id", user.Id, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return userTasks, nil
}
