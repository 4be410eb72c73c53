package tasks_test

import (
	"context"
	"fmt"
	"testing"
	"time"
	"trapper/trapper/schema"
	"trapper/trapper/tasks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDb(t *testing.T) *gorm.DB {
	// tasks touch the db from worker goroutines, so the memory db must be
	// shared across connections
	dsn := fmt.Sprintf("file:%v?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(schema.AllModels()...))
	return db
}

func newUser(t *testing.T, db *gorm.DB, username string) schema.User {
	user := schema.User{Id: uuid.New(), Username: username, Email: username + "@mail.com"}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func taskRow(t *testing.T, db *gorm.DB, taskId string) schema.UserTask {
	task, err := schema.GetUserTask(taskId, db)
	require.NoError(t, err)
	return task
}

func TestLocalRunnerCompletes(t *testing.T) {
	db := setupDb(t)
	runner := tasks.NewLocal(db)
	user := newUser(t, db, "alice")

	taskId, err := runner.Submit(user, "export", func(ctx context.Context) (string, error) {
		return "Generated results.zip", nil
	})
	require.NoError(t, err)
	runner.Wait()

	task := taskRow(t, db, taskId)
	assert.Equal(t, schema.TaskComplete, task.Status)
	assert.Equal(t, "Generated results.zip", task.Log)
	assert.Equal(t, "export", task.Name)
	assert.NotNil(t, task.FinishedAt)
}

func TestLocalRunnerFailure(t *testing.T) {
	db := setupDb(t)
	runner := tasks.NewLocal(db)
	user := newUser(t, db, "alice")

	taskId, err := runner.Submit(user, "ingest", func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("archive is corrupt")
	})
	require.NoError(t, err)
	runner.Wait()

	task := taskRow(t, db, taskId)
	assert.Equal(t, schema.TaskFailed, task.Status)
	assert.Contains(t, task.Log, "archive is corrupt")
}

func TestLocalRunnerCancel(t *testing.T) {
	db := setupDb(t)
	runner := tasks.NewLocal(db)
	user := newUser(t, db, "alice")

	started := make(chan struct{})
	taskId, err := runner.Submit(user, "sequence_build", func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, runner.Cancel(user, taskId))
	runner.Wait()

	task := taskRow(t, db, taskId)
	assert.Equal(t, schema.TaskCancelled, task.Status)
}

func TestCancelAuthorization(t *testing.T) {
	db := setupDb(t)
	runner := tasks.NewLocal(db)
	alice := newUser(t, db, "alice")
	bob := newUser(t, db, "bob")

	release := make(chan struct{})
	taskId, err := runner.Submit(alice, "export", func(ctx context.Context) (string, error) {
		<-release
		return "", nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, runner.Cancel(bob, taskId), tasks.ErrNotTaskOwner)
	assert.ErrorIs(t, runner.Cancel(alice, "no-such-task"), schema.ErrUserTaskNotFound)

	close(release)
	runner.Wait()

	// finished tasks cannot be cancelled anymore
	assert.ErrorIs(t, runner.Cancel(alice, taskId), tasks.ErrNotCancellable)
}

func TestLocalRunnerLimit(t *testing.T) {
	db := setupDb(t)
	runner := tasks.NewLocal(db)
	runner.MaxRunning = 1
	user := newUser(t, db, "alice")

	release := make(chan struct{})
	_, err := runner.Submit(user, "export", func(ctx context.Context) (string, error) {
		<-release
		return "", nil
	})
	require.NoError(t, err)

	_, err = runner.Submit(user, "export", func(ctx context.Context) (string, error) {
		return "", nil
	})
	assert.ErrorIs(t, err, tasks.ErrTooManyRunning)

	close(release)
	runner.Wait()
}

func TestDisabledRunnerRunsInline(t *testing.T) {
	db := setupDb(t)
	runner := tasks.NewDisabled(db)
	user := newUser(t, db, "alice")

	ran := false
	taskId, err := runner.Submit(user, "import", func(ctx context.Context) (string, error) {
		ran = true
		return "Imported 3 of 3 classifications.", nil
	})
	require.NoError(t, err)
	assert.True(t, ran, "disabled runner must run synchronously")

	task := taskRow(t, db, taskId)
	assert.Equal(t, schema.TaskComplete, task.Status)
	assert.ErrorIs(t, runner.Cancel(user, taskId), tasks.ErrNotCancellable)
}

func TestDashboard(t *testing.T) {
	db := setupDb(t)
	runner := tasks.NewDisabled(db)
	alice := newUser(t, db, "alice")
	bob := newUser(t, db, "bob")

	_, err := runner.Submit(alice, "export", func(ctx context.Context) (string, error) { return "a", nil })
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = runner.Submit(alice, "ingest", func(ctx context.Context) (string, error) { return "b", nil })
	require.NoError(t, err)
	_, err = runner.Submit(bob, "export", func(ctx context.Context) (string, error) { return "c", nil })
	require.NoError(t, err)

	board, err := tasks.Dashboard(alice, db)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "ingest", board[0].Name)
}
