package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"foreman/pkg/dispatch"
	"foreman/pkg/protocol"
	"foreman/pkg/store"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// spoolWatcher ingests JSON task files dropped into the spool directory.
// Files are picked up on fsnotify events plus a fallback poll, so a missed
// event never strands a file. Ingested files are deleted; files that fail to
// parse are renamed to .rejected so they stop being retried.
type spoolWatcher struct {
	dir     string
	store   *store.Store
	router  *dispatch.Router
	watcher *fsnotify.Watcher // nil falls back to polling only
}

// spoolTask is the on-disk shape of a spooled task file.
type spoolTask struct {
	ID             string            `json:"id,omitempty"`
	WorkspaceID    string            `json:"workspace_id"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	Mode           protocol.TaskMode `json:"mode,omitempty"`
	ParentTaskID   string            `json:"parent_task_id,omitempty"`
	ExternalSource string            `json:"external_source,omitempty"`
	ExternalID     string            `json:"external_id,omitempty"`
	ExternalURL    string            `json:"external_url,omitempty"`
	TargetRunner   string            `json:"target_runner,omitempty"`
}

func newSpoolWatcher(dir string, s *store.Store, router *dispatch.Router) (*spoolWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir %s: %w", dir, err)
	}

	sw := &spoolWatcher{dir: dir, store: s, router: router}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("spool: fsnotify unavailable: %v (polling only)", err)
		return sw, nil
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		log.Printf("spool: cannot watch %s: %v (polling only)", dir, err)
		return sw, nil
	}
	sw.watcher = watcher
	return sw, nil
}

// run processes the spool until the context is cancelled. An initial scan
// picks up files that were dropped while the broker was down.
func (sw *spoolWatcher) run(ctx context.Context) {
	defer func() {
		if sw.watcher != nil {
			_ = sw.watcher.Close()
		}
	}()

	sw.scan(ctx)

	poll := time.NewTicker(30 * time.Second)
	defer poll.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if sw.watcher != nil {
		events = sw.watcher.Events
		errs = sw.watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Rename) {
				// Debounce: the writer may still be mid-write on Create.
				time.Sleep(100 * time.Millisecond)
				sw.scan(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Printf("spool: watcher error: %v", err)
		case <-poll.C:
			sw.scan(ctx)
		}
	}
}

// scan ingests every .json file currently in the spool.
func (sw *spoolWatcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(sw.dir)
	if err != nil {
		log.Printf("spool: read dir: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(sw.dir, entry.Name())
		if err := sw.ingest(ctx, path); err != nil {
			log.Printf("spool: %s: %v", entry.Name(), err)
			_ = os.Rename(path, path+".rejected")
			continue
		}
		_ = os.Remove(path)
	}
}

func (sw *spoolWatcher) ingest(ctx context.Context, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the spool dir listing
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	var st spoolTask
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if st.Title == "" {
		return fmt.Errorf("task file has no title")
	}

	task := &protocol.Task{
		ID:             st.ID,
		WorkspaceID:    st.WorkspaceID,
		Title:          st.Title,
		Description:    st.Description,
		Priority:       st.Priority,
		Mode:           st.Mode,
		ParentTaskID:   st.ParentTaskID,
		ExternalSource: st.ExternalSource,
		ExternalID:     st.ExternalID,
		ExternalURL:    st.ExternalURL,
	}
	if task.ID == "" {
		task.ID = "t-" + uuid.NewString()
	}

	created := true
	if task.ExternalID != "" {
		created, err = sw.store.UpsertExternalTask(ctx, task)
	} else {
		err = sw.store.CreateTask(ctx, task)
	}
	if err != nil {
		return err
	}

	if created && sw.router != nil {
		sw.router.Dispatch(ctx, task, st.TargetRunner)
	}
	return nil
}
