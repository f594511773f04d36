package gotracker

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// GoroutineTracker counts goroutine starts and exits per call site so the
// engine can verify that every scanner task has finished.
type GoroutineTracker interface {
	TrackGoroutine(funcName string, params ...interface{})
	TrackDeferCall(funcName string, params ...interface{})
	// Track records a start and returns the matching exit call.
	Track(funcName string, params ...interface{}) func()
	ActiveGoroutines() []string
	AreAllGoroutinesClosed() bool
	WriteCSV(filePath string) error
}

type tracker struct {
	mu       sync.Mutex
	active   map[string]int
	started  map[string]int
	finished map[string]int
}

func NewTracker() GoroutineTracker {
	return &tracker{
		active:   make(map[string]int),
		started:  make(map[string]int),
		finished: make(map[string]int),
	}
}

func trackKey(funcName string, params []interface{}) string {
	return fmt.Sprintf("%s(%v)", funcName, params)
}

func (t *tracker) TrackGoroutine(funcName string, params ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := trackKey(funcName, params)
	t.active[key]++
	t.started[key]++
}

func (t *tracker) TrackDeferCall(funcName string, params ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := trackKey(funcName, params)
	t.active[key]--
	t.finished[key]++
	if t.active[key] == 0 {
		delete(t.active, key)
	}
}

func (t *tracker) Track(funcName string, params ...interface{}) func() {
	t.TrackGoroutine(funcName, params...)
	return func() { t.TrackDeferCall(funcName, params...) }
}

func (t *tracker) ActiveGoroutines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := []string{}
	for key, count := range t.active {
		if count > 0 {
			active = append(active, key)
		}
	}
	sort.Strings(active)
	return active
}

func (t *tracker) AreAllGoroutinesClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, count := range t.started {
		if count != t.finished[key] {
			return false
		}
	}
	return true
}

// WriteCSV writes one row per call site: key, started, finished, active.
func (t *tracker) WriteCSV(filePath string) error {
	t.mu.Lock()
	keys := make([]string, 0, len(t.started))
	for key := range t.started {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys)+1)
	rows = append(rows, []string{"goroutine", "started", "finished", "active"})
	for _, key := range keys {
		rows = append(rows, []string{
			key,
			strconv.Itoa(t.started[key]),
			strconv.Itoa(t.finished[key]),
			strconv.Itoa(t.active[key]),
		})
	}
	t.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", filePath)
	}
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %s", filePath)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return w.Error()
}
