package gotracker

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker(t *testing.T) {
	assertion := assert.New(t)
	tracker := NewTracker()

	tracker.TrackGoroutine("runScanner", "bandit", "source")
	assertion.Equal([]string{"runScanner([bandit source])"}, tracker.ActiveGoroutines())
	assertion.False(tracker.AreAllGoroutinesClosed())

	tracker.TrackDeferCall("runScanner", "bandit", "source")
	assertion.Empty(tracker.ActiveGoroutines())
	assertion.True(tracker.AreAllGoroutinesClosed())
}

func TestTrackConcurrent(t *testing.T) {
	assertion := assert.New(t)
	tracker := NewTracker()

	start := make(chan struct{})
	wg := sync.WaitGroup{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		done := tracker.Track("runScanner", i)
		go func() {
			defer wg.Done()
			defer done()
			<-start
		}()
	}
	assertion.Len(tracker.ActiveGoroutines(), 5)

	close(start)
	wg.Wait()
	assertion.Empty(tracker.ActiveGoroutines())
	assertion.True(tracker.AreAllGoroutinesClosed())
}

func TestWriteCSV(t *testing.T) {
	assertion := assert.New(t)
	tracker := NewTracker()
	done := tracker.Track("runScanner", "grype")
	tracker.Track("runScanner", "semgrep")
	done()

	path := filepath.Join(t.TempDir(), "work", "goroutines.csv")
	assertion.NoError(tracker.WriteCSV(path))

	f, err := os.Open(path)
	assertion.NoError(err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	assertion.NoError(err)
	assertion.Equal([][]string{
		{"goroutine", "started", "finished", "active"},
		{"runScanner([grype])", "1", "1", "0"},
		{"runScanner([semgrep])", "1", "0", "1"},
	}, rows)
}
