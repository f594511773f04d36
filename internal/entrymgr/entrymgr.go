package entrymgr

import (
	"sync"

	"github.com/outofoffice3/ash/internal/shared"
	"github.com/pkg/errors"
)

// EntryMgr buckets flattened findings by severity for the reporters.
type EntryMgr interface {
	// add finding
	Add(finding shared.Finding) error
	// get findings of one severity, suppressed ones included
	GetEntries(severity shared.Severity) ([]shared.Finding, error)
	// unsuppressed findings per severity
	Counts() map[shared.Severity]int
	// suppressed findings of every severity
	Suppressed() []shared.Finding
	// total number of findings added
	Len() int
}

type _EntryMgr struct {
	mu         sync.RWMutex
	entries    map[shared.Severity][]shared.Finding
	suppressed []shared.Finding
	total      int
}

// create new entry manager
func NewEntryMgr() EntryMgr {
	em := &_EntryMgr{
		entries:    make(map[shared.Severity][]shared.Finding, len(shared.AllSeverities)),
		suppressed: []shared.Finding{},
	}
	for _, sev := range shared.AllSeverities {
		em.entries[sev] = []shared.Finding{}
	}
	return em
}

func (em *_EntryMgr) Add(finding shared.Finding) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	bucket, ok := em.entries[finding.Severity]
	if !ok {
		return errors.Errorf("unknown severity [%s]", finding.Severity)
	}
	em.entries[finding.Severity] = append(bucket, finding)
	if finding.Suppressed {
		em.suppressed = append(em.suppressed, finding)
	}
	em.total++
	return nil
}

func (em *_EntryMgr) GetEntries(severity shared.Severity) ([]shared.Finding, error) {
	em.mu.RLock()
	defer em.mu.RUnlock()
	bucket, ok := em.entries[severity]
	if !ok {
		return nil, errors.Errorf("unknown severity [%s]", severity)
	}
	out := make([]shared.Finding, len(bucket))
	copy(out, bucket)
	return out, nil
}

func (em *_EntryMgr) Counts() map[shared.Severity]int {
	em.mu.RLock()
	defer em.mu.RUnlock()
	counts := make(map[shared.Severity]int, len(em.entries))
	for sev, bucket := range em.entries {
		n := 0
		for _, f := range bucket {
			if !f.Suppressed {
				n++
			}
		}
		counts[sev] = n
	}
	return counts
}

func (em *_EntryMgr) Suppressed() []shared.Finding {
	em.mu.RLock()
	defer em.mu.RUnlock()
	out := make([]shared.Finding, len(em.suppressed))
	copy(out, em.suppressed)
	return out
}

func (em *_EntryMgr) Len() int {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.total
}
