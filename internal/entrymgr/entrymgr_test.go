package entrymgr

import (
	"strconv"
	"sync"
	"testing"

	"github.com/outofoffice3/ash/internal/shared"
	"github.com/stretchr/testify/assert"
)

func TestEntryMgr(t *testing.T) {
	assertion := assert.New(t)
	em := NewEntryMgr()

	assertion.NoError(em.Add(shared.Finding{RuleID: "B101", Severity: shared.High}))
	assertion.NoError(em.Add(shared.Finding{RuleID: "B102", Severity: shared.High, Suppressed: true}))
	assertion.NoError(em.Add(shared.Finding{RuleID: "CKV_1", Severity: shared.Low}))
	assertion.Error(em.Add(shared.Finding{RuleID: "X", Severity: shared.Severity("URGENT")}))

	high, err := em.GetEntries(shared.High)
	assertion.NoError(err)
	assertion.Len(high, 2)

	critical, err := em.GetEntries(shared.Critical)
	assertion.NoError(err)
	assertion.Empty(critical)

	_, err = em.GetEntries(shared.Severity("URGENT"))
	assertion.Error(err)

	counts := em.Counts()
	assertion.Equal(1, counts[shared.High])
	assertion.Equal(1, counts[shared.Low])
	assertion.Equal(0, counts[shared.Medium])

	assertion.Len(em.Suppressed(), 1)
	assertion.Equal(3, em.Len())
}

func TestEntryMgrConcurrentAdd(t *testing.T) {
	assertion := assert.New(t)
	em := NewEntryMgr()
	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sev := shared.AllSeverities[i%len(shared.AllSeverities)]
			assertion.NoError(em.Add(shared.Finding{RuleID: strconv.Itoa(i), Severity: sev}))
		}(i)
	}
	wg.Wait()
	assertion.Equal(50, em.Len())
	for _, sev := range shared.AllSeverities {
		assertion.Equal(10, em.Counts()[sev])
	}
}
