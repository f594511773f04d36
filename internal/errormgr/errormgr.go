package errormgr

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"

	"github.com/outofoffice3/ash/internal/shared"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrorMgr collects the errors raised by concurrent scan phase work.
type ErrorMgr interface {
	ListenForErrors(errorChan <-chan error)
	StoreError(err error)
	GetErrors() []error
	// Combined folds every stored error into one, nil when there are none.
	Combined() error
	WriteCSV(path string) error
}

type _ErrorMgr struct {
	mu     sync.Mutex
	errors []error
}

// Error is a failure attributed to one component of one phase.
type Error struct {
	Phase     shared.Phase
	Component string
	Target    string
	Message   string
}

func (e Error) Error() string {
	if e.Target == "" {
		return string(e.Phase) + "/" + e.Component + ": " + e.Message
	}
	return string(e.Phase) + "/" + e.Component + " [" + e.Target + "]: " + e.Message
}

func NewErrorMgr() ErrorMgr {
	return &_ErrorMgr{
		errors: make([]error, 0),
	}
}

// ListenForErrors reads errors from the given channel until it is closed.
func (em *_ErrorMgr) ListenForErrors(errorChan <-chan error) {
	for err := range errorChan {
		em.StoreError(err)
	}
}

func (em *_ErrorMgr) StoreError(err error) {
	if err == nil {
		return
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	em.errors = append(em.errors, err)
}

func (em *_ErrorMgr) GetErrors() []error {
	em.mu.Lock()
	defer em.mu.Unlock()
	out := make([]error, len(em.errors))
	copy(out, em.errors)
	return out
}

func (em *_ErrorMgr) Combined() error {
	return multierr.Combine(em.GetErrors()...)
}

var csvHeader = []string{"phase", "component", "target", "message"}

// WriteCSV writes one row per stored error. Errors that are not an Error
// only fill the message column.
func (em *_ErrorMgr) WriteCSV(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", path)
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, stored := range em.GetErrors() {
		var e Error
		if errors.As(stored, &e) {
			err = w.Write([]string{string(e.Phase), e.Component, e.Target, e.Message})
		} else {
			err = w.Write([]string{"", "", "", stored.Error()})
		}
		if err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
