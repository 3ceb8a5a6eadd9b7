package biometric

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
)

// StaticEnrollment is an in-process EnrollmentSource whose ID can be changed
// at runtime. An empty ID means no enrollment.
type StaticEnrollment struct {
	mu sync.RWMutex
	id string
}

// NewStaticEnrollment returns a StaticEnrollment reporting id.
func NewStaticEnrollment(id string) *StaticEnrollment {
	return &StaticEnrollment{id: id}
}

func (e *StaticEnrollment) EnrollmentID() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.id == "" {
		return "", ErrNotAvailable
	}
	return e.id, nil
}

// Set replaces the reported enrollment ID.
func (e *StaticEnrollment) Set(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.id = id
}

// FileEnrollment reads the enrollment ID from a file on every call. A
// missing or empty file means no enrollment.
type FileEnrollment struct {
	Path string
}

func (e FileEnrollment) EnrollmentID() (string, error) {
	data, err := os.ReadFile(e.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotAvailable
	}
	if err != nil {
		return "", fmt.Errorf("reading enrollment: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNotAvailable
	}
	return id, nil
}
