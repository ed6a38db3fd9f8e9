package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// File appends finished runs as JSON lines to a file.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile creates a file notifier, verifying the path is writable.
func NewFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening notification file: %w", err)
	}
	_ = f.Close()
	return &File{path: path}, nil
}

// Name returns the notifier identifier.
func (n *File) Name() string { return "file" }

// Notify appends the run result as one JSON line.
func (n *File) Notify(_ context.Context, result types.RunResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	f, err := os.OpenFile(n.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}
