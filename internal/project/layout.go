// Package project resolves the on-disk layout of a changegate project:
// the project root and the per-change working directories that checks
// execute in.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrChangeNotFound is returned when no directory exists for a change.
var ErrChangeNotFound = errors.New("change not found")

// Layout locates change directories under a project root.
type Layout struct {
	Root string
}

// NewLayout creates a layout rooted at root; an empty root resolves to
// the current working directory.
func NewLayout(root string) (*Layout, error) {
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve project root: %w", err)
		}
		root = cwd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	return &Layout{Root: abs}, nil
}

// ChangeDir returns the working directory for a change, or
// ErrChangeNotFound when the directory does not exist.
func (l *Layout) ChangeDir(changeID string) (string, error) {
	dir := filepath.Join(l.Root, "changes", changeID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("change %s: %w", changeID, ErrChangeNotFound)
	}
	return dir, nil
}

// ChangeExists reports whether a directory exists for the change.
func (l *Layout) ChangeExists(changeID string) bool {
	_, err := l.ChangeDir(changeID)
	return err == nil
}
