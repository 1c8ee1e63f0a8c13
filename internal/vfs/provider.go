// Package vfs implements the read-only virtual content providers that back
// the "before" side of comparison views. Resources are addressed by custom
// URI schemes so they never touch real files.
package vfs

import (
	"errors"
	"time"
)

const (
	SchemeOriginal = "redline-orig"
	SchemeModified = "redline-mod"
)

var (
	ErrNotFound = errors.New("vfs: resource not found")
	ErrReadOnly = errors.New("vfs: filesystem is read-only")
)

type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// Provider is the surface an editor host mounts for a custom scheme. Every
// mutating operation fails with ErrReadOnly by design.
type Provider interface {
	Stat(uri string) (FileInfo, error)
	ReadFile(uri string) ([]byte, error)
	WriteFile(uri string, data []byte) error
	Delete(uri string) error
	Rename(oldURI, newURI string) error
}

type readOnly struct{}

func (readOnly) WriteFile(string, []byte) error { return ErrReadOnly }
func (readOnly) Delete(string) error            { return ErrReadOnly }
func (readOnly) Rename(string, string) error    { return ErrReadOnly }
