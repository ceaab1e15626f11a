// Package spool is the courier interchange surface of a node: a plain
// directory tree that scan bundles arrive in and outbound chunk files
// leave from, so that a USB stick or a phone camera is all the network
// a transfer needs.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Subdirectories under the spool root.
const (
	inboxDir   = "inbox"
	outboxDir  = "outbox"
	archiveDir = "archive"
)

// Spool is the interchange contract the node runtime works against.
type Spool interface {
	DropInbox(name string, data []byte) (string, error)
	Inbox() ([]string, error)
	ReadInbox(name string) ([]byte, error)
	Archive(name string) error
	WriteOutbox(name string, lines []string) error
	InboxPath() string
}

// FS implements Spool backed by the local file system.
type FS struct {
	root string // absolute path to spool directory
}

var _ Spool = (*FS)(nil)

// New creates the spool layout rooted at the given directory, creating
// inbox, outbox and archive as needed.
func New(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("spool: resolve root: %w", err)
	}
	for _, sub := range []string{inboxDir, outboxDir, archiveDir} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
			return nil, fmt.Errorf("spool: mkdir %s: %w", sub, err)
		}
	}
	return &FS{root: abs}, nil
}

// InboxPath returns the absolute inbox directory, for the watcher.
func (f *FS) InboxPath() string {
	return filepath.Join(f.root, inboxDir)
}

// safeName rejects names that could climb out of the spool. Bundle
// files are flat: no separators, no dot-dot, no hidden names.
func safeName(name string) error {
	if name == "" {
		return fmt.Errorf("spool: empty file name")
	}
	if strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return fmt.Errorf("spool: name %q contains a path separator", name)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("spool: name %q is reserved", name)
	}
	return nil
}

// DropInbox atomically lands a scan bundle in the inbox: tmp file,
// fsync, rename. The returned name is the final inbox entry.
func (f *FS) DropInbox(name string, data []byte) (string, error) {
	if err := safeName(name); err != nil {
		return "", err
	}
	dir := f.InboxPath()
	tmp, err := os.CreateTemp(dir, ".xir-tmp-*")
	if err != nil {
		return "", fmt.Errorf("spool: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("spool: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("spool: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("spool: close temp: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("spool: rename: %w", err)
	}
	success = true
	return name, nil
}

// Inbox lists the bundles waiting for ingestion, oldest name first.
// In-progress temp files are invisible here.
func (f *FS) Inbox() ([]string, error) {
	entries, err := os.ReadDir(f.InboxPath())
	if err != nil {
		return nil, fmt.Errorf("spool: list inbox: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// ReadInbox returns the raw bytes of one inbox bundle.
func (f *FS) ReadInbox(name string) ([]byte, error) {
	if err := safeName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.InboxPath(), name))
	if err != nil {
		return nil, fmt.Errorf("spool: read %s: %w", name, err)
	}
	return data, nil
}

// Archive moves a processed bundle out of the inbox. Reprocessing an
// archived bundle is harmless, so a name collision just gets a
// timestamp prefix rather than an error.
func (f *FS) Archive(name string) error {
	if err := safeName(name); err != nil {
		return err
	}
	src := filepath.Join(f.InboxPath(), name)
	dst := filepath.Join(f.root, archiveDir, name)
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(f.root, archiveDir,
			fmt.Sprintf("%d-%s", time.Now().UnixNano(), name))
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("spool: archive %s: %w", name, err)
	}
	return nil
}

// WriteOutbox atomically writes chunk lines as one outbound file, for
// the QR renderer or a courier copy.
func (f *FS) WriteOutbox(name string, lines []string) error {
	if err := safeName(name); err != nil {
		return err
	}
	dir := filepath.Join(f.root, outboxDir)
	tmp, err := os.CreateTemp(dir, ".xir-tmp-*")
	if err != nil {
		return fmt.Errorf("spool: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		return fmt.Errorf("spool: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("spool: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("spool: close temp: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("spool: rename: %w", err)
	}
	success = true
	return nil
}
