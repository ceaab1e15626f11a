package spool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDropInbox_RoundTrip(t *testing.T) {
	sp, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	name, err := sp.DropInbox("bundle-1.txt", []byte("line-a\nline-b\n"))
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if name != "bundle-1.txt" {
		t.Errorf("name = %q", name)
	}

	names, err := sp.Inbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "bundle-1.txt" {
		t.Fatalf("inbox = %v", names)
	}

	data, err := sp.ReadInbox("bundle-1.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "line-a\nline-b\n" {
		t.Errorf("content = %q", data)
	}
}

func TestInbox_HidesTempFiles(t *testing.T) {
	sp, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sp.InboxPath(), ".xir-tmp-123"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	names, err := sp.Inbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("inbox = %v, want temp files hidden", names)
	}
}

func TestSafeName_RejectsTraversal(t *testing.T) {
	sp, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", "..", "../evil", "a/b", `a\b`, ".hidden"} {
		if _, err := sp.DropInbox(name, []byte("x")); err == nil {
			t.Errorf("DropInbox(%q) should fail", name)
		}
		if _, err := sp.ReadInbox(name); err == nil {
			t.Errorf("ReadInbox(%q) should fail", name)
		}
		if err := sp.Archive(name); err == nil {
			t.Errorf("Archive(%q) should fail", name)
		}
	}
}

func TestArchive_MovesAndToleratesCollision(t *testing.T) {
	root := t.TempDir()
	sp, err := New(root)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := sp.DropInbox("bundle.txt", []byte("x")); err != nil {
			t.Fatal(err)
		}
		if err := sp.Archive("bundle.txt"); err != nil {
			t.Fatalf("archive pass %d: %v", i, err)
		}
	}

	names, err := sp.Inbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("inbox after archive = %v", names)
	}

	entries, err := os.ReadDir(filepath.Join(root, archiveDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("archive holds %d files, want both copies kept", len(entries))
	}
}

func TestWriteOutbox_JoinsLines(t *testing.T) {
	root := t.TempDir()
	sp, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := sp.WriteOutbox("manifest.txt", []string{"one", "two"}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(root, outboxDir, "manifest.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "one\ntwo\n" {
		t.Errorf("outbox content = %q", data)
	}
	if strings.Contains(string(data), "\r") {
		t.Error("outbox content should be plain newlines")
	}
}
