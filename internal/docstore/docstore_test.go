package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"inkwell/api/internal/anchor"
)

const foxDoc = `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"The quick brown fox"}]}]}`

func TestDocumentLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := Content{Title: "Fox", Doc: json.RawMessage(foxDoc)}
	created, err := svc.EnsureDocument("doc-1", initial, "Avery")
	if err != nil {
		t.Fatalf("EnsureDocument() error = %v", err)
	}
	if !created {
		t.Fatal("expected repository to be created")
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	created, err = svc.EnsureDocument("doc-1", initial, "Avery")
	if err != nil || created {
		t.Fatalf("second EnsureDocument() created=%v err=%v", created, err)
	}

	updated := Content{Title: "Fox", Doc: json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"The slow brown fox"}]}]}`)}
	commit, changed, err := svc.Commit("doc-1", updated, "Avery", "Slow the fox down")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if !changed || len(commit.Hash) != 40 || commit.ShortHash != commit.Hash[:7] {
		t.Fatalf("unexpected commit: changed=%v %+v", changed, commit)
	}

	history, err := svc.History("doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != commit.Hash {
		t.Fatalf("unexpected history: %+v", history)
	}

	baseline, err := svc.ContentAt("doc-1", history[1].ShortHash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if string(normalizeDoc(baseline.Doc)) != string(normalizeDoc(initial.Doc)) {
		t.Fatalf("baseline mismatch: %s", baseline.Doc)
	}

	tree, info, err := svc.Tree("doc-1")
	if err != nil {
		t.Fatalf("Tree() error = %v", err)
	}
	if info.Hash != commit.Hash {
		t.Fatalf("Tree() returned commit %s, want %s", info.Hash, commit.Hash)
	}
	if _, ok := anchor.Resolve(tree, "quick"); ok {
		t.Fatal("expected old snapshot to no longer resolve")
	}
	if r, ok := anchor.Resolve(tree, "slow brown"); !ok || r.From.Pos != 5 {
		t.Fatalf("unexpected resolution: %+v ok=%v", r, ok)
	}
}

func TestCommitWithoutChangesKeepsHead(t *testing.T) {
	svc := New(t.TempDir())
	content := Content{Doc: json.RawMessage(foxDoc)}

	first, changed, err := svc.Commit("doc-2", content, "", "")
	if err != nil || !changed {
		t.Fatalf("first Commit() changed=%v err=%v", changed, err)
	}
	reformatted := Content{Doc: json.RawMessage("{\n  \"content\": [{\"content\":[{\"text\":\"The quick brown fox\",\"type\":\"text\"}],\"type\":\"paragraph\"}],\n  \"type\": \"doc\"\n}")}
	second, changed, err := svc.Commit("doc-2", reformatted, "Avery", "noop")
	if err != nil {
		t.Fatalf("second Commit() error = %v", err)
	}
	if changed || second.Hash != first.Hash {
		t.Fatalf("expected no new revision, got changed=%v %s vs %s", changed, second.Hash, first.Hash)
	}
	if first.Author != "inkwell" {
		t.Fatalf("expected default author, got %q", first.Author)
	}
}

func TestMissingAndInvalidDocuments(t *testing.T) {
	svc := New(t.TempDir())

	if _, _, err := svc.Head("nope"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("Head() error = %v, want ErrDocumentNotFound", err)
	}
	if _, err := svc.History("nope", 0); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("History() error = %v, want ErrDocumentNotFound", err)
	}
	if _, _, err := svc.Head("../escape"); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("Head() error = %v, want ErrInvalidDocument", err)
	}
	if _, _, err := svc.Commit("doc-3", Content{Doc: json.RawMessage(`{"content":[]}`)}, "Avery", ""); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("Commit() error = %v, want ErrInvalidDocument", err)
	}
}

func TestConcurrentCommits(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.EnsureDocument("doc-1", Content{Doc: json.RawMessage(foxDoc)}, "Avery"); err != nil {
		t.Fatalf("EnsureDocument() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			doc := fmt.Sprintf(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"draft %02d"}]}]}`, idx)
			if _, _, err := svc.Commit("doc-1", Content{Doc: json.RawMessage(doc)}, "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("Commit() concurrent error = %v", err)
	}

	history, err := svc.History("doc-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("expected %d commits in history, got %d", writers+1, len(history))
	}
}
