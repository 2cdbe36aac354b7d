package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/audit"
)

// testLogger returns a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// makeEvent creates a test Event with the given timestamp and session ID.
func makeEvent(ts time.Time, sessionID string) audit.Event {
	return audit.Event{
		Timestamp: ts,
		Kind:      audit.KindAuthSuccess,
		SessionID: sessionID,
		RemoteIP:  "10.0.0.1",
		Listener:  "ws",
	}
}

func TestNewFileStore_CreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "subdir", "audit")
	cfg := FileConfig{
		Dir:           dir,
		RetentionDays: 7,
		MaxFileSizeMB: 100,
		CacheSize:     100,
	}

	store, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("Expected directory, got file")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("Directory permissions = %o, want 0700", perm)
	}
}

func TestFileStore_AppendWritesJSONLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := FileConfig{
		Dir:           dir,
		RetentionDays: 7,
		MaxFileSizeMB: 100,
		CacheSize:     100,
	}

	store, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	ctx := context.Background()
	now := time.Now().UTC()

	events := []audit.Event{
		makeEvent(now, "sess-1"),
		makeEvent(now, "sess-2"),
		makeEvent(now, "sess-3"),
	}

	if err := store.Append(ctx, events...); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	dateStr := now.Format("2006-01-02")
	filename := filepath.Join(dir, fmt.Sprintf("audit-%s.log", dateStr))

	data, err := os.ReadFile(filename)
	if err != nil {
		t.Fatalf("Failed to read audit file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d", len(lines))
	}

	for i, line := range lines {
		var decoded audit.Event
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Errorf("Line %d is not valid JSON: %v", i, err)
			continue
		}
		expectedSess := fmt.Sprintf("sess-%d", i+1)
		if decoded.SessionID != expectedSess {
			t.Errorf("Line %d SessionID = %q, want %q", i, decoded.SessionID, expectedSess)
		}
		if decoded.Kind != audit.KindAuthSuccess {
			t.Errorf("Line %d Kind = %q, want %q", i, decoded.Kind, audit.KindAuthSuccess)
		}
	}
}

func TestFileStore_DateRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := FileConfig{
		Dir:           dir,
		RetentionDays: 7,
		MaxFileSizeMB: 100,
		CacheSize:     100,
	}

	store, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	ctx := context.Background()
	day1 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

	if err := store.Append(ctx, makeEvent(day1, "sess-day1")); err != nil {
		t.Fatalf("Append() day1 error: %v", err)
	}
	if err := store.Append(ctx, makeEvent(day2, "sess-day2")); err != nil {
		t.Fatalf("Append() day2 error: %v", err)
	}
	_ = store.Close()

	file1 := filepath.Join(dir, "audit-2026-02-01.log")
	file2 := filepath.Join(dir, "audit-2026-02-02.log")

	if _, err := os.Stat(file1); err != nil {
		t.Errorf("Day 1 audit file not found: %v", err)
	}
	if _, err := os.Stat(file2); err != nil {
		t.Errorf("Day 2 audit file not found: %v", err)
	}

	data1, _ := os.ReadFile(file1)
	data2, _ := os.ReadFile(file2)

	if !strings.Contains(string(data1), "sess-day1") {
		t.Error("Day 1 file should contain sess-day1")
	}
	if !strings.Contains(string(data2), "sess-day2") {
		t.Error("Day 2 file should contain sess-day2")
	}
}

func TestFileStore_SizeRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := FileConfig{
		Dir:           dir,
		RetentionDays: 7,
		CacheSize:     100,
	}

	store, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	// Small limit to force rotation within a few writes.
	store.maxFileSize = 500

	ctx := context.Background()
	now := time.Now().UTC()
	dateStr := now.Format("2006-01-02")

	for i := 0; i < 20; i++ {
		e := makeEvent(now, fmt.Sprintf("sess-%03d", i))
		e.Detail = map[string]any{"data": strings.Repeat("x", 50)}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append() error at event %d: %v", i, err)
		}
	}
	_ = store.Close()

	baseFile := filepath.Join(dir, fmt.Sprintf("audit-%s.log", dateStr))
	suffixFile := filepath.Join(dir, fmt.Sprintf("audit-%s-1.log", dateStr))

	if _, err := os.Stat(baseFile); err != nil {
		t.Errorf("Base audit file not found: %v", err)
	}
	if _, err := os.Stat(suffixFile); err != nil {
		t.Errorf("Suffixed audit file not found: %v", err)
	}
}

func TestFileStore_SizeRotationFileName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := FileConfig{
		Dir:           dir,
		RetentionDays: 7,
		CacheSize:     100,
	}

	store, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	store.maxFileSize = 200

	ctx := context.Background()
	now := time.Now().UTC()
	dateStr := now.Format("2006-01-02")

	for i := 0; i < 30; i++ {
		e := makeEvent(now, fmt.Sprintf("sess-%03d", i))
		e.Detail = map[string]any{"k": strings.Repeat("v", 50)}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	_ = store.Close()

	entries, _ := os.ReadDir(dir)
	var files []auditFileInfo
	for _, e := range entries {
		info, ok := parseAuditFilename(e.Name())
		if ok && strings.HasPrefix(e.Name(), "audit-"+dateStr) {
			files = append(files, info)
		}
	}

	sortAuditFiles(files)

	if len(files) < 3 {
		t.Fatalf("Expected at least 3 audit files after size rotation, got %d", len(files))
	}

	if files[0].name != fmt.Sprintf("audit-%s.log", dateStr) {
		t.Errorf("First file = %q, want base file", files[0].name)
	}
	if files[1].name != fmt.Sprintf("audit-%s-1.log", dateStr) {
		t.Errorf("Second file = %q, want suffix 1", files[1].name)
	}
	if files[2].name != fmt.Sprintf("audit-%s-2.log", dateStr) {
		t.Errorf("Third file = %q, want suffix 2", files[2].name)
	}
}

func TestFileStore_RetentionCleanup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	oldDate := time.Now().UTC().AddDate(0, 0, -10)
	recentDate := time.Now().UTC().AddDate(0, 0, -3)

	oldFile := filepath.Join(dir, fmt.Sprintf("audit-%s.log", oldDate.Format("2006-01-02")))
	oldSuffixFile := filepath.Join(dir, fmt.Sprintf("audit-%s-1.log", oldDate.Format("2006-01-02")))
	recentFile := filepath.Join(dir, fmt.Sprintf("audit-%s.log", recentDate.Format("2006-01-02")))

	if err := os.WriteFile(oldFile, []byte(`{"session_id":"old"}`+"\n"), 0600); err != nil {
		t.Fatalf("Failed to create old file: %v", err)
	}
	if err := os.WriteFile(oldSuffixFile, []byte(`{"session_id":"old-suffix"}`+"\n"), 0600); err != nil {
		t.Fatalf("Failed to create old suffixed file: %v", err)
	}
	if err := os.WriteFile(recentFile, []byte(`{"session_id":"recent"}`+"\n"), 0600); err != nil {
		t.Fatalf("Failed to create recent file: %v", err)
	}

	cfg := FileConfig{
		Dir:           dir,
		RetentionDays: 7,
		MaxFileSizeMB: 100,
		CacheSize:     100,
	}

	store, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("Old file (10 days) should have been deleted by retention cleanup")
	}
	if _, err := os.Stat(oldSuffixFile); !os.IsNotExist(err) {
		t.Error("Old suffixed file should have been deleted by retention cleanup")
	}
	if _, err := os.Stat(recentFile); err != nil {
		t.Error("Recent file (3 days) should NOT have been deleted")
	}
}

func TestEventCache_AddAndRecent(t *testing.T) {
	t.Parallel()

	cache := newEventCache(3)

	// Overflow the ring by two.
	for i := 0; i < 5; i++ {
		cache.Add(makeEvent(time.Now().UTC(), fmt.Sprintf("sess-%d", i)))
	}

	if cache.Len() != 3 {
		t.Errorf("cache.Len() = %d, want 3", cache.Len())
	}

	recent := cache.Recent(5)
	if len(recent) != 3 {
		t.Fatalf("Recent(5) returned %d entries, want 3", len(recent))
	}

	// Newest first: sess-4, sess-3, sess-2.
	for i, want := range []string{"sess-4", "sess-3", "sess-2"} {
		if recent[i].SessionID != want {
			t.Errorf("Recent[%d].SessionID = %q, want %q", i, recent[i].SessionID, want)
		}
	}
}

func TestEventCache_RecentEmptyAndZero(t *testing.T) {
	t.Parallel()

	cache := newEventCache(5)

	if got := cache.Recent(3); len(got) != 0 {
		t.Errorf("Recent on empty cache returned %d entries, want 0", len(got))
	}

	cache.Add(makeEvent(time.Now().UTC(), "sess-1"))
	if got := cache.Recent(0); len(got) != 0 {
		t.Errorf("Recent(0) returned %d entries, want 0", len(got))
	}
}

func TestFileStore_CachePopulatedAtBoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	now := time.Now().UTC()
	dateStr := now.Format("2006-01-02")
	filename := filepath.Join(dir, fmt.Sprintf("audit-%s.log", dateStr))

	f, err := os.Create(filename)
	if err != nil {
		t.Fatalf("Failed to create pre-existing audit file: %v", err)
	}
	enc := json.NewEncoder(f)
	for i := 0; i < 10; i++ {
		e := makeEvent(now.Add(time.Duration(i)*time.Second), fmt.Sprintf("boot-%d", i))
		if err := enc.Encode(e); err != nil {
			t.Fatalf("Failed to write event: %v", err)
		}
	}
	_ = f.Close()

	cfg := FileConfig{
		Dir:           dir,
		RetentionDays: 7,
		MaxFileSizeMB: 100,
		CacheSize:     5,
	}

	store, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	recent := store.GetRecent(10)
	if len(recent) != 5 {
		t.Fatalf("GetRecent(10) returned %d entries, want 5 (cache size)", len(recent))
	}

	if recent[0].SessionID != "boot-9" {
		t.Errorf("GetRecent[0].SessionID = %q, want %q", recent[0].SessionID, "boot-9")
	}
	if recent[4].SessionID != "boot-5" {
		t.Errorf("GetRecent[4].SessionID = %q, want %q", recent[4].SessionID, "boot-5")
	}
}

func TestFileStore_PopulateCacheHandlesMalformedLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	now := time.Now().UTC()
	dateStr := now.Format("2006-01-02")
	filename := filepath.Join(dir, fmt.Sprintf("audit-%s.log", dateStr))

	f, _ := os.Create(filename)
	data, _ := json.Marshal(makeEvent(now, "valid-1"))
	_, _ = fmt.Fprintf(f, "%s\n", data)
	_, _ = fmt.Fprintf(f, "this is not json\n")
	data2, _ := json.Marshal(makeEvent(now, "valid-2"))
	_, _ = fmt.Fprintf(f, "%s\n", data2)
	_ = f.Close()

	cfg := FileConfig{
		Dir:           dir,
		RetentionDays: 7,
		MaxFileSizeMB: 100,
		CacheSize:     100,
	}

	store, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	recent := store.GetRecent(10)
	if len(recent) != 2 {
		t.Fatalf("GetRecent(10) returned %d entries, want 2", len(recent))
	}
}

func TestFileStore_AppendToExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	now := time.Now().UTC()
	dateStr := now.Format("2006-01-02")
	filename := filepath.Join(dir, fmt.Sprintf("audit-%s.log", dateStr))

	existing, _ := json.Marshal(makeEvent(now.Add(-time.Hour), "existing-sess"))
	_ = os.WriteFile(filename, append(existing, '\n'), 0600)

	cfg := FileConfig{
		Dir:           dir,
		RetentionDays: 7,
		MaxFileSizeMB: 100,
		CacheSize:     100,
	}

	store, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	if err := store.Append(context.Background(), makeEvent(now, "new-sess")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_ = store.Close()

	fileData, _ := os.ReadFile(filename)
	lines := strings.Split(strings.TrimSpace(string(fileData)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines in file, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "existing-sess") {
		t.Error("First line should contain existing-sess")
	}
	if !strings.Contains(lines[1], "new-sess") {
		t.Error("Second line should contain new-sess")
	}
}

func TestFileStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := FileConfig{
		Dir:           dir,
		RetentionDays: 7,
		MaxFileSizeMB: 100,
		CacheSize:     1000,
	}

	store, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	errCh := make(chan error, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := store.Append(ctx, makeEvent(now, fmt.Sprintf("concurrent-%d", idx))); err != nil {
				errCh <- err
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("Concurrent Append() error: %v", err)
	}

	_ = store.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}

	totalLines := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "audit-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("ReadFile error: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if lines[0] != "" {
			totalLines += len(lines)
		}
	}

	if totalLines != 100 {
		t.Errorf("Expected 100 total lines, got %d", totalLines)
	}
}

func TestFileStore_CloseIdempotent(t *testing.T) {
	t.Parallel()

	cfg := FileConfig{Dir: t.TempDir()}
	store, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Double Close() error: %v", err)
	}
}

func TestFileStore_DefaultConfig(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(FileConfig{Dir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	if store.retentionDays != 7 {
		t.Errorf("Default retentionDays = %d, want 7", store.retentionDays)
	}
	if store.maxFileSize != 100*1024*1024 {
		t.Errorf("Default maxFileSize = %d, want %d", store.maxFileSize, 100*1024*1024)
	}
	if store.cache.size != 1000 {
		t.Errorf("Default cache size = %d, want 1000", store.cache.size)
	}
}

func TestFileStore_FilePermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	now := time.Now().UTC()
	if err := store.Append(context.Background(), makeEvent(now, "sess-perm")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_ = store.Close()

	filename := filepath.Join(dir, fmt.Sprintf("audit-%s.log", now.Format("2006-01-02")))
	info, err := os.Stat(filename)
	if err != nil {
		t.Fatalf("Stat error: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("File permissions = %o, want 0600", perm)
	}
}
