package replication

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Engine is the opaque local SQL engine and persistent-page store
// collaborator described in spec §6.4: the coordinator reaches it only
// through this argv+stdin command interface; SQL statements are passed as
// stdin to the engine's `exec` command (see Exec). The engine itself -- the query planner, the page store -- is out of
// scope (§1).
type Engine interface {
	// HasTable reports whether the local engine already has the named
	// table, used by the §4.5 step-1 schema bootstrap check.
	HasTable(ctx context.Context, table string) (bool, error)
	// Exec runs a SQL statement locally, e.g. a fetched CREATE TABLE, the
	// sync-metadata table bootstrap, or the watermark upsert.
	Exec(ctx context.Context, sql string) error

	Uid(ctx context.Context) (string, error)
	Watermark(ctx context.Context, table string) (int64, error)
	WriteCSV(ctx context.Context, table string, source string, csv string) error
	// Subscribe implements the `subscribe <view> --connect --format=csv
	// --updates <file> --ignore-source <uid>` argv form (§6.4) and
	// returns the session token used by Diff.
	Subscribe(ctx context.Context, view string, updatesFile string, ignoreSource string) (session string, err error)
	// Diff implements `diff --format=csv --since <wm> <session>` (§6.4),
	// used to replay missed local writes on reconnect (§4.5).
	Diff(ctx context.Context, since int64, session string) (string, error)

	DumpTable(ctx context.Context, name string) (string, error)
	DumpView(ctx context.Context, name string) (string, error)
	DumpTables(ctx context.Context) (string, error)
	DumpViews(ctx context.Context) (string, error)
}

// CommandEngine adapts the argv+stdin command interface of §6.4 to an
// external engine process, serialized by a single mutex per §5 ("the
// engine's command interface is a single-threaded serializer: all
// runLocal invocations complete before the next begins").
type CommandEngine struct {
	mu   sync.Mutex
	path string
}

func NewCommandEngine(path string) *CommandEngine {
	return &CommandEngine{path: path}
}

func (e *CommandEngine) runLocal(ctx context.Context, argv []string, stdin string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cmd := exec.CommandContext(ctx, e.path, argv...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("replication: %s %v: %w: %s", e.path, argv, err, stderr.String())
	}
	return stdout.String(), nil
}

func (e *CommandEngine) HasTable(ctx context.Context, table string) (bool, error) {
	if _, err := e.runLocal(ctx, []string{"dump-table", table}, ""); err != nil {
		return false, nil
	}
	return true, nil
}

func (e *CommandEngine) Exec(ctx context.Context, sql string) error {
	_, err := e.runLocal(ctx, []string{"exec"}, sql)
	return err
}

func (e *CommandEngine) Uid(ctx context.Context) (string, error) {
	out, err := e.runLocal(ctx, []string{"uid"}, "")
	return strings.TrimSpace(out), err
}

func (e *CommandEngine) Watermark(ctx context.Context, table string) (int64, error) {
	out, err := e.runLocal(ctx, []string{"watermark", table}, "")
	if err != nil {
		return 0, err
	}
	wm, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("replication: bad watermark for %s: %q: %w", table, out, err)
	}
	return wm, nil
}

func (e *CommandEngine) WriteCSV(ctx context.Context, table string, source string, csv string) error {
	argv := []string{"write-csv", table}
	if source != "" {
		argv = append(argv, "--source", source)
	}
	_, err := e.runLocal(ctx, argv, csv)
	return err
}

func (e *CommandEngine) Subscribe(ctx context.Context, view string, updatesFile string, ignoreSource string) (string, error) {
	argv := []string{"subscribe", view, "--connect", "--format=csv", "--updates", updatesFile}
	if ignoreSource != "" {
		argv = append(argv, "--ignore-source", ignoreSource)
	}
	out, err := e.runLocal(ctx, argv, "")
	return strings.TrimSpace(out), err
}

func (e *CommandEngine) Diff(ctx context.Context, since int64, session string) (string, error) {
	return e.runLocal(ctx, []string{"diff", "--format=csv", "--since", strconv.FormatInt(since, 10), session}, "")
}

func (e *CommandEngine) DumpTable(ctx context.Context, name string) (string, error) {
	return e.runLocal(ctx, []string{"dump-table", name}, "")
}

func (e *CommandEngine) DumpView(ctx context.Context, name string) (string, error) {
	return e.runLocal(ctx, []string{"dump-view", name}, "")
}

func (e *CommandEngine) DumpTables(ctx context.Context) (string, error) {
	return e.runLocal(ctx, []string{"dump-tables"}, "")
}

func (e *CommandEngine) DumpViews(ctx context.Context) (string, error) {
	return e.runLocal(ctx, []string{"dump-views"}, "")
}
