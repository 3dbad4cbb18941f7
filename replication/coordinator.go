// Package replication implements the per-table server-tail/local-tail
// replication coordinator of spec §4.5: for each mirrored table it opens
// a server-tail and a local-tail stream over a MuxedSocket, forwards
// incoming CSV fragments into the local engine, forwards local changes
// out, and persists server-acknowledged checkpoints as the table's
// watermark.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/jseldess/skdb/mux"
)

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Settings carries the coordinator's tunables (§9 "typed Settings" ambient
// convention).
type Settings struct {
	ChangeFileDebounce int64 // milliseconds; 0 uses DefaultChangeFileDebounce
}

func DefaultSettings() *Settings {
	return &Settings{}
}

// mirroredTable holds the live state for one table under replication:
// its two mux streams and the watcher on its local change file (§3).
type mirroredTable struct {
	name       string
	serverTail *mux.Stream
	localTail  *mux.Stream
	watcher    *changeWatcher
	session    string
}

// Coordinator is the replication coordinator state of §3: the set of
// mirrored tables, the replication uid, and per-table stream/watch state.
type Coordinator struct {
	socket    *mux.MuxedSocket
	engine    Engine
	accessKey string
	settings  *Settings
	log       mux.LogFunction

	mu             sync.Mutex
	replicationUid string
	mirrored       map[string]*mirroredTable
}

// NewCoordinator builds a coordinator over an already-authenticated
// socket. The replication uid (§3, §4.6's `--source`/`--ignore-source`
// filtering) is drawn from the engine via `uid`; if that call fails or
// returns an empty string, it is generated with a ULID instead, the
// same generator connect/connect.go's NewId uses, so it sorts with
// create time and needs no central allocator.
func NewCoordinator(socket *mux.MuxedSocket, engine Engine, accessKey string, settings *Settings) (*Coordinator, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	c := &Coordinator{
		socket:    socket,
		engine:    engine,
		accessKey: accessKey,
		settings:  settings,
		log:       mux.LogFn(glog.Level(2), "replication"),
		mirrored:  map[string]*mirroredTable{},
	}

	uid, err := engine.Uid(context.Background())
	if err != nil || uid == "" {
		uid = ulid.Make().String()
	}
	c.replicationUid = uid
	return c, nil
}

func (c *Coordinator) ReplicationUid() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replicationUid
}

func (c *Coordinator) MirroredTables() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.mirrored))
	for name := range c.mirrored {
		names = append(names, name)
	}
	return names
}

// MirrorTable implements §4.5: idempotent, no-op if name is already
// mirrored.
func (c *Coordinator) MirrorTable(ctx context.Context, name string) error {
	c.mu.Lock()
	if _, ok := c.mirrored[name]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mirrored[name] = &mirroredTable{name: name}
	c.mu.Unlock()

	mt, err := c.setupMirroredTable(ctx, name)
	if err != nil {
		c.mu.Lock()
		delete(c.mirrored, name)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.mirrored[name] = mt
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) setupMirroredTable(ctx context.Context, name string) (*mirroredTable, error) {
	if err := c.bootstrapSchema(ctx, name); err != nil {
		return nil, fmt.Errorf("replication: bootstrap schema for %s: %w", name, err)
	}

	mt := &mirroredTable{name: name}
	if err := c.establishServerTail(ctx, mt); err != nil {
		return nil, fmt.Errorf("replication: server-tail for %s: %w", name, err)
	}
	if err := c.establishLocalTail(ctx, mt); err != nil {
		mt.serverTail.Close()
		return nil, fmt.Errorf("replication: local-tail for %s: %w", name, err)
	}
	return mt, nil
}

// bootstrapSchema implements §4.5 step 1: if the engine lacks the table,
// fetch its schema over a one-shot request stream and execute the DDL,
// plus create the per-table sync-metadata table.
func (c *Coordinator) bootstrapSchema(ctx context.Context, name string) error {
	has, err := c.engine.HasTable(ctx, name)
	if err != nil {
		return err
	}
	if !has {
		ddl, err := c.requestSchema(ctx, name)
		if err != nil {
			return err
		}
		if err := c.engine.Exec(ctx, ddl); err != nil {
			return err
		}
	}

	metadataDDL := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (key PRIMARY KEY, value)",
		SyncMetadataTable(name),
	)
	return c.engine.Exec(ctx, metadataDDL)
}

// SyncMetadataTable names the per-table watermark table from §3:
// skdb__<table>_sync_metadata.
func SyncMetadataTable(table string) string {
	return fmt.Sprintf("skdb__%s_sync_metadata", table)
}

// ChangeFileName implements §6.3's `<tableName>_<accessKey>` naming.
func ChangeFileName(table, accessKey string) string {
	return fmt.Sprintf("%s_%s", table, accessKey)
}

func (c *Coordinator) requestSchema(ctx context.Context, name string) (string, error) {
	st, err := c.socket.OpenStream()
	if err != nil {
		return "", err
	}
	defer st.Close()

	respCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	st.OnData(func(b []byte) {
		select {
		case respCh <- b:
		default:
		}
	})
	st.OnError(func(code uint32, msg string) {
		select {
		case errCh <- fmt.Errorf("schema request reset: %d %s", code, msg):
		default:
		}
	})

	req, err := json.Marshal(map[string]any{"request": "schema", "table": name})
	if err != nil {
		return "", err
	}
	if err := st.Send(req); err != nil {
		return "", err
	}

	select {
	case b := <-respCh:
		var env responseEnvelope
		if err := json.Unmarshal(b, &env); err != nil {
			return "", err
		}
		if env.Msg != "" {
			return "", fmt.Errorf("schema request error: %s", env.Msg)
		}
		return env.Data, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type responseEnvelope struct {
	Data string `json:"data,omitempty"`
	Msg  string `json:"msg,omitempty"`
}

// establishServerTail implements §4.5 step 2: open a mux stream, send a
// tail request at the table's current watermark, and forward incoming
// CSV fragments into the local engine tagged with our replication uid so
// the engine doesn't echo our own writes back to the server.
func (c *Coordinator) establishServerTail(ctx context.Context, mt *mirroredTable) error {
	st, err := c.socket.OpenStream()
	if err != nil {
		return err
	}
	mt.serverTail = st

	wm, err := c.engine.Watermark(ctx, mt.name)
	if err != nil {
		return err
	}

	st.OnData(func(b []byte) {
		mux.HandleError(func() { c.onServerTailData(mt, b) })
	})
	st.OnError(func(code uint32, msg string) {
		c.log("server-tail %s reset: %d %s", mt.name, code, msg)
	})

	req, err := json.Marshal(map[string]any{"request": "tail", "table": mt.name, "since": wm})
	if err != nil {
		return err
	}
	return st.Send(req)
}

func (c *Coordinator) onServerTailData(mt *mirroredTable, payload []byte) {
	var env responseEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.log("server-tail %s: bad envelope: %v", mt.name, err)
		return
	}
	if env.Data == "" {
		return
	}
	csv := env.Data
	if !strings.HasSuffix(csv, "\n") {
		csv += "\n"
	}
	if err := c.engine.WriteCSV(context.Background(), mt.name, c.ReplicationUid(), csv); err != nil {
		c.log("server-tail %s: write-csv failed: %v", mt.name, err)
	}
}

// establishLocalTail implements §4.5 step 3: open a mux stream, send a
// write request, subscribe the local engine to the table's change file,
// and forward each non-empty change as a pipe request. Server responses
// on this stream are checkpoint acks persisted as the table's watermark.
func (c *Coordinator) establishLocalTail(ctx context.Context, mt *mirroredTable) error {
	st, err := c.socket.OpenStream()
	if err != nil {
		return err
	}
	mt.localTail = st

	changeFile := ChangeFileName(mt.name, c.accessKey)
	session, err := c.engine.Subscribe(ctx, mt.name, changeFile, c.ReplicationUid())
	if err != nil {
		return err
	}
	mt.session = session

	st.OnData(func(b []byte) {
		mux.HandleError(func() { c.onLocalTailAck(mt, b) })
	})
	st.OnError(func(code uint32, msg string) {
		c.log("local-tail %s reset: %d %s", mt.name, code, msg)
	})

	req, err := json.Marshal(map[string]any{"request": "write", "table": mt.name})
	if err != nil {
		return err
	}
	if err := st.Send(req); err != nil {
		return err
	}

	debounce := DefaultChangeFileDebounce
	if c.settings.ChangeFileDebounce > 0 {
		debounce = msDuration(c.settings.ChangeFileDebounce)
	}
	watcher, err := newChangeWatcher(changeFile, debounce, func(change string) {
		if change == "" {
			return
		}
		env, err := json.Marshal(map[string]any{"request": "pipe", "data": change})
		if err != nil {
			c.log("local-tail %s: encode pipe failed: %v", mt.name, err)
			return
		}
		if err := st.Send(env); err != nil {
			c.log("local-tail %s: send pipe failed: %v", mt.name, err)
		}
	})
	if err != nil {
		return err
	}
	mt.watcher = watcher
	return nil
}

func (c *Coordinator) onLocalTailAck(mt *mirroredTable, payload []byte) {
	var env responseEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.log("local-tail %s: bad envelope: %v", mt.name, err)
		return
	}
	if env.Data == "" {
		return
	}
	sql := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (key, value) VALUES ('watermark', %s)",
		SyncMetadataTable(mt.name), env.Data,
	)
	if err := c.engine.Exec(context.Background(), sql); err != nil {
		c.log("local-tail %s: persist watermark failed: %v", mt.name, err)
	}
}

// Close tears down every mirrored table's streams and watchers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	tables := make([]*mirroredTable, 0, len(c.mirrored))
	for _, mt := range c.mirrored {
		tables = append(tables, mt)
	}
	c.mirrored = map[string]*mirroredTable{}
	c.mu.Unlock()

	for _, mt := range tables {
		if mt.serverTail != nil {
			mt.serverTail.Close()
		}
		if mt.localTail != nil {
			mt.localTail.Close()
		}
		if mt.watcher != nil {
			mt.watcher.Close()
		}
	}
}
