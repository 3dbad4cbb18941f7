package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/jseldess/skdb/mux"
	"github.com/jseldess/skdb/resilient"
)

// LegacyMirroredTable implements the §4.4 JSON-envelope fallback path: two
// independent resilient.Connections per table (one tailing the server,
// one piping local writes), used instead of the binary mux protocol when
// a server only understands the legacy request/response framing. There is
// no table discriminator in the envelope schema, so each table gets its
// own pair of connections rather than sharing one multiplexed connection.
type LegacyMirroredTable struct {
	name      string
	accessKey string
	engine    Engine
	log       mux.LogFunction

	serverTail *resilient.Connection
	localTail  *resilient.Connection
	watcher    *changeWatcher

	mu      sync.Mutex
	session string
	uid     string
}

// NewLegacyMirroredTable builds (but does not start) a legacy mirrored
// table against the given server-tail and local-tail URIs.
func NewLegacyMirroredTable(name, accessKey string, engine Engine, serverTailURI, localTailURI string, header http.Header, settings *resilient.Settings) *LegacyMirroredTable {
	return &LegacyMirroredTable{
		name:       name,
		accessKey:  accessKey,
		engine:     engine,
		log:        mux.LogFn(glog.Level(2), "replication.legacy"),
		serverTail: resilient.NewWebsocket(serverTailURI, header, settings),
		localTail:  resilient.NewWebsocket(localTailURI, header, settings),
	}
}

// Start connects both legacy connections and wires their message and
// reconnect handlers; it blocks on neither.
func (lt *LegacyMirroredTable) Start(ctx context.Context) error {
	uid, err := lt.engine.Uid(ctx)
	if err != nil {
		return err
	}
	lt.mu.Lock()
	lt.uid = uid
	lt.mu.Unlock()

	if err := lt.bootstrapSchema(ctx); err != nil {
		return err
	}

	lt.serverTail.OnMessage(func(b []byte) {
		mux.HandleError(func() { lt.onServerTailMessage(b) })
	})
	lt.serverTail.OnReconnect(func() {
		mux.HandleError(func() { lt.resubscribeServerTail(context.Background()) })
	})

	lt.localTail.OnMessage(func(b []byte) {
		mux.HandleError(func() { lt.onLocalTailMessage(b) })
	})
	lt.localTail.OnReconnect(func() {
		mux.HandleError(func() { lt.resubscribeLocalTail(context.Background()) })
	})

	if err := lt.serverTail.Connect(ctx); err != nil {
		return fmt.Errorf("replication/legacy: connect server-tail for %s: %w", lt.name, err)
	}
	if err := lt.localTail.Connect(ctx); err != nil {
		return fmt.Errorf("replication/legacy: connect local-tail for %s: %w", lt.name, err)
	}

	if err := lt.resubscribeServerTail(ctx); err != nil {
		return err
	}
	return lt.resubscribeLocalTail(ctx)
}

func (lt *LegacyMirroredTable) bootstrapSchema(ctx context.Context) error {
	has, err := lt.engine.HasTable(ctx, lt.name)
	if err != nil {
		return err
	}
	if !has {
		// The legacy path has no separate schema-fetch request; the
		// server is expected to have pre-provisioned the table for
		// access keys using this fallback, per §4.4's note that it
		// wraps "a single request/response framing" rather than the
		// full protocol surface.
		lt.log("table %s absent locally and legacy path cannot fetch schema; continuing without it", lt.name)
	}
	metadataDDL := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (key PRIMARY KEY, value)",
		SyncMetadataTable(lt.name),
	)
	return lt.engine.Exec(ctx, metadataDDL)
}

// resubscribeServerTail (re-)sends the tail request at the table's
// current watermark; called on initial connect and after every
// reconnect, since the watermark only advances as data is actually
// applied, it is always safe to resend (§4.5 at-least-once dedup).
func (lt *LegacyMirroredTable) resubscribeServerTail(ctx context.Context) error {
	wm, err := lt.engine.Watermark(ctx, lt.name)
	if err != nil {
		return err
	}
	lt.serverTail.ExpectingData()
	return lt.serverTail.Write(map[string]any{"request": "tail", "table": lt.name, "since": wm})
}

func (lt *LegacyMirroredTable) onServerTailMessage(payload []byte) {
	var env responseEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		lt.log("server-tail %s: bad envelope: %v", lt.name, err)
		return
	}
	lt.serverTail.ExpectingData()
	if env.Data == "" {
		return
	}
	csv := env.Data
	if !strings.HasSuffix(csv, "\n") {
		csv += "\n"
	}
	lt.mu.Lock()
	uid := lt.uid
	lt.mu.Unlock()
	if err := lt.engine.WriteCSV(context.Background(), lt.name, uid, csv); err != nil {
		lt.log("server-tail %s: write-csv failed: %v", lt.name, err)
	}
}

// resubscribeLocalTail implements §4.5's reconnect replay: re-issue the
// write subscription, then diff the engine's session log since the last
// persisted watermark and resend anything the server may have missed
// while disconnected.
func (lt *LegacyMirroredTable) resubscribeLocalTail(ctx context.Context) error {
	changeFile := ChangeFileName(lt.name, lt.accessKey)
	lt.mu.Lock()
	uid := lt.uid
	lt.mu.Unlock()

	session, err := lt.engine.Subscribe(ctx, lt.name, changeFile, uid)
	if err != nil {
		return err
	}
	lt.mu.Lock()
	lt.session = session
	lt.mu.Unlock()

	if err := lt.localTail.Write(map[string]any{"request": "write", "table": lt.name}); err != nil {
		return err
	}

	if lt.watcher == nil {
		watcher, err := newChangeWatcher(changeFile, DefaultChangeFileDebounce, func(change string) {
			if change == "" {
				return
			}
			lt.localTail.ExpectingData()
			if err := lt.localTail.Write(map[string]any{"request": "pipe", "data": change}); err != nil {
				lt.log("local-tail %s: write pipe failed: %v", lt.name, err)
			}
		})
		if err != nil {
			return err
		}
		lt.watcher = watcher
	}

	wm, err := lt.engine.Watermark(ctx, lt.name)
	if err != nil {
		return err
	}
	replay, err := lt.engine.Diff(ctx, wm, session)
	if err != nil {
		return err
	}
	if replay == "" {
		return nil
	}
	lt.localTail.ExpectingData()
	return lt.localTail.Write(map[string]any{"request": "pipe", "data": replay})
}

func (lt *LegacyMirroredTable) onLocalTailMessage(payload []byte) {
	var env responseEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		lt.log("local-tail %s: bad envelope: %v", lt.name, err)
		return
	}
	lt.localTail.ExpectingData()
	if env.Data == "" {
		return
	}
	sql := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (key, value) VALUES ('watermark', %s)",
		SyncMetadataTable(lt.name), env.Data,
	)
	if err := lt.engine.Exec(context.Background(), sql); err != nil {
		lt.log("local-tail %s: persist watermark failed: %v", lt.name, err)
	}
}

// Stop tears down both connections and the change-file watcher.
func (lt *LegacyMirroredTable) Stop() {
	lt.serverTail.Close()
	lt.localTail.Close()
	if lt.watcher != nil {
		lt.watcher.Close()
	}
}
