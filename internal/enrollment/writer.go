package enrollment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetguard/enrolld/internal/agentsdb"
	"github.com/fleetguard/enrolld/internal/keystore"
	"github.com/fleetguard/enrolld/internal/logging"
	"github.com/fleetguard/enrolld/internal/metrics"
)

// writerIdlePoll bounds how long writerLoop can stay blocked in a demoted
// raft node's wait before it rechecks isMaster.
const writerIdlePoll = 250 * time.Millisecond

// writerLoop is the single consumer of the keystore's journal: it wakes on
// every commit, flushes the whole keystore contents to the key file and
// timestamp file atomically, and mirrors the journal into the agents
// database. Only one goroutine may run this loop for a given Store.
//
// A static worker never even starts this loop (see Service.Run). A
// raft-capable node always starts it, but isMaster gates the body: while
// this node is not the elected leader the loop idles without flushing or
// syncing, exactly as if it were not running at all, and resumes seamlessly
// on promotion.
func writerLoop(store *keystore.Store, keyFile, timestampFile string, db *agentsdb.Client, running func() bool, singleNode bool, isMaster func() bool) {
	log := logging.WithComponent("writer")
	for running() {
		if !isMaster() {
			time.Sleep(writerIdlePoll)
			continue
		}

		journal, snapshot, pending := store.WaitForWork(func() bool { return running() && isMaster() })
		if !pending {
			continue
		}

		timer := metrics.NewTimer()
		if err := flush(keyFile, timestampFile, snapshot); err != nil {
			metrics.WriterFlushFailures.Inc()
			log.Error().Err(err).Msg("failed to flush keystore to disk")
			// The in-memory keystore remains authoritative; the next
			// commit's flush will retry with the accumulated state.
		} else {
			timer.ObserveDuration(metrics.WriterFlushDuration)
			metrics.KeystoreSize.Set(float64(len(snapshot)))
		}

		syncAgentsDB(db, journal, log, singleNode)
	}
}

// syncAgentsDB mirrors one journal batch into the agents database: an
// insert is followed by a group assignment whenever the agent has a
// non-empty group, and a remove is followed by the database's own
// administrative remove-by-name query so no stale row survives under a
// name the keystore no longer tracks an id for.
func syncAgentsDB(db *agentsdb.Client, journal []keystore.JournalEntry, log zerolog.Logger, singleNode bool) {
	if db == nil {
		return
	}
	syncLabel := "syncreq"
	if singleNode {
		syncLabel = "synced"
	}
	ctx := context.Background()
	for _, entry := range journal {
		switch entry.Kind {
		case keystore.JournalInsert:
			if err := db.Insert(ctx, entry.Agent.ID, entry.Agent.Name, entry.Agent.IP, entry.Agent.Group); err != nil {
				metrics.AgentsDBSyncFailures.Inc()
				log.Error().Err(err).Str("agent", entry.Agent.Name).Msg("agents database sync failed")
				continue
			}
			if entry.Agent.Group == "" {
				continue
			}
			if err := db.AssignGroup(ctx, entry.Agent.ID, entry.Agent.Group, "OVERRIDE", syncLabel); err != nil {
				metrics.AgentsDBSyncFailures.Inc()
				log.Error().Err(err).Str("agent", entry.Agent.Name).Msg("agents database group assign failed")
			}
		case keystore.JournalRemove:
			if err := db.Remove(ctx, entry.Agent.ID); err != nil {
				metrics.AgentsDBSyncFailures.Inc()
				log.Error().Err(err).Str("agent", entry.Agent.Name).Msg("agents database sync failed")
			}
			if err := db.RemoveByName(ctx, entry.Agent.Name); err != nil {
				metrics.AgentsDBSyncFailures.Inc()
				log.Error().Err(err).Str("agent", entry.Agent.Name).Msg("agents database administrative remove failed")
			}
		}
	}
}

// flush writes the full keystore snapshot to keyFile and one
// "id name created-at" line per live agent to timestampFile, each via
// write-to-temp, fsync, rename so a crash never observes a half-written file.
func flush(keyFile, timestampFile string, snapshot []*keystore.Agent) error {
	var b strings.Builder
	for _, a := range snapshot {
		if a.Revoked {
			continue
		}
		fmt.Fprintf(&b, "%s %s %s %s\n", a.ID, a.Name, a.IP, a.Key)
	}
	if err := atomicWriteFile(keyFile, []byte(b.String())); err != nil {
		return fmt.Errorf("writer: flush key file: %w", err)
	}
	var ts strings.Builder
	for _, a := range snapshot {
		if a.Revoked {
			continue
		}
		fmt.Fprintf(&ts, "%s %s %s\n", a.ID, a.Name, a.CreatedAt.UTC().Format(time.RFC3339))
	}
	if err := atomicWriteFile(timestampFile, []byte(ts.String())); err != nil {
		return fmt.Errorf("writer: flush timestamp file: %w", err)
	}
	return nil
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
