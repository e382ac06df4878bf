package kv

import (
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var plog = logger.GetLogger("kv")

// --------------------------------------------------------------------------
// Database Root
// --------------------------------------------------------------------------

// DB is a persistent transactional key-value store with serializable
// isolation. The current state is the commit chain reachable from the master
// pointer; transactions install new commits with a compare-and-swap on
// master and make them durable in an append-only log.
//
// Reads, writes and scans never block. The only blocking point is the mutex
// serializing log appends on the commit path.
type DB struct {
	// master points at the current tip commit. Mutated only by CAS.
	master atomic.Pointer[commit]

	// mu serializes appends to the log. It is taken after a winning CAS,
	// never on the read path.
	mu  sync.Mutex
	log *commitLog

	// ioErr is the first durability failure; once set, the database refuses
	// further commits. Guarded by mu.
	ioErr error

	closed atomic.Bool

	// lock-free accounting, surfaced by Stats
	commits   *xsync.Counter
	conflicts *xsync.Counter
	retries   *xsync.Counter
}

// Stats is a point-in-time reading of the database counters.
type Stats struct {
	Generation uint64 `json:"generation"`
	Commits    int64  `json:"commits"`
	Conflicts  int64  `json:"conflicts"`
	Retries    int64  `json:"retries"`
}

// Open opens the database file at path, creating it if absent, and replays
// the commit log into memory. A partial trailing record (from a crash during
// an append) is discarded; the affected committer never received an ok for
// it, so no acknowledged data is lost.
func Open(path string) (*DB, error) {
	log, tip, discarded, err := openLog(path)
	if err != nil {
		return nil, err
	}
	if discarded > 0 {
		plog.Warningf("recovery: discarded %d bytes of torn trailing record in %s", discarded, path)
	}
	plog.Infof("opened %s at generation %d", path, tip.gen)

	db := &DB{
		log:       log,
		commits:   xsync.NewCounter(),
		conflicts: xsync.NewCounter(),
		retries:   xsync.NewCounter(),
	}
	db.master.Store(tip)
	return db, nil
}

// Begin starts a new transaction on a snapshot of the current tip.
//
// Thread-safety: safe for concurrent use; any number of transactions may be
// open at once.
func (db *DB) Begin() *Transaction {
	return &Transaction{
		db:     db,
		base:   db.master.Load(),
		writes: make(map[string]mvValue),
		reads:  make(map[string]struct{}),
		scans:  make(map[scanRange]struct{}),
	}
}

// View returns a read-only snapshot of the current tip. Unlike a read-only
// transaction it carries no tracking state and can be copied freely.
func (db *DB) View() Snapshot {
	return Snapshot{head: db.master.Load()}
}

// Get is a one-shot point read against a fresh snapshot.
func (db *DB) Get(key string) ([]byte, bool) {
	return db.View().Get(key)
}

// Set writes a single key in its own transaction. A blind write carries no
// read-set and therefore never conflicts.
func (db *DB) Set(key string, value []byte) error {
	tr := db.Begin()
	tr.Write(key, value)
	return tr.Commit()
}

// Delete removes a single key in its own transaction.
func (db *DB) Delete(key string) error {
	tr := db.Begin()
	tr.Delete(key)
	return tr.Commit()
}

// Stats returns the current counter values.
func (db *DB) Stats() Stats {
	return Stats{
		Generation: db.master.Load().gen,
		Commits:    db.commits.Value(),
		Conflicts:  db.conflicts.Value(),
		Retries:    db.retries.Value(),
	}
}

// Close flushes nothing (every successful commit is already durable) and
// closes the log file. Transactions still in flight fail their commits.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.log.close()
}

// makeDurable appends the records for every commit up to and including c
// that is not yet on disk, then fsyncs. Called by the committer of c after
// its CAS succeeded.
//
// Two committers can install in generation order A, B but arrive here in
// order B, A. The batch write restores order: B's committer walks back from
// its own commit and writes A's record first (chain order is generation
// order), and A's committer then finds its generation already durable. Record
// N of the file therefore always holds the commit of generation N.
func (db *DB) makeDurable(c *commit) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed.Load() {
		return ErrClosed
	}
	if db.ioErr != nil {
		// the log is behind the in-memory chain, refuse to acknowledge
		return db.ioErr
	}
	if db.log.durableGen >= c.gen {
		// an overtaking committer already wrote and synced our record
		return nil
	}

	var pending []*commit
	for node := c; node.gen > db.log.durableGen; node = node.prev {
		pending = append(pending, node)
	}
	for i := len(pending) - 1; i >= 0; i-- {
		if err := db.log.append(pending[i]); err != nil {
			db.ioErr = err
			return err
		}
	}
	if err := db.log.sync(); err != nil {
		db.ioErr = err
		return err
	}
	db.log.durableGen = c.gen
	return nil
}
