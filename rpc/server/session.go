package server

import (
	"bufio"
	"fmt"
	"strconv"

	"github.com/ValentinKolb/pathkvs/lib/kv"
	"github.com/ValentinKolb/pathkvs/rpc/common"
)

// --------------------------------------------------------------------------
// Session State Machine
// --------------------------------------------------------------------------

// sessionMode is the state of one connection.
type sessionMode uint8

const (
	// modeDirect: every command runs in its own implicit transaction that
	// commits immediately
	modeDirect sessionMode = iota
	// modeTransaction: commands accumulate in one transaction until commit
	// or rollback
	modeTransaction
	// modeSnapshot: reads are served from a frozen view, writes are rejected
	modeSnapshot
)

// session holds the per-connection state: the mode and, depending on it, a
// live transaction or a frozen snapshot.
type session struct {
	db   *kv.DB
	mode sessionMode
	tr   *kv.Transaction
	snap kv.Snapshot
}

func newSession(db *kv.DB) *session {
	return &session{db: db}
}

// close abandons whatever the session holds. Rolling back a transaction that
// was never committed publishes nothing.
func (s *session) close() {
	if s.mode == modeTransaction {
		s.tr.Rollback()
	}
	s.reset()
}

func (s *session) reset() {
	s.mode = modeDirect
	s.tr = nil
	s.snap = kv.Snapshot{}
}

// execute runs one parsed command and writes the response lines to w.
// Flushing is left to the connection loop.
func (s *session) execute(w *bufio.Writer, cmd common.Command) {
	switch cmd.Kind {
	case common.CmdWrite:
		s.write(w, cmd.Key, cmd.Value)
	case common.CmdRead:
		s.read(w, cmd.Key)
	case common.CmdScanKeys:
		s.scan(w, cmd.Begin, cmd.End, false)
	case common.CmdScanEntries:
		s.scan(w, cmd.Begin, cmd.End, true)
	case common.CmdStart:
		s.start(w)
	case common.CmdSnap:
		s.startSnapshot(w)
	case common.CmdCommit:
		s.commit(w)
	case common.CmdRollback:
		s.rollback(w)
	default:
		s.respondErr(w, fmt.Errorf("unhandled command %s", cmd.Kind))
	}
}

func (s *session) write(w *bufio.Writer, key, value string) {
	switch s.mode {
	case modeSnapshot:
		s.respondErr(w, fmt.Errorf("can't write to snapshot"))
	case modeTransaction:
		s.tr.Write(key, []byte(value))
		s.respondOK(w)
	default:
		if err := s.db.Set(key, []byte(value)); err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondOK(w)
	}
}

func (s *session) read(w *bufio.Writer, key string) {
	var (
		value []byte
		found bool
	)
	switch s.mode {
	case modeSnapshot:
		value, found = s.snap.Get(key)
	case modeTransaction:
		value, found = s.tr.Read(key)
	default:
		value, found = s.db.Get(key)
	}
	if !found {
		fmt.Fprintf(w, "%s\n", common.RespAbsent)
		return
	}
	fmt.Fprintf(w, "%s %s\n", common.RespOK, value)
}

func (s *session) scan(w *bufio.Writer, begin, end string, withValues bool) {
	var entries []kv.Entry
	switch s.mode {
	case modeSnapshot:
		entries = s.snap.ScanPrefix(begin, end)
	case modeTransaction:
		entries = s.tr.ScanPrefix(begin, end)
	default:
		entries = s.db.View().ScanPrefix(begin, end)
	}

	fmt.Fprintf(w, "%s %s\n", common.RespOK, strconv.Itoa(len(entries)))
	for _, e := range entries {
		if withValues {
			fmt.Fprintf(w, "%s=%s\n", e.Key, e.Value)
		} else {
			fmt.Fprintf(w, "%s\n", e.Key)
		}
	}
}

// start begins a transaction, rolling back any previous session state first.
func (s *session) start(w *bufio.Writer) {
	s.close()
	s.mode = modeTransaction
	s.tr = s.db.Begin()
	s.respondOK(w)
}

// startSnapshot freezes a read-only view of the current tip.
func (s *session) startSnapshot(w *bufio.Writer) {
	s.close()
	s.mode = modeSnapshot
	s.snap = s.db.View()
	s.respondOK(w)
}

func (s *session) commit(w *bufio.Writer) {
	switch s.mode {
	case modeTransaction:
		err := s.tr.Commit()
		s.reset()
		switch {
		case err == nil:
			s.respondOK(w)
		case kv.IsConflict(err):
			mConflicts.Inc()
			fmt.Fprintf(w, "%s\n", common.RespConflict)
		default:
			s.respondErr(w, err)
		}
	default:
		// commit outside a transaction commits nothing, it just finishes
		// whatever view the session held
		s.reset()
		s.respondOK(w)
	}
}

func (s *session) rollback(w *bufio.Writer) {
	s.close()
	s.respondOK(w)
}

func (s *session) respondOK(w *bufio.Writer) {
	fmt.Fprintf(w, "%s\n", common.RespOK)
}

func (s *session) respondErr(w *bufio.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", common.RespErr, err)
}
