package valveautomation

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const historyBucket = "valve_automation_sessions"

// HistoryRecord is the persisted summary of one finished session.
type HistoryRecord struct {
	SessionID  string        `json:"session_id"`
	State      string        `json:"state"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Polls      int           `json:"polls"`
	Electrodes []ElectrodeID `json:"electrodes"`
	Remaining  []ElectrodeID `json:"remaining"`
	LogPath    string        `json:"log_path,omitempty"`
}

func newHistoryRecord(res SessionResult, logPath string) HistoryRecord {
	rec := HistoryRecord{
		SessionID:  res.ID,
		State:      res.State.String(),
		ErrorKind:  errorKind(res.Err),
		StartedAt:  res.Started,
		Elapsed:    res.Elapsed,
		Polls:      res.Polls,
		Electrodes: res.Electrodes,
		Remaining:  res.Remaining,
		LogPath:    logPath,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

// historyStore keeps session summaries in a bolt bucket keyed by a
// monotonically increasing sequence.
type historyStore struct {
	db *bolt.DB
}

func openHistoryStore(path string) (*historyStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening history %q: %v", ErrStorage, path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(historyBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating history bucket: %v", ErrStorage, err)
	}
	return &historyStore{db: db}, nil
}

func (h *historyStore) Append(rec HistoryRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = h.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(historyBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, buf)
	})
	if err != nil {
		return fmt.Errorf("%w: appending history: %v", ErrStorage, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (h *historyStore) Recent(limit int) ([]HistoryRecord, error) {
	var out []HistoryRecord
	err := h.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(historyBucket)).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			var rec HistoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading history: %v", ErrStorage, err)
	}
	return out, nil
}

func (h *historyStore) Close() error {
	if h == nil {
		return nil
	}
	return h.db.Close()
}
