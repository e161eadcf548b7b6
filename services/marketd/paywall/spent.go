package paywall

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"
)

// SpendState is the reservation status of a transfer signature.
type SpendState int

const (
	// SpendNew means the signature was reserved by this call.
	SpendNew SpendState = iota
	// SpendPending means another verification of the signature is in flight.
	SpendPending
	// SpendSpent means the signature already settled a challenge.
	SpendSpent
)

// SpentStore reserves transfer signatures so each settles at most one challenge.
type SpentStore interface {
	// Reserve claims signature for projectID and returns the prior state together with
	// the project that holds it.
	Reserve(signature, projectID string) (SpendState, string, error)
	MarkSpent(signature string) error
	Release(signature string) error
}

var bucketSignatures = []byte("signatures")

// BoltSpentStore keeps signature reservations in a bbolt file.
type BoltSpentStore struct {
	db           *bbolt.DB
	claimTimeout time.Duration
	now          func() time.Time
}

// OpenSpentStore opens (or creates) the signature database. Pending reservations older
// than claimTimeout are treated as abandoned.
func OpenSpentStore(path string, claimTimeout time.Duration) (*BoltSpentStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("paywall: spent store path required")
	}
	if claimTimeout <= 0 {
		claimTimeout = 2 * time.Minute
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSignatures)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltSpentStore{db: db, claimTimeout: claimTimeout, now: time.Now}, nil
}

// Close releases the database handle.
func (s *BoltSpentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// record values are "<state>|<project>|<unix seconds>".
func encodeRecord(state, projectID string, at time.Time) []byte {
	return []byte(state + "|" + projectID + "|" + strconv.FormatInt(at.Unix(), 10))
}

func decodeRecord(raw []byte) (state, projectID string, at time.Time) {
	parts := strings.SplitN(string(raw), "|", 3)
	state = parts[0]
	if len(parts) > 1 {
		projectID = parts[1]
	}
	if len(parts) > 2 {
		if secs, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
			at = time.Unix(secs, 0)
		}
	}
	return state, projectID, at
}

// Reserve checks and claims signature in a single write transaction.
func (s *BoltSpentStore) Reserve(signature, projectID string) (SpendState, string, error) {
	key := []byte(strings.TrimSpace(signature))
	if len(key) == 0 {
		return SpendPending, "", fmt.Errorf("paywall: signature required")
	}
	state := SpendPending
	holder := ""
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSignatures)
		now := s.now()
		if existing := bucket.Get(key); existing != nil {
			prior, project, at := decodeRecord(existing)
			holder = project
			switch {
			case prior == "spent":
				state = SpendSpent
				return nil
			case now.Sub(at) < s.claimTimeout:
				state = SpendPending
				return nil
			}
		}
		state, holder = SpendNew, projectID
		return bucket.Put(key, encodeRecord("pending", projectID, now))
	})
	if err != nil {
		return SpendPending, "", err
	}
	return state, holder, nil
}

// MarkSpent finalises a reservation.
func (s *BoltSpentStore) MarkSpent(signature string) error {
	key := []byte(strings.TrimSpace(signature))
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSignatures)
		existing := bucket.Get(key)
		if existing == nil {
			return fmt.Errorf("paywall: signature %s not reserved", signature)
		}
		_, project, _ := decodeRecord(existing)
		return bucket.Put(key, encodeRecord("spent", project, s.now()))
	})
}

// Release drops a pending reservation so the signature can be verified again.
func (s *BoltSpentStore) Release(signature string) error {
	key := []byte(strings.TrimSpace(signature))
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSignatures)
		if existing := bucket.Get(key); existing != nil {
			if state, _, _ := decodeRecord(existing); state == "pending" {
				return bucket.Delete(key)
			}
		}
		return nil
	})
}
