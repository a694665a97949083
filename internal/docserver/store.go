package docserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"

	apperrors "github.com/alexjbarnes/reelsync/internal/errors"
	"github.com/alexjbarnes/reelsync/internal/models"
)

const (
	dbDirPerm     = fs.FileMode(0o700)
	dbFilePerm    = fs.FileMode(0o600)
	dbOpenTimeout = 5 * time.Second

	syncedAtField = "synced_at"
)

// Store keeps one bbolt bucket per user collection, named
// "docs:{uid}:{collection}". Values are the JSON documents as written,
// plus synced_at.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenStore opens (or creates) the document database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening document db: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func bucketName(uid, collection string) []byte {
	return []byte("docs:" + uid + ":" + collection)
}

// Put validates doc, stamps synced_at and stores it under id, replacing
// any previous document. It returns the stored bytes.
func (s *Store) Put(uid, collection, id string, doc []byte) ([]byte, error) {
	if err := validateDoc(id, doc); err != nil {
		return nil, err
	}

	stamped, err := stamp(doc, models.FormatTime(s.now()))
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(uid, collection))
		if err != nil {
			return err
		}

		return b.Put([]byte(id), stamped)
	})
	if err != nil {
		return nil, fmt.Errorf("storing %s/%s/%s: %w", uid, collection, id, err)
	}

	return stamped, nil
}

// Delete removes a document. Missing documents and collections are not
// an error.
func (s *Store) Delete(uid, collection, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(uid, collection))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s/%s: %w", uid, collection, id, err)
	}

	return nil
}

// Get returns one document.
func (s *Store) Get(uid, collection, id string) ([]byte, error) {
	var doc []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(uid, collection))
		if b == nil {
			return nil
		}

		if v := b.Get([]byte(id)); v != nil {
			doc = bytes.Clone(v)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s/%s: %w", uid, collection, id, err)
	}

	if doc == nil {
		return nil, apperrors.ErrNotFound
	}

	return doc, nil
}

// List returns every document of a collection ordered by orderBy
// descending, ties broken by ascending numeric id. Documents whose
// orderBy field is missing sort last.
func (s *Store) List(uid, collection, orderBy string) ([]json.RawMessage, error) {
	type keyed struct {
		doc json.RawMessage
		key string
		id  int64
	}

	var entries []keyed

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(uid, collection))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			doc := bytes.Clone(v)
			entries = append(entries, keyed{
				doc: doc,
				key: sortKey(gjson.GetBytes(doc, orderBy).String()),
				id:  gjson.GetBytes(doc, "id").Int(),
			})

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s/%s: %w", uid, collection, err)
	}

	slices.SortFunc(entries, func(a, b keyed) int {
		if c := strings.Compare(b.key, a.key); c != 0 {
			return c
		}

		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}

		return 0
	})

	docs := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		docs[i] = e.doc
	}

	return docs, nil
}

// sortKey normalises an RFC 3339 timestamp so that lexical order equals
// time order. Unparsable values become "" and sort last.
func sortKey(ts string) string {
	t := models.ParseTime(ts)
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func validateDoc(id string, doc []byte) error {
	if !gjson.ValidBytes(doc) {
		return fmt.Errorf("%w: not valid JSON", apperrors.ErrInvalidDocument)
	}

	parsed := gjson.ParseBytes(doc)
	if !parsed.IsObject() {
		return fmt.Errorf("%w: document must be an object", apperrors.ErrInvalidDocument)
	}

	docID := parsed.Get("id")
	if !docID.Exists() || docID.Type != gjson.Number || docID.Int() == 0 {
		return fmt.Errorf("%w: document needs a numeric id", apperrors.ErrInvalidDocument)
	}

	if docID.String() != id {
		return fmt.Errorf("%w: document id %s does not match %s", apperrors.ErrInvalidDocument, docID.String(), id)
	}

	return nil
}

func stamp(doc []byte, syncedAt string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidDocument, err)
	}

	ts, err := json.Marshal(syncedAt)
	if err != nil {
		return nil, err
	}

	fields[syncedAtField] = ts

	return json.Marshal(fields)
}
