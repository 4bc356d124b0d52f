package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"pointerguard/shared/types"
)

var (
	bVectors = []byte("vectors") // nested bucket per identity, key=seq
	bModels  = []byte("models")  // key=identity
	bScores  = []byte("scores")  // nested bucket per identity, key=seq
	bActions = []byte("actions") // nested bucket per identity, key=seq
	bMeta    = []byte("meta")

	kLastActionHash = []byte("last_action_hash")
)

// BoltStore is the single-file local backend.
type BoltStore struct{ db *bolt.DB }

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bVectors, bModels, bScores, bActions, bMeta} {
			if _, e := tx.CreateBucketIfNotExists(b); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (s *BoltStore) PutVector(ctx context.Context, fv *types.FeatureVector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bVectors)
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists([]byte(fv.IdentityID))
		if err != nil {
			return err
		}
		fv.Seq = seq
		if fv.CreatedAt.IsZero() {
			fv.CreatedAt = time.Now().UTC()
		}
		j, err := json.Marshal(fv)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), j)
	})
}

func (s *BoltStore) Vectors(ctx context.Context, identity string) ([]types.FeatureVector, error) {
	return s.RecentVectors(ctx, identity, 0)
}

func (s *BoltStore) RecentVectors(ctx context.Context, identity string, n int) ([]types.FeatureVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []types.FeatureVector
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bVectors).Bucket([]byte(identity))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var fv types.FeatureVector
			if err := json.Unmarshal(v, &fv); err != nil {
				return fmt.Errorf("decode vector %x: %w", k, err)
			}
			out = append(out, fv)
			if n > 0 && len(out) >= n {
				break
			}
		}
		return nil
	})
	return reversed(out), err
}

func (s *BoltStore) VectorsSince(ctx context.Context, identity string, afterSeq uint64, limit int) ([]types.FeatureVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []types.FeatureVector
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bVectors).Bucket([]byte(identity))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
			var fv types.FeatureVector
			if err := json.Unmarshal(v, &fv); err != nil {
				return fmt.Errorf("decode vector %x: %w", k, err)
			}
			out = append(out, fv)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) VectorsExcluding(ctx context.Context, identity string, limit int) ([]types.FeatureVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []types.FeatureVector
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bVectors)
		return root.ForEach(func(name, v []byte) error {
			id := string(name)
			if v != nil || id == identity || id == types.PopulationIdentity {
				return nil
			}
			return root.Bucket(name).ForEach(func(k, v []byte) error {
				var fv types.FeatureVector
				if err := json.Unmarshal(v, &fv); err != nil {
					return fmt.Errorf("decode vector %s/%x: %w", id, k, err)
				}
				out = append(out, fv)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BoltStore) Identities(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bVectors).ForEach(func(name, v []byte) error {
			if v == nil && string(name) != types.PopulationIdentity {
				ids = append(ids, string(name))
			}
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) SaveModel(ctx context.Context, art *types.ModelArtifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bModels).Put([]byte(art.IdentityID), j)
	})
}

func (s *BoltStore) LoadModel(ctx context.Context, identity string) (*types.ModelArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var art *types.ModelArtifact
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bModels).Get([]byte(identity))
		if v == nil {
			return ErrNotFound
		}
		art = &types.ModelArtifact{}
		return json.Unmarshal(v, art)
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

func (s *BoltStore) AppendScore(ctx context.Context, rec types.ScoreRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.appendNested(bScores, rec.IdentityID, rec, nil)
}

func (s *BoltStore) Scores(ctx context.Context, identity string, limit int) ([]types.ScoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []types.ScoreRecord
	err := s.listNested(bScores, identity, limit, func(v []byte) error {
		var rec types.ScoreRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *BoltStore) AppendAction(ctx context.Context, rec types.ActionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.appendNested(bActions, rec.IdentityID, rec, func(tx *bolt.Tx) error {
		return tx.Bucket(bMeta).Put(kLastActionHash, []byte(rec.Hash))
	})
}

func (s *BoltStore) Actions(ctx context.Context, identity string, limit int) ([]types.ActionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []types.ActionRecord
	err := s.listNested(bActions, identity, limit, func(v []byte) error {
		var rec types.ActionRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *BoltStore) LastActionHash(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var h string
	err := s.db.View(func(tx *bolt.Tx) error {
		h = string(tx.Bucket(bMeta).Get(kLastActionHash))
		return nil
	})
	return h, err
}

// appendNested stores v under the next sequence of root/identity, running
// also inside the same transaction when given.
func (s *BoltStore) appendNested(root []byte, identity string, v any, also func(*bolt.Tx) error) error {
	j, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(root).CreateBucketIfNotExists([]byte(identity))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), j); err != nil {
			return err
		}
		if also != nil {
			return also(tx)
		}
		return nil
	})
}

// listNested walks root/identity newest first.
func (s *BoltStore) listNested(root []byte, identity string, limit int, fn func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(root).Bucket([]byte(identity))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		n := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if err := fn(v); err != nil {
				return err
			}
			n++
			if limit > 0 && n >= limit {
				break
			}
		}
		return nil
	})
}
