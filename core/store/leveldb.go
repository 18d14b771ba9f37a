package store

import (
	"context"
	"encoding/json"
	fp "path/filepath"
	"sort"

	"github.com/google/uuid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/pkg/errors"

	"github.com/pyropy/carlens/core/model"
)

const sessionsPrefix = "/sessions"

type LevelDBStore struct {
	Sessions *dslvl.Datastore
}

func NewLevelDBStore(dsPath string) (*LevelDBStore, error) {
	store, err := dslvl.NewDatastore(fp.Join(dsPath, "sessions"), nil)
	if err != nil {
		return nil, err
	}

	return &LevelDBStore{
		Sessions: store,
	}, nil
}

func sessionKey(id uuid.UUID) ds.Key {
	return ds.NewKey(sessionsPrefix).ChildString(id.String())
}

func (s *LevelDBStore) Put(ctx context.Context, record model.SessionRecord) error {
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return s.Sessions.Put(ctx, sessionKey(record.ID), b)
}

func (s *LevelDBStore) Get(ctx context.Context, id uuid.UUID) (*model.SessionRecord, error) {
	b, err := s.Sessions.Get(ctx, sessionKey(id))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, errors.Wrap(ErrNotFound, id.String())
	}
	if err != nil {
		return nil, err
	}

	var record model.SessionRecord
	err = json.Unmarshal(b, &record)
	if err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *LevelDBStore) All(ctx context.Context) ([]*model.SessionRecord, error) {
	q := dsq.Query{Prefix: sessionsPrefix}
	records := make([]*model.SessionRecord, 0)

	res, err := s.Sessions.Query(ctx, q)
	if err != nil {
		return records, err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return records, r.Error
		}

		var record model.SessionRecord
		err = json.Unmarshal(r.Value, &record)
		if err != nil {
			return records, err
		}
		records = append(records, &record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})

	return records, nil
}

func (s *LevelDBStore) Close() error {
	return s.Sessions.Close()
}
