// Package mongodb implements the unit store on a MongoDB collection.
//
// One document per unit, uniquely keyed by name and indexed by the
// canonical source URL so webhook events can be correlated with a
// single indexed lookup. Bundles are stored as an array of
// {name, content} pairs (filenames contain dots, which are not safe
// as document keys).
package mongodb

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gitopsd/gitopsd/pkg/unit"
)

const collection = "applications"

type Store struct {
	coll    *mongo.Collection
	logger  log.Logger
	nowFunc func() time.Time
}

var _ unit.Store = &Store{}

// New connects to the document store, verifies the connection, and
// ensures the indexes the correlation lookups depend on.
func New(ctx context.Context, uri, database string, logger log.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(5*time.Second).
		SetConnectTimeout(5*time.Second))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to document store")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "pinging document store")
	}
	s := &Store{
		coll:    client.Database(database).Collection(collection),
		logger:  logger,
		nowFunc: time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	logger.Log("database", database, "collection", collection)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "sourceRepo.canonicalUrl", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "updatedAt", Value: -1}},
		},
	})
	return errors.Wrap(err, "creating indexes")
}

func (s *Store) Get(ctx context.Context, name string) (*unit.Unit, error) {
	var d document
	err := s.coll.FindOne(ctx, bson.M{"name": name}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, unit.ErrNotFound(name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching unit %s", name)
	}
	return d.unit(), nil
}

func (s *Store) Lookup(ctx context.Context, sourceURL string) (*unit.Unit, error) {
	key, err := unit.Canonical(sourceURL)
	if err != nil {
		return nil, unit.ErrNotFound(sourceURL)
	}
	var d document
	err = s.coll.FindOne(ctx, bson.M{"sourceRepo.canonicalUrl": key}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, unit.ErrNotFound(sourceURL)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "looking up unit by %s", sourceURL)
	}
	return d.unit(), nil
}

func (s *Store) List(ctx context.Context) ([]*unit.Unit, error) {
	cur, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "listing units")
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decoding units")
	}
	units := make([]*unit.Unit, len(docs))
	for i := range docs {
		units[i] = docs[i].unit()
	}
	return units, nil
}

func (s *Store) SavePublished(ctx context.Context, u *unit.Unit) error {
	key, err := unit.Canonical(u.SourceRepo.URL)
	if err != nil {
		// A unit without a parseable source URL can still be stored;
		// it just won't be found by source-event correlation.
		key = ""
	}
	now := s.nowFunc()
	_, err = s.coll.UpdateOne(ctx,
		bson.M{"name": u.Name},
		bson.M{
			"$set": bson.M{
				"sourceRepo": sourceRepoDoc{
					URL:          u.SourceRepo.URL,
					Name:         u.SourceRepo.Name,
					CanonicalURL: key,
				},
				"bundle":    bundleDocs(u.Bundle),
				"updatedAt": now,
			},
			"$setOnInsert": bson.M{
				"createdAt": now,
				"version":   int64(0),
				"status":    statusDoc{Health: string(unit.HealthUnknown), SyncState: string(unit.SyncUnknown)},
			},
		},
		options.Update().SetUpsert(true))
	return errors.Wrapf(err, "saving published bundle for %s", u.Name)
}

func (s *Store) Accept(ctx context.Context, name string) (int64, error) {
	var d document
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"name": name},
		bson.M{
			"$inc": bson.M{"version": int64(1)},
			"$set": bson.M{"updatedAt": s.nowFunc()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return 0, unit.ErrNotFound(name)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "accepting trigger for %s", name)
	}
	return d.Version, nil
}

func (s *Store) UpdateStatus(ctx context.Context, name string, version int64, status unit.Status) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"name": name, "version": version},
		bson.M{"$set": bson.M{
			"status":    toStatusDoc(status),
			"updatedAt": s.nowFunc(),
		}})
	if err != nil {
		return false, errors.Wrapf(err, "updating status for %s", name)
	}
	if res.MatchedCount == 0 {
		// Distinguish "superseded" (normal, not an error) from a unit
		// that doesn't exist at all.
		if _, err := s.Get(ctx, name); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) PutStatus(ctx context.Context, name string, status unit.Status) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"name": name},
		bson.M{"$set": bson.M{
			"status.health":          string(status.Health),
			"status.syncState":       string(status.SyncState),
			"status.readyReplicas":   status.ReadyReplicas,
			"status.desiredReplicas": status.DesiredReplicas,
			"updatedAt":              s.nowFunc(),
		}})
	if err != nil {
		return errors.Wrapf(err, "mirroring status for %s", name)
	}
	if res.MatchedCount == 0 {
		return unit.ErrNotFound(name)
	}
	return nil
}

// -- document mapping

type document struct {
	Name       string        `bson:"name"`
	SourceRepo sourceRepoDoc `bson:"sourceRepo"`
	Bundle     []fileDoc     `bson:"bundle,omitempty"`
	Status     statusDoc     `bson:"status"`
	Version    int64         `bson:"version"`
	CreatedAt  time.Time     `bson:"createdAt"`
	UpdatedAt  time.Time     `bson:"updatedAt"`
}

type sourceRepoDoc struct {
	URL          string `bson:"url"`
	Name         string `bson:"name"`
	CanonicalURL string `bson:"canonicalUrl"`
}

type fileDoc struct {
	Name    string `bson:"name"`
	Content string `bson:"content"`
}

type statusDoc struct {
	Health          string      `bson:"health"`
	SyncState       string      `bson:"syncState"`
	ReadyReplicas   int         `bson:"readyReplicas"`
	DesiredReplicas int         `bson:"desiredReplicas"`
	LastAttempt     *attemptDoc `bson:"lastAttempt,omitempty"`
}

type attemptDoc struct {
	Strategy  string    `bson:"strategy"`
	StartedAt time.Time `bson:"startedAt"`
	Outcome   string    `bson:"outcome"`
}

func (d document) unit() *unit.Unit {
	u := &unit.Unit{
		Name: d.Name,
		SourceRepo: unit.SourceRepo{
			URL:  d.SourceRepo.URL,
			Name: d.SourceRepo.Name,
		},
		Status: unit.Status{
			Health:          unit.Health(d.Status.Health),
			SyncState:       unit.SyncState(d.Status.SyncState),
			ReadyReplicas:   d.Status.ReadyReplicas,
			DesiredReplicas: d.Status.DesiredReplicas,
		},
		Version:   d.Version,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if len(d.Bundle) > 0 {
		u.Bundle = make(unit.Bundle, len(d.Bundle))
		for _, f := range d.Bundle {
			u.Bundle[f.Name] = f.Content
		}
	}
	if d.Status.LastAttempt != nil {
		u.Status.LastAttempt = &unit.Attempt{
			Strategy:  unit.Strategy(d.Status.LastAttempt.Strategy),
			StartedAt: d.Status.LastAttempt.StartedAt,
			Outcome:   unit.Outcome(d.Status.LastAttempt.Outcome),
		}
	}
	return u
}

func toStatusDoc(s unit.Status) statusDoc {
	d := statusDoc{
		Health:          string(s.Health),
		SyncState:       string(s.SyncState),
		ReadyReplicas:   s.ReadyReplicas,
		DesiredReplicas: s.DesiredReplicas,
	}
	if s.LastAttempt != nil {
		d.LastAttempt = &attemptDoc{
			Strategy:  string(s.LastAttempt.Strategy),
			StartedAt: s.LastAttempt.StartedAt,
			Outcome:   string(s.LastAttempt.Outcome),
		}
	}
	return d
}

func bundleDocs(b unit.Bundle) []fileDoc {
	docs := make([]fileDoc, 0, len(b))
	for name, content := range b {
		docs = append(docs, fileDoc{Name: name, Content: content})
	}
	return docs
}
