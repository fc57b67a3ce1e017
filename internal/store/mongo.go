package store

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"entitle/internal/domain"
	"entitle/internal/errors"
)

// defaultOpTimeout bounds every store call when the caller's context has no
// earlier deadline.
const defaultOpTimeout = 5 * time.Second

// Mongo is the MongoDB-backed Store. Licenses live in one collection with a
// unique index on license_key; every mutation is a single FindOneAndUpdate
// or UpdateOne so a transition and its activity append commit together.
type Mongo struct {
	coll    *mongo.Collection
	timeout time.Duration
	logger  *slog.Logger
}

// NewMongo wraps the given database. Call EnsureIndexes once at startup.
func NewMongo(db *mongo.Database, timeout time.Duration, logger *slog.Logger) *Mongo {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mongo{
		coll:    db.Collection("licenses"),
		timeout: timeout,
		logger:  logger.With(slog.String("component", "store.mongo")),
	}
}

// EnsureIndexes creates the unique key index and the expiry scan index.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "license_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "client_id", Value: 1}},
		},
	})
	if err != nil {
		return errors.Wrap(errors.KindPersistence, err, "creating license indexes")
	}
	return nil
}

func (m *Mongo) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Mongo) Create(ctx context.Context, lic *domain.License) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	if _, err := m.coll.InsertOne(ctx, lic); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.E(errors.KindConflict, "license key %s already exists", lic.Key)
		}
		return errors.Wrap(errors.KindPersistence, err, "inserting license %s", lic.Key)
	}
	return nil
}

func (m *Mongo) FindByKey(ctx context.Context, key string) (*domain.License, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	var lic domain.License
	err := m.coll.FindOne(ctx, bson.M{"license_key": key}).Decode(&lic)
	if err == mongo.ErrNoDocuments {
		return nil, errors.E(errors.KindNotFound, "license %s not found", key)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindPersistence, err, "finding license %s", key)
	}
	return &lic, nil
}

func (m *Mongo) FindActiveByClient(ctx context.Context, clientID string, now time.Time) (*domain.License, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	var lic domain.License
	err := m.coll.FindOne(ctx, bson.M{
		"client_id":  clientID,
		"status":     domain.StatusActive,
		"expires_at": bson.M{"$gt": now},
	}).Decode(&lic)
	if err == mongo.ErrNoDocuments {
		return nil, errors.E(errors.KindNotFound, "no active license for client %s", clientID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindPersistence, err, "finding active license for client %s", clientID)
	}
	return &lic, nil
}

func (m *Mongo) Update(ctx context.Context, key string, patch Patch) (*domain.License, error) {
	return m.findOneAndUpdate(ctx, bson.M{"license_key": key}, patch, key, false)
}

func (m *Mongo) UpdateWhereStatus(ctx context.Context, key string, allowed []domain.Status, patch Patch) (*domain.License, error) {
	filter := bson.M{"license_key": key, "status": bson.M{"$in": allowed}}
	return m.findOneAndUpdate(ctx, filter, patch, key, true)
}

// findOneAndUpdate runs the patched update and returns the post-update
// document. With conditional set, a miss on an existing document surfaces
// as ErrNoMatch so the caller can classify the precondition failure.
func (m *Mongo) findOneAndUpdate(ctx context.Context, filter bson.M, patch Patch, key string, conditional bool) (*domain.License, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	var lic domain.License
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := m.coll.FindOneAndUpdate(ctx, filter, patchToUpdate(patch), opts).Decode(&lic)
	if err == mongo.ErrNoDocuments {
		if !conditional {
			return nil, errors.E(errors.KindNotFound, "license %s not found", key)
		}
		exists, exErr := m.exists(ctx, key)
		if exErr != nil {
			return nil, exErr
		}
		if exists {
			return nil, ErrNoMatch
		}
		return nil, errors.E(errors.KindNotFound, "license %s not found", key)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindPersistence, err, "updating license %s", key)
	}
	return &lic, nil
}

func (m *Mongo) exists(ctx context.Context, key string) (bool, error) {
	n, err := m.coll.CountDocuments(ctx, bson.M{"license_key": key}, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrap(errors.KindPersistence, err, "checking license %s", key)
	}
	return n > 0, nil
}

func (m *Mongo) ConsumeModule(ctx context.Context, key, module string, dayStart, now time.Time) (*domain.License, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	// Roll the daily counter over first. Separate atomic write: $set and
	// $inc cannot touch the same field in one update.
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"license_key": key, "usage_stats.last_reset": bson.M{"$lt": dayStart}},
		bson.M{"$set": bson.M{
			"usage_stats.daily_requests": int64(0),
			"usage_stats.last_reset":     dayStart,
		}},
	)
	if err != nil {
		return nil, errors.Wrap(errors.KindPersistence, err, "resetting daily counter for %s", key)
	}

	filter := bson.M{"license_key": key}
	update := bson.M{
		"$inc": bson.M{
			"usage_stats.total_requests": int64(1),
			"usage_stats.daily_requests": int64(1),
		},
		"$set": bson.M{"last_checked": now},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	if module != "" {
		// Increment-and-compare in one write: the filter admits the document
		// only while the module still has headroom, so two concurrent checks
		// cannot both pass the ceiling.
		filter["$expr"] = bson.M{"$anyElementTrue": bson.M{
			"$map": bson.M{
				"input": "$modules",
				"as":    "mod",
				"in": bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$$mod.name", module}},
					bson.M{"$eq": bson.A{"$$mod.enabled", true}},
					bson.M{"$or": bson.A{
						bson.M{"$eq": bson.A{"$$mod.usage_limit", int64(domain.UnlimitedUsage)}},
						bson.M{"$lt": bson.A{"$$mod.usage_count", "$$mod.usage_limit"}},
					}},
				}},
			},
		}}
		update["$inc"].(bson.M)["modules.$[mod].usage_count"] = int64(1)
		opts.SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{bson.M{"mod.name": module}},
		})
	}

	var lic domain.License
	err = m.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&lic)
	if err == mongo.ErrNoDocuments {
		return nil, m.classifyConsumeMiss(ctx, key, module)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindPersistence, err, "consuming module %s on %s", module, key)
	}
	return &lic, nil
}

// classifyConsumeMiss distinguishes why the guarded increment matched
// nothing: unknown key, unlicensed module, or an exhausted ceiling. The
// follow-up read is only for error shaping; the guard already prevented
// the increment.
func (m *Mongo) classifyConsumeMiss(ctx context.Context, key, module string) error {
	lic, err := m.FindByKey(ctx, key)
	if err != nil {
		return err
	}
	mod := lic.Module(module)
	if mod == nil || !mod.Enabled {
		return errors.E(errors.KindValidation, "module %s is not licensed", module)
	}
	return errors.E(errors.KindLimitExceeded, "usage limit reached for module %s", module)
}

func (m *Mongo) MarkWarned(ctx context.Context, key string) (bool, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	res, err := m.coll.UpdateOne(ctx,
		bson.M{"license_key": key, "expiry_warned": false},
		bson.M{"$set": bson.M{"expiry_warned": true}},
	)
	if err != nil {
		return false, errors.Wrap(errors.KindPersistence, err, "marking %s warned", key)
	}
	if res.ModifiedCount > 0 {
		return true, nil
	}
	exists, err := m.exists(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, errors.E(errors.KindNotFound, "license %s not found", key)
	}
	return false, nil
}

func (m *Mongo) Delete(ctx context.Context, key string) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	res, err := m.coll.DeleteOne(ctx, bson.M{"license_key": key})
	if err != nil {
		return errors.Wrap(errors.KindPersistence, err, "deleting license %s", key)
	}
	if res.DeletedCount == 0 {
		return errors.E(errors.KindNotFound, "license %s not found", key)
	}
	return nil
}

func (m *Mongo) List(ctx context.Context, f Filter) (*Page, error) {
	f = NormalizeFilter(f)
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.Plan != "" {
		filter["plan"] = f.Plan
	}
	if f.ClientID != "" {
		filter["client_id"] = f.ClientID
	}

	total, err := m.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(errors.KindPersistence, err, "counting licenses")
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip((f.Page - 1) * f.Limit).
		SetLimit(f.Limit)
	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(errors.KindPersistence, err, "listing licenses")
	}
	defer cur.Close(ctx)

	items := make([]*domain.License, 0, f.Limit)
	for cur.Next(ctx) {
		var lic domain.License
		if err := cur.Decode(&lic); err != nil {
			return nil, errors.Wrap(errors.KindPersistence, err, "decoding license")
		}
		items = append(items, &lic)
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Wrap(errors.KindPersistence, err, "iterating licenses")
	}
	return &Page{Items: items, Total: total, Page: f.Page, Limit: f.Limit}, nil
}

func (m *Mongo) AggregateStats(ctx context.Context) (*Stats, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$facet", Value: bson.M{
			"by_status": bson.A{
				bson.M{"$group": bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}},
			},
			"by_plan": bson.A{
				bson.M{"$group": bson.M{"_id": "$plan", "count": bson.M{"$sum": 1}}},
			},
			"totals": bson.A{
				bson.M{"$group": bson.M{
					"_id":      nil,
					"total":    bson.M{"$sum": 1},
					"requests": bson.M{"$sum": "$usage_stats.total_requests"},
				}},
			},
		}}},
	}
	cur, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errors.Wrap(errors.KindPersistence, err, "aggregating license stats")
	}
	defer cur.Close(ctx)

	var raw []struct {
		ByStatus []struct {
			ID    domain.Status `bson:"_id"`
			Count int64         `bson:"count"`
		} `bson:"by_status"`
		ByPlan []struct {
			ID    domain.Plan `bson:"_id"`
			Count int64       `bson:"count"`
		} `bson:"by_plan"`
		Totals []struct {
			Total    int64 `bson:"total"`
			Requests int64 `bson:"requests"`
		} `bson:"totals"`
	}
	if err := cur.All(ctx, &raw); err != nil {
		return nil, errors.Wrap(errors.KindPersistence, err, "decoding license stats")
	}

	stats := &Stats{
		ByStatus: make(map[domain.Status]int64),
		ByPlan:   make(map[domain.Plan]int64),
	}
	if len(raw) == 0 {
		return stats, nil
	}
	for _, s := range raw[0].ByStatus {
		stats.ByStatus[s.ID] = s.Count
	}
	for _, p := range raw[0].ByPlan {
		stats.ByPlan[p.ID] = p.Count
	}
	if len(raw[0].Totals) > 0 {
		stats.Total = raw[0].Totals[0].Total
		stats.TotalRequests = raw[0].Totals[0].Requests
	}
	return stats, nil
}

func (m *Mongo) FindExpiringWithin(ctx context.Context, from, until time.Time) ([]*domain.License, error) {
	return m.findAll(ctx, bson.M{
		"status":        domain.StatusActive,
		"expiry_warned": false,
		"expires_at":    bson.M{"$gt": from, "$lte": until},
	})
}

func (m *Mongo) FindExpired(ctx context.Context, asOf time.Time) ([]*domain.License, error) {
	return m.findAll(ctx, bson.M{
		"status":     domain.StatusActive,
		"expires_at": bson.M{"$lte": asOf},
	})
}

func (m *Mongo) findAll(ctx context.Context, filter bson.M) ([]*domain.License, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	cur, err := m.coll.Find(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(errors.KindPersistence, err, "querying licenses")
	}
	defer cur.Close(ctx)
	var out []*domain.License
	for cur.Next(ctx) {
		var lic domain.License
		if err := cur.Decode(&lic); err != nil {
			return nil, errors.Wrap(errors.KindPersistence, err, "decoding license")
		}
		out = append(out, &lic)
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Wrap(errors.KindPersistence, err, "iterating licenses")
	}
	return out, nil
}

// patchToUpdate converts a Patch into a Mongo update document. The activity
// append rides in the same write as the field changes; $slice keeps the log
// bounded server-side.
func patchToUpdate(patch Patch) bson.M {
	set := bson.M{}
	if patch.Status != nil {
		set["status"] = *patch.Status
	}
	if patch.Plan != nil {
		set["plan"] = *patch.Plan
	}
	if patch.ExpiresAt != nil {
		set["expires_at"] = *patch.ExpiresAt
	}
	if patch.Modules != nil {
		set["modules"] = patch.Modules
	}
	if patch.ExpiryWarned != nil {
		set["expiry_warned"] = *patch.ExpiryWarned
	}
	if patch.LastChecked != nil {
		set["last_checked"] = *patch.LastChecked
	}
	for k, v := range patch.Metadata {
		set["metadata."+k] = v
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if patch.Activity != nil {
		update["$push"] = bson.M{"activity_log": bson.M{
			"$each":  bson.A{*patch.Activity},
			"$slice": -domain.ActivityLogCap,
		}}
	}
	return update
}
