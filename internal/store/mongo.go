// MongoDB-backed implementation of the Store interfaces, grounded on the
// upsert/sliding-window patterns in original_source/src/repositories/*.rs,
// reimplemented with go.mongodb.org/mongo-driver.
package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore connects the five collection-scoped stores to one database
// handle.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri and selects dbName, pinging to fail fast on a bad
// connection string rather than on the first query.
func Connect(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(dbName)}, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Transactions() TransactionStore { return mongoTransactions{s.db.Collection("transactions")} }
func (s *MongoStore) EpochSync() EpochSyncStore       { return mongoEpochSync{s.db.Collection("epoch_sync")} }
func (s *MongoStore) EpochData() EpochDataStore       { return mongoEpochData{s.db.Collection("epoch_data")} }
func (s *MongoStore) ValidatorMetrics() ValidatorMetricsStore {
	return mongoValidatorMetrics{s.db.Collection("validator_metrics")}
}
func (s *MongoStore) Delegators() DelegatorStore { return mongoDelegators{s.db.Collection("delegators")} }

var _ Store = (*MongoStore)(nil)

type mongoTransactions struct{ col *mongo.Collection }

func (m mongoTransactions) MaxBlockHeight(ctx context.Context) (uint64, bool, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "blockHeight", Value: -1}})
	var tx Transaction
	err := m.col.FindOne(ctx, bson.D{}, opts).Decode(&tx)
	if err == mongo.ErrNoDocuments {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("max block height: %w", err)
	}
	return tx.BlockHeight, true, nil
}

func (m mongoTransactions) InsertMany(ctx context.Context, txs []Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	docs := make([]interface{}, len(txs))
	for i, t := range txs {
		docs[i] = t
	}
	if _, err := m.col.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert transactions: %w", err)
	}
	return nil
}

func (m mongoTransactions) All(ctx context.Context) ([]Transaction, error) {
	cur, err := m.col.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("find transactions: %w", err)
	}
	defer cur.Close(ctx)
	var out []Transaction
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}
	return out, nil
}

type mongoEpochSync struct{ col *mongo.Collection }

func (m mongoEpochSync) LatestPersisted(ctx context.Context) (*EpochInfo, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "startBlock", Value: -1}})
	var info EpochInfo
	err := m.col.FindOne(ctx, bson.D{}, opts).Decode(&info)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest epoch_sync: %w", err)
	}
	return &info, nil
}

func (m mongoEpochSync) Upsert(ctx context.Context, info EpochInfo) error {
	filter := bson.D{{Key: "epochId", Value: info.EpochID}}
	update := bson.D{{Key: "$set", Value: info}}
	_, err := m.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert epoch_sync %s: %w", info.EpochID, err)
	}
	return nil
}

func (m mongoEpochSync) All(ctx context.Context) ([]EpochInfo, error) {
	opts := options.Find().SetSort(bson.D{{Key: "startBlock", Value: 1}})
	cur, err := m.col.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find epoch_sync: %w", err)
	}
	defer cur.Close(ctx)
	var out []EpochInfo
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode epoch_sync: %w", err)
	}
	return out, nil
}

type mongoEpochData struct{ col *mongo.Collection }

func (m mongoEpochData) Upsert(ctx context.Context, data EpochData) error {
	filter := bson.D{
		{Key: "epoch", Value: data.Epoch},
		{Key: "epochId", Value: data.EpochID},
		{Key: "validatorAccountId", Value: data.ValidatorAccountID},
	}
	update := bson.D{{Key: "$set", Value: data}}
	_, err := m.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert epoch_data epoch=%d: %w", data.Epoch, err)
	}
	return nil
}

type mongoValidatorMetrics struct{ col *mongo.Collection }

// Upsert writes the live snapshot and pushes it onto history, bounded to
// ValidatorMetricsHistoryLimit via $slice, mirroring
// validator_repository.rs's save_validator_metrics.
func (m mongoValidatorMetrics) Upsert(ctx context.Context, snapshot ValidatorMetricsSnapshot) error {
	filter := bson.D{
		{Key: "validatorAccountId", Value: snapshot.ValidatorAccountID},
		{Key: "epoch", Value: snapshot.Epoch},
		{Key: "epochId", Value: snapshot.EpochID},
	}
	update := bson.D{
		{Key: "$set", Value: snapshot},
		{Key: "$push", Value: bson.D{
			{Key: "history", Value: bson.D{
				{Key: "$each", Value: []ValidatorMetricsSnapshot{snapshot}},
				{Key: "$slice", Value: -ValidatorMetricsHistoryLimit},
			}},
		}},
	}
	_, err := m.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert validator_metrics epoch=%d: %w", snapshot.Epoch, err)
	}
	return nil
}

type mongoDelegators struct{ col *mongo.Collection }

func (m mongoDelegators) UpsertBatch(ctx context.Context, rows []DelegatorData) error {
	for _, d := range rows {
		filter := bson.D{
			{Key: "delegatorId", Value: d.DelegatorID},
			{Key: "validatorAccountId", Value: d.ValidatorAccountID},
			{Key: "epoch", Value: d.Epoch},
		}
		update := bson.D{{Key: "$set", Value: d}}
		if _, err := m.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
			return fmt.Errorf("upsert delegator %s epoch=%d: %w", d.DelegatorID, d.Epoch, err)
		}
	}
	return nil
}
