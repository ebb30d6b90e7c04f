package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/feed"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	mongoRequestsCollection = "requests"
	mongoUsersCollection    = "users"
)

var errMissingMongoURI = errors.New("mongo uri is required")

// MongoConfig describes the connection and dependencies of the MongoDB backend.
type MongoConfig struct {
	URI        string
	Database   string
	IDProvider IDProvider
	Clock      func() time.Time
	Dispatcher *feed.Dispatcher
	Logger     *zap.Logger
}

// MongoStore implements Store on MongoDB. Local writes publish to the feed directly; when the
// deployment supports change streams, writes from other processes are published as well.
type MongoStore struct {
	client     *mongo.Client
	db         *mongo.Database
	idProvider IDProvider
	clock      func() time.Time
	dispatcher *feed.Dispatcher
	logger     *zap.Logger
	subs       *subscriptionSet
	changes    *feed.Subscription
}

// NewMongoStore connects, pings and prepares indexes.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("store: %w", errMissingMongoURI)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = feed.NewDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	database := strings.TrimSpace(cfg.Database)
	if database == "" {
		database = "helperhive"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("store: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store: ping mongo: %w", err)
	}

	db := client.Database(database)
	ensureRequestIndex(ctx, db.Collection(mongoRequestsCollection).Indexes(), logger)

	s := &MongoStore{
		client:     client,
		db:         db,
		idProvider: idProvider,
		clock:      clock,
		dispatcher: dispatcher,
		logger:     logger,
		subs:       newSubscriptionSet(),
	}
	s.changes = feed.Start(context.Background(), s.watchChanges)
	return s, nil
}

// watchChanges republishes database change events onto the feed. Standalone servers reject
// change streams; the store then only sees its own writes.
func (s *MongoStore) watchChanges(ctx context.Context) {
	stream, err := s.db.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("mongo change stream unavailable", zap.Error(err))
		}
		return
	}
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var event struct {
			Namespace struct {
				Collection string `bson:"coll"`
			} `bson:"ns"`
		}
		if err := stream.Decode(&event); err != nil {
			continue
		}
		if topic := topicForCollection(event.Namespace.Collection); topic != "" {
			s.dispatcher.Publish(topic)
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		logStoreError(s.logger, "store.watch_changes", "stream_failed", err)
	}
}

// topicForCollection maps "requests" and "users.{uid}.kindnessEntries" to feed topics.
func topicForCollection(collection string) string {
	if collection == mongoRequestsCollection {
		return requestsTopic()
	}
	if strings.HasPrefix(collection, mongoUsersCollection+".") && strings.HasSuffix(collection, "."+firestoreKindnessCollection) {
		uid := strings.TrimSuffix(strings.TrimPrefix(collection, mongoUsersCollection+"."), "."+firestoreKindnessCollection)
		if uid != "" {
			return kindnessTopic(uid)
		}
	}
	return ""
}

func kindnessCollectionName(userID string) string {
	return mongoUsersCollection + "." + userID + "." + firestoreKindnessCollection
}

func (s *MongoStore) SubscribeToRequests(ctx context.Context, onChange func([]community.HelpRequest), onError func(error)) (Unsubscribe, error) {
	if s.subs.isClosed() {
		return nil, newReadError(opSubscribeRequests, "closed", ErrClosed)
	}
	sub := feed.Watch(ctx, s.dispatcher, requestsTopic(), s.listHelpRequests, onChange,
		readErrorReporter(s.logger, opSubscribeRequests, onError))
	unsubscribe, ok := s.subs.add(sub)
	if !ok {
		return nil, newReadError(opSubscribeRequests, "closed", ErrClosed)
	}
	return unsubscribe, nil
}

func (s *MongoStore) listHelpRequests(ctx context.Context) ([]community.HelpRequest, error) {
	cursor, err := s.db.Collection(mongoRequestsCollection).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: fieldCreatedAt, Value: -1}, {Key: "_id", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	now := s.clock()
	requests := make([]community.HelpRequest, 0)
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		requests = append(requests, mapHelpRequest(helpRequestFromDocument(documentID(doc["_id"]), doc), now))
	}
	return requests, cursor.Err()
}

func (s *MongoStore) CreateHelpRequest(ctx context.Context, input community.NewHelpRequest) (string, error) {
	normalized, err := validateHelpRequest(input)
	if err != nil {
		return "", newWriteError(opCreateHelpRequest, "invalid_input", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		logStoreError(s.logger, opCreateHelpRequest, "id_generation_failed", err)
		return "", newWriteError(opCreateHelpRequest, "id_generation_failed", err)
	}
	_, err = s.db.Collection(mongoRequestsCollection).UpdateOne(ctx, bson.M{"_id": id}, helpRequestInsert(normalized), options.Update().SetUpsert(true))
	if err != nil {
		logStoreError(s.logger, opCreateHelpRequest, "insert_failed", err, zap.String("request_id", id))
		return "", newWriteError(opCreateHelpRequest, "insert_failed", err)
	}
	s.dispatcher.Publish(requestsTopic())
	return id, nil
}

func (s *MongoStore) UpdateHelpRequest(ctx context.Context, input community.HelpRequestUpdate) error {
	id, err := community.NewRequestID(input.ID)
	if err != nil {
		return newWriteError(opUpdateHelpRequest, "invalid_id", err)
	}
	normalized, err := validateHelpRequest(input.NewHelpRequest)
	if err != nil {
		return newWriteError(opUpdateHelpRequest, "invalid_input", err)
	}
	update := bson.M{
		"$set":         bson.M(helpRequestFields(normalized)),
		"$currentDate": bson.M{fieldUpdatedAt: true},
	}
	result, err := s.db.Collection(mongoRequestsCollection).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		logStoreError(s.logger, opUpdateHelpRequest, "update_failed", err, zap.String("request_id", id))
		return newWriteError(opUpdateHelpRequest, "update_failed", err)
	}
	if result.MatchedCount == 0 {
		return newWriteError(opUpdateHelpRequest, "not_found", ErrNotFound)
	}
	s.dispatcher.Publish(requestsTopic())
	return nil
}

func (s *MongoStore) MarkHelpRequestMatched(ctx context.Context, id, helperName string) error {
	requestID, err := community.NewRequestID(id)
	if err != nil {
		return newWriteError(opMarkMatched, "invalid_id", err)
	}
	collection := s.db.Collection(mongoRequestsCollection)
	filter := bson.M{"_id": requestID, fieldStatus: bson.M{"$ne": string(community.StatusMatched)}}
	update := bson.M{
		"$set": bson.M{
			fieldStatus:    string(community.StatusMatched),
			fieldMatchedBy: nullable(helperName),
		},
		"$currentDate": bson.M{fieldUpdatedAt: true},
	}
	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		logStoreError(s.logger, opMarkMatched, "update_failed", err, zap.String("request_id", requestID))
		return newWriteError(opMarkMatched, "update_failed", err)
	}
	if result.ModifiedCount > 0 {
		s.dispatcher.Publish(requestsTopic())
		return nil
	}
	count, err := collection.CountDocuments(ctx, bson.M{"_id": requestID})
	if err != nil {
		logStoreError(s.logger, opMarkMatched, "lookup_failed", err, zap.String("request_id", requestID))
		return newWriteError(opMarkMatched, "lookup_failed", err)
	}
	if count == 0 {
		return newWriteError(opMarkMatched, "not_found", ErrNotFound)
	}
	return nil
}

func (s *MongoStore) SubscribeToKindnessEntries(ctx context.Context, userID string, onChange func([]community.KindnessEntry), onError func(error)) (Unsubscribe, error) {
	owner, err := community.NewUserID(userID)
	if err != nil {
		return nil, newReadError(opSubscribeKindness, "invalid_user_id", err)
	}
	if s.subs.isClosed() {
		return nil, newReadError(opSubscribeKindness, "closed", ErrClosed)
	}
	load := func(ctx context.Context) ([]community.KindnessEntry, error) {
		return s.listKindnessEntries(ctx, owner)
	}
	sub := feed.Watch(ctx, s.dispatcher, kindnessTopic(owner), load, onChange,
		readErrorReporter(s.logger, opSubscribeKindness, onError))
	unsubscribe, ok := s.subs.add(sub)
	if !ok {
		return nil, newReadError(opSubscribeKindness, "closed", ErrClosed)
	}
	return unsubscribe, nil
}

func (s *MongoStore) listKindnessEntries(ctx context.Context, userID string) ([]community.KindnessEntry, error) {
	cursor, err := s.db.Collection(kindnessCollectionName(userID)).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: fieldTimestamp, Value: -1}, {Key: "_id", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	now := s.clock()
	entries := make([]community.KindnessEntry, 0)
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		entries = append(entries, mapKindnessEntry(kindnessEntryFromDocument(documentID(doc["_id"]), doc), now))
	}
	return entries, cursor.Err()
}

func (s *MongoStore) CreateKindnessEntry(ctx context.Context, userID string, input community.NewKindnessEntry) error {
	if userID == "" {
		return nil
	}
	owner, err := community.NewUserID(userID)
	if err != nil {
		return newWriteError(opCreateKindnessEntry, "invalid_user_id", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		logStoreError(s.logger, opCreateKindnessEntry, "id_generation_failed", err)
		return newWriteError(opCreateKindnessEntry, "id_generation_failed", err)
	}
	_, err = s.db.Collection(kindnessCollectionName(owner)).UpdateOne(ctx, bson.M{"_id": id}, kindnessEntryInsert(owner, input), options.Update().SetUpsert(true))
	if err != nil {
		logStoreError(s.logger, opCreateKindnessEntry, "insert_failed", err, zap.String("user_id", owner))
		return newWriteError(opCreateKindnessEntry, "insert_failed", err)
	}
	s.dispatcher.Publish(kindnessTopic(owner))
	return nil
}

func (s *MongoStore) UpsertUserProfile(ctx context.Context, profile community.UserProfile) error {
	uid, err := community.NewUserID(profile.UID)
	if err != nil {
		return newWriteError(opUpsertUserProfile, "invalid_uid", err)
	}
	_, err = s.db.Collection(mongoUsersCollection).UpdateOne(ctx, bson.M{"_id": uid}, profileUpsert(profile, s.clock()), options.Update().SetUpsert(true))
	if err != nil {
		logStoreError(s.logger, opUpsertUserProfile, "upsert_failed", err, zap.String("uid", uid))
		return newWriteError(opUpsertUserProfile, "upsert_failed", err)
	}
	return nil
}

func (s *MongoStore) GetUserProfile(ctx context.Context, uid string) (community.UserProfile, error) {
	var doc bson.M
	err := s.db.Collection(mongoUsersCollection).FindOne(ctx, bson.M{"_id": uid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return community.UserProfile{}, newReadError(opGetUserProfile, "not_found", ErrNotFound)
	}
	if err != nil {
		return community.UserProfile{}, newReadError(opGetUserProfile, "query_failed", err)
	}
	return profileFromDocument(uid, doc), nil
}

// Close stops subscriptions and the change stream, then disconnects.
func (s *MongoStore) Close() error {
	s.subs.closeAll()
	s.changes.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// indexCreator is the part of mongo.IndexView used at startup.
type indexCreator interface {
	CreateOne(ctx context.Context, model mongo.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

// ensureRequestIndex creates the newest-first index. Failure only slows queries, so it is logged.
func ensureRequestIndex(ctx context.Context, indexes indexCreator, logger *zap.Logger) {
	_, err := indexes.CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: fieldCreatedAt, Value: -1}},
	})
	if err != nil {
		logStoreError(logger, opEnsureIndexes, "create_index_failed", err, zap.String("collection", mongoRequestsCollection))
	}
}

// helpRequestInsert upserts a fresh document. Both timestamps come from the server clock.
func helpRequestInsert(normalized community.NewHelpRequest) bson.M {
	fields := bson.M(helpRequestFields(normalized))
	fields[fieldStatus] = string(community.StatusOpen)
	return bson.M{
		"$setOnInsert": fields,
		"$currentDate": bson.M{fieldCreatedAt: true, fieldUpdatedAt: true},
	}
}

func kindnessEntryInsert(owner string, input community.NewKindnessEntry) bson.M {
	return bson.M{
		"$setOnInsert": bson.M(kindnessEntryFields(owner, input)),
		"$currentDate": bson.M{fieldTimestamp: true},
	}
}

// profileUpsert refreshes the profile and sets createdAt only when the document is inserted.
// $currentDate runs on every upsert, so createdAt goes through $setOnInsert with the local clock.
func profileUpsert(profile community.UserProfile, now time.Time) bson.M {
	return bson.M{
		"$set":         bson.M(profileFields(profile)),
		"$setOnInsert": bson.M{fieldCreatedAt: now.UTC()},
		"$currentDate": bson.M{fieldUpdatedAt: true},
	}
}
