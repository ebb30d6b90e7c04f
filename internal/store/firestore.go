package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/feed"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	firestoreRequestsCollection = "requests"
	firestoreUsersCollection    = "users"
	firestoreKindnessCollection = "kindnessEntries"

	listenBackoff    = time.Second
	maxListenBackoff = 30 * time.Second
)

var errMissingFirestoreClient = errors.New("firestore client is required")

// FirestoreConfig describes the dependencies of the Firestore backend.
type FirestoreConfig struct {
	Client *firestore.Client
	Clock  func() time.Time
	Logger *zap.Logger
}

// FirestoreStore implements Store on Cloud Firestore. Live queries use Firestore snapshot listeners,
// so writes from other processes are observed as well.
type FirestoreStore struct {
	client *firestore.Client
	clock  func() time.Time
	logger *zap.Logger
	subs   *subscriptionSet
}

func NewFirestoreStore(cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("store: %w", errMissingFirestoreClient)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &FirestoreStore{
		client: cfg.Client,
		clock:  clock,
		logger: logger,
		subs:   newSubscriptionSet(),
	}, nil
}

func (s *FirestoreStore) requests() *firestore.CollectionRef {
	return s.client.Collection(firestoreRequestsCollection)
}

func (s *FirestoreStore) kindness(userID string) *firestore.CollectionRef {
	return s.client.Collection(firestoreUsersCollection).Doc(userID).Collection(firestoreKindnessCollection)
}

func (s *FirestoreStore) SubscribeToRequests(ctx context.Context, onChange func([]community.HelpRequest), onError func(error)) (Unsubscribe, error) {
	if s.subs.isClosed() {
		return nil, newReadError(opSubscribeRequests, "closed", ErrClosed)
	}
	query := s.requests().OrderBy(fieldCreatedAt, firestore.Desc)
	report := readErrorReporter(s.logger, opSubscribeRequests, onError)
	sub := feed.Start(ctx, func(ctx context.Context) {
		listen(ctx, openQuery(query), listenBackoff, report, func(docs []*firestore.DocumentSnapshot) {
			now := s.clock()
			requests := make([]community.HelpRequest, 0, len(docs))
			for _, doc := range docs {
				requests = append(requests, mapHelpRequest(helpRequestFromDocument(doc.Ref.ID, doc.Data()), now))
			}
			onChange(requests)
		})
	})
	unsubscribe, ok := s.subs.add(sub)
	if !ok {
		return nil, newReadError(opSubscribeRequests, "closed", ErrClosed)
	}
	return unsubscribe, nil
}

// snapshotSource yields the full result set of a query after every change.
type snapshotSource interface {
	Next() ([]*firestore.DocumentSnapshot, error)
	Stop()
}

type querySnapshots struct {
	iterator *firestore.QuerySnapshotIterator
}

func openQuery(query firestore.Query) func(context.Context) snapshotSource {
	return func(ctx context.Context) snapshotSource {
		return querySnapshots{iterator: query.Snapshots(ctx)}
	}
}

func (q querySnapshots) Next() ([]*firestore.DocumentSnapshot, error) {
	snapshot, err := q.iterator.Next()
	if err != nil {
		return nil, err
	}
	return snapshot.Documents.GetAll()
}

func (q querySnapshots) Stop() {
	q.iterator.Stop()
}

// listen delivers snapshots until ctx ends. A listener error ends the iterator, so it is reported
// and a new iterator is opened after a backoff that doubles up to maxListenBackoff.
func listen(ctx context.Context, open func(context.Context) snapshotSource, backoff time.Duration, onError func(error), deliver func([]*firestore.DocumentSnapshot)) {
	delay := backoff
	for {
		delivered, err := drain(ctx, open(ctx), deliver)
		if ctx.Err() != nil || err == nil {
			return
		}
		onError(err)
		if delivered {
			delay = backoff
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = min(delay*2, maxListenBackoff)
	}
}

// drain reads one iterator until it fails. A nil error means the iterator finished or ctx ended.
func drain(ctx context.Context, source snapshotSource, deliver func([]*firestore.DocumentSnapshot)) (bool, error) {
	defer source.Stop()
	delivered := false
	for {
		docs, err := source.Next()
		if ctx.Err() != nil {
			return delivered, nil
		}
		if errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
			return delivered, nil
		}
		if err != nil {
			return delivered, err
		}
		delivered = true
		deliver(docs)
	}
}

func (s *FirestoreStore) CreateHelpRequest(ctx context.Context, input community.NewHelpRequest) (string, error) {
	normalized, err := validateHelpRequest(input)
	if err != nil {
		return "", newWriteError(opCreateHelpRequest, "invalid_input", err)
	}
	fields := helpRequestFields(normalized)
	fields[fieldStatus] = string(community.StatusOpen)
	fields[fieldCreatedAt] = firestore.ServerTimestamp
	fields[fieldUpdatedAt] = firestore.ServerTimestamp

	ref, _, err := s.requests().Add(ctx, fields)
	if err != nil {
		logStoreError(s.logger, opCreateHelpRequest, "insert_failed", err)
		return "", newWriteError(opCreateHelpRequest, "insert_failed", err)
	}
	return ref.ID, nil
}

func (s *FirestoreStore) UpdateHelpRequest(ctx context.Context, input community.HelpRequestUpdate) error {
	id, err := community.NewRequestID(input.ID)
	if err != nil {
		return newWriteError(opUpdateHelpRequest, "invalid_id", err)
	}
	normalized, err := validateHelpRequest(input.NewHelpRequest)
	if err != nil {
		return newWriteError(opUpdateHelpRequest, "invalid_input", err)
	}
	fields := helpRequestFields(normalized)
	updates := make([]firestore.Update, 0, len(fields)+1)
	for path, value := range fields {
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}
	updates = append(updates, firestore.Update{Path: fieldUpdatedAt, Value: firestore.ServerTimestamp})

	if _, err := s.requests().Doc(id).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return newWriteError(opUpdateHelpRequest, "not_found", ErrNotFound)
		}
		logStoreError(s.logger, opUpdateHelpRequest, "update_failed", err, zap.String("request_id", id))
		return newWriteError(opUpdateHelpRequest, "update_failed", err)
	}
	return nil
}

func (s *FirestoreStore) MarkHelpRequestMatched(ctx context.Context, id, helperName string) error {
	requestID, err := community.NewRequestID(id)
	if err != nil {
		return newWriteError(opMarkMatched, "invalid_id", err)
	}
	ref := s.requests().Doc(requestID)
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current := document(snapshot.Data()).text(fieldStatus)
		if community.ParseStatus(deref(current)) == community.StatusMatched {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: fieldStatus, Value: string(community.StatusMatched)},
			{Path: fieldMatchedBy, Value: nullable(helperName)},
			{Path: fieldUpdatedAt, Value: firestore.ServerTimestamp},
		})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return newWriteError(opMarkMatched, "not_found", ErrNotFound)
		}
		logStoreError(s.logger, opMarkMatched, "transaction_failed", err, zap.String("request_id", requestID))
		return newWriteError(opMarkMatched, "transaction_failed", err)
	}
	return nil
}

func (s *FirestoreStore) SubscribeToKindnessEntries(ctx context.Context, userID string, onChange func([]community.KindnessEntry), onError func(error)) (Unsubscribe, error) {
	owner, err := community.NewUserID(userID)
	if err != nil {
		return nil, newReadError(opSubscribeKindness, "invalid_user_id", err)
	}
	if s.subs.isClosed() {
		return nil, newReadError(opSubscribeKindness, "closed", ErrClosed)
	}
	query := s.kindness(owner).OrderBy(fieldTimestamp, firestore.Desc)
	report := readErrorReporter(s.logger, opSubscribeKindness, onError)
	sub := feed.Start(ctx, func(ctx context.Context) {
		listen(ctx, openQuery(query), listenBackoff, report, func(docs []*firestore.DocumentSnapshot) {
			now := s.clock()
			entries := make([]community.KindnessEntry, 0, len(docs))
			for _, doc := range docs {
				entries = append(entries, mapKindnessEntry(kindnessEntryFromDocument(doc.Ref.ID, doc.Data()), now))
			}
			onChange(entries)
		})
	})
	unsubscribe, ok := s.subs.add(sub)
	if !ok {
		return nil, newReadError(opSubscribeKindness, "closed", ErrClosed)
	}
	return unsubscribe, nil
}

func (s *FirestoreStore) CreateKindnessEntry(ctx context.Context, userID string, input community.NewKindnessEntry) error {
	if userID == "" {
		return nil
	}
	owner, err := community.NewUserID(userID)
	if err != nil {
		return newWriteError(opCreateKindnessEntry, "invalid_user_id", err)
	}
	fields := kindnessEntryFields(owner, input)
	fields[fieldTimestamp] = firestore.ServerTimestamp
	if _, _, err := s.kindness(owner).Add(ctx, fields); err != nil {
		logStoreError(s.logger, opCreateKindnessEntry, "insert_failed", err, zap.String("user_id", owner))
		return newWriteError(opCreateKindnessEntry, "insert_failed", err)
	}
	return nil
}

func (s *FirestoreStore) UpsertUserProfile(ctx context.Context, profile community.UserProfile) error {
	uid, err := community.NewUserID(profile.UID)
	if err != nil {
		return newWriteError(opUpsertUserProfile, "invalid_uid", err)
	}
	ref := s.client.Collection(firestoreUsersCollection).Doc(uid)
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		_, err := tx.Get(ref)
		inserting := status.Code(err) == codes.NotFound
		if err != nil && !inserting {
			return err
		}
		return tx.Set(ref, profileDocument(profile, inserting), firestore.MergeAll)
	})
	if err != nil {
		logStoreError(s.logger, opUpsertUserProfile, "upsert_failed", err, zap.String("uid", uid))
		return newWriteError(opUpsertUserProfile, "upsert_failed", err)
	}
	return nil
}

// profileDocument stamps updatedAt on every write and createdAt only on the first one.
func profileDocument(profile community.UserProfile, inserting bool) map[string]any {
	fields := profileFields(profile)
	fields[fieldUpdatedAt] = firestore.ServerTimestamp
	if inserting {
		fields[fieldCreatedAt] = firestore.ServerTimestamp
	}
	return fields
}

func (s *FirestoreStore) GetUserProfile(ctx context.Context, uid string) (community.UserProfile, error) {
	snapshot, err := s.client.Collection(firestoreUsersCollection).Doc(uid).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return community.UserProfile{}, newReadError(opGetUserProfile, "not_found", ErrNotFound)
	}
	if err != nil {
		return community.UserProfile{}, newReadError(opGetUserProfile, "query_failed", err)
	}
	return profileFromDocument(snapshot.Ref.ID, snapshot.Data()), nil
}

// Close stops every listener. The Firestore client is owned by the caller.
func (s *FirestoreStore) Close() error {
	s.subs.closeAll()
	return nil
}
