package resilience

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rotisserie/eris"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBreakerStore shares breaker state between processes through a
// Firestore collection, one document per key. Updates run in transactions.
type FirestoreBreakerStore struct {
	client     *firestore.Client
	collection string
}

type breakerDoc struct {
	Key         string    `firestore:"key"`
	Failures    int       `firestore:"failures"`
	LastFailure time.Time `firestore:"last_failure"`
}

// NewFirestoreBreakerStore connects to Firestore in project.
func NewFirestoreBreakerStore(ctx context.Context, project, collection string) (*FirestoreBreakerStore, error) {
	if project == "" {
		return nil, eris.New("resilience: firestore project is required")
	}
	if collection == "" {
		collection = "circuit_breakers"
	}
	client, err := firestore.NewClient(ctx, project)
	if err != nil {
		return nil, eris.Wrap(err, "resilience: firestore client")
	}
	return &FirestoreBreakerStore{client: client, collection: collection}, nil
}

// Close releases the Firestore client.
func (f *FirestoreBreakerStore) Close() error {
	return f.client.Close()
}

// Document ids may not contain "/".
func (f *FirestoreBreakerStore) doc(key string) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(strings.ReplaceAll(key, "/", "|"))
}

func (f *FirestoreBreakerStore) RecordFailure(ctx context.Context, key string, at time.Time) (int, error) {
	ref := f.doc(key)
	var count int
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		d, err := readBreakerDoc(tx.Get(ref))
		if err != nil {
			return err
		}
		d.Key = key
		d.Failures++
		d.LastFailure = at.UTC()
		count = d.Failures
		return tx.Set(ref, d)
	})
	if err != nil {
		return 0, eris.Wrapf(err, "resilience: firestore record failure %s", key)
	}
	return count, nil
}

func (f *FirestoreBreakerStore) Snapshot(ctx context.Context, key string) (BreakerSnapshot, error) {
	d, err := readBreakerDoc(f.doc(key).Get(ctx))
	if err != nil {
		return BreakerSnapshot{}, eris.Wrapf(err, "resilience: firestore snapshot %s", key)
	}
	return BreakerSnapshot{Key: key, Failures: d.Failures, LastFailure: d.LastFailure}, nil
}

func (f *FirestoreBreakerStore) Reset(ctx context.Context, key string) error {
	_, err := f.doc(key).Delete(ctx)
	return eris.Wrapf(err, "resilience: firestore reset %s", key)
}

func readBreakerDoc(snap *firestore.DocumentSnapshot, err error) (breakerDoc, error) {
	var d breakerDoc
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return d, nil
		}
		return d, err
	}
	if err := snap.DataTo(&d); err != nil {
		return d, err
	}
	return d, nil
}
