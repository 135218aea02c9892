package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of DocumentStore.
// Each document keeps its metadata in one Firestore document and its log as
// a "chunks" subcollection keyed by the zero-padded starting offset.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "whiteboards",
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) chunks(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("chunks")
}

func zeroPad(offset int64) string {
	return fmt.Sprintf("%016d", offset)
}

func (s *FirestoreStore) Create(ctx context.Context, id, token string) error {
	now := time.Now()
	_, err := s.docRef(id).Create(ctx, map[string]interface{}{
		"token":     token,
		"size":      int64(0),
		"createdAt": now,
		"updatedAt": now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%w: %q", ErrExists, id)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToDocInfo(id, snap), nil
}

func snapshotToDocInfo(id string, snap *firestore.DocumentSnapshot) *DocumentInfo {
	data := snap.Data()
	token, _ := data["token"].(string)
	size, _ := data["size"].(int64)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &DocumentInfo{
		ID:        id,
		Token:     token,
		Size:      size,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func (s *FirestoreStore) List(ctx context.Context) ([]DocumentInfo, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var result []DocumentInfo
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *snapshotToDocInfo(snap.Ref.ID, snap))
	}
	return result, nil
}

// Append checks the size and writes the chunk in one transaction, so two
// relays sharing a project cannot interleave bytes.
func (s *FirestoreStore) Append(ctx context.Context, id string, chunk []byte, offset int64) error {
	ref := s.docRef(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		size, _ := snap.Data()["size"].(int64)
		if size != offset {
			return fmt.Errorf("%w: %q at %d, size %d", ErrOffsetMismatch, id, offset, size)
		}
		if err := tx.Set(s.chunks(id).Doc(zeroPad(offset)), map[string]interface{}{
			"offset": offset,
			"data":   chunk,
		}); err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "size", Value: offset + int64(len(chunk))},
			{Path: "updatedAt", Value: time.Now()},
		})
	})
}

func (s *FirestoreStore) ReadFrom(ctx context.Context, id string, offset int64) ([]byte, error) {
	info, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > info.Size {
		return nil, fmt.Errorf("invalid offset %d for %q of size %d", offset, id, info.Size)
	}

	iter := s.chunks(id).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	out := make([]byte, 0, info.Size-offset)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		data := snap.Data()
		start, _ := data["offset"].(int64)
		b, ok := data["data"].([]byte)
		if !ok {
			return nil, fmt.Errorf("invalid data field in chunk %s", snap.Ref.ID)
		}
		end := start + int64(len(b))
		if end <= offset {
			continue
		}
		if start < offset {
			b = b[offset-start:]
		}
		out = append(out, b...)
	}
	return out, nil
}
