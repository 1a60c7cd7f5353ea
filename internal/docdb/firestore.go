package docdb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
)

// FirestoreStore implements Store on the Cloud Firestore client.
type FirestoreStore struct {
	client *firestore.Client
	log    *logger.Logger
}

// NewFirestoreStore connects to the configured project.
func NewFirestoreStore(ctx context.Context, cfg config.DocDBConfig, log *logger.Logger) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreStore{
		client: client,
		log:    log.WithFields(zap.String("component", "docdb-firestore")),
	}, nil
}

func (s *FirestoreStore) Get(ctx context.Context, docPath string) (*Document, error) {
	snap, err := s.client.Doc(docPath).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("docdb get %s: %w", docPath, err)
	}
	return &Document{Path: docPath, ID: snap.Ref.ID, Data: snap.Data()}, nil
}

func (s *FirestoreStore) Set(ctx context.Context, docPath string, data map[string]any, merge bool) error {
	var err error
	if merge {
		_, err = s.client.Doc(docPath).Set(ctx, data, firestore.MergeAll)
	} else {
		_, err = s.client.Doc(docPath).Set(ctx, data)
	}
	if err != nil {
		return fmt.Errorf("docdb set %s: %w", docPath, err)
	}
	return nil
}

func (s *FirestoreStore) Add(ctx context.Context, collectionPath string, data map[string]any) (string, error) {
	ref, _, err := s.client.Collection(collectionPath).Add(ctx, data)
	if err != nil {
		return "", fmt.Errorf("docdb add %s: %w", collectionPath, err)
	}
	return ref.ID, nil
}

func (s *FirestoreStore) Delete(ctx context.Context, docPath string) error {
	if _, err := s.client.Doc(docPath).Delete(ctx); err != nil {
		return fmt.Errorf("docdb delete %s: %w", docPath, err)
	}
	return nil
}

// DeleteRecursive walks the document's subcollections depth-first, deleting
// children best-effort; only the root document delete is returned as an error.
func (s *FirestoreStore) DeleteRecursive(ctx context.Context, docPath string) (*DeleteReport, error) {
	report := &DeleteReport{}
	s.deleteChildren(ctx, s.client.Doc(docPath), report)

	if _, err := s.client.Doc(docPath).Delete(ctx); err != nil {
		report.Failed = append(report.Failed, docPath)
		return report, fmt.Errorf("docdb delete %s: %w", docPath, err)
	}
	report.Deleted++
	return report, nil
}

func (s *FirestoreStore) deleteChildren(ctx context.Context, doc *firestore.DocumentRef, report *DeleteReport) {
	cols := doc.Collections(ctx)
	for {
		col, err := cols.Next()
		if errors.Is(err, iterator.Done) {
			return
		}
		if err != nil {
			report.Failed = append(report.Failed, doc.Path)
			s.log.Warn("failed to list subcollections", zap.String("doc", doc.Path), zap.Error(err))
			return
		}

		docs := col.DocumentRefs(ctx)
		for {
			child, err := docs.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				report.Failed = append(report.Failed, col.Path)
				s.log.Warn("failed to list documents", zap.String("collection", col.Path), zap.Error(err))
				break
			}
			s.deleteChildren(ctx, child, report)
			if _, err := child.Delete(ctx); err != nil {
				report.Failed = append(report.Failed, child.Path)
				s.log.Warn("failed to delete document", zap.String("doc", child.Path), zap.Error(err))
				continue
			}
			report.Deleted++
		}
	}
}

func (s *FirestoreStore) buildQuery(q firestore.Query, spec Query) firestore.Query {
	for _, f := range spec.Filters {
		q = q.Where(f.Field, f.Op, f.Value)
	}
	if spec.OrderBy != "" {
		dir := firestore.Asc
		if spec.Desc {
			dir = firestore.Desc
		}
		q = q.OrderBy(spec.OrderBy, dir)
	}
	if spec.Limit > 0 {
		q = q.Limit(spec.Limit)
	}
	return q
}

func (s *FirestoreStore) runQuery(ctx context.Context, base firestore.Query, collectionPath string, spec Query) ([]Document, error) {
	iter := s.buildQuery(base, spec).Documents(ctx)
	defer iter.Stop()

	var docs []Document
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("docdb query %s: %w", collectionPath, err)
		}
		docs = append(docs, Document{
			Path: logicalPath(collectionPath, snap),
			ID:   snap.Ref.ID,
			Data: snap.Data(),
		})
	}
}

func (s *FirestoreStore) Query(ctx context.Context, collectionPath string, q Query) ([]Document, error) {
	return s.runQuery(ctx, s.client.Collection(collectionPath).Query, collectionPath, q)
}

func (s *FirestoreStore) QueryGroup(ctx context.Context, collectionID string, q Query) ([]Document, error) {
	return s.runQuery(ctx, s.client.CollectionGroup(collectionID).Query, collectionID, q)
}

// logicalPath rebuilds a store-relative path for a query result. Group
// queries have no caller-known parent, so the SDK resource path is trimmed.
func logicalPath(collectionPath string, snap *firestore.DocumentSnapshot) string {
	if !strings.Contains(collectionPath, "/") {
		if rel := relativePath(snap.Ref.Path); rel != "" {
			return rel
		}
	}
	return collectionPath + "/" + snap.Ref.ID
}

// relativePath strips the projects/.../documents/ prefix from a resource name.
func relativePath(resource string) string {
	const marker = "/documents/"
	if i := strings.Index(resource, marker); i >= 0 {
		return resource[i+len(marker):]
	}
	return ""
}

func (s *FirestoreStore) OnSnapshot(docPath string, fn func(Snapshot)) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	iter := s.client.Doc(docPath).Snapshots(ctx)

	go func() {
		for {
			snap, err := iter.Next()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("doc snapshot stream ended", zap.String("doc", docPath), zap.Error(err))
				}
				return
			}
			out := Snapshot{}
			if snap.Exists() {
				doc := Document{Path: docPath, ID: snap.Ref.ID, Data: snap.Data()}
				out.Docs = []Document{doc}
				out.Changes = []Change{{Kind: ChangeModified, Doc: doc}}
			} else {
				out.Changes = []Change{{Kind: ChangeRemoved, Doc: Document{Path: docPath, ID: snap.Ref.ID}}}
			}
			fn(out)
		}
	}()

	return newHandle(func() {
		cancel()
		iter.Stop()
	}), nil
}

func (s *FirestoreStore) OnSnapshotQuery(collectionPath string, q Query, fn func(Snapshot)) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	iter := s.buildQuery(s.client.Collection(collectionPath).Query, q).Snapshots(ctx)

	go func() {
		for {
			snap, err := iter.Next()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("query snapshot stream ended", zap.String("collection", collectionPath), zap.Error(err))
				}
				return
			}

			out := Snapshot{}
			docIter := snap.Documents
			for {
				ds, err := docIter.Next()
				if errors.Is(err, iterator.Done) {
					break
				}
				if err != nil {
					s.log.Warn("query snapshot read failed", zap.String("collection", collectionPath), zap.Error(err))
					break
				}
				out.Docs = append(out.Docs, Document{
					Path: collectionPath + "/" + ds.Ref.ID,
					ID:   ds.Ref.ID,
					Data: ds.Data(),
				})
			}
			for _, ch := range snap.Changes {
				kind := ChangeModified
				switch ch.Kind {
				case firestore.DocumentAdded:
					kind = ChangeAdded
				case firestore.DocumentRemoved:
					kind = ChangeRemoved
				}
				doc := Document{
					Path: collectionPath + "/" + ch.Doc.Ref.ID,
					ID:   ch.Doc.Ref.ID,
				}
				if ch.Kind != firestore.DocumentRemoved {
					doc.Data = ch.Doc.Data()
				}
				out.Changes = append(out.Changes, Change{Kind: kind, Doc: doc})
			}
			fn(out)
		}
	}()

	return newHandle(func() {
		cancel()
		iter.Stop()
	}), nil
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	// Firestore has no ping; a cheap doc lookup verifies connectivity.
	_, err := s.client.Doc("healthz/ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("docdb ping: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
