// Package store defines the document store contract the queue is built on:
// single-document CRUD with partition keys and version-token preconditions,
// paged queries, and named server-side scripts.
package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"jobstore/pkg/model"
)

// RequestOptions scopes a single-document call. A non-empty IfMatch makes the
// call conditional on the document's current version token.
type RequestOptions struct {
	PartitionKey string
	IfMatch      string
}

// Filter is a MongoDB-style match document.
type Filter = bson.M

// Sort lists fields in priority order, 1 ascending and -1 descending.
type Sort = bson.D

// Query selects documents of one partition. Skip drops that many matches
// before the first page; a Continuation already carries its position, so
// Skip is ignored when one is set.
type Query struct {
	Partition    string
	Filter       Filter
	Sort         Sort
	Skip         int
	PageSize     int
	Continuation string
}

type Page struct {
	Documents    []bson.Raw
	Continuation string
}

// ProcedureResult is the payload every server-side script returns.
type ProcedureResult struct {
	Affected     int  `bson:"affected" json:"affected"`
	Continuation bool `bson:"continuation" json:"continuation"`
}

type DocumentStore interface {
	Create(ctx context.Context, doc model.Document, opts RequestOptions) error
	Read(ctx context.Context, id string, opts RequestOptions, out model.Document) error
	ReadDocument(ctx context.Context, id string, opts RequestOptions) (model.Document, error)
	Replace(ctx context.Context, doc model.Document, opts RequestOptions) error
	Upsert(ctx context.Context, doc model.Document, opts RequestOptions) error
	Patch(ctx context.Context, id string, ops []PatchOperation, opts RequestOptions) (string, error)
	Delete(ctx context.Context, id string, opts RequestOptions) error

	Query(ctx context.Context, q Query) (*Page, error)
	Count(ctx context.Context, partition string, filter Filter) (int64, error)
	Distinct(ctx context.Context, partition, field string, filter Filter) ([]string, error)

	ExecuteProcedure(ctx context.Context, name string, opts RequestOptions, args ...any) (ProcedureResult, error)

	Ping(ctx context.Context) error
}

// DecodeAll decodes every document of a page into T.
func DecodeAll[T any](page *Page) ([]*T, error) {
	out := make([]*T, 0, len(page.Documents))
	for _, raw := range page.Documents {
		var v T
		if err := bson.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}
