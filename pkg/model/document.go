package model

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// DocumentType is the integer discriminator stored in every document's
// "type" field.
type DocumentType int

const (
	TypeJob     DocumentType = 1
	TypeServer  DocumentType = 2
	TypeCounter DocumentType = 3
	TypeHash    DocumentType = 4
	TypeSet     DocumentType = 5
	TypeList    DocumentType = 6
	TypeQueue   DocumentType = 7
	TypeLock    DocumentType = 8
)

func (t DocumentType) String() string {
	switch t {
	case TypeJob:
		return "job"
	case TypeServer:
		return "server"
	case TypeCounter:
		return "counter"
	case TypeHash:
		return "hash"
	case TypeSet:
		return "set"
	case TypeList:
		return "list"
	case TypeQueue:
		return "queue"
	case TypeLock:
		return "lock"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Partition keys. Every document lives in the partition of its category.
const (
	PartitionJob     = "job"
	PartitionServer  = "server"
	PartitionCounter = "counter"
	PartitionHash    = "hash"
	PartitionSet     = "set"
	PartitionList    = "list"
	PartitionQueue   = "queue"
	PartitionLock    = "lock"
)

// Field names shared by store filters, patches and indexes.
const (
	FieldID        = "_id"
	FieldType      = "type"
	FieldPartition = "partition"
	FieldETag      = "_etag"
	FieldExpireOn  = "expire_on"
)

var ErrUnknownDocumentType = errors.New("unknown document type")

// Base carries the envelope fields every stored document has.
type Base struct {
	ID        string       `bson:"_id" json:"id"`
	Type      DocumentType `bson:"type" json:"type"`
	Partition string       `bson:"partition" json:"partition"`
	ETag      string       `bson:"_etag,omitempty" json:"etag,omitempty"`
	ExpireOn  *int64       `bson:"expire_on,omitempty" json:"expire_on,omitempty"`
}

func (b *Base) Meta() *Base {
	return b
}

// Document is implemented by every concrete document kind through its
// embedded Base.
type Document interface {
	Meta() *Base
}

// DecodeDocument decodes raw into the concrete kind named by its type
// discriminator. Unrecognised discriminators are an error.
func DecodeDocument(raw bson.Raw) (Document, error) {
	typeValue, err := raw.LookupErr(FieldType)
	if err != nil {
		return nil, fmt.Errorf("%w: missing %q field", ErrUnknownDocumentType, FieldType)
	}
	var discriminator int64
	if v, ok := typeValue.Int32OK(); ok {
		discriminator = int64(v)
	} else if v, ok := typeValue.Int64OK(); ok {
		discriminator = v
	} else {
		return nil, fmt.Errorf("%w: non-integer discriminator %s", ErrUnknownDocumentType, typeValue.Type)
	}

	var doc Document
	switch DocumentType(discriminator) {
	case TypeJob:
		doc = &Job{}
	case TypeServer:
		doc = &Server{}
	case TypeCounter:
		doc = &Counter{}
	case TypeHash:
		doc = &Hash{}
	case TypeSet:
		doc = &Set{}
	case TypeList:
		doc = &List{}
	case TypeQueue:
		doc = &QueueItem{}
	case TypeLock:
		doc = &Lock{}
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDocumentType, discriminator)
	}

	if err := bson.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s document: %w", DocumentType(discriminator), err)
	}
	return doc, nil
}
