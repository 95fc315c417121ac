package store

import "go.mongodb.org/mongo-driver/bson"

type PatchOp string

const (
	PatchSet    PatchOp = "set"
	PatchRemove PatchOp = "remove"
)

// PatchOperation is one partial-update step against a top-level field.
type PatchOperation struct {
	Op    PatchOp
	Path  string
	Value any
}

func Set(path string, value any) PatchOperation {
	return PatchOperation{Op: PatchSet, Path: path, Value: value}
}

func Remove(path string) PatchOperation {
	return PatchOperation{Op: PatchRemove, Path: path}
}

// UpdateDocument renders ops as a $set/$unset update, stamping the new
// version token alongside.
func UpdateDocument(ops []PatchOperation, etag string) bson.M {
	set := bson.M{"_etag": etag}
	unset := bson.M{}
	for _, op := range ops {
		switch op.Op {
		case PatchSet:
			set[op.Path] = op.Value
		case PatchRemove:
			unset[op.Path] = ""
		}
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}
