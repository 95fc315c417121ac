package validators

import "go.mongodb.org/mongo-driver/bson"

// DocumentValidator checks the envelope every stored document carries and
// the types of the fields the queue and lock code filter on. Kind-specific
// payload fields are left open.
var DocumentValidator = bson.M{
	"$jsonSchema": bson.M{
		"bsonType":             "object",
		"required":             []string{"_id", "type", "partition"},
		"additionalProperties": true,

		"properties": bson.M{
			"_id": bson.M{
				"bsonType":  "string",
				"minLength": 1,
			},

			"type": bson.M{
				"bsonType": bson.A{"int", "long"},
				"minimum":  1,
				"maximum":  8,
			},

			"partition": bson.M{
				"bsonType": "string",
				"enum": []string{
					"job",
					"server",
					"counter",
					"hash",
					"set",
					"list",
					"queue",
					"lock",
				},
			},

			"_etag": bson.M{
				"bsonType": "string",
			},

			"expire_on": bson.M{
				"bsonType": bson.A{"int", "long", "null"},
			},

			"expire_at": bson.M{
				"bsonType": "date",
			},

			"name": bson.M{
				"bsonType": "string",
			},

			"created_on": bson.M{
				"bsonType": bson.A{"int", "long"},
			},

			"fetched_at": bson.M{
				"bsonType": bson.A{"int", "long", "null"},
			},
		},
	},
}
