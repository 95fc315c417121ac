package model

// The job framework owns the full schema of these kinds; only the fields the
// storage layer touches are mapped here.

type Job struct {
	Base           `bson:",inline"`
	InvocationData string            `bson:"data" json:"data"`
	Arguments      string            `bson:"arguments" json:"arguments"`
	StateName      string            `bson:"state_name,omitempty" json:"state_name,omitempty"`
	Parameters     map[string]string `bson:"parameters,omitempty" json:"parameters,omitempty"`
	CreatedOn      int64             `bson:"created_on" json:"created_on"`
}

type Server struct {
	Base          `bson:",inline"`
	ServerID      string   `bson:"server_id" json:"server_id"`
	Workers       int      `bson:"workers" json:"workers"`
	Queues        []string `bson:"queues" json:"queues"`
	CreatedOn     int64    `bson:"created_on" json:"created_on"`
	LastHeartbeat int64    `bson:"last_heartbeat" json:"last_heartbeat"`
}

type Counter struct {
	Base  `bson:",inline"`
	Key   string `bson:"key" json:"key"`
	Value int64  `bson:"value" json:"value"`
}

type Hash struct {
	Base  `bson:",inline"`
	Key   string `bson:"key" json:"key"`
	Field string `bson:"field" json:"field"`
	Value string `bson:"value" json:"value"`
}

type Set struct {
	Base  `bson:",inline"`
	Key   string  `bson:"key" json:"key"`
	Value string  `bson:"value" json:"value"`
	Score float64 `bson:"score" json:"score"`
}

type List struct {
	Base      `bson:",inline"`
	Key       string `bson:"key" json:"key"`
	Value     string `bson:"value" json:"value"`
	CreatedOn int64  `bson:"created_on" json:"created_on"`
}
