package model

import "time"

const (
	FieldLockName = "name"
	FieldExpireAt = "expire_at"

	lockIDPrefix = "locks:"
)

// Lock represents ownership of a named critical section. The store deletes
// it once ExpireAt passes, which bounds how long a crashed holder blocks
// everyone else.
type Lock struct {
	Base      `bson:",inline"`
	Name      string    `bson:"name" json:"name"`
	CreatedOn int64     `bson:"created_on" json:"created_on"`
	ExpireAt  time.Time `bson:"expire_at" json:"expire_at"`
	TTL       int64     `bson:"ttl" json:"ttl"`
}

func LockID(name string) string {
	return lockIDPrefix + name
}

func NewLock(name string, now time.Time, ttl time.Duration) *Lock {
	return &Lock{
		Base: Base{
			ID:        LockID(name),
			Type:      TypeLock,
			Partition: PartitionLock,
		},
		Name:      name,
		CreatedOn: now.Unix(),
		ExpireAt:  now.Add(ttl).UTC().Truncate(time.Millisecond),
		TTL:       int64(ttl.Seconds()),
	}
}

func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpireAt)
}
