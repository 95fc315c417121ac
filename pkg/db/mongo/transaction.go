package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"jobstore/internal/store"
	"jobstore/pkg/logger"
)

// ScriptFunc is one server-side script run inside a session.
type ScriptFunc func(ctx mongo.SessionContext) (store.ProcedureResult, error)

type TransactionManager interface {
	RunScript(ctx context.Context, name string, fn ScriptFunc) (store.ProcedureResult, error)
}

type sessionStarter interface {
	StartSession(opts ...*options.SessionOptions) (mongo.Session, error)
}

type mongoTransactionManager struct {
	client sessionStarter
	log    *logger.Logger
}

func NewTransactionManager(client *mongo.Client, log *logger.Logger) TransactionManager {
	return newTransactionManager(client, log)
}

func newTransactionManager(client sessionStarter, log *logger.Logger) *mongoTransactionManager {
	return &mongoTransactionManager{
		client: client,
		log:    log.WithComponent("mongo_tx"),
	}
}

// RunScript runs fn in a transaction and returns its result once committed.
// The driver retries transient transaction errors itself; anything left is
// returned to the caller.
func (m *mongoTransactionManager) RunScript(ctx context.Context, name string, fn ScriptFunc) (store.ProcedureResult, error) {
	session, err := m.client.StartSession()
	if err != nil {
		return store.ProcedureResult{}, fmt.Errorf("failed to start session for %s: %w", name, err)
	}
	defer session.EndSession(context.WithoutCancel(ctx))

	out, err := session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (any, error) {
		return fn(sessCtx)
	})
	if err != nil {
		m.log.Warn("Script transaction failed", "procedure", name, "error", err)
		return store.ProcedureResult{}, scriptError(name, err)
	}

	result, ok := out.(store.ProcedureResult)
	if !ok {
		return store.ProcedureResult{}, fmt.Errorf("script %s returned %T", name, out)
	}
	m.log.Debug("Script transaction committed",
		"procedure", name,
		"affected", result.Affected,
		"continuation", result.Continuation,
	)
	return result, nil
}

// scriptError keeps a throttling response as the bare *store.ThrottledError
// so the retry executor can honour its back-off.
func scriptError(name string, err error) error {
	var throttled *store.ThrottledError
	if errors.As(err, &throttled) {
		return throttled
	}
	return fmt.Errorf("script %s transaction failed: %w", name, err)
}
