package contracts

import (
	"context"

	"github.com/julienschmidt/httprouter"
)

type Handler interface {
	RegisterRoutes(*httprouter.Router)
}

// Worker is a long-running background loop owned by the application. Run
// returns when ctx is cancelled.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}
