package task

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

var allStatuses = []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCanceled}

// Any sequence of requested transitions leaves a path through the DAG, and
// once terminal the status never changes again.
func TestProperty_StatusTransitionsFollowDAG(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("registry only accepts DAG edges and terminal states absorb", prop.ForAll(
		func(steps []int) bool {
			ctx := context.Background()
			r := NewRegistry(NewMemoryStore(), zap.NewNop(), nil)
			tk, err := r.Create(ctx, CreateRequest{Topic: "p", OwnerID: "o"})
			if err != nil {
				return false
			}

			current := StatusPending
			for _, i := range steps {
				to := allStatuses[i]
				got, err := r.Transition(ctx, tk.ID, to)
				legal := current.CanTransition(to)
				if legal != (err == nil) {
					t.Logf("%s -> %s: legal=%v err=%v", current, to, legal, err)
					return false
				}
				if err == nil {
					if current.IsTerminal() {
						return false
					}
					current = got.Status
				}
			}

			stored, err := r.Get(ctx, tk.ID)
			return err == nil && stored.Status == current
		},
		gen.SliceOf(gen.IntRange(0, len(allStatuses)-1)),
	))

	properties.Property("terminal states have no outgoing edges", prop.ForAll(
		func(from, to int) bool {
			f := allStatuses[from]
			if f.IsTerminal() {
				return !f.CanTransition(allStatuses[to])
			}
			return true
		},
		gen.IntRange(0, len(allStatuses)-1),
		gen.IntRange(0, len(allStatuses)-1),
	))

	properties.TestingRun(t)
}
