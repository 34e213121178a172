package checkpoint

//go:generate mockgen -destination=mocks_test.go -package=checkpoint github.com/i-melnichenko/checkpoint-lab/internal/collective Group

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/i-melnichenko/checkpoint-lab/internal/collective"
)

// Coordinator runs the gather, merge, distribute pattern of the checkpoint
// protocol over a collective group. A nil group is the degenerate single
// participant with no communication.
type Coordinator struct {
	group           collective.Group
	coordinatorRank int
}

// NewCoordinator wraps a group. Exactly one rank, coordinatorRank, performs
// the merge steps.
func NewCoordinator(group collective.Group, coordinatorRank int) (*Coordinator, error) {
	if group == nil {
		if coordinatorRank != 0 {
			return nil, fmt.Errorf("checkpoint: coordinator rank %d requires a group", coordinatorRank)
		}
		return &Coordinator{}, nil
	}
	if coordinatorRank < 0 || coordinatorRank >= group.Size() {
		return nil, fmt.Errorf("checkpoint: coordinator rank %d out of range for group of %d", coordinatorRank, group.Size())
	}
	return &Coordinator{group: group, coordinatorRank: coordinatorRank}, nil
}

// Rank returns this participant's rank, zero without a group.
func (c *Coordinator) Rank() int {
	if c.group == nil {
		return 0
	}
	return c.group.Rank()
}

// Size returns the number of participants, one without a group.
func (c *Coordinator) Size() int {
	if c.group == nil {
		return 1
	}
	return c.group.Size()
}

// IsCoordinator reports whether this rank performs the merge steps.
func (c *Coordinator) IsCoordinator() bool {
	return c.Rank() == c.coordinatorRank
}

// CollectiveError reports a failed collective operation: the rank where the
// failure originated and its cause. Every participant blocked on the same
// operation receives it, not only the failing rank.
type CollectiveError struct {
	Tag  string
	Rank int
	Err  error
}

func (e *CollectiveError) Error() string {
	return fmt.Sprintf("checkpoint: collective %q failed on rank %d: %v", e.Tag, e.Rank, e.Err)
}

func (e *CollectiveError) Unwrap() error { return e.Err }

// stepEnvelope frames one participant's contribution to a collective round.
// A failed local step travels as OK=false instead of a payload, so the
// coordinator can abort the round and no peer is left blocked.
type stepEnvelope struct {
	OK   bool            `json:"ok"`
	Rank int             `json:"rank"`
	Err  string          `json:"err,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ReduceScatter runs local on every rank, gathers the values at the
// coordinator in rank order, lets global merge them, and hands rank i
// element i of the merged sequence. The aggregate is returned on the
// coordinator only; other ranks get its zero value. Without a group, or
// with a single participant, global runs directly on the one local value.
func ReduceScatter[T, G any](ctx context.Context, c *Coordinator, tag string, local func() (T, error), global func([]T) ([]T, G, error)) (T, G, error) {
	var zeroT T
	var zeroG G

	if c.Size() <= 1 {
		value, err := local()
		if err != nil {
			return zeroT, zeroG, &CollectiveError{Tag: tag, Rank: c.Rank(), Err: err}
		}
		out, agg, err := global([]T{value})
		if err != nil {
			return zeroT, zeroG, &CollectiveError{Tag: tag, Rank: c.Rank(), Err: err}
		}
		if len(out) != 1 {
			return zeroT, zeroG, &CollectiveError{Tag: tag, Rank: c.Rank(), Err: fmt.Errorf("global step returned %d values for one rank", len(out))}
		}
		return out[0], agg, nil
	}

	rank := c.Rank()
	size := c.Size()

	value, localErr := local()
	payload, err := marshalContribution(tag, rank, value, localErr)
	if err != nil {
		return zeroT, zeroG, err
	}

	gathered, err := c.group.Gather(ctx, tag, payload, c.coordinatorRank)
	if err != nil {
		return zeroT, zeroG, fmt.Errorf("checkpoint: collective %q gather: %w", tag, err)
	}

	// ownErr tracks a failure that originated on this rank so the abort
	// round trip does not flatten its error chain.
	ownErr := localErr

	var agg G
	var replies [][]byte
	if c.IsCoordinator() {
		values, abort := decodeContributions[T](gathered, size, rank)
		if abort == nil {
			out, g, gerr := global(values)
			switch {
			case gerr != nil:
				ownErr = gerr
				abort = &stepEnvelope{Rank: rank, Err: gerr.Error()}
			case len(out) != size:
				abort = &stepEnvelope{Rank: rank, Err: fmt.Sprintf("global step returned %d values for %d ranks", len(out), size)}
			default:
				agg = g
				replies, abort = marshalReplies(out, rank)
			}
		}
		if abort != nil {
			replies, err = abortPayloads(*abort, size)
			if err != nil {
				return zeroT, zeroG, err
			}
		}
	}

	reply, err := c.group.Scatter(ctx, tag, replies, c.coordinatorRank)
	if err != nil {
		return zeroT, zeroG, fmt.Errorf("checkpoint: collective %q scatter: %w", tag, err)
	}

	env, err := decodeReply(tag, rank, reply, ownErr)
	if err != nil {
		return zeroT, zeroG, err
	}
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return zeroT, zeroG, fmt.Errorf("checkpoint: collective %q: decode assigned value: %w", tag, err)
	}
	return out, agg, nil
}

// AllReduce runs local on every rank, gathers the values at the coordinator
// in rank order, and distributes the single aggregate global computes back
// to everyone. The coordinator marshals the aggregate exactly once and even
// decodes its own copy from those bytes, so all ranks hold an identical
// value after the call.
func AllReduce[T, G any](ctx context.Context, c *Coordinator, tag string, local func() (T, error), global func([]T) (G, error)) (G, error) {
	var zeroG G

	if c.Size() <= 1 {
		value, err := local()
		if err != nil {
			return zeroG, &CollectiveError{Tag: tag, Rank: c.Rank(), Err: err}
		}
		agg, err := global([]T{value})
		if err != nil {
			return zeroG, &CollectiveError{Tag: tag, Rank: c.Rank(), Err: err}
		}
		return agg, nil
	}

	rank := c.Rank()
	size := c.Size()

	value, localErr := local()
	payload, err := marshalContribution(tag, rank, value, localErr)
	if err != nil {
		return zeroG, err
	}

	gathered, err := c.group.Gather(ctx, tag, payload, c.coordinatorRank)
	if err != nil {
		return zeroG, fmt.Errorf("checkpoint: collective %q gather: %w", tag, err)
	}

	// ownErr tracks a failure that originated on this rank so the abort
	// round trip does not flatten its error chain.
	ownErr := localErr

	var announce []byte
	if c.IsCoordinator() {
		values, abort := decodeContributions[T](gathered, size, rank)
		if abort == nil {
			agg, gerr := global(values)
			if gerr != nil {
				ownErr = gerr
				abort = &stepEnvelope{Rank: rank, Err: gerr.Error()}
			} else if announce, gerr = marshalAggregate(agg, rank); gerr != nil {
				abort = &stepEnvelope{Rank: rank, Err: gerr.Error()}
			}
		}
		if abort != nil {
			announce, err = json.Marshal(*abort)
			if err != nil {
				return zeroG, fmt.Errorf("checkpoint: collective %q: encode abort: %w", tag, err)
			}
		}
	}

	reply, err := c.group.Broadcast(ctx, tag, announce, c.coordinatorRank)
	if err != nil {
		return zeroG, fmt.Errorf("checkpoint: collective %q broadcast: %w", tag, err)
	}

	env, err := decodeReply(tag, rank, reply, ownErr)
	if err != nil {
		return zeroG, err
	}
	var agg G
	if err := json.Unmarshal(env.Data, &agg); err != nil {
		return zeroG, fmt.Errorf("checkpoint: collective %q: decode aggregate: %w", tag, err)
	}
	return agg, nil
}

// marshalContribution builds the gather payload for one rank. A local step
// failure, and likewise an unencodable value, travels as an error marker
// instead of a payload so peers are not left blocked in the round.
func marshalContribution[T any](tag string, rank int, value T, localErr error) ([]byte, error) {
	env := stepEnvelope{OK: localErr == nil, Rank: rank}
	if localErr != nil {
		env.Err = localErr.Error()
	} else {
		data, err := json.Marshal(value)
		if err != nil {
			env.OK = false
			env.Err = fmt.Sprintf("encode %q contribution: %v", tag, err)
		} else {
			env.Data = data
		}
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: collective %q: encode envelope: %w", tag, err)
	}
	return payload, nil
}

// decodeContributions unwraps the gathered envelopes in rank order. It
// returns either every rank's value or the abort to publish: the first
// failing rank wins, a malformed contribution is blamed on its sender.
func decodeContributions[T any](gathered [][]byte, size, coordinatorRank int) ([]T, *stepEnvelope) {
	if len(gathered) != size {
		return nil, &stepEnvelope{
			Rank: coordinatorRank,
			Err:  fmt.Sprintf("gathered %d contributions for %d ranks", len(gathered), size),
		}
	}
	values := make([]T, size)
	for i, payload := range gathered {
		var env stepEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, &stepEnvelope{Rank: i, Err: fmt.Sprintf("malformed contribution: %v", err)}
		}
		if !env.OK {
			return nil, &stepEnvelope{Rank: env.Rank, Err: env.Err}
		}
		if err := json.Unmarshal(env.Data, &values[i]); err != nil {
			return nil, &stepEnvelope{Rank: i, Err: fmt.Sprintf("malformed contribution value: %v", err)}
		}
	}
	return values, nil
}

// marshalReplies wraps each merged value in a success envelope for scatter.
func marshalReplies[T any](out []T, coordinatorRank int) ([][]byte, *stepEnvelope) {
	replies := make([][]byte, len(out))
	for i, v := range out {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, &stepEnvelope{Rank: coordinatorRank, Err: fmt.Sprintf("encode value for rank %d: %v", i, err)}
		}
		payload, err := json.Marshal(stepEnvelope{OK: true, Rank: i, Data: data})
		if err != nil {
			return nil, &stepEnvelope{Rank: coordinatorRank, Err: fmt.Sprintf("encode reply for rank %d: %v", i, err)}
		}
		replies[i] = payload
	}
	return replies, nil
}

func marshalAggregate[G any](agg G, coordinatorRank int) ([]byte, error) {
	data, err := json.Marshal(agg)
	if err != nil {
		return nil, fmt.Errorf("encode aggregate: %w", err)
	}
	return json.Marshal(stepEnvelope{OK: true, Rank: coordinatorRank, Data: data})
}

// abortPayloads replicates one abort envelope for every rank.
func abortPayloads(abort stepEnvelope, size int) ([][]byte, error) {
	payload, err := json.Marshal(abort)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode abort: %w", err)
	}
	replies := make([][]byte, size)
	for i := range replies {
		replies[i] = payload
	}
	return replies, nil
}

// decodeReply unwraps the distributed envelope. On an abort, the failing
// rank surfaces its own original error so callers can match on it with
// errors.Is; other ranks get the propagated description.
func decodeReply(tag string, rank int, reply []byte, localErr error) (stepEnvelope, error) {
	var env stepEnvelope
	if err := json.Unmarshal(reply, &env); err != nil {
		return env, fmt.Errorf("checkpoint: collective %q: decode reply: %w", tag, err)
	}
	if env.OK {
		return env, nil
	}
	if env.Rank == rank && localErr != nil {
		return env, &CollectiveError{Tag: tag, Rank: rank, Err: localErr}
	}
	return env, &CollectiveError{Tag: tag, Rank: env.Rank, Err: errors.New(env.Err)}
}
