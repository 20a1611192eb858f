package agents

import (
	"bytes"
	"context"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"

	"github.com/deepnoodle-ai/durable"
)

const defaultCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomInput defines the input of the random agent
type RandomInput struct {
	Type    string  `json:"type"` // uuid, number, integer, string, choice, boolean
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Length  int     `json:"length"`
	Charset string  `json:"charset"`
	Choices []any   `json:"choices"`
	Count   int     `json:"count"`
	Seed    *uint64 `json:"seed"`
}

// Random generates random values. A seed makes the output reproducible, which
// matters when a step may run again after a crash.
type Random struct{}

func NewRandom() *Random {
	return &Random{}
}

func (a *Random) Name() string {
	return "random"
}

func (a *Random) Execute(ctx context.Context, req *durable.AgentRequest) (any, error) {
	var input RandomInput
	if err := req.Decode(&input); err != nil {
		return nil, err
	}
	if input.Type == "" {
		input.Type = "uuid"
	}
	if input.Count <= 0 {
		input.Count = 1
	}
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	if input.Seed != nil {
		rng = rand.New(rand.NewPCG(*input.Seed, *input.Seed))
	}

	values := make([]any, input.Count)
	for i := range values {
		switch strings.ToLower(input.Type) {
		case "uuid":
			if input.Seed != nil {
				var b [16]byte
				for j := range b {
					b[j] = byte(rng.UintN(256))
				}
				id, err := uuid.NewRandomFromReader(bytes.NewReader(b[:]))
				if err != nil {
					return nil, err
				}
				values[i] = id.String()
			} else {
				values[i] = uuid.NewString()
			}
		case "number":
			if input.Max < input.Min {
				return nil, durable.NewError(durable.ErrorCodeValidation, "max must not be less than min")
			}
			values[i] = input.Min + rng.Float64()*(input.Max-input.Min)
		case "integer":
			lo, hi := int64(input.Min), int64(input.Max)
			if hi < lo {
				return nil, durable.NewError(durable.ErrorCodeValidation, "max must not be less than min")
			}
			values[i] = lo + rng.Int64N(hi-lo+1)
		case "string":
			length := input.Length
			if length <= 0 {
				length = 16
			}
			charset := []rune(input.Charset)
			if len(charset) == 0 {
				charset = []rune(defaultCharset)
			}
			out := make([]rune, length)
			for j := range out {
				out[j] = charset[rng.IntN(len(charset))]
			}
			values[i] = string(out)
		case "choice":
			if len(input.Choices) == 0 {
				return nil, durable.NewError(durable.ErrorCodeValidation, "choice requires 'choices' input")
			}
			values[i] = input.Choices[rng.IntN(len(input.Choices))]
		case "boolean":
			values[i] = rng.IntN(2) == 1
		default:
			return nil, durable.Errorf(durable.ErrorCodeValidation, "unsupported random type: %s", input.Type)
		}
	}
	if input.Count == 1 {
		return map[string]any{"value": values[0]}, nil
	}
	return map[string]any{"values": values}, nil
}
