package writer

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/nullstream/gauged/gaugederrors"
)

// KV is one key/value pair of a write batch.
type KV struct {
	Key   string
	Value float64
}

// Input is the sum type behind Add's heterogeneous argument: a single
// measurement, a pair list, a mapping, or a URL-encoded query string all
// funnel through toPairs into one normalized []KV path.
type Input interface {
	toPairs() ([]KV, error)
}

// Measurement is a single (key, value) input.
type Measurement struct {
	Key   string
	Value float64
}

func (m Measurement) toPairs() ([]KV, error) {
	return []KV{{Key: m.Key, Value: m.Value}}, nil
}

// Pairs is an explicit ordered list of KV inputs.
type Pairs []KV

func (p Pairs) toPairs() ([]KV, error) {
	return []KV(p), nil
}

// Mapping is an unordered key/value input; iteration order is
// nondeterministic, matching Go's native map semantics.
type Mapping map[string]float64

func (m Mapping) toPairs() ([]KV, error) {
	out := make([]KV, 0, len(m))
	for k, v := range m {
		out = append(out, KV{Key: k, Value: v})
	}
	return out, nil
}

// QueryString is a URL-encoded "key=value&key2=value2" input, parsed with
// the same net/url query parser the store-level query parser uses.
type QueryString string

func (q QueryString) toPairs() ([]KV, error) {
	values, err := url.ParseQuery(string(q))
	if err != nil {
		return nil, gaugederrors.New(gaugederrors.KindArgument, fmt.Sprintf("writer: invalid query string: %v", err))
	}
	out := make([]KV, 0, len(values))
	for k, vs := range values {
		if len(vs) == 0 {
			continue
		}
		f, err := strconv.ParseFloat(vs[0], 64)
		if err != nil {
			return nil, gaugederrors.New(gaugederrors.KindArgument, fmt.Sprintf("writer: non-numeric value for key %q", k))
		}
		out = append(out, KV{Key: k, Value: f})
	}
	return out, nil
}
