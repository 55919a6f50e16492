package wire

import "fmt"

// FilterKind discriminates the filter union.
type FilterKind string

const (
	// FilterAll passes every payload.
	FilterAll FilterKind = "all"
	// FilterPredefined selects one of the built-in server-side filters by name.
	FilterPredefined FilterKind = "predefined"
	// FilterCustom carries an opaque blob interpreted by the target actor.
	FilterCustom FilterKind = "custom"
)

// Names of the built-in predefined filters.
const (
	// FilterChanged drops payloads byte-equal to the last passed payload.
	FilterChanged = "changed"
	// FilterNonEmpty drops empty JSON arrays, objects and strings.
	FilterNonEmpty = "nonEmpty"
	// FilterThreshold compares a numeric payload value against a threshold.
	FilterThreshold = "threshold"
)

// Parameter keys understood by the threshold filter.
const (
	// ThresholdParamOperator selects the comparison: gt, gte, lt, lte, eq, neq.
	ThresholdParamOperator = "operator"
	// ThresholdParamValue is the numeric comparison operand.
	ThresholdParamValue = "value"
	// ThresholdParamField optionally names a dotted path into the payload.
	ThresholdParamField = "field"
)

// Filter selects which stream payloads a subscriber receives. It is a tagged
// union: Kind determines which of the remaining fields are meaningful.
type Filter struct {
	// Kind discriminates the union.
	Kind FilterKind `json:"kind"`
	// Name selects the predefined filter when Kind is FilterPredefined.
	Name string `json:"name,omitempty"`
	// Params carries predefined-filter parameters.
	Params map[string]string `json:"params,omitempty"`
	// Custom is the opaque blob for FilterCustom, delegated to the actor.
	Custom []byte `json:"custom,omitempty"`
}

// AllFilter builds a pass-everything filter.
func AllFilter() *Filter { return &Filter{Kind: FilterAll} }

// PredefinedFilter builds a filter selecting a built-in by name.
func PredefinedFilter(name string, params map[string]string) *Filter {
	return &Filter{Kind: FilterPredefined, Name: name, Params: params}
}

// CustomFilter builds a filter carrying an opaque actor-interpreted blob.
func CustomFilter(blob []byte) *Filter {
	return &Filter{Kind: FilterCustom, Custom: blob}
}

// Validate checks structural consistency of the union.
func (f *Filter) Validate() error {
	switch f.Kind {
	case FilterAll:
		return nil
	case FilterPredefined:
		switch f.Name {
		case FilterChanged, FilterNonEmpty, FilterThreshold:
			return nil
		default:
			return fmt.Errorf("unknown predefined filter %q", f.Name)
		}
	case FilterCustom:
		return nil
	default:
		return fmt.Errorf("unknown filter kind %q", f.Kind)
	}
}
