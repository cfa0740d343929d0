package rules

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Rule documents travel as canonical JSON: stable field order (struct
// declaration order), sorted map keys, RFC3339 UTC timestamps. Decoding is
// strict; unknown fields reject the document at the boundary.
var (
	canonical = sonic.Config{
		SortMapKeys:             true,
		DisallowUnknownFields:   true,
		NoNullSliceOrMap:        true,
		CompactMarshaler:        true,
		ValidateString:          true,
		NoValidateJSONMarshaler: false,
	}.Froze()
)

// Encode renders the rule as canonical JSON.
func Encode(r *Rule) ([]byte, error) {
	b, err := canonical.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode rule: %w", err)
	}
	return b, nil
}

// Decode parses a canonical rule document. Unknown fields are rejected;
// the decoded rule is NOT yet validated (see Rule.Validate / Store.Install).
func Decode(data []byte) (*Rule, error) {
	var r Rule
	if err := canonical.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}
	return &r, nil
}
