package policy

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// LoadFile reads a policy set from YAML. Unknown keys are rejected so a typo
// in a rule never silently widens access.
func LoadFile(path string) (domain.PolicySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.PolicySet{}, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (domain.PolicySet, error) {
	var set domain.PolicySet
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil {
		return domain.PolicySet{}, domain.WrapError(domain.ErrValidation, "parse policy", err)
	}
	if err := set.Validate(); err != nil {
		return domain.PolicySet{}, err
	}
	return set, nil
}
