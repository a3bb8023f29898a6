package quality

import (
	"fmt"

	"github.com/Iron-Ham/taskmesh/internal/config"
)

// FromConfig builds a gate from the quality section. Verifiers without a
// command fall back to the built-in heuristic for their category; lint and
// typecheck have none and require a command.
func FromConfig(cfg config.QualityConfig, opts ...Option) (*Gate, error) {
	var verifiers []Verifier
	for _, vc := range cfg.Verifiers {
		v, err := buildVerifier(vc)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, v)
	}
	base := []Option{
		WithWeights(cfg.Weights),
		WithMinScore(cfg.MinScore),
		WithTimeout(cfg.Timeout()),
	}
	return NewGate(verifiers, append(base, opts...)...), nil
}

func buildVerifier(vc config.VerifierConfig) (Verifier, error) {
	switch vc.Name {
	case Tests:
		if vc.CoverProfile != "" {
			return NewCoverageVerifier(vc.CoverProfile, vc.Command)
		}
		return NewCommandVerifier(vc.Name, vc.Command)
	case Security:
		if len(vc.Command) > 0 {
			return NewCommandVerifier(vc.Name, vc.Command)
		}
		return NewSecurityVerifier(nil), nil
	case Performance:
		if len(vc.Command) > 0 {
			return NewCommandVerifier(vc.Name, vc.Command)
		}
		return NewPerformanceVerifier(nil), nil
	case Maintainability:
		if len(vc.Command) > 0 {
			return NewCommandVerifier(vc.Name, vc.Command)
		}
		return NewMaintainabilityVerifier(), nil
	case Lint, TypeCheck:
		return NewCommandVerifier(vc.Name, vc.Command)
	}
	return nil, fmt.Errorf("unknown verifier %q", vc.Name)
}
