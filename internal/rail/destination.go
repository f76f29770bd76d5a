package rail

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ashita-ai/takara/internal/model"
)

var (
	evmAddressRe  = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	tronAddressRe = regexp.MustCompile(`^T[a-zA-Z0-9]{33}$`)
	// Lightning addresses look like email: user@domain.
	lightningAddrRe = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// ValidateDestination checks that a withdrawal destination is well-formed for
// the given rail. Validation happens before any state mutation; a bad
// destination never reaches the provider.
func ValidateDestination(r model.Rail, destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return fmt.Errorf("%w: empty destination", ErrInvalidDestination)
	}

	switch r {
	case model.RailOnchain, model.RailRelayed:
		if !evmAddressRe.MatchString(destination) {
			return fmt.Errorf("%w: %q is not a valid EVM address", ErrInvalidDestination, destination)
		}
	case model.RailCustodial:
		if !tronAddressRe.MatchString(destination) {
			return fmt.Errorf("%w: %q is not a valid TRC-20 address", ErrInvalidDestination, destination)
		}
	case model.RailLightning, model.RailEcash:
		if strings.HasPrefix(strings.ToLower(destination), "lnbc") {
			return nil
		}
		if !lightningAddrRe.MatchString(destination) {
			return fmt.Errorf("%w: %q is neither a bolt11 invoice nor a lightning address", ErrInvalidDestination, destination)
		}
	default:
		return fmt.Errorf("%w: unknown rail %q", ErrInvalidDestination, r)
	}
	return nil
}
