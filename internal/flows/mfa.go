package flows

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/emileswarts/hmppsauth/identity"
)

// MFAMode is a client's MFA policy.
type MFAMode string

const (
	MFAModeNone             MFAMode = "none"
	MFAModeUntrustedNetwork MFAMode = "untrusted-network"
	MFAModeAll              MFAMode = "all"
)

func ParseMFAMode(value string) (MFAMode, error) {
	switch m := MFAMode(strings.ToLower(strings.TrimSpace(value))); m {
	case "", MFAModeNone:
		return MFAModeNone, nil
	case MFAModeUntrustedNetwork, MFAModeAll:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mfa mode %q", value)
	}
}

// MFAInput is everything the MFA decision depends on.
type MFAInput struct {
	Mode                   MFAMode
	OutsideApprovedNetwork bool
	Source                 identity.AuthSource
	Passed                 bool
	// Exempt is the result of the injectable per-client override rule.
	Exempt bool
}

type MFADecision struct {
	Required bool
	Reason   string
}

// EvaluateMFA decides whether a second factor is needed.
//
//	all               -> required unless already passed
//	untrusted-network -> required off the approved networks, unless passed
//	none / unset      -> never
//
// Federated logins are never challenged: the directory enforces its own second
// factor before issuing the ID token.
func EvaluateMFA(in MFAInput) MFADecision {
	switch {
	case in.Passed:
		return MFADecision{Reason: "passed"}
	case in.Exempt:
		return MFADecision{Reason: "exempt"}
	case in.Source == identity.SourceFederated:
		return MFADecision{Reason: "federated"}
	}

	switch in.Mode {
	case MFAModeAll:
		return MFADecision{Required: true, Reason: "all"}
	case MFAModeUntrustedNetwork:
		if in.OutsideApprovedNetwork {
			return MFADecision{Required: true, Reason: "untrusted-network"}
		}
		return MFADecision{Reason: "approved-network"}
	default:
		return MFADecision{Reason: "none"}
	}
}

// ApprovedNetworks is a parsed CIDR allow-list.
type ApprovedNetworks []netip.Prefix

func ParseApprovedNetworks(cidrs []string) (ApprovedNetworks, error) {
	out := make(ApprovedNetworks, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("approved network %q: %w", raw, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("approved network %q: %w", raw, err)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

// Outside reports whether origin is not covered by any approved network. An
// origin that does not parse is outside.
func (n ApprovedNetworks) Outside(origin string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(origin))
	if err != nil {
		return true
	}
	addr = addr.Unmap()
	for _, p := range n {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// SelectMFADestination picks where a code is sent: the preferred channel when
// it is verified, else the first verified of email, text, secondary email.
func SelectMFADestination(user identity.UserRecord) (identity.MFAPreference, string, bool) {
	usable := func(pref identity.MFAPreference) (string, bool) {
		switch pref {
		case identity.MFAEmail:
			return user.Email, user.EmailVerified && strings.TrimSpace(user.Email) != ""
		case identity.MFAText:
			return user.Mobile, user.MobileVerified && strings.TrimSpace(user.Mobile) != ""
		case identity.MFASecondaryEmail:
			return user.SecondaryEmail, user.SecondaryEmailVerified && strings.TrimSpace(user.SecondaryEmail) != ""
		}
		return "", false
	}

	if dest, ok := usable(user.MFAPreference); ok {
		return user.MFAPreference, dest, true
	}
	for _, pref := range []identity.MFAPreference{identity.MFAEmail, identity.MFAText, identity.MFASecondaryEmail} {
		if dest, ok := usable(pref); ok {
			return pref, dest, true
		}
	}
	return "", "", false
}
