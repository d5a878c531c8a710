//go:build !linux && !darwin

package procpool

import "errors"

// getPeerCredentials is unsupported on this platform. Peer-credential
// verification is a hardening layer, not a correctness requirement; callers
// that need it on an unsupported platform must disable RequireSameUser/
// AllowedUIDs/AllowedGIDs checks explicitly, since they cannot be honored.
func getPeerCredentials(fd int) (*PeerCredentials, error) {
	return nil, errors.New("procpool: peer credential verification unsupported on this platform")
}
