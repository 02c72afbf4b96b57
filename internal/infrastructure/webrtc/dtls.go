package webrtc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"strings"

	"rillcall/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// Identity is a DTLS certificate and the fingerprints advertised for it.
type Identity struct {
	Certificate  *webrtc.Certificate
	Fingerprints []domain.DtlsFingerprint
}

// NewIdentity generates an ECDSA P-256 certificate.
func NewIdentity() (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}
	fps, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("certificate fingerprints: %w", err)
	}

	id := &Identity{Certificate: cert}
	for _, fp := range fps {
		id.Fingerprints = append(id.Fingerprints, domain.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return id, nil
}

// DtlsParameters advertises the identity with role.
func (id *Identity) DtlsParameters(role domain.DtlsRole) domain.DtlsParameters {
	return domain.DtlsParameters{
		Role:         role,
		Fingerprints: append([]domain.DtlsFingerprint(nil), id.Fingerprints...),
	}
}

// NewIceParameters returns random ICE credentials.
func NewIceParameters() domain.IceParameters {
	return domain.IceParameters{
		UsernameFragment: strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Password:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		IceLite:          true,
	}
}

// localRole picks the DTLS role opposite to the remote one.
func localRole(remote domain.DtlsRole) domain.DtlsRole {
	if remote == domain.DtlsRoleClient {
		return domain.DtlsRoleServer
	}
	return domain.DtlsRoleClient
}
