// Package failure defines the closed failure taxonomy used for logging and display.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKind is returned by ParseKind for names outside the taxonomy.
var ErrUnknownKind = errors.New("failsink: unknown failure kind")

// Kind is one member of the closed set of failure categories.
type Kind int

const (
	KindGeneral Kind = iota
	KindData
	KindNetwork
	KindPermission
	KindPeerConnectivity
)

// Kinds lists every category in declaration order.
var Kinds = []Kind{KindGeneral, KindData, KindNetwork, KindPermission, KindPeerConnectivity}

// Label returns the human readable category label used in summaries.
func (k Kind) Label() string {
	switch k {
	case KindData:
		return "Data Error"
	case KindNetwork:
		return "Network Error"
	case KindPermission:
		return "Permission Error"
	case KindPeerConnectivity:
		return "Peer Connectivity Error"
	default:
		return "General Error"
	}
}

// String returns the machine name used in logs, metrics and config.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindNetwork:
		return "network"
	case KindPermission:
		return "permission"
	case KindPeerConnectivity:
		return "peer_connectivity"
	default:
		return "general"
	}
}

// ParseKind converts a machine name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "general", "":
		return KindGeneral, nil
	case "data":
		return KindData, nil
	case "network":
		return KindNetwork, nil
	case "permission":
		return KindPermission, nil
	case "peer_connectivity", "peer", "connectivity":
		return KindPeerConnectivity, nil
	default:
		return KindGeneral, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// MarshalText encodes the machine name so JSON carries "network", not 2.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Failure is a classified failure carrying a human readable message.
// It is a comparable value; two failures are equal when kind and message match.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// New returns a failure of the given kind.
func New(kind Kind, message string) Failure {
	return Failure{Kind: kind, Message: message}
}

func Data(message string) Failure             { return New(KindData, message) }
func Network(message string) Failure          { return New(KindNetwork, message) }
func Permission(message string) Failure       { return New(KindPermission, message) }
func PeerConnectivity(message string) Failure { return New(KindPeerConnectivity, message) }
func General(message string) Failure          { return New(KindGeneral, message) }

// Summary renders "<Label>: <message>".
func (f Failure) Summary() string {
	return f.Kind.Label() + ": " + f.Message
}

func (f Failure) Error() string {
	return f.Summary()
}
