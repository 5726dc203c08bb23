package session

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tandemloop/blelink/peer"
)

// peerInfo is the low-frequency metadata exchanged on the info channel
// right after a connection is established: who the peer is and which
// side of the session it plays.
type peerInfo struct {
	DisplayName     string
	Role            peer.Role
	ProtocolVersion int
}

// encodePeerInfo marshals the metadata as a protobuf Struct.
func encodePeerInfo(info peerInfo) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"display_name":     info.DisplayName,
		"role":             string(info.Role),
		"protocol_version": info.ProtocolVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("building peer info: %w", err)
	}
	return proto.Marshal(s)
}

// decodePeerInfo parses info-channel metadata. Unknown fields are
// ignored so newer peers stay compatible.
func decodePeerInfo(data []byte) (peerInfo, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return peerInfo{}, fmt.Errorf("parsing peer info: %w", err)
	}

	info := peerInfo{}
	if f, ok := s.Fields["display_name"]; ok {
		info.DisplayName = f.GetStringValue()
	}
	if f, ok := s.Fields["role"]; ok {
		info.Role = peer.Role(f.GetStringValue())
	}
	if f, ok := s.Fields["protocol_version"]; ok {
		info.ProtocolVersion = int(f.GetNumberValue())
	}
	return info, nil
}
