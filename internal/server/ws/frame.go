package ws

import (
	"fmt"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// formatProto selects binary frames carrying a google.protobuf.Struct.
const formatProto = "proto"

// encodeFrame converts a JSON message into the frame a client expects:
// the JSON itself as a text frame, or its protobuf Struct encoding as a
// binary frame.
func encodeFrame(msg []byte, binary bool) (int, []byte, error) {
	if !binary {
		return websocket.TextMessage, msg, nil
	}
	var s structpb.Struct
	if err := protojson.Unmarshal(msg, &s); err != nil {
		return 0, nil, fmt.Errorf("ws: decode message: %w", err)
	}
	body, err := proto.Marshal(&s)
	if err != nil {
		return 0, nil, fmt.Errorf("ws: encode frame: %w", err)
	}
	return websocket.BinaryMessage, body, nil
}
