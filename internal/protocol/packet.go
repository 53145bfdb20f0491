// Package protocol defines the application packet model, the codec contract
// used to turn packets into bytes, and the error kinds shared by every layer
// of the session pipeline.
package protocol

// Packet names the session layer reacts to. The full catalog is owned by the
// codec; these are only the ones driving the connection lifecycle.
const (
	IDRequestNetworkSettings      = "request_network_settings"
	IDNetworkSettings             = "network_settings"
	IDLogin                       = "login"
	IDServerToClientHandshake     = "server_to_client_handshake"
	IDClientToServerHandshake     = "client_to_server_handshake"
	IDPlayStatus                  = "play_status"
	IDDisconnect                  = "disconnect"
	IDResourcePacksInfo           = "resource_packs_info"
	IDResourcePackClientResponse  = "resource_pack_client_response"
	IDRequestChunkRadius          = "request_chunk_radius"
	IDServerboundLoadingScreen    = "serverbound_loading_screen"
	IDSetLocalPlayerAsInitialized = "set_local_player_as_initialized"
)

// Packet is a named packet with its decoded parameters.
type Packet struct {
	Name   string
	Params map[string]any
}

// Codec turns packets into bytes and back. Implementations must be safe for
// concurrent use and must not keep mutable global state.
type Codec interface {
	Encode(name string, params map[string]any) ([]byte, error)
	Decode(data []byte) (*Packet, error)
}
