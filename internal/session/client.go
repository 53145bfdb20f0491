package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/1ureka/bedrocklink/internal/auth"
	"github.com/1ureka/bedrocklink/internal/batch"
	"github.com/1ureka/bedrocklink/internal/handshake"
	"github.com/1ureka/bedrocklink/internal/protocol"
	"github.com/1ureka/bedrocklink/internal/secure"
	"github.com/1ureka/bedrocklink/internal/util"
)

// Values announced in the login client data.
const (
	deviceModel  = "iPhone11,8"
	deviceOS     = 1
	languageCode = "en_US"
)

func (s *Session) onConnected() {
	s.connected = true
	util.LogInfo("transport connected")
	s.setStatus(Connecting)
	s.write(protocol.IDRequestNetworkSettings, map[string]any{
		"client_protocol": s.cfg.ProtocolVersion,
	})
}

// onPacket advances the login flow.
func (s *Session) onPacket(pkt *protocol.Packet) {
	switch pkt.Name {
	case protocol.IDNetworkSettings:
		s.onNetworkSettings(pkt.Params)
	case protocol.IDServerToClientHandshake:
		s.onServerHandshake(pkt.Params)
	case protocol.IDPlayStatus:
		s.onPlayStatus(pkt.Params)
	case protocol.IDResourcePacksInfo:
		s.write(protocol.IDResourcePackClientResponse, map[string]any{
			"response_status": "completed",
			"resourcepackids": []string{},
		})
		s.write(protocol.IDRequestChunkRadius, map[string]any{
			"chunk_radius": s.cfg.ChunkRadius,
			"max_radius":   maxChunkRadius,
		})
		s.write(protocol.IDServerboundLoadingScreen, map[string]any{"type": 1})
	case protocol.IDDisconnect:
		msg, _ := pkt.Params["message"].(string)
		kick := &KickError{Message: msg}
		s.exit = &exit{err: kick, reason: kick.Error()}
	}
}

func (s *Session) onNetworkSettings(params map[string]any) {
	algo, err := algorithmOf(params["compression_algorithm"])
	if err != nil {
		s.fail(protocol.NewError(protocol.KindFraming, "network settings", err))
		return
	}
	settings := s.framer.Settings()
	settings.Algorithm = algo
	settings.CompressionMarker = true
	if threshold, ok := toInt64(params["compression_threshold"]); ok {
		settings.Threshold = int(threshold)
	}
	s.framer.Update(settings)
	util.LogDebug("compression negotiated: %s above %d bytes", algo, settings.Threshold)

	s.sendLogin()
}

func (s *Session) sendLogin() {
	s.setStatus(Authenticating)

	s.mu.Lock()
	chain := s.chain
	s.mu.Unlock()

	identity, err := auth.IdentityToken(chain)
	if err != nil {
		s.fail(protocol.NewError(protocol.KindHandshake, "login", err))
		return
	}
	client, err := auth.Sign(s.keys, s.clientData(chain))
	if err != nil {
		s.fail(protocol.NewError(protocol.KindHandshake, "sign client data", err))
		return
	}
	s.write(protocol.IDLogin, map[string]any{
		"protocol_version": s.cfg.ProtocolVersion,
		"tokens": map[string]any{
			"identity": identity,
			"client":   client,
		},
	})
}

func (s *Session) clientData(chain []string) jwt.MapClaims {
	claims := jwt.MapClaims{
		"ClientRandomId":   time.Now().UnixMilli(),
		"CurrentInputMode": 1,
		"DefaultInputMode": 1,
		"DeviceId":         strings.ReplaceAll(uuid.NewString(), "-", ""),
		"DeviceModel":      deviceModel,
		"DeviceOS":         deviceOS,
		"GameVersion":      s.cfg.Version,
		"GuiScale":         -1,
		"LanguageCode":     languageCode,
		"MaxViewDistance":  maxChunkRadius,
		"MemoryTier":       3,
		"PersonaSkin":      true,
		"PlatformType":     1,
		"GraphicsMode":     1,
		"PlayFabId":        strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		"SelfSignedId":     uuid.NewString(),
		"ServerAddress":    s.cfg.ServerAddress,
		"UIProfile":        1,
	}
	if profile, err := auth.ProfileOf(chain); err == nil {
		claims["ThirdPartyName"] = profile.DisplayName
	}
	for k, v := range s.cfg.SkinData {
		claims[k] = v
	}
	return claims
}

func (s *Session) onServerHandshake(params map[string]any) {
	token, _ := params["token"].(string)
	if s.handshaked {
		err := protocol.Errorf(protocol.KindHandshake, "handshake", "duplicate handshake")
		s.report(err, []byte(token))
		s.fail(err)
		return
	}
	res, err := handshake.Respond(s.keys, token)
	if err != nil {
		s.report(err, []byte(token))
		s.fail(err)
		return
	}
	s.handshaked = true

	if s.tr.Caps().Encrypted {
		util.LogDebug("transport is encrypted, skipping batch encryption")
	} else {
		ch, err := secure.NewChannel(res.Key, res.IV, s.framer.Settings().Level)
		if err != nil {
			s.fail(protocol.NewError(protocol.KindHandshake, "start encryption", err))
			return
		}
		s.secure = ch
		util.LogDebug("encryption started")
	}

	s.write(protocol.IDClientToServerHandshake, map[string]any{})
	s.setStatus(Initializing)
}

func (s *Session) onPlayStatus(params map[string]any) {
	status := params["status"]
	if n, ok := toInt64(status); ok {
		switch n {
		case 0:
			status = "login_success"
		case 3:
			status = "player_spawn"
		}
	}

	switch status {
	case "login_success":
		if s.machine.Status() == Authenticating {
			s.setStatus(Initializing)
		}
	case "player_spawn":
		if s.machine.Status() == Authenticating {
			s.setStatus(Initializing)
		}
		s.setStatus(Initialized)
	}
}

// algorithmOf reads the negotiated compression algorithm, which codecs may
// carry by name or by wire value. A missing value means flate.
func algorithmOf(v any) (batch.Algorithm, error) {
	switch a := v.(type) {
	case nil:
		return batch.Flate, nil
	case string:
		if a == "" {
			return batch.Flate, nil
		}
		return batch.ParseAlgorithm(a)
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, fmt.Errorf("compression algorithm of type %T", v)
	}
	switch n {
	case int64(batch.Flate):
		return batch.Flate, nil
	case int64(batch.Snappy):
		return batch.Snappy, nil
	case int64(batch.None), 0xffff:
		return batch.None, nil
	}
	return 0, fmt.Errorf("unknown compression algorithm %d", n)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
