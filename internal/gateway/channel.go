package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"wattgate/internal/logs"
	"wattgate/internal/telemetry"

	"github.com/gorilla/websocket"
)

/*
Device duplex protocol (JSON text frames):

	device → gateway  {"type":"register","deviceId":"SmartBoard_01"}
	gateway → device  {"type":"registered","deviceId":"SmartBoard_01"}
	device → gateway  {"type":"sensorData","data":{relay,current,power,energy_kwh,cost_ghs,state}}
	gateway → device  {"type":"command","relay":1,"state":true}

Liveness rides on websocket ping/pong; a device that stops answering pongs is
evicted by the registry sweep.
*/

type inboundMessage struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"deviceId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type registeredMessage struct {
	Type     string `json:"type"` // "registered"
	DeviceID string `json:"deviceId"`
}

// CommandMessage is pushed to a device to request a relay change.
type CommandMessage struct {
	Type  string `json:"type"` // "command"
	Relay int    `json:"relay"`
	State bool   `json:"state"`
}

type errorMessage struct {
	Type  string `json:"type"` // "error"
	Error string `json:"error"`
}

const (
	channelWriteWait = 5 * time.Second
	channelReadWait  = 90 * time.Second
	channelReadLimit = 64 << 10
)

// Ingestor is the slice of the telemetry pipeline the channel needs.
type Ingestor interface {
	Ingest(b telemetry.Batch) (int, error)
}

// DeviceSocket upgrades /ws connections and runs one read loop per device.
type DeviceSocket struct {
	registry *Registry
	ingest   Ingestor
	upgrader websocket.Upgrader
}

func NewDeviceSocket(r *Registry, ing Ingestor) *DeviceSocket {
	return &DeviceSocket{
		registry: r,
		ingest:   ing,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
}

func (s *DeviceSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: raw}

	raw.SetReadLimit(channelReadLimit)
	_ = raw.SetReadDeadline(time.Now().Add(channelReadWait))

	deviceID := ""
	defer func() {
		if deviceID != "" {
			s.registry.EvictConn(deviceID, c)
			logs.Logger.WithField("device", deviceID).Info("device channel closed")
		} else {
			c.Close()
		}
	}()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(channelReadWait))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(errorMessage{Type: "error", Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case "register":
			if msg.DeviceID == "" {
				c.Send(errorMessage{Type: "error", Error: "deviceId required"})
				continue
			}
			if deviceID != "" {
				// one channel, one identity; a second id would leave the
				// first registry entry dangling
				if msg.DeviceID != deviceID {
					c.Send(errorMessage{Type: "error", Error: "channel already registered"})
				} else {
					c.Send(registeredMessage{Type: "registered", DeviceID: deviceID})
				}
				continue
			}
			deviceID = msg.DeviceID
			raw.SetPongHandler(func(string) error {
				s.registry.MarkAlive(deviceID)
				return raw.SetReadDeadline(time.Now().Add(channelReadWait))
			})
			s.registry.Register(deviceID, c)
			c.Send(registeredMessage{Type: "registered", DeviceID: deviceID})

		case "sensorData":
			if deviceID == "" {
				c.Send(errorMessage{Type: "error", Error: "register first"})
				continue
			}
			var sample telemetry.Sample
			if err := json.Unmarshal(msg.Data, &sample); err != nil {
				c.Send(errorMessage{Type: "error", Error: "malformed sensorData"})
				continue
			}
			batch := telemetry.Batch{
				DeviceID: deviceID,
				Address:  r.RemoteAddr,
				Relays:   []telemetry.Sample{sample},
			}
			if _, err := s.ingest.Ingest(batch); err != nil {
				c.Send(errorMessage{Type: "error", Error: err.Error()})
			}

		default:
			c.Send(errorMessage{Type: "error", Error: "unknown message type"})
		}
	}
}

// wsConn adapts a gorilla connection to the registry's Conn. Writes are
// serialized; the read loop stays with ServeHTTP.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Send(v any) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	return c.conn.WriteJSON(v) == nil
}

func (c *wsConn) Ping() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(channelWriteWait)) == nil
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}
