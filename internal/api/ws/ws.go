package ws

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AlexxIT/tuyalan/internal/api"
	"github.com/AlexxIT/tuyalan/internal/app"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func Init() {
	var cfg struct {
		Mod struct {
			Origin string `yaml:"origin"`
		} `yaml:"api"`
	}

	app.LoadConfig(&cfg)

	log = app.GetLogger("api")

	initWS(cfg.Mod.Origin)

	api.HandleFunc("api/ws", apiWS)
}

var log zerolog.Logger

// Message - struct for data exchange in Web API
type Message struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
	Raw   []byte `json:"-"`
}

func (m *Message) Unmarshal(v any) error {
	return json.Unmarshal(m.Raw, v)
}

type WSHandler func(tr *Transport, msg *Message) error

func HandleFunc(msgType string, handler WSHandler) {
	wsHandlers[msgType] = handler
}

var wsHandlers = make(map[string]WSHandler)

// Broadcast pushes a message to every connected client. Used for
// device state updates and discovery announcements.
func Broadcast(msgType string, value any) {
	msg := &Message{Type: msgType, Value: value}

	clientsMu.Lock()
	for tr := range clients {
		tr.Write(msg)
	}
	clientsMu.Unlock()
}

var clients = map[*Transport]struct{}{}
var clientsMu sync.Mutex

func initWS(origin string) {
	wsUp = &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	switch origin {
	case "":
		// same origin + ignore port
		wsUp.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header["Origin"]
			if len(origin) == 0 {
				return true
			}
			o, err := url.Parse(origin[0])
			if err != nil {
				return false
			}
			if o.Host == r.Host {
				return true
			}
			log.Trace().Msgf("[api] ws origin=%s, host=%s", o.Host, r.Host)
			if i := strings.IndexByte(o.Host, ':'); i > 0 {
				return o.Host[:i] == r.Host
			}
			return false
		}
	case "*":
		// any origin
		wsUp.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
}

func apiWS(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUp.Upgrade(w, r, nil)
	if err != nil {
		origin := r.Header.Get("Origin")
		log.Error().Err(err).Caller().Msgf("host=%s origin=%s", r.Host, origin)
		return
	}

	tr := &Transport{Request: r}
	tr.OnWrite(func(msg any) error {
		_ = ws.SetWriteDeadline(time.Now().Add(time.Second * 5))
		return ws.WriteJSON(msg)
	})

	clientsMu.Lock()
	clients[tr] = struct{}{}
	clientsMu.Unlock()

	for {
		var raw struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		}
		if err = ws.ReadJSON(&raw); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseGoingAway) {
				log.Trace().Err(err).Caller().Send()
			}
			_ = ws.Close()
			break
		}

		msg := &Message{Type: raw.Type, Raw: raw.Value}

		log.Trace().Str("type", msg.Type).Msg("[api] ws msg")

		if handler := wsHandlers[msg.Type]; handler != nil {
			go func() {
				if err := handler(tr, msg); err != nil {
					tr.Write(&Message{Type: "error", Value: msg.Type + ": " + err.Error()})
				}
			}()
		}
	}

	clientsMu.Lock()
	delete(clients, tr)
	clientsMu.Unlock()

	tr.Close()
}

var wsUp *websocket.Upgrader

// Transport wraps one websocket client. Writes are serialized, close
// listeners run once when the client goes away.
type Transport struct {
	Request *http.Request

	onChange sync.Mutex
	onWrite  func(msg any) error
	onClose  []func()

	wrmu sync.Mutex
}

func (t *Transport) OnWrite(f func(msg any) error) {
	t.onChange.Lock()
	t.onWrite = f
	t.onChange.Unlock()
}

func (t *Transport) Write(msg any) {
	t.wrmu.Lock()
	if t.onWrite != nil {
		_ = t.onWrite(msg)
	}
	t.wrmu.Unlock()
}

func (t *Transport) OnClose(f func()) {
	t.onChange.Lock()
	t.onClose = append(t.onClose, f)
	t.onChange.Unlock()
}

func (t *Transport) Close() {
	t.onChange.Lock()
	for _, f := range t.onClose {
		f()
	}
	t.onClose = nil
	t.onChange.Unlock()
}
