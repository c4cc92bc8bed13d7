package devices

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/AlexxIT/tuyalan/internal/api"
	"github.com/AlexxIT/tuyalan/internal/api/ws"
	"github.com/AlexxIT/tuyalan/internal/app"
	"github.com/AlexxIT/tuyalan/pkg/tuya"
	"github.com/rs/zerolog"
)

func Init() {
	var cfg struct {
		Mod map[string]deviceConfig `yaml:"devices"`
	}

	app.LoadConfig(&cfg)

	log = app.GetLogger("devices")

	for name, conf := range cfg.Mod {
		client, err := tuya.NewClient(conf.Device)
		if err != nil {
			log.Error().Err(err).Str("device", name).Msg("[devices] skip")
			continue
		}

		client.AutoReconnect = true
		client.TolerateBadHMAC = conf.TolerateBadHMAC
		client.Log = log.With().Str("device", name).Logger()

		name := name
		client.Listen(func(dps tuya.DPS) {
			log.Debug().Str("device", name).Interface("dps", dps).Msg("[devices] push")
			ws.Broadcast("devices/status", StatusEvent{Name: name, DPS: dps})
		})

		clients[name] = client

		go func() {
			if err := client.Connect(context.Background()); err != nil {
				log.Warn().Err(err).Str("device", name).Msg("[devices] connect")
			}
		}()
	}

	api.HandleFunc("api/devices", devicesHandler)
	api.HandleFunc("api/devices/status", statusHandler)
	api.HandleFunc("api/devices/control", controlHandler)
	api.HandleFunc("api/devices/detect", detectHandler)

	ws.HandleFunc("status", wsStatus)
}

type deviceConfig struct {
	tuya.Device     `yaml:",inline"`
	TolerateBadHMAC bool `yaml:"tolerate_bad_hmac"`
}

// StatusEvent is pushed to websocket clients on every DP change.
type StatusEvent struct {
	Name string   `json:"name"`
	DPS  tuya.DPS `json:"dps"`
}

var clients = map[string]*tuya.Client{}
var clientsMu sync.Mutex
var log zerolog.Logger

// Get returns the client for a configured device name.
func Get(name string) *tuya.Client {
	clientsMu.Lock()
	defer clientsMu.Unlock()
	return clients[name]
}

func devicesHandler(w http.ResponseWriter, _ *http.Request) {
	type item struct {
		Name    string `json:"name"`
		ID      string `json:"id"`
		Host    string `json:"host"`
		Version string `json:"version"`
		Type    string `json:"type,omitempty"`
		State   string `json:"state"`
	}

	clientsMu.Lock()
	items := make([]item, 0, len(clients))
	for name, client := range clients {
		dev := client.Device()
		items = append(items, item{
			Name:    name,
			ID:      dev.ID,
			Host:    dev.Host,
			Version: dev.Version,
			Type:    dev.Type,
			State:   client.State().String(),
		})
	}
	clientsMu.Unlock()

	api.ResponseJSON(w, items)
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	client := Get(r.URL.Query().Get("src"))
	if client == nil {
		http.Error(w, api.DeviceNotFound, http.StatusNotFound)
		return
	}

	dps, err := client.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	api.ResponseJSON(w, dps)
}

func controlHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()

	client := Get(query.Get("src"))
	if client == nil {
		http.Error(w, api.DeviceNotFound, http.StatusNotFound)
		return
	}

	var dps tuya.DPS
	var err error

	if s := query.Get("dp"); s != "" {
		// short form: ?src=plug&dp=1&value=true
		dp, err2 := strconv.Atoi(s)
		if err2 != nil {
			http.Error(w, "bad dp id", http.StatusBadRequest)
			return
		}
		dps, err = client.SetDP(r.Context(), dp, parseValue(query.Get("value")))
	} else {
		// full form: JSON body {"dps":{"1":true,"2":50}}
		var body struct {
			DPS tuya.DPS `json:"dps"`
		}
		if err2 := json.NewDecoder(r.Body).Decode(&body); err2 != nil || len(body.DPS) == 0 {
			http.Error(w, "bad dps body", http.StatusBadRequest)
			return
		}
		dps, err = client.SetDPs(r.Context(), body.DPS)
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	api.ResponseJSON(w, dps)
}

func detectHandler(w http.ResponseWriter, r *http.Request) {
	client := Get(r.URL.Query().Get("src"))
	if client == nil {
		http.Error(w, api.DeviceNotFound, http.StatusNotFound)
		return
	}

	dps, err := client.DetectAvailableDPs(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	api.ResponseJSON(w, dps)
}

func wsStatus(tr *ws.Transport, msg *ws.Message) error {
	var name string
	if err := msg.Unmarshal(&name); err != nil {
		return err
	}

	client := Get(name)
	if client == nil {
		tr.Write(&ws.Message{Type: "error", Value: api.DeviceNotFound})
		return nil
	}

	dps, err := client.Status(context.Background())
	if err != nil {
		return err
	}

	tr.Write(&ws.Message{Type: "devices/status", Value: StatusEvent{Name: name, DPS: dps}})
	return nil
}

// parseValue decodes a query param the way JSON would: true, 17, 0.5
// stay typed, everything else is a string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
