package discovery

import (
	"net/http"
	"sync"

	"github.com/AlexxIT/tuyalan/internal/api"
	"github.com/AlexxIT/tuyalan/internal/api/ws"
	"github.com/AlexxIT/tuyalan/internal/app"
	"github.com/AlexxIT/tuyalan/pkg/tuya"
	"github.com/rs/zerolog"
)

func Init() {
	var cfg struct {
		Mod struct {
			Disable bool `yaml:"disable"`
		} `yaml:"discovery"`
	}

	app.LoadConfig(&cfg)

	log = app.GetLogger("discovery")

	api.HandleFunc("api/discovery", apiDiscovery)

	if cfg.Mod.Disable {
		return
	}

	if _, err := tuya.Discover(log, onDevice); err != nil {
		// ports 6666/6667 are busy when another LAN controller runs
		log.Warn().Err(err).Msg("[discovery] listen")
	}
}

var log zerolog.Logger

var found []tuya.Discovered
var foundMu sync.Mutex

func onDevice(dev tuya.Discovered) {
	log.Info().Str("id", dev.ID).Str("ip", dev.IP).Str("version", dev.Version).Msg("[discovery] new device")

	foundMu.Lock()
	found = append(found, dev)
	foundMu.Unlock()

	ws.Broadcast("discovery", dev)
}

func apiDiscovery(w http.ResponseWriter, _ *http.Request) {
	foundMu.Lock()
	devices := make([]tuya.Discovered, len(found))
	copy(devices, found)
	foundMu.Unlock()

	api.ResponseJSON(w, devices)
}
