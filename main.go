package main

import (
	"github.com/AlexxIT/tuyalan/internal/api"
	"github.com/AlexxIT/tuyalan/internal/api/ws"
	"github.com/AlexxIT/tuyalan/internal/app"
	"github.com/AlexxIT/tuyalan/internal/devices"
	"github.com/AlexxIT/tuyalan/internal/discovery"
	"github.com/AlexxIT/tuyalan/pkg/shell"
)

func main() {
	app.Init() // init config and logs

	api.Init() // init HTTP API server
	ws.Init()  // init websocket server

	devices.Init()   // load devices list and connect
	discovery.Init() // listen for UDP broadcasts

	shell.RunUntilSignal()
}
