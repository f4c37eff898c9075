package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/telepat-io/worker/worker"
)

// the sockets transport worker: consumes the broadcast `sockets_transport`
// topic and delivers each transport message to the websocket connection of
// its target device, if that device is connected here. every sockets worker
// instance sees every message; a device connects to exactly one instance,
// so at most one delivers.

func DefaultSocketsWorkerSettings() *SocketsWorkerSettings {
	return &SocketsWorkerSettings{
		ListenAddress: ":80",
		WriteTimeout:  10 * time.Second,
	}
}

type SocketsWorkerSettings struct {
	ListenAddress string
	WriteTimeout  time.Duration
}

type SocketsWorker struct {
	ctx    context.Context
	cancel context.CancelFunc

	messagingClient worker.MessagingClient
	upgrader        websocket.Upgrader

	// device id -> open connection
	mutex       sync.Mutex
	connections map[string]*websocket.Conn

	settings *SocketsWorkerSettings
}

func NewSocketsWorkerWithDefaults(ctx context.Context, messagingClient worker.MessagingClient) *SocketsWorker {
	return NewSocketsWorker(ctx, messagingClient, DefaultSocketsWorkerSettings())
}

func NewSocketsWorker(ctx context.Context, messagingClient worker.MessagingClient, settings *SocketsWorkerSettings) *SocketsWorker {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SocketsWorker{
		ctx:             cancelCtx,
		cancel:          cancel,
		messagingClient: messagingClient,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		connections: map[string]*websocket.Conn{},
		settings:    settings,
	}
}

func (self *SocketsWorker) Type() string {
	return worker.SocketsTransportTopic
}

// Run serves websocket connections and consumes the transport topic until
// the context is done.
func (self *SocketsWorker) Run() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/socket", self.handleSocket)

	server := &http.Server{
		Addr:    self.settings.ListenAddress,
		Handler: mux,
	}

	go func() {
		<-self.ctx.Done()
		server.Close()
	}()

	// every sockets instance must see every transport message; only the
	// instance holding the target device's connection delivers
	go func() {
		defer self.cancel()
		err := self.messagingClient.ConsumeBroadcast(self.ctx, self.Type(), self.deliver)
		if err != nil {
			glog.Errorf("[sockets]consume ended: %s\n", err)
		}
	}()

	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (self *SocketsWorker) Close() {
	self.cancel()
}

func (self *SocketsWorker) handleSocket(w http.ResponseWriter, r *http.Request) {
	deviceId := r.URL.Query().Get("device")
	if deviceId == "" {
		http.Error(w, "missing device", http.StatusBadRequest)
		return
	}

	connection, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[sockets]upgrade failed for device %s: %s\n", deviceId, err)
		return
	}

	self.mutex.Lock()
	if previous, ok := self.connections[deviceId]; ok {
		previous.Close()
	}
	self.connections[deviceId] = connection
	self.mutex.Unlock()

	glog.Infof("[sockets]device %s connected\n", deviceId)

	// drain reads to observe the close
	go func() {
		defer self.remove(deviceId, connection)
		for {
			if _, _, err := connection.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (self *SocketsWorker) remove(deviceId string, connection *websocket.Conn) {
	self.mutex.Lock()
	if self.connections[deviceId] == connection {
		delete(self.connections, deviceId)
	}
	self.mutex.Unlock()
	connection.Close()
}

// deliver forwards the payload to the target device's connection. a message
// for a device connected elsewhere (or no longer connected) is dropped;
// delivery is best effort.
func (self *SocketsWorker) deliver(payload []byte) {
	var transportMessage worker.TransportMessage
	if err := json.Unmarshal(payload, &transportMessage); err != nil {
		glog.Warningf("[sockets]dropping undecodable transport message: %s\n", err)
		return
	}
	if transportMessage.Device == nil {
		return
	}

	self.mutex.Lock()
	connection, ok := self.connections[transportMessage.Device.Id]
	self.mutex.Unlock()
	if !ok {
		return
	}

	connection.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := connection.WriteMessage(websocket.TextMessage, payload); err != nil {
		glog.Errorf("[sockets]failed to deliver to device %s: %s\n", transportMessage.Device.Id, err)
		self.remove(transportMessage.Device.Id, connection)
	}
}
