package scenesync

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"

	"scenesync.dev/scenesync/protocol"
)

// Relay is the central sequencing point of a session. it accepts a
// websocket per client, replays the authoritative state to joiners,
// stamps incoming change batches with a per-room global sequence and
// fans them out to every other client in the room.
//
// the relay never interprets payload semantics beyond block identity,
// operation and field names, which it needs for log compaction and
// full-snapshot replay. it is deliberately host agnostic.

const DefaultRoom = "default"

var roomNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

type RelaySettings struct {
	WsHandshakeTimeout time.Duration
	// time allowed for the Hello after the socket opens
	HelloTimeout time.Duration
	WriteTimeout time.Duration
	ReadTimeout time.Duration
	PingTimeout time.Duration
	// per-client fan-out queue. a client that cannot drain this is
	// dropped and must reconnect
	SendBufferSize int
	// empty disables session auth
	AuthSecret string
	// empty disables log persistence
	PersistDir string
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		WsHandshakeTimeout: 2 * time.Second,
		HelloTimeout: 5 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout: 60 * time.Second,
		PingTimeout: 15 * time.Second,
		SendBufferSize: 32,
	}
}

type Relay struct {
	ctx context.Context
	cancel context.CancelFunc

	settings *RelaySettings

	upgrader *websocket.Upgrader

	stateLock sync.Mutex
	rooms map[string]*relayRoom
	listener net.Listener
}

func NewRelayWithDefaults(ctx context.Context) *Relay {
	return NewRelay(ctx, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Relay{
		ctx: cancelCtx,
		cancel: cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: map[string]*relayRoom{},
	}
}

// Listen binds address and serves until the relay is closed.
// address ":0" binds an ephemeral port, see Addr.
func (self *Relay) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	self.listener = listener
	self.stateLock.Unlock()

	server := &http.Server{
		Handler: self,
	}
	go HandleError(func() {
		server.Serve(listener)
	})
	go func() {
		<-self.ctx.Done()
		server.Close()
	}()
	glog.Infof("[r]listening on %s\n", listener.Addr())
	return nil
}

func (self *Relay) Addr() net.Addr {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.listener == nil {
		return nil
	}
	return self.listener.Addr()
}

func (self *Relay) Close() {
	self.cancel()

	self.stateLock.Lock()
	rooms := maps.Values(self.rooms)
	self.rooms = map[string]*relayRoom{}
	self.stateLock.Unlock()

	for _, room := range rooms {
		room.close()
	}
}

func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[r]upgrade error = %s\n", err)
		return
	}
	go HandleError(func() {
		self.handleConn(conn)
	}, func() {
		conn.Close()
	})
}

func (self *Relay) handleConn(conn *websocket.Conn) {
	defer conn.Close()

	// the first message must be a Hello
	conn.SetReadDeadline(time.Now().Add(self.settings.HelloTimeout))
	messageType, messageBytes, err := conn.ReadMessage()
	if err != nil {
		glog.Infof("[r]hello read error = %s\n", err)
		return
	}
	if messageType != websocket.BinaryMessage {
		return
	}
	message, err := protocol.DecodeFrame(messageBytes)
	if err != nil {
		glog.Infof("[r]hello decode error = %s\n", err)
		return
	}
	hello, ok := message.(*protocol.Hello)
	if !ok {
		glog.Infof("[r]expected hello, got %T\n", message)
		return
	}

	clientId, err := IdFromBytes(hello.ClientId)
	if err != nil {
		self.rejectConn(conn, "bad client id")
		return
	}
	room := hello.Room
	if room == "" {
		room = DefaultRoom
	}
	if !roomNameRe.MatchString(room) {
		self.rejectConn(conn, "bad room name")
		return
	}
	if self.settings.AuthSecret != "" {
		if err := VerifySessionToken(self.settings.AuthSecret, hello.AuthToken, clientId, hello.Room); err != nil {
			glog.Infof("[r]auth error %s = %s\n", clientId, err)
			self.rejectConn(conn, "auth failed")
			return
		}
	}

	relayRoom, err := self.room(room)
	if err != nil {
		glog.Infof("[r]room %s error = %s\n", room, err)
		self.rejectConn(conn, "room unavailable")
		return
	}
	relayRoom.handleClient(clientId, hello.LastSequence, conn)
}

func (self *Relay) rejectConn(conn *websocket.Conn, reason string) {
	frameBytes, err := protocol.EncodeFrame(&protocol.HelloResult{Error: reason})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	conn.WriteMessage(websocket.BinaryMessage, frameBytes)
}

func (self *Relay) room(name string) (*relayRoom, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if room, ok := self.rooms[name]; ok {
		return room, nil
	}
	room, err := newRelayRoom(self.ctx, name, self.settings)
	if err != nil {
		return nil, err
	}
	self.rooms[name] = room
	return room, nil
}

// a room holds one authoritative log. the sequencer goroutine is the only
// writer of the sequence counter and the log, which is what guarantees
// total order across clients.
type relayRoom struct {
	ctx context.Context
	cancel context.CancelFunc

	name string
	settings *RelaySettings

	incoming chan *incomingBatch

	stateLock sync.Mutex
	sequence uint64
	log []*protocol.ChangeRecord
	folder *snapshotFolder
	store *LogStore
	clients map[Id]*relayClient
}

type incomingBatch struct {
	client *relayClient
	batch *protocol.ChangeBatch
}

func newRelayRoom(ctx context.Context, name string, settings *RelaySettings) (*relayRoom, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	room := &relayRoom{
		ctx: cancelCtx,
		cancel: cancel,
		name: name,
		settings: settings,
		incoming: make(chan *incomingBatch, settings.SendBufferSize),
		folder: newSnapshotFolder(),
		clients: map[Id]*relayClient{},
	}

	if settings.PersistDir != "" {
		store, records, err := OpenLogStore(RoomLogPath(settings.PersistDir, name))
		if err != nil {
			cancel()
			return nil, err
		}
		room.store = store
		room.log = records
		room.folder = materializeFolder(records)
		for _, record := range records {
			if room.sequence < record.Sequence {
				room.sequence = record.Sequence
			}
		}
		glog.Infof("[r.%s]restored %d records, sequence %d\n", name, len(records), room.sequence)
	}

	go HandleError(room.sequencer)
	return room, nil
}

func (self *relayRoom) close() {
	self.cancel()

	self.stateLock.Lock()
	clients := maps.Values(self.clients)
	self.clients = map[Id]*relayClient{}
	store := self.store
	self.store = nil
	self.stateLock.Unlock()

	for _, client := range clients {
		client.close()
	}
	if store != nil {
		store.Sync()
		store.Close()
	}
}

// sequencer is the single writer of the room sequence and log.
func (self *relayRoom) sequencer() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case incoming := <-self.incoming:
			self.stamp(incoming)
			self.trimLog()
		}
	}
}

// trimLog drops in-memory replay records every connected client has
// reported applying. the persisted log is untouched, only reconnect
// replay is bounded. clients further behind fall back to a full
// snapshot, see handleClient.
func (self *relayRoom) trimLog() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.clients) == 0 || len(self.log) == 0 {
		return
	}
	minAcked := uint64(0)
	first := true
	for _, client := range self.clients {
		acked := client.LastAcked()
		if first || acked < minAcked {
			minAcked = acked
			first = false
		}
	}
	if minAcked == 0 {
		return
	}
	cut := 0
	for cut < len(self.log) && self.log[cut].Sequence <= minAcked {
		cut += 1
	}
	if 0 < cut {
		self.log = append([]*protocol.ChangeRecord{}, self.log[cut:]...)
		glog.V(1).Infof("[r.%s]trimmed %d replay records at %d\n", self.name, cut, minAcked)
	}
}

func (self *relayRoom) stamp(incoming *incomingBatch) {
	if len(incoming.batch.Records) == 0 {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	originId := incoming.client.clientId
	for _, record := range incoming.batch.Records {
		self.sequence += 1
		record.Sequence = self.sequence
		record.OriginClientId = originId.Bytes()
		self.log = append(self.log, record)
		self.folder.apply(record)
		if self.store != nil {
			if err := self.store.Append(record); err != nil {
				glog.Infof("[r.%s]log append error = %s\n", self.name, err)
			}
		}
		glog.V(2).Infof("[r.%s]%s from %s\n", self.name, record, originId)
	}

	// ack the origin with the batch's final sequence
	incoming.client.trySend(&protocol.Ack{
		MessageId: incoming.batch.MessageId,
		Sequence: self.sequence,
	})

	// fan out to everyone else. per-client queues are independent, a
	// slow client only drops itself
	broadcast := &protocol.ChangeBatch{
		Records: incoming.batch.Records,
	}
	for clientId, client := range self.clients {
		if clientId == originId {
			continue
		}
		client.trySend(broadcast)
	}
}

func (self *relayRoom) handleClient(clientId Id, lastSequence uint64, conn *websocket.Conn) {
	client := newRelayClient(self, clientId, conn)

	self.stateLock.Lock()

	if existing, ok := self.clients[clientId]; ok {
		glog.Infof("[r.%s]displacing existing connection for %s\n", self.name, clientId)
		existing.closeAsync()
	}
	self.clients[clientId] = client

	// join replay, enqueued under the state lock so no stamped record
	// can interleave ahead of it
	logStart := self.sequence + 1
	if len(self.log) > 0 {
		logStart = self.log[0].Sequence
	}
	canResume := lastSequence != 0 &&
		lastSequence <= self.sequence &&
		logStart <= lastSequence+1
	if canResume {
		client.trySend(&protocol.HelloResult{
			Sequence: self.sequence,
			Resume: true,
		})
		replay := []*protocol.ChangeRecord{}
		for _, record := range self.log {
			if lastSequence < record.Sequence {
				replay = append(replay, record)
			}
		}
		if len(replay) > 0 {
			client.trySend(&protocol.ChangeBatch{Records: replay})
		}
		glog.Infof("[r.%s]client %s resumed at %d with %d records\n", self.name, clientId, lastSequence, len(replay))
	} else {
		client.trySend(&protocol.HelloResult{
			Sequence: self.sequence,
		})
		client.trySend(&protocol.FullSnapshot{
			Sequence: self.sequence,
			Records: SnapshotRecords(self.folder.state),
		})
		glog.Infof("[r.%s]client %s joined with full snapshot at %d\n", self.name, clientId, self.sequence)
	}

	self.stateLock.Unlock()

	client.run()

	self.stateLock.Lock()
	if self.clients[clientId] == client {
		delete(self.clients, clientId)
	}
	self.stateLock.Unlock()
	glog.Infof("[r.%s]client %s disconnected\n", self.name, clientId)
}

// relayClient is one connected client. the send queue decouples fan-out
// from the socket, a disconnect mid-send never blocks other clients.
type relayClient struct {
	ctx context.Context
	cancel context.CancelFunc

	room *relayRoom
	clientId Id
	conn *websocket.Conn

	send chan []byte

	ackLock sync.Mutex
	lastAcked uint64
}

func newRelayClient(room *relayRoom, clientId Id, conn *websocket.Conn) *relayClient {
	cancelCtx, cancel := context.WithCancel(room.ctx)
	return &relayClient{
		ctx: cancelCtx,
		cancel: cancel,
		room: room,
		clientId: clientId,
		conn: conn,
		send: make(chan []byte, room.settings.SendBufferSize),
	}
}

func (self *relayClient) trySend(message protocol.Message) {
	frameBytes, err := protocol.EncodeFrame(message)
	if err != nil {
		glog.Infof("[r.%s]encode error = %s\n", self.room.name, err)
		return
	}
	select {
	case self.send <- frameBytes:
	default:
		// backpressure. drop the client, it can reconnect and resume
		glog.Infof("[r.%s]send queue full, dropping %s\n", self.room.name, self.clientId)
		self.closeAsync()
	}
}

// run pumps the connection until it drops. blocks.
func (self *relayClient) run() {
	defer func() {
		self.cancel()
		self.conn.Close()
	}()

	settings := self.room.settings

	go HandleError(func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case frameBytes := <-self.send:
				self.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := self.conn.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					glog.Infof("[rs]%s-> error = %s\n", self.clientId, err)
					return
				}
				glog.V(2).Infof("[rs]%s->\n", self.clientId)
			case <-time.After(settings.PingTimeout):
				self.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := self.conn.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	})

	func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			default:
			}

			self.conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
			messageType, messageBytes, err := self.conn.ReadMessage()
			if err != nil {
				glog.Infof("[rr]%s<- error = %s\n", self.clientId, err)
				return
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			if len(messageBytes) == 0 {
				// ping
				glog.V(2).Infof("[rr]ping %s<-\n", self.clientId)
				continue
			}

			message, err := protocol.DecodeFrame(messageBytes)
			if err != nil {
				glog.Infof("[rr]%s<- decode error = %s\n", self.clientId, err)
				continue
			}
			switch v := message.(type) {
			case *protocol.ChangeBatch:
				select {
				case <-self.ctx.Done():
					return
				case self.room.incoming <- &incomingBatch{client: self, batch: v}:
					glog.V(2).Infof("[rr]%s<- batch of %d\n", self.clientId, len(v.Records))
				}
			case *protocol.Ack:
				self.ackLock.Lock()
				if self.lastAcked < v.Sequence {
					self.lastAcked = v.Sequence
				}
				self.ackLock.Unlock()
			case *protocol.Disconnect:
				glog.Infof("[rr]%s<- disconnect: %s\n", self.clientId, v.Reason)
				return
			default:
				glog.V(2).Infof("[rr]%s<- unexpected %T\n", self.clientId, v)
			}
		}
	}()
}

func (self *relayClient) close() {
	self.cancel()
	self.conn.Close()
}

func (self *relayClient) closeAsync() {
	self.cancel()
	go self.conn.Close()
}

// LastAcked is the highest sequence the client reported applying.
func (self *relayClient) LastAcked() uint64 {
	self.ackLock.Lock()
	defer self.ackLock.Unlock()

	return self.lastAcked
}
