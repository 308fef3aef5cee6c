package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

// websocket transport between one authoritative process and many observer
// processes. the wire format is json frames. the reliable channel is the
// websocket itself with a bounded ordered send queue. the unreliable channel
// shares the socket but drops at enqueue when the queue is full, so a slow
// observer loses high frequency updates instead of stalling the authority.

const transportBufferSize = 32

type frameType string

const (
	frameTypeMessage             frameType = "message"
	frameTypeInitialDataRequest  frameType = "initial_data_request"
	frameTypeInitialDataResponse frameType = "initial_data_response"
)

type transportFrame struct {
	Type      frameType  `json:"type"`
	RequestId uint64     `json:"request_id,omitempty"`
	Message   *Message   `json:"message,omitempty"`
	Messages  []*Message `json:"messages,omitempty"`
}

type ClientAuth struct {
	ByJwt      string `json:"by_jwt"`
	AppVersion string `json:"app_version,omitempty"`
}

// extracts the observer identity from the `client_id` claim.
// signature verification is the deployment's concern, e.g. an authenticating
// proxy in front of the server, matching how the platform verifies before
// the connection reaches this process.
func (self *ClientAuth) ClientId() (Id, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, jwt.MapClaims{})
	if err != nil {
		return Id{}, err
	}
	claims := token.Claims.(jwt.MapClaims)
	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("auth missing client_id claim")
	}
	return ParseId(clientIdStr)
}

type AuthVerifyFunction = func(auth *ClientAuth) (Id, error)

func DefaultReplicationServerSettings() *ReplicationServerSettings {
	return &ReplicationServerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     transportBufferSize,
	}
}

type ReplicationServerSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
	// defaults to `ClientAuth.ClientId`
	AuthVerify AuthVerifyFunction
}

// the authoritative side of the transport. implements `AuthorityTransport`.
// serve bootstrap requests by wiring `SetInitialDataFunction` to
// `AuthorityRegistry.HandleInitialDataRequest`.
type ReplicationServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ReplicationServerSettings

	upgrader *websocket.Upgrader

	stateLock           sync.Mutex
	clients             map[Id]*serverClient
	initialDataFunction func(clientId Id) []*Message
}

func NewReplicationServerWithDefaults(ctx context.Context) *ReplicationServer {
	return NewReplicationServer(ctx, DefaultReplicationServerSettings())
}

func NewReplicationServer(ctx context.Context, settings *ReplicationServerSettings) *ReplicationServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ReplicationServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
		clients: map[Id]*serverClient{},
	}
}

func (self *ReplicationServer) SetInitialDataFunction(initialDataFunction func(clientId Id) []*Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.initialDataFunction = initialDataFunction
}

type serverClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId Id
	conn     *websocket.Conn

	send chan []byte
}

// http.Handler
func (self *ReplicationServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ts]upgrade error = %s\n", err)
		return
	}

	clientId, err := self.authenticate(conn)
	if err != nil {
		glog.Infof("[ts]auth error = %s\n", err)
		conn.Close()
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	client := &serverClient{
		ctx:      handleCtx,
		cancel:   handleCancel,
		clientId: clientId,
		conn:     conn,
		send:     make(chan []byte, self.settings.SendBufferSize),
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if replaced, ok := self.clients[clientId]; ok {
			// one connection per identity
			replaced.cancel()
		}
		self.clients[clientId] = client
	}()
	glog.V(2).Infof("[ts]connect %s\n", clientId)

	defer func() {
		handleCancel()
		conn.Close()
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.clients[clientId] == client {
			delete(self.clients, clientId)
		}
	}()

	go self.clientWriteLoop(client)
	self.clientReadLoop(client)
}

func (self *ReplicationServer) authenticate(conn *websocket.Conn) (Id, error) {
	conn.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, authBytes, err := conn.ReadMessage()
	if err != nil {
		return Id{}, err
	}
	auth := &ClientAuth{}
	if err := json.Unmarshal(authBytes, auth); err != nil {
		return Id{}, err
	}

	authVerify := self.settings.AuthVerify
	if authVerify == nil {
		authVerify = func(auth *ClientAuth) (Id, error) {
			return auth.ClientId()
		}
	}
	clientId, err := authVerify(auth)
	if err != nil {
		return Id{}, err
	}

	// auth echo
	conn.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return Id{}, err
	}
	return clientId, nil
}

func (self *ReplicationServer) clientWriteLoop(client *serverClient) {
	defer client.cancel()

	for {
		select {
		case <-client.ctx.Done():
			return
		case frameBytes, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[ts]%s-> error = %s\n", client.clientId, err)
				return
			}
			glog.V(2).Infof("[ts]%s->\n", client.clientId)
		case <-time.After(self.settings.PingTimeout):
			client.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *ReplicationServer) clientReadLoop(client *serverClient) {
	defer client.cancel()

	for {
		select {
		case <-client.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, frameBytes, err := client.conn.ReadMessage()
		if err != nil {
			glog.Infof("[tr]%s<- error = %s\n", client.clientId, err)
			return
		}
		if len(frameBytes) == 0 {
			// ping
			glog.V(2).Infof("[tr]ping %s<-\n", client.clientId)
			continue
		}

		frame := &transportFrame{}
		if err := json.Unmarshal(frameBytes, frame); err != nil {
			glog.Warningf("[tr]%s<- bad frame = %s\n", client.clientId, err)
			continue
		}
		switch frame.Type {
		case frameTypeInitialDataRequest:
			self.handleInitialDataRequest(client, frame.RequestId)
		default:
			glog.V(2).Infof("[tr]other=%s %s<-\n", frame.Type, client.clientId)
		}
	}
}

// the bootstrap request/response. an over quota requester gets an empty
// messages array.
func (self *ReplicationServer) handleInitialDataRequest(client *serverClient, requestId uint64) {
	initialDataFunction := func() func(clientId Id) []*Message {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		return self.initialDataFunction
	}()

	messages := []*Message{}
	if initialDataFunction != nil {
		messages = initialDataFunction(client.clientId)
	}

	frameBytes, err := json.Marshal(&transportFrame{
		Type:      frameTypeInitialDataResponse,
		RequestId: requestId,
		Messages:  messages,
	})
	if err != nil {
		glog.Warningf("[ts]%s-> response marshal error = %s\n", client.clientId, err)
		return
	}
	self.enqueue(client, frameBytes)
}

// enqueue that never blocks. a full reliable queue means the observer is too
// slow to keep ordering guarantees, so the connection is closed and the
// observer re-bootstraps on reconnect.
func (self *ReplicationServer) enqueue(client *serverClient, frameBytes []byte) bool {
	select {
	case <-client.ctx.Done():
		return false
	case client.send <- frameBytes:
		return true
	default:
		glog.Infof("[ts]%s-> backpressure. close.\n", client.clientId)
		client.cancel()
		return false
	}
}

// AuthorityTransport

func (self *ReplicationServer) SendReliable(clientId Id, message *Message) bool {
	client := self.client(clientId)
	if client == nil {
		return false
	}
	frameBytes, err := json.Marshal(&transportFrame{
		Type:    frameTypeMessage,
		Message: message,
	})
	if err != nil {
		glog.Warningf("[ts]%s-> marshal error = %s\n", clientId, err)
		return false
	}
	return self.enqueue(client, frameBytes)
}

func (self *ReplicationServer) SendUnreliable(clientId Id, message *Message) bool {
	client := self.client(clientId)
	if client == nil {
		return false
	}
	frameBytes, err := json.Marshal(&transportFrame{
		Type:    frameTypeMessage,
		Message: message,
	})
	if err != nil {
		return false
	}
	select {
	case <-client.ctx.Done():
		return false
	case client.send <- frameBytes:
		return true
	default:
		// accepted, silent loss
		glog.V(2).Infof("[ts]%s-> drop\n", clientId)
		return false
	}
}

func (self *ReplicationServer) ConnectedClientIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.clients)
}

func (self *ReplicationServer) client(clientId Id) *serverClient {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.clients[clientId]
}

func (self *ReplicationServer) Close() {
	self.cancel()
}

func DefaultReplicationClientSettings() *ReplicationClientSettings {
	return &ReplicationClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RequestTimeout:     10 * time.Second,
		SendBufferSize:     transportBufferSize,
	}
}

type ReplicationClientSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// bound on the synchronous bootstrap request
	RequestTimeout time.Duration
	SendBufferSize int
}

// the observer side of the transport. replication messages are routed into
// the replica registry. reconnects with backoff until closed.
type ReplicationClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	auth     *ClientAuth
	registry *ReplicaRegistry

	settings *ReplicationClientSettings

	send chan []byte

	stateLock       sync.Mutex
	nextRequestId   uint64
	pendingRequests map[uint64]chan []*Message
}

func NewReplicationClientWithDefaults(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	registry *ReplicaRegistry,
) *ReplicationClient {
	return NewReplicationClient(ctx, url, auth, registry, DefaultReplicationClientSettings())
}

func NewReplicationClient(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	registry *ReplicaRegistry,
	settings *ReplicationClientSettings,
) *ReplicationClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &ReplicationClient{
		ctx:             cancelCtx,
		cancel:          cancel,
		url:             url,
		auth:            auth,
		registry:        registry,
		settings:        settings,
		send:            make(chan []byte, settings.SendBufferSize),
		pendingRequests: map[uint64]chan []*Message{},
	}
	go client.run()
	return client
}

func (self *ReplicationClient) run() {
	defer self.cancel()

	authBytes, err := json.Marshal(self.auth)
	if err != nil {
		return
	}

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if _, echoBytes, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else if string(echoBytes) != string(authBytes) {
				return nil, fmt.Errorf("auth response error: bad echo")
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[t]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case frameBytes, ok := <-self.send:
						if !ok {
							return
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
							glog.Infof("[ts]-> error = %s\n", err)
							return
						}
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				_, frameBytes, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[tr]<- error = %s\n", err)
					return
				}
				if len(frameBytes) == 0 {
					// ping
					continue
				}

				frame := &transportFrame{}
				if err := json.Unmarshal(frameBytes, frame); err != nil {
					glog.Warningf("[tr]<- bad frame = %s\n", err)
					continue
				}
				switch frame.Type {
				case frameTypeMessage:
					self.registry.HandleMessage(frame.Message)
				case frameTypeInitialDataResponse:
					self.resolveRequest(frame.RequestId, frame.Messages)
				default:
					glog.V(2).Infof("[tr]other=%s<-\n", frame.Type)
				}
			}
		}()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *ReplicationClient) resolveRequest(requestId uint64, messages []*Message) {
	pending := func() chan []*Message {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		pending, ok := self.pendingRequests[requestId]
		if !ok {
			return nil
		}
		delete(self.pendingRequests, requestId)
		return pending
	}()
	if pending == nil {
		return
	}
	pending <- messages
}

// the synchronous bootstrap request. the returned messages are already
// applied to the replica registry. an empty result means rate limited or no
// visible state, and the caller should retry later.
func (self *ReplicationClient) RequestInitialData(ctx context.Context) ([]*Message, error) {
	requestCtx, requestCancel := context.WithTimeout(ctx, self.settings.RequestTimeout)
	defer requestCancel()

	pending := make(chan []*Message, 1)
	requestId := func() uint64 {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.nextRequestId += 1
		requestId := self.nextRequestId
		self.pendingRequests[requestId] = pending
		return requestId
	}()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		delete(self.pendingRequests, requestId)
	}()

	frameBytes, err := json.Marshal(&transportFrame{
		Type:      frameTypeInitialDataRequest,
		RequestId: requestId,
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-requestCtx.Done():
		return nil, requestCtx.Err()
	case <-self.ctx.Done():
		return nil, fmt.Errorf("client closed")
	case self.send <- frameBytes:
	}

	select {
	case <-requestCtx.Done():
		return nil, requestCtx.Err()
	case <-self.ctx.Done():
		return nil, fmt.Errorf("client closed")
	case messages := <-pending:
		for _, message := range messages {
			self.registry.HandleMessage(message)
		}
		return messages, nil
	}
}

func (self *ReplicationClient) Close() {
	self.cancel()
}
