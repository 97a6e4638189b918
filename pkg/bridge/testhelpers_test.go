// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix/id"
)

const (
	testServerID = "irc.test"
	testDomain   = "example.com"
	testBotUser  = id.UserID("@ircbot:example.com")
)

// matrixCall records one MatrixClient invocation for assertions.
type matrixCall struct {
	Method   string
	As       id.UserID
	Room     id.RoomID
	Target   id.UserID
	Text     string
	Type     string
	StateKey string
	Content  map[string]any
}

// mockMatrix implements MatrixClient, recording every call.
type mockMatrix struct {
	mu        sync.Mutex
	calls     []matrixCall
	created   []*RoomCreateRequest
	nextRoom  int
	joinErr   map[id.UserID]error
	createErr error
	state     map[id.RoomID][]StateEvent
	members   map[id.RoomID][]id.UserID
	createGate chan struct{}
}

func newMockMatrix() *mockMatrix {
	return &mockMatrix{
		joinErr: make(map[id.UserID]error),
		state:   make(map[id.RoomID][]StateEvent),
		members: make(map[id.RoomID][]id.UserID),
	}
}

func (m *mockMatrix) record(c matrixCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *mockMatrix) callsNamed(method string) []matrixCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []matrixCall
	for _, c := range m.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockMatrix) CreateRoom(ctx context.Context, as id.UserID, req *RoomCreateRequest) (id.RoomID, error) {
	if m.createGate != nil {
		<-m.createGate
	}
	m.mu.Lock()
	if m.createErr != nil {
		err := m.createErr
		m.mu.Unlock()
		return "", err
	}
	m.nextRoom++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", m.nextRoom, testDomain))
	m.created = append(m.created, req)
	m.calls = append(m.calls, matrixCall{Method: "CreateRoom", As: as, Room: roomID})
	m.mu.Unlock()
	return roomID, nil
}

func (m *mockMatrix) JoinRoom(ctx context.Context, as id.UserID, roomID id.RoomID) error {
	m.record(matrixCall{Method: "JoinRoom", As: as, Room: roomID})
	m.mu.Lock()
	err := m.joinErr[as]
	m.mu.Unlock()
	return err
}

func (m *mockMatrix) LeaveRoom(ctx context.Context, as id.UserID, roomID id.RoomID) error {
	m.record(matrixCall{Method: "LeaveRoom", As: as, Room: roomID})
	return nil
}

func (m *mockMatrix) InviteUser(ctx context.Context, as id.UserID, roomID id.RoomID, target id.UserID) error {
	m.record(matrixCall{Method: "InviteUser", As: as, Room: roomID, Target: target})
	return nil
}

func (m *mockMatrix) KickUser(ctx context.Context, as id.UserID, roomID id.RoomID, target id.UserID, reason string) error {
	m.record(matrixCall{Method: "KickUser", As: as, Room: roomID, Target: target, Text: reason})
	return nil
}

func (m *mockMatrix) SendText(ctx context.Context, as id.UserID, roomID id.RoomID, text string) error {
	m.record(matrixCall{Method: "SendText", As: as, Room: roomID, Text: text})
	return nil
}

func (m *mockMatrix) SendNotice(ctx context.Context, as id.UserID, roomID id.RoomID, text string) error {
	m.record(matrixCall{Method: "SendNotice", As: as, Room: roomID, Text: text})
	return nil
}

func (m *mockMatrix) SendStateEvent(ctx context.Context, as id.UserID, roomID id.RoomID, evtType, stateKey string, content map[string]any) error {
	m.record(matrixCall{Method: "SendStateEvent", As: as, Room: roomID, Type: evtType, StateKey: stateKey, Content: content})
	return nil
}

func (m *mockMatrix) RoomState(ctx context.Context, roomID id.RoomID) ([]StateEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[roomID], nil
}

func (m *mockMatrix) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[roomID], nil
}

func (m *mockMatrix) RegisterPuppet(ctx context.Context, localpart string) (id.UserID, error) {
	uid := id.UserID(fmt.Sprintf("@%s:%s", localpart, testDomain))
	m.record(matrixCall{Method: "RegisterPuppet", Target: uid, Text: localpart})
	return uid, nil
}

var _ MatrixClient = (*mockMatrix)(nil)

// memStore is an in-memory MappingStore + IdentityStore.
type memStore struct {
	mu       sync.Mutex
	mappings []RoomMapping
	puppets  map[string]id.UserID
	configs  map[string]*IRCClientConfig
	features map[id.UserID]UserFeatures
}

func newMemStore() *memStore {
	return &memStore{
		puppets:  make(map[string]id.UserID),
		configs:  make(map[string]*IRCClientConfig),
		features: make(map[id.UserID]UserFeatures),
	}
}

func (s *memStore) GetRoomsForChannel(ctx context.Context, serverID, channel string) ([]RoomMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RoomMapping
	for _, m := range s.mappings {
		if m.ServerID == serverID && m.Channel == channel {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) GetMappingsForRoom(ctx context.Context, roomID id.RoomID) ([]RoomMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RoomMapping
	for _, m := range s.mappings {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) GetMappingsForServer(ctx context.Context, serverID string) ([]RoomMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RoomMapping
	for _, m := range s.mappings {
		if m.ServerID == serverID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) GetRoom(ctx context.Context, roomID id.RoomID, serverID, channel string) (*RoomMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.RoomID == roomID && m.ServerID == serverID && m.Channel == channel {
			m := m
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memStore) StoreRoomMapping(ctx context.Context, m RoomMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.mappings {
		if existing.RoomID == m.RoomID && existing.ServerID == m.ServerID && existing.Channel == m.Channel {
			s.mappings[i] = m
			return nil
		}
	}
	s.mappings = append(s.mappings, m)
	return nil
}

func (s *memStore) GetPMRoom(ctx context.Context, serverID, ircNick string, mxUser id.UserID) (*RoomMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.Kind == KindPM && m.ServerID == serverID && m.Channel == ircNick && m.PMUser == mxUser {
			m := m
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memStore) ReplaceRoomMappings(ctx context.Context, oldRoom, newRoom id.RoomID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for i := range s.mappings {
		if s.mappings[i].RoomID == oldRoom {
			s.mappings[i].RoomID = newRoom
			moved++
		}
	}
	return moved, nil
}

func (s *memStore) GetPuppet(ctx context.Context, serverID, nick string) (id.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puppets[serverID+"/"+nick], nil
}

func (s *memStore) StorePuppet(ctx context.Context, serverID, nick string, userID id.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puppets[serverID+"/"+nick] = userID
	return nil
}

func (s *memStore) GetIRCClientConfig(ctx context.Context, userID id.UserID, serverID string) (*IRCClientConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[string(userID)+"/"+serverID]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

func (s *memStore) StoreIRCClientConfig(ctx context.Context, cfg *IRCClientConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.configs[string(cfg.UserID)+"/"+cfg.ServerID] = &cp
	return nil
}

func (s *memStore) StorePass(ctx context.Context, userID id.UserID, serverID, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(userID) + "/" + serverID
	cfg, ok := s.configs[key]
	if !ok {
		nick := DefaultIRCNick(userID)
		cfg = &IRCClientConfig{UserID: userID, ServerID: serverID, Nick: nick, Username: nick}
		s.configs[key] = cfg
	}
	cfg.Password = password
	return nil
}

func (s *memStore) RemovePass(ctx context.Context, userID id.UserID, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.configs[string(userID)+"/"+serverID]; ok {
		cfg.Password = ""
	}
	return nil
}

func (s *memStore) GetUserFeatures(ctx context.Context, userID id.UserID) (UserFeatures, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if feats, ok := s.features[userID]; ok {
		return feats, nil
	}
	return DefaultUserFeatures, nil
}

func (s *memStore) StoreUserFeatures(ctx context.Context, userID id.UserID, feats UserFeatures) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[userID] = feats
	return nil
}

var (
	_ MappingStore  = (*memStore)(nil)
	_ IdentityStore = (*memStore)(nil)
)

// ircCommand is one recorded command on a mock connection.
type ircCommand struct {
	Name string
	Args []string
}

// mockConn implements IRCConn, recording every command.
type mockConn struct {
	dialer *mockDialer
	events chan<- IRCEvent

	mu       sync.Mutex
	nick     string
	commands []ircCommand
	closed   bool
	joinErr  error
}

func (c *mockConn) record(name string, args ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, ircCommand{Name: name, Args: args})
}

func (c *mockConn) commandsNamed(name string) []ircCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ircCommand
	for _, cmd := range c.commands {
		if cmd.Name == name {
			out = append(out, cmd)
		}
	}
	return out
}

func (c *mockConn) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

func (c *mockConn) Join(ctx context.Context, channel, key string) error {
	c.record("JOIN", channel, key)
	c.mu.Lock()
	err := c.joinErr
	c.mu.Unlock()
	return err
}

func (c *mockConn) Part(ctx context.Context, channel, reason string) error {
	c.record("PART", channel, reason)
	return nil
}

func (c *mockConn) Kick(ctx context.Context, channel, nick, reason string) error {
	c.record("KICK", channel, nick, reason)
	return nil
}

func (c *mockConn) Privmsg(ctx context.Context, target, text string) error {
	c.record("PRIVMSG", target, text)
	return nil
}

func (c *mockConn) Notice(ctx context.Context, target, text string) error {
	c.record("NOTICE", target, text)
	return nil
}

func (c *mockConn) Send(ctx context.Context, command string, params ...string) error {
	c.record(command, params...)
	return nil
}

func (c *mockConn) Whois(ctx context.Context, nick string) (*WhoisInfo, error) {
	c.record("WHOIS", nick)
	c.dialer.mu.Lock()
	defer c.dialer.mu.Unlock()
	return c.dialer.whois[nick], nil
}

func (c *mockConn) ChannelModes(ctx context.Context, channel string) (string, error) {
	c.record("MODE", channel)
	c.dialer.mu.Lock()
	defer c.dialer.mu.Unlock()
	return c.dialer.modes, nil
}

func (c *mockConn) ChangeNick(ctx context.Context, nick string) error {
	c.record("NICK", nick)
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
	return nil
}

func (c *mockConn) Close(quitMessage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return nil
}

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ IRCConn = (*mockConn)(nil)

// mockDialer implements IRCDialer, handing out mockConns and keeping them
// addressable by nick for event injection.
type mockDialer struct {
	mu      sync.Mutex
	conns   map[string]*mockConn
	dials   int
	dialErr error
	whois   map[string]*WhoisInfo
	modes   string
}

func newMockDialer() *mockDialer {
	return &mockDialer{
		conns: make(map[string]*mockConn),
		whois: make(map[string]*WhoisInfo),
		modes: "+nt",
	}
}

func (d *mockDialer) Dial(ctx context.Context, server *Server, cfg IRCClientConfig, events chan<- IRCEvent) (IRCConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.dials++
	c := &mockConn{dialer: d, events: events, nick: cfg.Nick}
	d.conns[server.ID+"/"+cfg.Nick] = c
	return c, nil
}

func (d *mockDialer) conn(serverID, nick string) *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[serverID+"/"+nick]
}

func (d *mockDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

var _ IRCDialer = (*mockDialer)(nil)

// testBridge wires a full in-memory bridge around the mocks.
type testBridge struct {
	matrix *mockMatrix
	store  *memStore
	dialer *mockDialer
	pool   *ConnectionPool
	prov   *VirtualIdentityProvisioner
	pm     *PMRequestCoordinator
	rooms  *RoomLifecycleManager
	admin  *AdminHandler
	engine *MembershipSyncEngine
	server *Server
}

func newTestServer() *Server {
	return &Server{
		ID:          testServerID,
		Addr:        testServerID,
		Port:        6667,
		BotNick:     "MatrixBot",
		BotUsername: "matrixbot",
		Federate:    true,
		Sync: MembershipSyncConfig{
			Enabled:     true,
			MatrixToIRC: SyncDirection{Incremental: true},
			IRCToMatrix: SyncDirection{Incremental: true},
		},
		PM: PMPolicy{Enabled: true, Federate: true},
	}
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	log := zerolog.Nop()
	tb := &testBridge{
		matrix: newMockMatrix(),
		store:  newMemStore(),
		dialer: newMockDialer(),
		server: newTestServer(),
	}
	servers := map[string]*Server{testServerID: tb.server}
	tb.pool = NewConnectionPool(log, tb.dialer)
	tb.prov = NewVirtualIdentityProvisioner(log, tb.matrix, tb.store, tb.pool, testDomain)
	tb.pool.SetConfigSource(tb.prov)
	tb.pm = NewPMRequestCoordinator(log, tb.matrix, tb.store, tb.prov)
	tb.rooms = NewRoomLifecycleManager(log, tb.matrix, tb.store, tb.pool, servers, testBotUser, testDomain)
	tb.admin = NewAdminHandler(log, tb.matrix, tb.store, tb.store, tb.pool, tb.prov, tb.rooms,
		servers, testServerID, testBotUser)
	tb.engine = NewMembershipSyncEngine(log, servers, tb.store, tb.pool, tb.prov, tb.matrix,
		tb.pm, tb.rooms, tb.admin, testBotUser, testDomain)
	tb.pool.SetHandler(tb.engine)
	return tb
}

// connect establishes a pooled connection (owner == "" for the bot) and
// returns it together with its mock.
func (tb *testBridge) connect(t *testing.T, owner id.UserID) (*Connection, *mockConn) {
	t.Helper()
	conn, err := tb.pool.Get(context.Background(), tb.server, owner)
	if err != nil {
		t.Fatalf("pool.Get(%q): %v", owner, err)
	}
	return conn, conn.Conn().(*mockConn)
}

// mapChannel persists a channel mapping.
func (tb *testBridge) mapChannel(t *testing.T, roomID id.RoomID, channel string) {
	t.Helper()
	err := tb.store.StoreRoomMapping(context.Background(), RoomMapping{
		RoomID:   roomID,
		ServerID: testServerID,
		Channel:  channel,
		Origin:   OriginProvision,
		Kind:     KindChannel,
	})
	if err != nil {
		t.Fatalf("StoreRoomMapping: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
