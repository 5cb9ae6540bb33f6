package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// NewTestIMAPServer creates a new test IMAP server with an in-memory backend
// and closes it when the test ends.
// The memory backend creates a default user with username "username" and
// password "password" whose INBOX already holds one message.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	s, err := startIMAPServer("127.0.0.1:0", func(err error) {
		t.Logf("IMAP server error: %v", err)
	})
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(s.Close)

	return s
}

// NewIMAPServerForSandbox starts an in-memory IMAP server outside of tests,
// listening on addr.
func NewIMAPServerForSandbox(addr string) (*TestIMAPServer, error) {
	return startIMAPServer(addr, nil)
}

func startIMAPServer(addr string, onError func(error)) (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		err := s.Serve(listener)
		if err != nil && !errors.Is(err, net.ErrClosed) && onError != nil {
			onError(err)
		}
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	return &TestIMAPServer{
		Server:  s,
		Address: listener.Addr().String(),
		Backend: be,
		cleanup: func() {
			_ = s.Close()
			<-served
		},
		username: "username",
		password: "password",
	}, nil
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// HostPort splits Address for dial options.
func (s *TestIMAPServer) HostPort() (string, int) {
	host, port, err := net.SplitHostPort(s.Address)
	if err != nil {
		return s.Address, 0
	}
	n, _ := strconv.Atoi(port)
	return host, n
}

func (s *TestIMAPServer) dial() (*imapclient.Client, error) {
	c, err := imapclient.Dial(s.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test server: %w", err)
	}
	if err := c.Login(s.username, s.password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	return c, nil
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := s.dial()
	if err != nil {
		t.Fatalf("%v", err)
	}

	return client, func() { _ = client.Logout() }
}

// CreateMailbox creates a mailbox for the default user.
func (s *TestIMAPServer) CreateMailbox(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create mailbox %s: %v", name, err)
	}
}

// AddMessage adds a plain text message to the specified folder and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from string, sentAt time.Time) uint32 {
	t.Helper()

	messageBody := fmt.Sprintf("Message-ID: %s\r\n"+
		"Date: %s\r\n"+
		"From: %s\r\n"+
		"To: username@localhost\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"Test message body.\r\n", messageID, sentAt.Format(time.RFC1123Z), from, subject)

	return s.AddRawMessage(t, folderName, []byte(messageBody))
}

// AddRawMessage appends raw to the specified folder and returns its UID.
func (s *TestIMAPServer) AddRawMessage(t *testing.T, folderName string, raw []byte) uint32 {
	t.Helper()

	uid, err := s.AppendMessage(folderName, raw)
	if err != nil {
		t.Fatalf("%v", err)
	}
	return uid
}

// AppendMessage appends raw to the folder and returns the UID it was given.
func (s *TestIMAPServer) AppendMessage(folderName string, raw []byte) (uint32, error) {
	client, err := s.dial()
	if err != nil {
		return 0, err
	}
	defer func() { _ = client.Logout() }()

	if err := client.Append(folderName, nil, time.Now(), bytes.NewReader(raw)); err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := client.Select(folderName, true); err != nil {
		return 0, fmt.Errorf("failed to select folder: %w", err)
	}

	// The appended message has the highest UID.
	uids, err := client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return 0, fmt.Errorf("failed to search for message: %w", err)
	}
	if len(uids) == 0 {
		return 0, fmt.Errorf("message not found after append")
	}

	highest := uids[0]
	for _, uid := range uids[1:] {
		if uid > highest {
			highest = uid
		}
	}

	return highest, nil
}

// Deliver appends a message received over SMTP to INBOX.
func (s *TestIMAPServer) Deliver(_ string, _ []string, data []byte) error {
	_, err := s.AppendMessage("INBOX", data)
	return err
}
