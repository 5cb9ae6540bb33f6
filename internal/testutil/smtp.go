package testutil

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

// DeliverFunc hands a received message to a mailbox.
type DeliverFunc func(from string, to []string, data []byte) error

// MemoryBackend is a simple in-memory SMTP backend for testing. Messages are
// kept and, when a DeliverFunc is set, delivered on receipt.
type MemoryBackend struct {
	mu       sync.Mutex
	messages []*ReceivedMessage
	deliver  DeliverFunc
}

// ReceivedMessage is one message accepted by the SMTP server.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
}

// NewMemoryBackend creates a new in-memory SMTP backend.
func NewMemoryBackend(deliver DeliverFunc) *MemoryBackend {
	return &MemoryBackend{
		messages: make([]*ReceivedMessage, 0),
		deliver:  deliver,
	}
}

// NewSession creates a new SMTP session.
func (b *MemoryBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b}, nil
}

// GetMessages returns all received messages.
func (b *MemoryBackend) GetMessages() []*ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messages
}

type memorySession struct {
	backend *MemoryBackend
	from    string
	to      []string
}

func (s *memorySession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, &ReceivedMessage{
		From: s.from,
		To:   s.to,
		Data: data,
	})
	deliver := s.backend.deliver
	s.backend.mu.Unlock()

	if deliver == nil {
		return nil
	}
	if err := deliver(s.from, s.to, data); err != nil {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "delivery failed: " + err.Error(),
		}
	}
	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer represents a test SMTP server instance.
type TestSMTPServer struct {
	Server  *smtp.Server
	Address string
	Backend *MemoryBackend
	cleanup func()
}

// NewTestSMTPServer creates a new test SMTP server that passes every
// message to deliver, and closes it when the test ends.
func NewTestSMTPServer(t *testing.T, deliver DeliverFunc) *TestSMTPServer {
	t.Helper()

	s, err := startSMTPServer("127.0.0.1:0", deliver)
	if err != nil {
		t.Fatalf("Failed to start SMTP server: %v", err)
	}
	t.Cleanup(s.Close)

	return s
}

// NewSMTPServerForSandbox starts the SMTP server outside of tests.
func NewSMTPServerForSandbox(addr string, deliver DeliverFunc) (*TestSMTPServer, error) {
	return startSMTPServer(addr, deliver)
}

func startSMTPServer(addr string, deliver DeliverFunc) (*TestSMTPServer, error) {
	be := NewMemoryBackend(deliver)

	s := smtp.NewServer(be)
	s.Addr = addr
	s.AllowInsecureAuth = true
	s.Domain = "localhost"

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		// Serve returns once the server is closed.
		_ = s.Serve(listener)
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	return &TestSMTPServer{
		Server:  s,
		Address: listener.Addr().String(),
		Backend: be,
		cleanup: func() { _ = s.Close() },
	}, nil
}

// Close shuts down the test SMTP server.
func (s *TestSMTPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// GetMessages returns all messages received by the server.
func (s *TestSMTPServer) GetMessages() []*ReceivedMessage {
	return s.Backend.GetMessages()
}
