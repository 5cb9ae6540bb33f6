package mocks

import (
	"bytes"
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"github.com/kelvan/gpg-sign-import/internal/gpg"
)

// Engine is a mock gpg.Engine. Import and Inspect record the plaintext they
// were given in Plaintexts so tests can compare it with the decrypted bytes.
type Engine struct {
	mock.Mock

	Plaintexts [][]byte
}

var _ gpg.Engine = (*Engine)(nil)

// NewEngine creates a mock engine whose expectations are asserted when the
// test ends.
func NewEngine(t interface {
	mock.TestingT
	Cleanup(func())
}) *Engine {
	m := &Engine{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Engine) Decrypt(ctx context.Context, ciphertext []byte) (*bytes.Reader, error) {
	args := m.Called(ctx, ciphertext)
	if err := args.Error(1); err != nil {
		return nil, err
	}

	switch v := args.Get(0).(type) {
	case []byte:
		return bytes.NewReader(v), nil
	case string:
		return bytes.NewReader([]byte(v)), nil
	case *bytes.Reader:
		return v, nil
	default:
		return bytes.NewReader(nil), nil
	}
}

func (m *Engine) Import(ctx context.Context, plaintext io.Reader) (gpg.ImportResult, error) {
	data, _ := io.ReadAll(plaintext)
	m.Plaintexts = append(m.Plaintexts, data)

	args := m.Called(ctx, data)
	return args.Get(0).(gpg.ImportResult), args.Error(1)
}

func (m *Engine) Inspect(ctx context.Context, plaintext io.Reader) ([]gpg.KeyInfo, error) {
	data, _ := io.ReadAll(plaintext)
	m.Plaintexts = append(m.Plaintexts, data)

	args := m.Called(ctx, data)
	keys, _ := args.Get(0).([]gpg.KeyInfo)
	return keys, args.Error(1)
}
