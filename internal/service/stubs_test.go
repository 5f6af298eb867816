package service

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quickcheck-project/quickcheck-liff/internal/backend"
	"github.com/quickcheck-project/quickcheck-liff/internal/db"
	"github.com/quickcheck-project/quickcheck-liff/internal/domain"
	"github.com/quickcheck-project/quickcheck-liff/internal/photostore"
)

// stubPhotoStore is a minimal in-memory photostore.PhotoStore for tests.
type stubPhotoStore struct {
	mu      sync.Mutex
	saved   map[string][]byte
	mimes   map[string]string
	counter int
	saveErr error
}

func newStubPhotoStore() *stubPhotoStore {
	return &stubPhotoStore{saved: make(map[string][]byte), mimes: make(map[string]string)}
}

func (s *stubPhotoStore) Save(_ context.Context, prefix, mimeType string, r io.Reader) (string, error) {
	if s.saveErr != nil {
		return "", s.saveErr
	}
	data, _ := io.ReadAll(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	key := fmt.Sprintf("%s_%d", prefix, s.counter)
	s.saved[key] = data
	s.mimes[key] = mimeType
	return key, nil
}

func (s *stubPhotoStore) Get(_ context.Context, key string) (io.ReadCloser, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.saved[key]
	if !ok {
		return nil, "", photostore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), s.mimes[key], nil
}

func (s *stubPhotoStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.saved[key]; !ok {
		return photostore.ErrNotFound
	}
	delete(s.saved, key)
	delete(s.mimes, key)
	return nil
}

func (s *stubPhotoStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// stubGateway implements every backend call the services use.
type stubGateway struct {
	user     *backend.UserDetails
	getErr   error
	getCalls int
	writeErr error
	assessID string
	uploads  []capturedUpload
	added    []domain.Vehicle
	updated  map[string]domain.Vehicle
	deleted  []string
	regs     []backend.Registration
	exists   bool
	checkErr error
}

type capturedUpload struct {
	LicensePlate string
	Parts        []string
	Bodies       [][]byte
}

func (g *stubGateway) CheckUser(context.Context, string) (bool, error) {
	return g.exists, g.checkErr
}

func (g *stubGateway) GetUser(_ context.Context, lineID string) (*backend.UserDetails, error) {
	g.getCalls++
	if g.getErr != nil {
		return nil, g.getErr
	}
	if g.user == nil {
		return &backend.UserDetails{User: domain.User{LineID: lineID}}, nil
	}
	return g.user, nil
}

func (g *stubGateway) Register(_ context.Context, reg backend.Registration) error {
	if g.writeErr != nil {
		return g.writeErr
	}
	g.regs = append(g.regs, reg)
	return nil
}

func (g *stubGateway) AddCars(_ context.Context, _ string, vehicles []domain.Vehicle) error {
	if g.writeErr != nil {
		return g.writeErr
	}
	g.added = append(g.added, vehicles...)
	return nil
}

func (g *stubGateway) UpdateCar(_ context.Context, plate string, v domain.Vehicle) error {
	if g.writeErr != nil {
		return g.writeErr
	}
	if g.updated == nil {
		g.updated = make(map[string]domain.Vehicle)
	}
	g.updated[plate] = v
	return nil
}

func (g *stubGateway) DeleteCar(_ context.Context, plate string) error {
	if g.writeErr != nil {
		return g.writeErr
	}
	g.deleted = append(g.deleted, plate)
	return nil
}

func (g *stubGateway) AssessDamage(_ context.Context, upload backend.AssessmentUpload) (string, error) {
	c := capturedUpload{LicensePlate: upload.LicensePlate}
	for _, img := range upload.Images {
		data, _ := io.ReadAll(img.Body)
		c.Parts = append(c.Parts, img.PartType)
		c.Bodies = append(c.Bodies, data)
	}
	g.uploads = append(g.uploads, c)
	if g.writeErr != nil {
		return "", g.writeErr
	}
	return g.assessID, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	d, err := db.OpenForTesting()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}
