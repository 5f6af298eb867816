package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/quickcheck-project/quickcheck-liff/internal/backend"
	"github.com/quickcheck-project/quickcheck-liff/internal/catalog"
	"github.com/quickcheck-project/quickcheck-liff/internal/domain"
	"github.com/quickcheck-project/quickcheck-liff/internal/photostore"
	"github.com/quickcheck-project/quickcheck-liff/internal/store"
)

const (
	// MaxDamageRows is the most photos one assessment can carry.
	MaxDamageRows = 7
	MaxImageBytes = 10 << 20
)

var (
	ErrVehicleRequired = errors.New("no vehicle selected")
	ErrPartRequired    = errors.New("a row has no part selected")
	ErrImageRequired   = errors.New("a row has no image")
	ErrDuplicatePart   = errors.New("part already selected in another row")
	ErrUnknownPart     = errors.New("unknown part")
	ErrUnknownVehicle  = errors.New("vehicle does not belong to user")
	ErrNoPartsLeft     = errors.New("no unused part left")
	ErrTooManyRows     = store.ErrRowLimit
	ErrLastRow         = store.ErrLastRow
	ErrImageTooLarge   = fmt.Errorf("image larger than %s", humanize.IBytes(MaxImageBytes))
)

// draftRepository is the subset of store.DraftStore that AssessService requires.
type draftRepository interface {
	GetOrCreate(ctx context.Context, lineID string) (*domain.AssessmentDraft, error)
	Get(ctx context.Context, lineID string) (*domain.AssessmentDraft, error)
	SetVehicle(ctx context.Context, lineID, licensePlate string) error
	AddRow(ctx context.Context, lineID string, maxRows int) (*domain.DamageRow, error)
	SetRowPart(ctx context.Context, lineID, rowID, partType string) error
	SetRowImage(ctx context.Context, lineID, rowID, storageKey, mimeType string) (string, error)
	DeleteRow(ctx context.Context, lineID, rowID string) (string, error)
	Delete(ctx context.Context, lineID string) error
	StaleLineIDs(ctx context.Context, cutoff time.Time) ([]string, error)
}

// assessmentGateway is the subset of backend.Client that AssessService requires.
type assessmentGateway interface {
	GetUser(ctx context.Context, lineID string) (*backend.UserDetails, error)
	AssessDamage(ctx context.Context, upload backend.AssessmentUpload) (string, error)
}

type AssessService struct {
	drafts  draftRepository
	backend assessmentGateway
	photos  photostore.PhotoStore
	catalog *catalog.Catalog
	logger  *slog.Logger
}

func NewAssessService(
	drafts draftRepository,
	gateway assessmentGateway,
	photos photostore.PhotoStore,
	cat *catalog.Catalog,
	logger *slog.Logger,
) *AssessService {
	return &AssessService{
		drafts:  drafts,
		backend: gateway,
		photos:  photos,
		catalog: cat,
		logger:  logger,
	}
}

// AssessPage is everything the assessment screen renders.
type AssessPage struct {
	User     *domain.User
	Vehicles []domain.Vehicle
	// LoadErr is set when the user's vehicles could not be fetched; the
	// screen still renders with an empty vehicle list.
	LoadErr error
	Draft   *domain.AssessmentDraft
}

func (s *AssessService) Load(ctx context.Context, lineID string) (*AssessPage, error) {
	draft, err := s.drafts.GetOrCreate(ctx, lineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load draft: %w", err)
	}

	page := &AssessPage{Draft: draft}
	details, err := s.backend.GetUser(ctx, lineID)
	if err != nil {
		s.logger.Warn("failed to load user for assessment", "line_id", lineID, "error", err)
		page.LoadErr = err
		return page, nil
	}
	page.User = &details.User
	page.Vehicles = details.Vehicles
	return page, nil
}

// Draft returns the current draft of lineID, creating it if needed.
func (s *AssessService) Draft(ctx context.Context, lineID string) (*domain.AssessmentDraft, error) {
	return s.drafts.GetOrCreate(ctx, lineID)
}

// SelectVehicle sets the vehicle to assess. An empty plate clears the choice.
func (s *AssessService) SelectVehicle(ctx context.Context, lineID, plate string) error {
	plate = domain.NormalizeText(plate)
	if _, err := s.drafts.GetOrCreate(ctx, lineID); err != nil {
		return fmt.Errorf("failed to load draft: %w", err)
	}
	if plate != "" {
		details, err := s.backend.GetUser(ctx, lineID)
		if err != nil {
			return fmt.Errorf("failed to load vehicles: %w", err)
		}
		if !ownsVehicle(details.Vehicles, plate) {
			return ErrUnknownVehicle
		}
	}
	return s.drafts.SetVehicle(ctx, lineID, plate)
}

func ownsVehicle(vehicles []domain.Vehicle, plate string) bool {
	return findVehicle(vehicles, plate) != nil
}

// findVehicle looks plate up among vehicles after normalising both sides.
func findVehicle(vehicles []domain.Vehicle, plate string) *domain.Vehicle {
	plate = domain.NormalizeText(plate)
	for i := range vehicles {
		if domain.NormalizeText(vehicles[i].LicensePlate) == plate {
			return &vehicles[i]
		}
	}
	return nil
}

// SelectPart sets the part of a row. A part already used by another row is
// rejected and the row keeps its previous part.
func (s *AssessService) SelectPart(ctx context.Context, lineID, rowID, part string) error {
	draft, err := s.drafts.GetOrCreate(ctx, lineID)
	if err != nil {
		return fmt.Errorf("failed to load draft: %w", err)
	}
	if draft.Row(rowID) == nil {
		return store.ErrRowNotFound
	}
	if part != "" && !s.catalog.HasPart(part) {
		return ErrUnknownPart
	}
	if part != "" {
		for _, row := range draft.Rows {
			if row.ID != rowID && row.PartType == part {
				return ErrDuplicatePart
			}
		}
	}
	return s.drafts.SetRowPart(ctx, lineID, rowID, part)
}

// AttachImage stages data as the image of a row and releases the image it
// replaces.
func (s *AssessService) AttachImage(ctx context.Context, lineID, rowID string, data []byte, mimeType string) error {
	if len(data) > MaxImageBytes {
		return ErrImageTooLarge
	}

	draft, err := s.drafts.GetOrCreate(ctx, lineID)
	if err != nil {
		return fmt.Errorf("failed to load draft: %w", err)
	}
	if draft.Row(rowID) == nil {
		return store.ErrRowNotFound
	}

	key, err := s.photos.Save(ctx, "damage", mimeType, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to stage image: %w", err)
	}
	previous, err := s.drafts.SetRowImage(ctx, lineID, rowID, key, mimeType)
	if err != nil {
		s.release(ctx, key)
		return fmt.Errorf("failed to attach image: %w", err)
	}

	s.logger.Info("image staged", "line_id", lineID, "row_id", rowID, "mime_type", mimeType, "size", humanize.IBytes(uint64(len(data))))
	if previous != "" {
		s.release(ctx, previous)
	}
	return nil
}

// RemoveImage clears the image of a row; the row itself stays.
func (s *AssessService) RemoveImage(ctx context.Context, lineID, rowID string) error {
	previous, err := s.drafts.SetRowImage(ctx, lineID, rowID, "", "")
	if err != nil {
		return err
	}
	if previous != "" {
		s.release(ctx, previous)
	}
	return nil
}

func (s *AssessService) AddRow(ctx context.Context, lineID string) error {
	draft, err := s.drafts.GetOrCreate(ctx, lineID)
	if err != nil {
		return fmt.Errorf("failed to load draft: %w", err)
	}
	if len(draft.Rows) >= MaxDamageRows {
		return ErrTooManyRows
	}
	if len(s.catalog.AvailableParts(draft.UsedParts())) == 0 {
		return ErrNoPartsLeft
	}
	_, err = s.drafts.AddRow(ctx, lineID, MaxDamageRows)
	return err
}

// RemoveRow deletes a row and releases its image. The last row stays.
func (s *AssessService) RemoveRow(ctx context.Context, lineID, rowID string) error {
	key, err := s.drafts.DeleteRow(ctx, lineID, rowID)
	if err != nil {
		return err
	}
	if key != "" {
		s.release(ctx, key)
	}
	return nil
}

// ImageFor opens the staged image of a row owned by lineID.
func (s *AssessService) ImageFor(ctx context.Context, lineID, rowID string) (io.ReadCloser, string, error) {
	draft, err := s.drafts.Get(ctx, lineID)
	if err != nil {
		return nil, "", err
	}
	if draft == nil {
		return nil, "", photostore.ErrNotFound
	}
	row := draft.Row(rowID)
	if row == nil || !row.HasImage() {
		return nil, "", photostore.ErrNotFound
	}
	return s.photos.Get(ctx, row.StorageKey)
}

// Validate checks a draft is ready to submit: a vehicle, then a part on every
// row, then an image on every row. The first failure is returned.
func Validate(draft *domain.AssessmentDraft) error {
	if draft == nil || draft.LicensePlate == "" {
		return ErrVehicleRequired
	}
	for _, row := range draft.Rows {
		if row.PartType == "" {
			return ErrPartRequired
		}
	}
	for _, row := range draft.Rows {
		if !row.HasImage() {
			return ErrImageRequired
		}
	}
	return nil
}

// Submit validates the draft and sends it to the backend in one request. On
// success the draft and its staged images are discarded and the history id is
// returned; on failure the draft is kept for another attempt.
func (s *AssessService) Submit(ctx context.Context, lineID string) (string, error) {
	draft, err := s.drafts.Get(ctx, lineID)
	if err != nil {
		return "", fmt.Errorf("failed to load draft: %w", err)
	}
	if err := Validate(draft); err != nil {
		return "", err
	}

	upload := backend.AssessmentUpload{LicensePlate: draft.LicensePlate}
	var readers []io.ReadCloser
	defer func() {
		for _, rc := range readers {
			_ = rc.Close()
		}
	}()
	for _, row := range draft.Rows {
		rc, mimeType, err := s.photos.Get(ctx, row.StorageKey)
		if err != nil {
			return "", fmt.Errorf("failed to open staged image for %s: %w", row.PartType, err)
		}
		readers = append(readers, rc)
		upload.Images = append(upload.Images, backend.DamageImage{
			PartType: row.PartType,
			MimeType: mimeType,
			Filename: row.StorageKey,
			Body:     rc,
		})
	}

	s.logger.Info("submitting assessment", "line_id", lineID, "license_plate", draft.LicensePlate, "images", len(upload.Images))
	historyID, err := s.backend.AssessDamage(ctx, upload)
	if err != nil {
		return "", err
	}

	s.discard(ctx, draft)
	return historyID, nil
}

// PurgeStale discards every draft untouched since cutoff together with its
// staged images and returns how many were removed.
func (s *AssessService) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.drafts.StaleLineIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, id := range ids {
		draft, err := s.drafts.Get(ctx, id)
		if err != nil {
			return purged, fmt.Errorf("failed to load stale draft: %w", err)
		}
		if draft == nil {
			continue
		}
		s.discard(ctx, draft)
		purged++
	}
	if purged > 0 {
		s.logger.Info("purged stale drafts", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}

func (s *AssessService) discard(ctx context.Context, draft *domain.AssessmentDraft) {
	for _, row := range draft.Rows {
		if row.StorageKey != "" {
			s.release(ctx, row.StorageKey)
		}
	}
	if err := s.drafts.Delete(ctx, draft.LineID); err != nil {
		s.logger.Error("failed to delete draft", "line_id", draft.LineID, "error", err)
	}
}

func (s *AssessService) release(ctx context.Context, key string) {
	if err := s.photos.Delete(ctx, key); err != nil && !errors.Is(err, photostore.ErrNotFound) {
		s.logger.Error("failed to release staged image", "key", key, "error", err)
	}
}
