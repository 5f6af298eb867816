package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/quickcheck-project/quickcheck-liff/internal/backend"
	"github.com/quickcheck-project/quickcheck-liff/internal/catalog"
	"github.com/quickcheck-project/quickcheck-liff/internal/domain"
)

// registerGateway is the subset of backend.Client that RegisterService requires.
type registerGateway interface {
	CheckUser(ctx context.Context, lineID string) (bool, error)
	Register(ctx context.Context, reg backend.Registration) error
}

// consentRepository is the subset of store.ConsentStore that RegisterService requires.
type consentRepository interface {
	Accept(ctx context.Context, lineID string) error
	HasAccepted(ctx context.Context, lineID string) (bool, error)
	Clear(ctx context.Context, lineID string) error
}

type RegisterService struct {
	backend  registerGateway
	consents consentRepository
	catalog  *catalog.Catalog
	logger   *slog.Logger
}

func NewRegisterService(gateway registerGateway, consents consentRepository, cat *catalog.Catalog, logger *slog.Logger) *RegisterService {
	return &RegisterService{backend: gateway, consents: consents, catalog: cat, logger: logger}
}

// RegistrationForm is the registration screen as submitted.
type RegistrationForm struct {
	FirstName string
	LastName  string
	Vehicles  []domain.VehicleInput
}

// RegisterOutcome describes a rejected submission. ShowConsent asks the
// screen to open the consent popup.
type RegisterOutcome struct {
	Errors      domain.FieldErrors
	ShowConsent bool
}

func (s *RegisterService) IsRegistered(ctx context.Context, lineID string) (bool, error) {
	return s.backend.CheckUser(ctx, lineID)
}

// AcceptConsent records that lineID accepted the consent popup. It is the only
// way the consent checkbox becomes checked.
func (s *RegisterService) AcceptConsent(ctx context.Context, lineID string) error {
	return s.consents.Accept(ctx, lineID)
}

func (s *RegisterService) HasConsent(ctx context.Context, lineID string) (bool, error) {
	return s.consents.HasAccepted(ctx, lineID)
}

// VehicleField names the form field of vehicle idx.
func VehicleField(idx int, name string) string {
	return "cars." + strconv.Itoa(idx) + "." + name
}

// Validate checks the form against the recorded consent.
func (s *RegisterService) Validate(form RegistrationForm, consented bool) *RegisterOutcome {
	out := &RegisterOutcome{Errors: domain.FieldErrors{}}
	if !consented {
		out.Errors.Add("consent", domain.MsgConsentRequired)
		out.ShowConsent = true
	}
	if strings.TrimSpace(form.FirstName) == "" {
		out.Errors.Add("first_name", domain.MsgFirstNameRequired)
	}
	if strings.TrimSpace(form.LastName) == "" {
		out.Errors.Add("last_name", domain.MsgLastNameRequired)
	}
	for i, v := range form.Vehicles {
		prefix := VehicleField(i, "")
		for field, msg := range v.ValidateRegistration(prefix) {
			out.Errors.Add(field, msg)
		}
		for field, msg := range v.CheckOptions(prefix, s.catalog) {
			out.Errors.Add(field, msg)
		}
	}
	return out
}

// Submit registers the user with all vehicles in one backend call. A non-nil
// outcome means the form was rejected before calling the backend.
func (s *RegisterService) Submit(ctx context.Context, lineID string, form RegistrationForm) (*RegisterOutcome, error) {
	if len(form.Vehicles) == 0 {
		form.Vehicles = []domain.VehicleInput{{}}
	}

	consented, err := s.consents.HasAccepted(ctx, lineID)
	if err != nil {
		return nil, fmt.Errorf("failed to read consent: %w", err)
	}
	if out := s.Validate(form, consented); out.Errors.Any() {
		return out, nil
	}

	reg := backend.Registration{
		LineID:    lineID,
		FirstName: domain.NormalizeText(form.FirstName),
		LastName:  domain.NormalizeText(form.LastName),
		Consent:   true,
	}
	for _, v := range form.Vehicles {
		reg.Vehicles = append(reg.Vehicles, v.Vehicle())
	}

	if err := s.backend.Register(ctx, reg); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "line_id", lineID, "vehicles", len(reg.Vehicles))

	if err := s.consents.Clear(ctx, lineID); err != nil {
		s.logger.Warn("failed to clear consent", "line_id", lineID, "error", err)
	}
	return nil, nil
}
