package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quickcheck-project/quickcheck-liff/internal/backend"
	"github.com/quickcheck-project/quickcheck-liff/internal/catalog"
	"github.com/quickcheck-project/quickcheck-liff/internal/domain"
)

// ValidationError carries per-field messages for a rejected form.
type ValidationError struct {
	Fields domain.FieldErrors
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	return fmt.Sprintf("invalid fields: %s", strings.Join(names, ", "))
}

// memberGateway is the subset of backend.Client that MemberService requires.
type memberGateway interface {
	GetUser(ctx context.Context, lineID string) (*backend.UserDetails, error)
	AddCars(ctx context.Context, lineID string, vehicles []domain.Vehicle) error
	UpdateCar(ctx context.Context, plate string, v domain.Vehicle) error
	DeleteCar(ctx context.Context, plate string) error
}

type MemberService struct {
	backend memberGateway
	catalog *catalog.Catalog
	logger  *slog.Logger
}

func NewMemberService(gateway memberGateway, cat *catalog.Catalog, logger *slog.Logger) *MemberService {
	return &MemberService{backend: gateway, catalog: cat, logger: logger}
}

func (s *MemberService) validate(in domain.VehicleInput) domain.FieldErrors {
	errs := in.ValidateEdit("")
	for field, msg := range in.CheckOptions("", s.catalog) {
		errs.Add(field, msg)
	}
	return errs
}

// MemberPage is the member screen's data. When the user could not be loaded
// User is nil, Vehicles is empty and LoadErr says why.
type MemberPage struct {
	User     *domain.User
	Vehicles []domain.Vehicle
	LoadErr  error
}

func (s *MemberService) Load(ctx context.Context, lineID string) *MemberPage {
	details, err := s.backend.GetUser(ctx, lineID)
	if err != nil {
		s.logger.Warn("failed to load member", "line_id", lineID, "error", err)
		return &MemberPage{LoadErr: err}
	}
	return &MemberPage{User: &details.User, Vehicles: details.Vehicles}
}

// AddVehicle validates in, adds it to the user's vehicles and reloads the page.
func (s *MemberService) AddVehicle(ctx context.Context, lineID string, in domain.VehicleInput) (*MemberPage, error) {
	if errs := s.validate(in); errs.Any() {
		return nil, &ValidationError{Fields: errs}
	}
	if err := s.backend.AddCars(ctx, lineID, []domain.Vehicle{in.Vehicle()}); err != nil {
		return nil, err
	}
	s.logger.Info("vehicle added", "line_id", lineID)
	return s.Load(ctx, lineID), nil
}

// owned returns the plate as the backend knows it, or ErrUnknownVehicle when
// lineID has no vehicle with that plate.
func (s *MemberService) owned(ctx context.Context, lineID, plate string) (string, error) {
	details, err := s.backend.GetUser(ctx, lineID)
	if err != nil {
		return "", fmt.Errorf("failed to load vehicles: %w", err)
	}
	v := findVehicle(details.Vehicles, plate)
	if v == nil {
		return "", ErrUnknownVehicle
	}
	return v.LicensePlate, nil
}

// EditVehicle replaces the vehicle registered under plate and reloads the page.
func (s *MemberService) EditVehicle(ctx context.Context, lineID, plate string, in domain.VehicleInput) (*MemberPage, error) {
	if errs := s.validate(in); errs.Any() {
		return nil, &ValidationError{Fields: errs}
	}
	plate, err := s.owned(ctx, lineID, plate)
	if err != nil {
		return nil, err
	}
	if err := s.backend.UpdateCar(ctx, plate, in.Vehicle()); err != nil {
		return nil, err
	}
	s.logger.Info("vehicle updated", "line_id", lineID, "license_plate", plate)
	return s.Load(ctx, lineID), nil
}

func (s *MemberService) DeleteVehicle(ctx context.Context, lineID, plate string) (*MemberPage, error) {
	plate, err := s.owned(ctx, lineID, plate)
	if err != nil {
		return nil, err
	}
	if err := s.backend.DeleteCar(ctx, plate); err != nil {
		return nil, err
	}
	s.logger.Info("vehicle deleted", "line_id", lineID, "license_plate", plate)
	return s.Load(ctx, lineID), nil
}
