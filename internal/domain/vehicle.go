package domain

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ChassisNumberLen is the length of a VIN.
const ChassisNumberLen = 17

// FieldErrors maps a form field name to the message shown next to it.
type FieldErrors map[string]string

func (e FieldErrors) Any() bool {
	return len(e) > 0
}

// Add records msg for field unless the field already has a message.
func (e FieldErrors) Add(field, msg string) {
	if _, ok := e[field]; !ok {
		e[field] = msg
	}
}

// Messages shown by the vehicle and member forms.
const (
	MsgBrandRequired        = "กรุณาเลือกยี่ห้อรถ"
	MsgModelRequired        = "กรุณาเลือกแบบรถ"
	MsgYearRequired         = "กรุณาเลือกรุ่นปี"
	MsgYearInvalid          = "รุ่นปีไม่ถูกต้อง"
	MsgBrandUnknown         = "กรุณาเลือกยี่ห้อรถจากรายการ"
	MsgModelUnknown         = "กรุณาเลือกแบบรถจากรายการ"
	MsgProvinceUnknown      = "กรุณาเลือกจังหวัดจากรายการ"
	MsgLicensePlateRequired = "กรุณากรอกเลขทะเบียน"
	MsgProvinceRequired     = "กรุณาเลือกจังหวัดที่จดทะเบียน"
	MsgChassisLength        = "เลขตัวรถต้องมี 17 ตัวอักษร"
	MsgFirstNameRequired    = "กรุณากรอกชื่อ"
	MsgLastNameRequired     = "กรุณากรอกนามสกุล"
	MsgConsentRequired      = "กรุณากดยินยอมการใช้ข้อมูลส่วนบุคคลก่อนสมัครสมาชิก"
)

// VehicleInput is a vehicle as typed into a form, before conversion.
type VehicleInput struct {
	Brand         string
	Model         string
	Year          string
	LicensePlate  string
	ChassisNumber string
	Province      string
}

// NormalizeText trims s and puts it in NFC so Thai plates typed on different
// keyboards compare equal.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// ValidChassisNumber reports whether s is either empty (not provided) or
// exactly ChassisNumberLen characters after trimming.
func ValidChassisNumber(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || utf8.RuneCountInString(s) == ChassisNumberLen
}

// ValidateEdit checks the fields required when adding or editing a vehicle on
// the member screen. Field names are prefixed with prefix.
func (in VehicleInput) ValidateEdit(prefix string) FieldErrors {
	errs := FieldErrors{}
	in.validateCommon(prefix, errs)
	return errs
}

// ValidateRegistration checks a vehicle row of the registration form, which
// additionally requires the registration province.
func (in VehicleInput) ValidateRegistration(prefix string) FieldErrors {
	errs := FieldErrors{}
	in.validateCommon(prefix, errs)
	if strings.TrimSpace(in.Province) == "" {
		errs.Add(prefix+"province", MsgProvinceRequired)
	}
	return errs
}

// Options is the set of values offered by the vehicle selects.
type Options interface {
	HasBrand(name string) bool
	HasModel(name string) bool
	HasYear(model string, year int) bool
	HasProvince(value string) bool
}

// CheckOptions rejects filled-in select values that opts does not offer.
// Empty fields are left to ValidateEdit and ValidateRegistration.
func (in VehicleInput) CheckOptions(prefix string, opts Options) FieldErrors {
	errs := FieldErrors{}
	brand := strings.TrimSpace(in.Brand)
	if brand != "" && !opts.HasBrand(brand) {
		errs.Add(prefix+"brand", MsgBrandUnknown)
	}
	switch model := strings.TrimSpace(in.Model); {
	case model == "":
	case !opts.HasModel(model):
		errs.Add(prefix+"model", MsgModelUnknown)
	default:
		if year, err := strconv.Atoi(strings.TrimSpace(in.Year)); err == nil && !opts.HasYear(model, year) {
			errs.Add(prefix+"year", MsgYearInvalid)
		}
	}
	province := strings.TrimSpace(in.Province)
	if province != "" && !opts.HasProvince(province) {
		errs.Add(prefix+"province", MsgProvinceUnknown)
	}
	return errs
}

func (in VehicleInput) validateCommon(prefix string, errs FieldErrors) {
	if strings.TrimSpace(in.Brand) == "" {
		errs.Add(prefix+"brand", MsgBrandRequired)
	}
	if strings.TrimSpace(in.Model) == "" {
		errs.Add(prefix+"model", MsgModelRequired)
	}
	year := strings.TrimSpace(in.Year)
	if year == "" {
		errs.Add(prefix+"year", MsgYearRequired)
	} else if _, err := strconv.Atoi(year); err != nil {
		errs.Add(prefix+"year", MsgYearInvalid)
	}
	if NormalizeText(in.LicensePlate) == "" {
		errs.Add(prefix+"license_plate", MsgLicensePlateRequired)
	}
	if !ValidChassisNumber(in.ChassisNumber) {
		errs.Add(prefix+"chassis_number", MsgChassisLength)
	}
}

// Vehicle converts a validated input. The chassis number is upper-cased and
// the year parsed; an unparsable year yields zero.
func (in VehicleInput) Vehicle() Vehicle {
	year, _ := strconv.Atoi(strings.TrimSpace(in.Year))
	return Vehicle{
		Brand:         strings.TrimSpace(in.Brand),
		Model:         strings.TrimSpace(in.Model),
		Year:          year,
		LicensePlate:  NormalizeText(in.LicensePlate),
		ChassisNumber: strings.ToUpper(strings.TrimSpace(in.ChassisNumber)),
		Province:      strings.TrimSpace(in.Province),
	}
}

// InputFromVehicle is the inverse of VehicleInput.Vehicle, used to prefill
// edit forms.
func InputFromVehicle(v Vehicle) VehicleInput {
	in := VehicleInput{
		Brand:         v.Brand,
		Model:         v.Model,
		LicensePlate:  v.LicensePlate,
		ChassisNumber: v.ChassisNumber,
		Province:      v.Province,
	}
	if v.Year != 0 {
		in.Year = strconv.Itoa(v.Year)
	}
	return in
}
